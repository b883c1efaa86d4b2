package main

import (
	"context"
	"fmt"
	"time"

	chatterbox "github.com/chatterbox-app/chatterbox-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Long:  "Display the current configuration, check the saved session token, and test the realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatterbox.DefaultBaseURL+" (default)"))
		fmt.Printf("  Socket URL:  %s\n", valueOrDefault(cfg.Default.SocketURL, "(derived from base URL)"))
		fmt.Printf("  Session:     %s\n", valueOrDefault(cfg.Session.Path, "~/.chatterbox/session.toml"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		app := startApp(ctx, false, false)
		defer app.Close()

		fmt.Println()
		fmt.Println("Session:")
		sess := app.Session.Current()
		if !sess.IsAuthenticated() {
			fmt.Println("  User:        (not signed in)")
			return nil
		}
		fmt.Printf("  User:        %s <%s>\n", displayName(*sess.User), sess.User.Email)
		fmt.Printf("  User ID:     %s\n", sess.User.ID)
		fmt.Printf("  Token:       %s\n", maskToken(sess.Token))

		if claims, err := chatterbox.DecodeToken(sess.Token); err == nil && !claims.ExpiresAt.IsZero() {
			left := time.Until(claims.ExpiresAt).Round(time.Second)
			fmt.Printf("  Expires:     %s (%s, in %s)\n", claims.ExpiresAt.Format(time.RFC3339), app.Tokens.State(), left)
		} else {
			fmt.Printf("  Expires:     unknown (%s)\n", app.Tokens.State())
		}
		fmt.Printf("  Realtime:    %s\n", app.Channel.State())
		return nil
	},
}
