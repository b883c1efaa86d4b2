package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	authPassword string
	authJSON     bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (read from stdin when omitted)")
	loginCmd.Flags().BoolVar(&authJSON, "json", false, "Output raw JSON")
	registerCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (read from stdin when omitted)")
	registerCmd.Flags().BoolVar(&authJSON, "json", false, "Output raw JSON")
}

// readPassword returns the positional password at index i, the --password
// flag, or the first line of stdin, in that order.
func readPassword(args []string, i int) (string, error) {
	if len(args) > i {
		return args[i], nil
	}
	if authPassword != "" {
		return authPassword, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <email> [password]",
	Short: "Sign in and save the session",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(args, 1)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, false, false)
		defer app.Close()

		user, err := app.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if authJSON {
			return printJSON(user)
		}
		fmt.Printf("Signed in as %s (%s)\n", displayName(*user), user.ID)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <name> <email> [password]",
	Short: "Create an account and sign in",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(args, 2)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, false, false)
		defer app.Close()

		user, err := app.Register(ctx, args[0], args[1], password)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if authJSON {
			return printJSON(user)
		}
		fmt.Printf("Registered %s (%s)\n", displayName(*user), user.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, false, false)
		defer app.Close()

		if !app.Session.Current().IsAuthenticated() {
			fmt.Println("Not signed in.")
			return nil
		}
		app.Logout("manual")
		fmt.Println("Signed out.")
		return nil
	},
}
