package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	chatterbox "github.com/chatterbox-app/chatterbox-go"
)

const commandTimeout = 30 * time.Second

// stderrNotifier prints notifications the way a UI would show a toast.
type stderrNotifier struct{}

func (stderrNotifier) Notify(level chatterbox.NotifyLevel, message string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", level, message)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// appConfig translates the CLI config into an App config. live keeps the
// realtime channel reconnecting, which only long-running commands want.
func appConfig(cfg *Config, live bool) (chatterbox.Config, error) {
	path := cfg.Session.Path
	if path == "" {
		p, err := chatterbox.DefaultSessionPath()
		if err != nil {
			return chatterbox.Config{}, err
		}
		path = p
	}

	ac := chatterbox.Config{
		BaseURL:   cfg.Default.BaseURL,
		SocketURL: cfg.Default.SocketURL,
		Logger:    newLogger(),
		Slot:      &chatterbox.FileSlot{Path: path},
		Notifier:  stderrNotifier{},
		Realtime:  chatterbox.RealtimeConfig{DisableReconnect: !live},
	}
	if cfg.Session.IdleMinutes > 0 {
		ac.Token.IdleTimeout = time.Duration(cfg.Session.IdleMinutes) * time.Minute
	}
	return ac, nil
}

// startApp builds an App from the config file and restores the saved
// session. With requireSession it exits when nobody is signed in.
func startApp(ctx context.Context, requireSession, live bool) *chatterbox.App {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	ac, err := appConfig(cfg, live)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve session path: %v\n", err)
		os.Exit(1)
	}

	compactOutput = cfg.Preferences.DisplayMode == "compact"

	app := chatterbox.New(ac)
	sess := app.Start(ctx)
	if requireSession && !sess.IsAuthenticated() {
		app.Close()
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'chatterbox login' first.")
		os.Exit(1)
	}
	return app
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func displayName(u chatterbox.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
