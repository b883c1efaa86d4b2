package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	chatterbox "github.com/chatterbox-app/chatterbox-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var chatGreet bool

var (
	errInputClosed  = errors.New("input closed")
	errSessionEnded = errors.New("session ended")
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVar(&chatGreet, "greet", false, "Say hi when the conversation is empty")
}

var chatCmd = &cobra.Command{
	Use:   "chat <user>",
	Short: "Open a live conversation",
	Long: "Open a live conversation with a followed user. Lines read from stdin are sent as messages;\n" +
		"incoming messages, typing and presence are printed as they arrive. Type /quit or press Ctrl-D to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app := startApp(ctx, true, true)
		defer app.Close()

		loadCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if err := app.LoadContacts(loadCtx, false); err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
		peer, err := resolvePeer(app, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.SelectConversation(loadCtx, peer.ID); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}

		for _, m := range app.Engine.View().Messages {
			printMessage(peer, m)
		}
		if chatGreet {
			if _, err := app.Engine.SendGreeting(loadCtx); err != nil {
				return err
			}
		}
		watchConversation(app, peer)

		ended := make(chan struct{})
		var endOnce sync.Once
		app.Session.Subscribe(func(prev, next chatterbox.Session) {
			if prev.IsAuthenticated() && !next.IsAuthenticated() {
				endOnce.Do(func() { close(ended) })
			}
		})

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return errInputClosed
					}
					app.RecordActivity(chatterbox.ActivityKey)
					line = strings.TrimSpace(line)
					switch {
					case line == "":
						continue
					case line == "/quit":
						return errInputClosed
					}
					// Failures are already reported through the notifier.
					_, _ = app.Engine.Send(gctx, peer.ID, line)
				}
			}
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-ended:
				return errSessionEnded
			}
		})

		err = g.Wait()
		if errors.Is(err, errSessionEnded) {
			return fmt.Errorf("signed out; run 'chatterbox login' to continue")
		}
		if errors.Is(err, errInputClosed) {
			return nil
		}
		return err
	},
}

// watchConversation prints engine events that concern the user at the
// terminal.
func watchConversation(app *chatterbox.App, peer chatterbox.User) {
	name := displayName(peer)
	app.Engine.On(chatterbox.EngineMessageReceived, func(_ string, ev chatterbox.EngineEvent) {
		if ev.Message == nil {
			return
		}
		if ev.PeerID == peer.ID {
			printMessage(peer, *ev.Message)
			return
		}
		fmt.Printf("(new message from %s)\n", ev.PeerID)
	})
	app.Engine.On(chatterbox.EngineTypingChanged, func(_ string, ev chatterbox.EngineEvent) {
		if ev.PeerID == peer.ID && ev.Typing {
			fmt.Printf("(%s is typing...)\n", name)
		}
	})
	app.Engine.On(chatterbox.EnginePresenceChanged, func(_ string, ev chatterbox.EngineEvent) {
		if ev.PeerID != peer.ID {
			return
		}
		if app.Engine.IsOnline(peer.ID) {
			fmt.Printf("(%s is online)\n", name)
		} else {
			fmt.Printf("(%s went offline)\n", name)
		}
	})
	app.Engine.On(chatterbox.EngineConversationClosed, func(_ string, ev chatterbox.EngineEvent) {
		if ev.PeerID == peer.ID {
			fmt.Printf("(conversation with %s closed)\n", name)
		}
	})
}
