package main

import (
	"context"
	"fmt"

	chatterbox "github.com/chatterbox-app/chatterbox-go"
	"github.com/spf13/cobra"
)

var requestsJSON bool

func init() {
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(unfollowCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsAcceptCmd)
	requestsCmd.AddCommand(requestsRejectCmd)

	requestsCmd.Flags().BoolVar(&requestsJSON, "json", false, "Output raw JSON")
}

// contactAction runs fn against freshly loaded contacts.
func contactAction(fn func(ctx context.Context, app *chatterbox.App) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	app := startApp(ctx, true, false)
	defer app.Close()

	if err := app.LoadContacts(ctx, false); err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	return fn(ctx, app)
}

var followCmd = &cobra.Command{
	Use:   "follow <user-id>",
	Short: "Send a follow request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contactAction(func(ctx context.Context, app *chatterbox.App) error {
			if err := app.Contacts.Request(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], app.Contacts.State(args[0]))
			return nil
		})
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <user>",
	Short: "Stop following a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contactAction(func(ctx context.Context, app *chatterbox.App) error {
			peer, err := resolvePeer(app, args[0])
			if err != nil {
				return err
			}
			if err := app.Contacts.Unfollow(ctx, peer.ID); err != nil {
				return err
			}
			fmt.Printf("Unfollowed %s\n", displayName(peer))
			return nil
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <user>",
	Short: "Block a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contactAction(func(ctx context.Context, app *chatterbox.App) error {
			peer, err := resolvePeer(app, args[0])
			if err != nil {
				return err
			}
			if err := app.Contacts.Block(ctx, peer.ID); err != nil {
				return err
			}
			fmt.Printf("Blocked %s\n", displayName(peer))
			return nil
		})
	},
}

// ============================================================================
// requests
// ============================================================================

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List incoming follow requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return contactAction(func(ctx context.Context, app *chatterbox.App) error {
			reqs := app.Contacts.Incoming()
			if requestsJSON {
				return printJSON(reqs)
			}
			if len(reqs) == 0 {
				fmt.Println("No pending requests.")
				return nil
			}
			for _, r := range reqs {
				fmt.Printf("%-26s %s <%s>\n", r.ID, displayName(r.From), r.From.Email)
			}
			return nil
		})
	},
}

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a follow request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contactAction(func(ctx context.Context, app *chatterbox.App) error {
			if err := app.Contacts.Accept(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Request accepted.")
			return nil
		})
	},
}

var requestsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a follow request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contactAction(func(ctx context.Context, app *chatterbox.App) error {
			if err := app.Contacts.Reject(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Request rejected.")
			return nil
		})
	},
}
