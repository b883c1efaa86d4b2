package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	chatterbox "github.com/chatterbox-app/chatterbox-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// users
	usersSearch string
	usersJSON   bool

	// conversations
	conversationsJSON bool

	// unread
	unreadJSON bool

	// messages
	messagesGrep string
	messagesJSON bool

	// send
	sendJSON bool
)

func init() {
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)

	usersCmd.Flags().StringVarP(&usersSearch, "search", "s", "", "Search users by name or email")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().StringVarP(&messagesGrep, "grep", "g", "", "Only show messages containing this text")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
}

// resolvePeer accepts a user id or the name of a followed user.
func resolvePeer(app *chatterbox.App, arg string) (chatterbox.User, error) {
	for _, u := range app.Contacts.Followed() {
		if u.ID == arg || strings.EqualFold(u.Name, arg) {
			return u, nil
		}
	}
	if chatterbox.IsValidID(arg) {
		return chatterbox.User{ID: arg}, nil
	}
	return chatterbox.User{}, fmt.Errorf("no followed user named %q", arg)
}

// refreshUnread fetches unread counts, waiting out a refresh the realtime
// connect already started.
func refreshUnread(ctx context.Context, app *chatterbox.App) error {
	for {
		err := app.Engine.RefreshUnreadCounts(ctx)
		if !errors.Is(err, chatterbox.ErrAlreadyLoading) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List or search users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, true, false)
		defer app.Close()

		if err := app.LoadContacts(ctx, false); err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}

		var users []chatterbox.User
		var err error
		if usersSearch != "" {
			users, err = app.Contacts.Search(ctx, usersSearch)
		} else {
			users, err = app.Contacts.Directory(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-26s %-20s %-28s %s\n", u.ID, displayName(u), u.Email, app.Contacts.State(u.ID))
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

type conversationRow struct {
	User         chatterbox.User `json:"user"`
	Unread       int             `json:"unread"`
	Online       bool            `json:"online"`
	LastActivity *time.Time      `json:"lastActivity,omitempty"`
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List followed users, most recent conversation first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, true, false)
		defer app.Close()

		if err := app.LoadContacts(ctx, false); err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
		if err := refreshUnread(ctx, app); err != nil {
			return fmt.Errorf("failed to load unread counts: %w", err)
		}

		followed := app.Contacts.Followed()
		byID := make(map[string]chatterbox.User, len(followed))
		ids := make([]string, 0, len(followed))
		for _, u := range followed {
			byID[u.ID] = u
			ids = append(ids, u.ID)
		}

		rows := make([]conversationRow, 0, len(ids))
		for _, id := range app.Engine.ConversationOrder(ids) {
			row := conversationRow{
				User:   byID[id],
				Unread: app.Engine.UnreadCount(id),
				Online: app.Engine.IsOnline(id),
			}
			if at := app.Engine.LastActivity(id); !at.IsZero() {
				row.LastActivity = &at
			}
			rows = append(rows, row)
		}

		if conversationsJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("You are not following anyone yet. Try 'chatterbox users --search <name>'.")
			return nil
		}
		for _, r := range rows {
			marker := " "
			if r.Online {
				marker = "*"
			}
			unread := ""
			if r.Unread > 0 {
				unread = fmt.Sprintf("(%d unread)", r.Unread)
			}
			last := "-"
			if r.LastActivity != nil {
				last = r.LastActivity.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%s %-20s %-16s %s\n", marker, displayName(r.User), last, unread)
		}
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, true, false)
		defer app.Close()

		if err := app.LoadContacts(ctx, false); err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
		if err := refreshUnread(ctx, app); err != nil {
			return fmt.Errorf("failed to load unread counts: %w", err)
		}

		counts := app.Engine.UnreadCounts()
		if unreadJSON {
			return printJSON(counts)
		}
		if len(counts) == 0 {
			fmt.Println("No unread messages.")
			return nil
		}
		for _, u := range app.Contacts.Followed() {
			if n := counts[u.ID]; n > 0 {
				fmt.Printf("%-20s %d\n", displayName(u), n)
				delete(counts, u.ID)
			}
		}
		for id, n := range counts {
			fmt.Printf("%-20s %d\n", id, n)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, true, false)
		defer app.Close()

		if err := app.LoadContacts(ctx, false); err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
		peer, err := resolvePeer(app, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.SelectConversation(ctx, peer.ID); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}

		msgs := app.Engine.View().Messages
		if messagesGrep != "" {
			msgs = app.Engine.SearchMessages(messagesGrep, peer.ID, len(msgs))
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(peer, m)
		}
		return nil
	},
}

// compactOutput is set from the display_mode preference.
var compactOutput bool

func printMessage(peer chatterbox.User, m chatterbox.Message) {
	author := displayName(peer)
	if m.FromSelf {
		author = "you"
	}
	if compactOutput {
		fmt.Printf("%s: %s\n", author, m.Content)
		return
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("01-02 15:04"), author, m.Content)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user> <message>",
	Short: "Send a direct message to a followed user",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		app := startApp(ctx, true, false)
		defer app.Close()

		if err := app.LoadContacts(ctx, false); err != nil {
			return fmt.Errorf("failed to load contacts: %w", err)
		}
		peer, err := resolvePeer(app, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.SelectConversation(ctx, peer.ID); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}

		msg, err := app.Engine.Send(ctx, peer.ID, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent to %s (%s)\n", displayName(peer), msg.ID)
		return nil
	},
}
