package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chao-eng1/msgcenter"
	"github.com/spf13/cobra"
)

var flagUnreadOnly bool

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)

	conversationsListCmd.Flags().BoolVar(&flagUnreadOnly, "unread", false, "Only show conversations with unread messages")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, pinned first then most recent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c, cleanup, err := refreshed(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var convs []msgcenter.Conversation
		for _, conv := range c.Conversations() {
			if flagUnreadOnly && c.UnreadCount(conv.ID) == 0 {
				continue
			}
			conv.UnreadCount = c.UnreadCount(conv.ID)
			convs = append(convs, conv)
		}

		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		for _, conv := range convs {
			fmt.Fprintln(out, formatConversation(conv))
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c, cleanup, err := newCenter(cfg, false, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := c.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read\n", args[0])
		return nil
	},
}

// formatConversation renders one line of the conversation list.
func formatConversation(conv msgcenter.Conversation) string {
	line := "  "
	if conv.IsPinned {
		line = "* "
	}
	line += fmt.Sprintf("%s: %s", conv.ID, valueOrDefault(conv.Title, string(conv.Kind)))
	if conv.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", conv.UnreadCount)
	}
	if conv.IsMuted {
		line += " [muted]"
	}
	if conv.LastMessage != nil {
		line += fmt.Sprintf("\n      %s", truncate(conv.LastMessage.Content, 60))
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
