package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chao-eng1/msgcenter"
	"github.com/spf13/cobra"
)

var flagSendTimeout time.Duration

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&flagSendTimeout, "timeout", 30*time.Second, "How long to wait for the server to accept the message")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a text message and wait for the server's answer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), flagSendTimeout)
		defer cancel()

		c, cleanup, err := newCenter(cfg, true, false)
		if err != nil {
			return err
		}
		defer cleanup()

		settled := make(chan struct{}, 1)
		unwatch := c.Watch(func(ch msgcenter.Change) {
			if ch.Kind != msgcenter.ChangeMessages || ch.ConversationID != args[0] {
				return
			}
			select {
			case settled <- struct{}{}:
			default:
			}
		})
		defer unwatch()

		if err := c.Start(ctx); err != nil {
			return err
		}
		m, err := c.Send(args[0], args[1])
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		final, err := waitSettled(ctx, c, m.ClientID, settled)
		if err != nil {
			return err
		}
		if final.Status == msgcenter.StatusFailed {
			return fmt.Errorf("message failed: %v", final.Err)
		}

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), final)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", valueOrDefault(final.ServerID, final.ClientID), final.Status)
		return nil
	},
}

// messageSource is the part of a Center that waitSettled reads.
type messageSource interface {
	Message(clientID string) (msgcenter.Message, bool)
	State() msgcenter.State
}

// waitSettled blocks until the message leaves the sending state.
func waitSettled(ctx context.Context, c messageSource, clientID string, changed <-chan struct{}) (msgcenter.Message, error) {
	for {
		m, ok := c.Message(clientID)
		if !ok {
			return msgcenter.Message{}, fmt.Errorf("message %s disappeared", clientID)
		}
		if m.Status != msgcenter.StatusSending && m.Status != msgcenter.StatusDraft {
			return m, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return m, fmt.Errorf("no answer for %s (state %s): %w", clientID, c.State(), ctx.Err())
		}
	}
}
