package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(unreadCmd)
}

type unreadReport struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per conversation and in total",
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

		report := unreadReport{Total: c.UnreadTotal(), Conversations: map[string]int{}}
		for _, conv := range c.Conversations() {
			if n := c.UnreadCount(conv.ID); n > 0 {
				report.Conversations[conv.ID] = n
			}
		}

		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, report)
		}
		for _, conv := range c.Conversations() {
			if n, ok := report.Conversations[conv.ID]; ok {
				fmt.Fprintf(out, "  %s: %d\n", conv.ID, n)
			}
		}
		fmt.Fprintf(out, "Total: %d\n", report.Total)
		return nil
	},
}
