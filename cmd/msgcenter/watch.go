package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chao-eng1/msgcenter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagPushAddr    string
	flagMetricsAddr string
	flagNoNATS      bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&flagPushAddr, "push-addr", "", "Listen address for signed server pushes (default from push.addr)")
	watchCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics, empty to disable")
	watchCmd.Flags().BoolVar(&flagNoNATS, "no-nats", false, "Do not relay signals over NATS even if nats.url is set")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live updates until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		c, cleanup, err := newCenter(cfg, true, !flagNoNATS, msgcenter.WithMetrics(msgcenter.NewMetrics(reg)))
		if err != nil {
			return err
		}
		defer cleanup()

		out := cmd.OutOrStdout()
		unwatch := c.Watch(func(ch msgcenter.Change) {
			if line := describeChange(c, ch); line != "" {
				fmt.Fprintln(out, line)
			}
		})
		defer unwatch()

		var servers []*http.Server
		if addr := valueOrDefault(flagPushAddr, cfg.Push.Addr); addr != "" {
			h, err := c.PushHandler(cfg.Push.Secret)
			if err != nil {
				return fmt.Errorf("push receiver: %w", err)
			}
			mux := http.NewServeMux()
			mux.Handle("/push", h)
			servers = append(servers, serve(addr, mux, "push"))
		}
		if flagMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			servers = append(servers, serve(flagMetricsAddr, mux, "metrics"))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}
		}()

		if err := c.Start(ctx); err != nil {
			return err
		}
		printSummary(out, c)

		<-ctx.Done()
		fmt.Fprintln(out, "Stopping.")
		return nil
	},
}

func serve(addr string, h http.Handler, name string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}

func printSummary(w io.Writer, c *msgcenter.Center) {
	fmt.Fprintf(w, "Watching as %s: %d conversations, %d unread\n",
		valueOrDefault(c.UserID(), "(unknown user)"), len(c.Conversations()), c.UnreadTotal())
}

type centerView interface {
	Messages(conversationID string) []msgcenter.Message
	UnreadTotal() int
	Typing(conversationID string) []msgcenter.TypingState
	RefreshState() msgcenter.RefreshState
}

// describeChange renders a change as one output line, or "" for changes
// that are not worth printing.
func describeChange(c centerView, ch msgcenter.Change) string {
	switch ch.Kind {
	case msgcenter.ChangeTransport:
		if ch.Err != nil {
			return fmt.Sprintf("[channel] %s: %v", ch.State, ch.Err)
		}
		return fmt.Sprintf("[channel] %s", ch.State)
	case msgcenter.ChangeMessages:
		msgs := c.Messages(ch.ConversationID)
		if len(msgs) == 0 {
			return ""
		}
		m := msgs[len(msgs)-1]
		return fmt.Sprintf("[%s] %s: %s (%s)", ch.ConversationID, valueOrDefault(m.SenderID, "?"), truncate(m.Content, 80), m.Status)
	case msgcenter.ChangeUnread:
		return fmt.Sprintf("[unread] total %d", c.UnreadTotal())
	case msgcenter.ChangeTyping:
		var users []string
		for _, ts := range c.Typing(ch.ConversationID) {
			users = append(users, ts.UserID)
		}
		if len(users) == 0 {
			return fmt.Sprintf("[%s] nobody typing", ch.ConversationID)
		}
		return fmt.Sprintf("[%s] typing: %s", ch.ConversationID, strings.Join(users, ", "))
	case msgcenter.ChangeRefresh:
		rs := c.RefreshState()
		if rs.Err != nil {
			return fmt.Sprintf("[refresh] %v", rs.Err)
		}
	}
	return ""
}
