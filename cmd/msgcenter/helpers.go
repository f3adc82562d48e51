package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/chao-eng1/msgcenter"
	"github.com/nats-io/nats.go"
)

// newCenter builds a Center from the effective configuration. The returned
// cleanup closes the Center and any NATS connection it opened.
func newCenter(cfg *Config, autoConnect, withNATS bool, extra ...msgcenter.Option) (*msgcenter.Center, func(), error) {
	if cfg.Center.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL, run 'msgcenter config set center.base_url <url>' or set MSGCENTER_BASE_URL")
	}
	cc := cfg.Center
	cc.Transport.AutoConnect = &autoConnect

	opts := append([]msgcenter.Option{msgcenter.WithLogger(logger)}, extra...)
	var nc *nats.Conn
	if withNATS && cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("msgcenter-cli"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		opts = append(opts, msgcenter.WithNATS(nc, cfg.NATS.Subject))
	}

	c, err := msgcenter.New(cc, opts...)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		c.Close()
		if nc != nil {
			nc.Close()
		}
	}
	return c, cleanup, nil
}

// refreshed builds a Center without a live channel and loads one snapshot.
func refreshed(ctx context.Context, cfg *Config) (*msgcenter.Center, func(), error) {
	c, cleanup, err := newCenter(cfg, false, false)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Refresh(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return c, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
