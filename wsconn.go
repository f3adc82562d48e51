package msgcenter

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// defaultReadLimit bounds a single inbound frame.
const defaultReadLimit = 1 << 20

// WSDialer dials the live channel over WebSocket.
type WSDialer struct {
	// URL is the full ws:// or wss:// endpoint, token excluded.
	URL        string
	Token      string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWSDialer builds a dialer for path relative to an http(s) base URL.
func NewWSDialer(baseURL, path, token string) *WSDialer {
	wsURL := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if path == "" {
		path = "/chat"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &WSDialer{URL: wsURL + path, Token: token}
}

// Dial opens a connection. The token travels as a query parameter because
// browsers on the same channel cannot set headers.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	target := d.URL
	if d.Token != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "token=" + url.QueryEscape(d.Token)
	}

	// The dial context bounds the handshake; websocket refuses clients with a Timeout.
	hc := d.HTTPClient
	if hc != nil && hc.Timeout > 0 {
		cp := *hc
		cp.Timeout = 0
		hc = &cp
	}
	opts := &websocket.DialOptions{HTTPClient: hc}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}
	c, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
