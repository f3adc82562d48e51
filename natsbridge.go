package msgcenter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSignalSubject is the subject prefix relayed signals are published under.
const DefaultSignalSubject = "msgcenter.signals"

// relayedSignal is the NATS wire form of one signal.
type relayedSignal struct {
	Origin  string          `json:"origin"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// SignalBridge relays the cross-surface signals between processes over NATS.
// Signals published locally go out under <prefix>.<name>; signals from other
// bridges are delivered to local subscribers without being re-published.
type SignalBridge struct {
	nc      *nats.Conn
	signals *Signals
	prefix  string
	origin  string
	log     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewSignalBridge creates a bridge. prefix defaults to DefaultSignalSubject.
func NewSignalBridge(nc *nats.Conn, signals *Signals, prefix string, logger *zap.Logger) *SignalBridge {
	if prefix == "" {
		prefix = DefaultSignalSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalBridge{
		nc:      nc,
		signals: signals,
		prefix:  strings.TrimSuffix(prefix, "."),
		origin:  uuid.NewString(),
		log:     logger,
	}
}

// Start subscribes to remote signals and begins relaying local ones.
func (b *SignalBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.nc.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	b.sub = sub
	b.signals.setRelay(b.publish)
	b.log.Info("signal bridge started", zap.String("subject", b.prefix+".>"), zap.String("origin", b.origin))
	return nil
}

// Close stops relaying in both directions.
func (b *SignalBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	b.signals.setRelay(nil)
	err := b.sub.Unsubscribe()
	b.sub = nil
	return err
}

func (b *SignalBridge) publish(name string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error("marshal signal", zap.String("signal", name), zap.Error(err))
		return
	}
	data, err := json.Marshal(relayedSignal{Origin: b.origin, Name: name, Payload: payload})
	if err != nil {
		b.log.Error("marshal signal envelope", zap.String("signal", name), zap.Error(err))
		return
	}
	if err := b.nc.Publish(b.prefix+"."+name, data); err != nil {
		b.log.Warn("publish signal", zap.String("signal", name), zap.Error(err))
	}
}

func (b *SignalBridge) handle(msg *nats.Msg) {
	var rs relayedSignal
	if err := json.Unmarshal(msg.Data, &rs); err != nil {
		b.log.Debug("malformed relayed signal", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if rs.Origin == b.origin {
		return
	}

	var v any
	switch rs.Name {
	case SignalUnreadCountUpdate:
		var s UnreadCountUpdate
		if err := json.Unmarshal(rs.Payload, &s); err != nil {
			b.log.Debug("malformed unread signal", zap.Error(err))
			return
		}
		v = s
	case SignalConversationRead:
		var s ConversationRead
		if err := json.Unmarshal(rs.Payload, &s); err != nil {
			b.log.Debug("malformed read signal", zap.Error(err))
			return
		}
		v = s
	case SignalRefreshConversations:
		v = RefreshConversations{}
	default:
		b.log.Debug("unknown relayed signal", zap.String("signal", rs.Name))
		return
	}
	b.signals.deliver(v)
}
