// Package msgcenter is a client-side synchronization engine for a message
// center: conversations, messages, unread counts and typing indicators kept
// consistent across a live WebSocket channel, REST snapshots and any number
// of UI surfaces.
//
// Example:
//
//	c, err := msgcenter.New(msgcenter.Config{
//		BaseURL: "https://app.example.com",
//		Token:   token,
//	}, msgcenter.WithLogger(logger))
//	if err != nil { ... }
//	defer c.Close()
//
//	cancel := c.Watch(func(ch msgcenter.Change) { render(c.Conversations()) })
//	defer cancel()
//
//	c.Start(ctx)
//	msg, err := c.Send("conv-1", "hello")
package msgcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ============================================================================
// Change feed
// ============================================================================

// ChangeKind names what a Change is about.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeUnread        ChangeKind = "unread"
	ChangeTyping        ChangeKind = "typing"
	ChangeTransport     ChangeKind = "transport"
	ChangeRefresh       ChangeKind = "refresh"
)

// Change tells View Adapters which part of the state to re-read.
type Change struct {
	Kind ChangeKind
	// ConversationID is set for message and typing changes.
	ConversationID string
	// State and Err are set for transport changes.
	State State
	Err   error
}

// ReadMarker confirms reads with the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// ============================================================================
// Options
// ============================================================================

type Option func(*Center)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Center) { c.log = logger }
}

func WithClock(clock Clock) Option {
	return func(c *Center) { c.clock = clock }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Center) { c.metrics = m }
}

// WithDialer replaces the WebSocket dialer built from Config.
func WithDialer(d Dialer) Option {
	return func(c *Center) { c.dialer = d }
}

// WithSource replaces the REST snapshot source.
func WithSource(s ConversationSource) Option {
	return func(c *Center) { c.source = s }
}

// WithReadMarker replaces the REST read confirmation.
func WithReadMarker(m ReadMarker) Option {
	return func(c *Center) { c.marker = m }
}

// WithSignals shares a signal bus between several centers in one process.
func WithSignals(s *Signals) Option {
	return func(c *Center) { c.signals = s }
}

// WithNATS relays signals to other processes over nc. An empty prefix uses
// DefaultSignalSubject.
func WithNATS(nc *nats.Conn, prefix string) Option {
	return func(c *Center) {
		c.nc = nc
		c.natsPrefix = prefix
	}
}

// WithClientOptions configures the REST client built from Config.
func WithClientOptions(opts ...ClientOption) Option {
	return func(c *Center) { c.clientOpts = append(c.clientOpts, opts...) }
}

// ============================================================================
// Center
// ============================================================================

// Center wires the transport, message pipeline, conversation registry,
// unread reconciler and typing tracker together and is the only surface
// View Adapters talk to.
type Center struct {
	cfg     Config
	log     *zap.Logger
	clock   Clock
	metrics *Metrics

	client     *Client
	source     ConversationSource
	marker     ReadMarker
	dialer     Dialer
	signals    *Signals
	bridge     *SignalBridge
	nc         *nats.Conn
	natsPrefix string
	clientOpts []ClientOption

	transport *Transport
	pipeline  *Pipeline
	registry  *Registry
	unread    *UnreadReconciler
	typing    *TypingTracker

	changes handlerSet[Change]

	userMu sync.RWMutex
	userID string

	connectedOnce atomic.Bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	unsubs   []func()

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

// New builds a Center. Nothing touches the network until Start or Connect.
func New(cfg Config, opts ...Option) (*Center, error) {
	cfg.defaults()
	c := &Center{cfg: cfg, userID: cfg.UserID}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = SystemClock()
	}

	if cfg.BaseURL != "" {
		c.client = NewClient(cfg.Token, append([]ClientOption{WithBaseURL(cfg.BaseURL)}, c.clientOpts...)...)
		if c.source == nil {
			c.source = c.client
		}
		if c.marker == nil {
			c.marker = c.client
		}
		if c.dialer == nil {
			d := NewWSDialer(cfg.BaseURL, cfg.Transport.Path, cfg.Token)
			d.HTTPClient = c.client.httpClient
			c.dialer = d
		}
	}
	if c.source == nil {
		return nil, errors.New("msgcenter: no conversation source, set Config.BaseURL or WithSource")
	}
	if c.dialer == nil {
		return nil, errors.New("msgcenter: no dialer, set Config.BaseURL or WithDialer")
	}
	if c.signals == nil {
		c.signals = NewSignals(c.log.Named("signals"))
	}
	c.changes.log = c.log
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	c.unread = NewUnreadReconciler(cfg.Unread, c.clock, c.log.Named("unread"), c.metrics,
		c.refreshAsync, func() { c.emit(Change{Kind: ChangeUnread}) })
	c.registry = NewRegistry(cfg.Registry, c.source, c.unread, c.clock, c.log.Named("registry"), c.metrics,
		func(k ChangeKind) { c.emit(Change{Kind: k}) })
	c.transport = NewTransport(cfg.Transport, c.dialer, c.clock, c.log.Named("transport"), c.metrics)
	c.pipeline = NewPipeline(cfg.Pipeline, c.transport, c.clock, c.log.Named("pipeline"), c.metrics, PipelineHooks{
		Self:     c.UserID,
		Touch:    c.registry.Touch,
		Received: c.onReceived,
		Changed: func(id string) {
			c.emit(Change{Kind: ChangeMessages, ConversationID: id})
		},
	})
	c.typing = NewTypingTracker(cfg.Typing, c.clock, c.log.Named("typing"), c.transport.SendEphemeral, c.UserID,
		func(id string) { c.emit(Change{Kind: ChangeTyping, ConversationID: id}) })

	c.unsubs = append(c.unsubs,
		c.transport.OnFrame(c.dispatch),
		c.transport.OnState(c.onState),
		c.signals.OnUnreadCountUpdate(func(s UnreadCountUpdate) {
			c.unread.Increment(s.ConversationID, s.Increment, s.MessageID)
		}),
		c.signals.OnConversationRead(func(s ConversationRead) {
			c.unread.ConversationRead(s.ConversationID)
		}),
		c.signals.OnRefreshConversations(func(RefreshConversations) {
			c.refreshAsync()
		}),
	)
	if c.nc != nil {
		c.bridge = NewSignalBridge(c.nc, c.signals, c.natsPrefix, c.log.Named("bridge"))
	}
	return c, nil
}

// Start loads the first snapshot, starts periodic refresh and the signal
// bridge, and connects the live channel when AutoConnect is set. A failed
// snapshot is not fatal; it is reported through RefreshState.
func (c *Center) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.bridge != nil {
		if err := c.bridge.Start(); err != nil {
			return err
		}
	}
	if err := c.registry.Refresh(ctx); err != nil {
		c.log.Warn("initial conversation fetch failed", zap.Error(err))
	}
	c.registry.Start()

	if !*c.cfg.Transport.AutoConnect {
		return nil
	}
	if err := c.transport.Connect(ctx); err != nil {
		if c.transport.State() == StateReconnecting {
			c.log.Warn("initial connect failed, reconnecting", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// ============================================================================
// Commands
// ============================================================================

// Send inserts an optimistic message and queues it for delivery.
func (c *Center) Send(conversationID, content string) (Message, error) {
	if c.isClosed() {
		return Message{}, ErrClosed
	}
	return c.pipeline.Send(conversationID, content)
}

// Retry resubmits a failed message with its original client id.
func (c *Center) Retry(clientID string) (Message, error) {
	if c.isClosed() {
		return Message{}, ErrClosed
	}
	return c.pipeline.Retry(clientID)
}

// MarkRead zeroes the conversation's unread count on every surface at once,
// then confirms the read with the server. A confirmation error is returned
// but the local zero stands until the scheduled re-sync.
func (c *Center) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversationId", Reason: "is required"}
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.signals.PublishConversationRead(ConversationRead{ConversationID: conversationID})

	err := c.transport.SendEphemeral(Command{Type: CommandConversationRead, Payload: conversationRef{ConversationID: conversationID}})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Debug("read frame not sent", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if c.marker == nil {
		return nil
	}
	if err := c.marker.MarkRead(ctx, conversationID); err != nil {
		c.log.Warn("read confirmation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	c.unread.ReadConfirmed(conversationID)
	return nil
}

// SetTyping reports local input activity in a conversation.
func (c *Center) SetTyping(conversationID string, isTyping bool) error {
	return c.typing.SetTyping(conversationID, isTyping)
}

// Connect dials the live channel; see Transport.Connect.
func (c *Center) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect closes the live channel and cancels reconnects.
func (c *Center) Disconnect() {
	c.transport.Disconnect()
}

// Refresh fetches a snapshot now and resets the retry counter.
func (c *Center) Refresh(ctx context.Context) error {
	return c.registry.Refresh(ctx)
}

// Watch subscribes to state changes. Callbacks run synchronously on the
// goroutine that made the change and must not block.
func (c *Center) Watch(fn func(Change)) (cancel func()) {
	return c.changes.add(fn)
}

// Signals returns the bus carrying the cross-surface signals.
func (c *Center) Signals() *Signals { return c.signals }

// PushHandler returns an http.Handler accepting signed server pushes into the
// same frame path as the live channel.
func (c *Center) PushHandler(secret string) (*PushHandler, error) {
	return NewPushHandler(secret, c.dispatch)
}

// Close tears everything down. Timers are cancelled and no state changes
// after Close returns.
func (c *Center) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()

		for _, u := range c.unsubs {
			u()
		}
		if c.bridge != nil {
			err = c.bridge.Close()
		}
		c.transport.Close()
		c.pipeline.Close()
		c.registry.Close()
		c.unread.Close()
		c.typing.Close()
		c.bgCancel()
		c.bg.Wait()
	})
	return err
}

// ============================================================================
// Views
// ============================================================================

// Conversations returns every conversation in display order.
func (c *Center) Conversations() []Conversation { return c.registry.List() }

// Conversation returns one conversation.
func (c *Center) Conversation(id string) (Conversation, bool) { return c.registry.Get(id) }

// Messages returns a conversation's messages in insertion order.
func (c *Center) Messages(conversationID string) []Message {
	return c.pipeline.Messages(conversationID)
}

// Message returns one message by client id.
func (c *Center) Message(clientID string) (Message, bool) { return c.pipeline.Message(clientID) }

// UnreadCount returns a conversation's reconciled unread count.
func (c *Center) UnreadCount(conversationID string) int {
	if n, ok := c.unread.Count(conversationID); ok {
		return n
	}
	if conv, ok := c.registry.Get(conversationID); ok {
		return conv.UnreadCount
	}
	return 0
}

// UnreadTotal returns the global unread count.
func (c *Center) UnreadTotal() int { return c.unread.Total() }

// Typing returns who is typing in a conversation.
func (c *Center) Typing(conversationID string) []TypingState { return c.typing.Typing(conversationID) }

// State returns the live channel state.
func (c *Center) State() State { return c.transport.State() }

// RefreshState returns the snapshot refresh state.
func (c *Center) RefreshState() RefreshState { return c.registry.State() }

// UserID returns the local user id.
func (c *Center) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

// ============================================================================
// Event routing
// ============================================================================

// dispatch routes one inbound frame from the live channel or a push.
func (c *Center) dispatch(env Envelope) {
	if c.isClosed() {
		return
	}
	if c.pipeline.HandleFrame(env) {
		return
	}
	switch env.Type {
	case FrameAuthenticated:
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			c.userMu.Lock()
			c.userID = p.UserID
			c.userMu.Unlock()
			c.log.Info("authenticated", zap.String("user_id", p.UserID), zap.String("username", p.Username))
		}
	case FrameConversationUpdated:
		var d ConversationDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil || d.ID == "" {
			c.log.Debug("malformed conversation delta", zap.ByteString("payload", env.Payload))
			return
		}
		if c.registry.ApplyDelta(d) && d.UnreadCount != nil {
			c.unread.PushCount(d.ID, *d.UnreadCount, d.Seq)
		}
	case FrameUnreadUpdated:
		var p UnreadUpdatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			c.log.Debug("malformed unread update", zap.ByteString("payload", env.Payload))
			return
		}
		c.unread.PushCount(p.ConversationID, p.Count, p.Seq)
	case FrameUnreadTotal:
		var p UnreadTotalPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Debug("malformed unread total", zap.ByteString("payload", env.Payload))
			return
		}
		c.unread.PushTotal(p.Count, p.Seq)
	case FrameTypingIndicator:
		var p TypingIndicatorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Debug("malformed typing indicator", zap.ByteString("payload", env.Payload))
			return
		}
		c.typing.HandleIndicator(p)
	case FrameError:
		var p ServerErrorPayload
		json.Unmarshal(env.Payload, &p)
		c.log.Warn("server error frame", zap.String("message", p.Message))
	case FramePong:
	default:
		c.log.Debug("unhandled frame", zap.String("type", env.Type))
	}
}

func (c *Center) onReceived(m Message) {
	c.typing.ClearUser(m.ConversationID, m.SenderID)
	if m.Outgoing {
		return
	}
	id := m.ServerID
	if id == "" {
		id = m.ClientID
	}
	c.signals.PublishUnreadCountUpdate(UnreadCountUpdate{
		ConversationID: m.ConversationID,
		Increment:      1,
		MessageID:      id,
	})
}

func (c *Center) onState(sc StateChange) {
	switch sc.State {
	case StateConnected:
		// Catch up on anything pushed while the channel was down.
		if c.connectedOnce.Swap(true) {
			c.refreshAsync()
		}
	case StateReconnecting, StateDisconnected:
		c.typing.Reset()
	}
	c.emit(Change{Kind: ChangeTransport, State: sc.State, Err: sc.Err})
}

func (c *Center) refreshAsync() {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.registry.Refresh(c.bgCtx); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Debug("background refresh failed", zap.Error(err))
		}
	}()
}

func (c *Center) emit(ch Change) {
	c.changes.emit(ch)
}

func (c *Center) isClosed() bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	return c.closed
}
