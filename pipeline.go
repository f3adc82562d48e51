package msgcenter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbox is the durable side of the transport used by the pipeline.
type Outbox interface {
	Enqueue(key string, cmd Command) error
	Withdraw(key string) bool
	Settle(key string)
}

// PipelineHooks connects the pipeline to the rest of the engine. Hooks run
// without the pipeline's lock held.
type PipelineHooks struct {
	// Self returns the local user id.
	Self func() string
	// Touch is called when a message becomes the newest of its conversation.
	Touch func(conversationID string, lm LastMessage)
	// Received is called once per newly inserted incoming message.
	Received func(Message)
	// Changed is called after any message list or status change.
	Changed func(conversationID string)
}

// Pipeline runs the per-message send state machine and owns every
// conversation's ordered message list.
type Pipeline struct {
	cfg     PipelineConfig
	outbox  Outbox
	clock   Clock
	log     *zap.Logger
	metrics *Metrics
	hooks   PipelineHooks

	mu       sync.Mutex
	messages map[string]*Message
	lists    map[string][]string
	byServer map[string]string
	timeouts map[string]Timer
	closed   bool
}

// NewPipeline creates an empty pipeline writing to outbox.
func NewPipeline(cfg PipelineConfig, outbox Outbox, clock Clock, logger *zap.Logger, metrics *Metrics, hooks PipelineHooks) *Pipeline {
	cfg.defaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if hooks.Self == nil {
		hooks.Self = func() string { return "" }
	}
	return &Pipeline{
		cfg:      cfg,
		outbox:   outbox,
		clock:    clock,
		log:      logger,
		metrics:  metrics,
		hooks:    hooks,
		messages: make(map[string]*Message),
		lists:    make(map[string][]string),
		byServer: make(map[string]string),
		timeouts: make(map[string]Timer),
	}
}

// ============================================================================
// Commands
// ============================================================================

// Send validates content, inserts an optimistic message with a fresh client
// id and hands it to the outbox. Validation failures return a
// *ValidationError and change nothing. Later failures are recorded on the
// returned message's entry, never returned here.
func (p *Pipeline) Send(conversationID, content string) (Message, error) {
	if err := p.validate(conversationID, content); err != nil {
		p.metrics.sent("invalid")
		return Message{}, err
	}
	content = strings.TrimSpace(content)

	now := p.clock.Now()
	m := &Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.hooks.Self(),
		Content:        content,
		Kind:           MessageText,
		Status:         StatusSending,
		CreatedAt:      now,
		Outgoing:       true,
		Attempts:       1,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Message{}, ErrClosed
	}
	p.messages[m.ClientID] = m
	p.lists[conversationID] = append(p.lists[conversationID], m.ClientID)
	p.armTimeoutLocked(m.ClientID, m.Attempts)
	snapshot := *m
	p.mu.Unlock()

	p.metrics.sent("accepted")
	p.metrics.status(StatusSending)
	p.log.Debug("message queued",
		zap.String("conversation_id", conversationID), zap.String("client_id", m.ClientID))
	if p.hooks.Touch != nil {
		p.hooks.Touch(conversationID, LastMessage{Content: content, Timestamp: now, SenderID: m.SenderID})
	}
	p.submit(snapshot)
	return p.current(snapshot), nil
}

// Retry resubmits a failed message under its original client id. The
// message keeps its position in the list.
func (p *Pipeline) Retry(clientID string) (Message, error) {
	p.mu.Lock()
	m, ok := p.messages[clientID]
	if !ok {
		p.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		p.mu.Unlock()
		return Message{}, fmt.Errorf("retry %s (%s): %w", clientID, m.Status, ErrNotRetryable)
	}
	m.Status = StatusSending
	m.Err = nil
	m.Attempts++
	p.armTimeoutLocked(clientID, m.Attempts)
	snapshot := *m
	p.mu.Unlock()

	p.metrics.sent("retried")
	p.metrics.status(StatusSending)
	p.log.Info("retrying message",
		zap.String("client_id", clientID), zap.Int("attempt", snapshot.Attempts))
	p.submit(snapshot)
	return p.current(snapshot), nil
}

func (p *Pipeline) validate(conversationID, content string) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversationId", Reason: "is required"}
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(trimmed); n > p.cfg.MaxContentLength {
		return &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("is %d characters, limit is %d", n, p.cfg.MaxContentLength),
		}
	}
	return nil
}

func (p *Pipeline) submit(m Message) {
	cmd := Command{Type: CommandMessageSend, Payload: SendPayload{
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Type:           m.Kind,
	}}
	if err := p.outbox.Enqueue(m.ClientID, cmd); err != nil {
		p.fail(m.ClientID, m.Attempts, &SendError{ClientID: m.ClientID, Kind: err})
		return
	}
	p.changed(m.ConversationID)
}

func (p *Pipeline) current(m Message) Message {
	if cur, ok := p.Message(m.ClientID); ok {
		return cur
	}
	return m
}

// ============================================================================
// Inbound frames
// ============================================================================

// HandleFrame applies message frames and reports whether env was one.
func (p *Pipeline) HandleFrame(env Envelope) bool {
	switch env.Type {
	case FrameMessageAck:
		p.handleAck(env, StatusSent)
	case FrameMessageDelivered:
		p.handleAck(env, StatusDelivered)
	case FrameMessageRead:
		p.handleAck(env, StatusRead)
	case FrameMessageRejected:
		var r RejectedPayload
		if err := json.Unmarshal(env.Payload, &r); err != nil || r.ClientID == "" {
			p.log.Debug("malformed rejection", zap.ByteString("payload", env.Payload))
			return true
		}
		p.mu.Lock()
		attempts := 0
		if m, ok := p.messages[r.ClientID]; ok {
			attempts = m.Attempts
		}
		p.mu.Unlock()
		p.fail(r.ClientID, attempts, &SendError{ClientID: r.ClientID, Kind: ErrSendRejected, Code: r.Code, Reason: r.Reason})
	case FrameMessageNew:
		var n MessageNewPayload
		if err := json.Unmarshal(env.Payload, &n); err != nil || n.ConversationID == "" {
			p.log.Debug("malformed message.new", zap.ByteString("payload", env.Payload))
			return true
		}
		p.Receive(n)
	default:
		return false
	}
	return true
}

func (p *Pipeline) handleAck(env Envelope, to MessageStatus) {
	var a AckPayload
	if err := json.Unmarshal(env.Payload, &a); err != nil {
		p.log.Debug("malformed ack", zap.String("type", env.Type), zap.ByteString("payload", env.Payload))
		return
	}
	p.Advance(a.ClientID, a.ServerID, to)
}

// Advance moves a message forward to status. The message is found by client
// id, or by server id when the client id is empty. Backward moves and moves
// of failed messages are ignored.
func (p *Pipeline) Advance(clientID, serverID string, to MessageStatus) bool {
	p.mu.Lock()
	if clientID == "" {
		clientID = p.byServer[serverID]
	}
	m, ok := p.messages[clientID]
	if !ok {
		p.mu.Unlock()
		p.log.Debug("ack for unknown message",
			zap.String("client_id", clientID), zap.String("server_id", serverID))
		return false
	}
	if m.Status == StatusFailed {
		p.mu.Unlock()
		p.log.Debug("late ack for failed message ignored", zap.String("client_id", clientID))
		return false
	}
	if serverID != "" && m.ServerID == "" {
		m.ServerID = serverID
		p.byServer[serverID] = clientID
	}
	if to.rank() <= m.Status.rank() {
		p.mu.Unlock()
		return false
	}
	m.Status = to
	m.Err = nil
	if t, ok := p.timeouts[clientID]; ok {
		t.Stop()
		delete(p.timeouts, clientID)
	}
	conversationID := m.ConversationID
	p.mu.Unlock()

	p.outbox.Settle(clientID)
	p.metrics.status(to)
	p.log.Debug("message status",
		zap.String("client_id", clientID), zap.String("server_id", serverID), zap.String("status", string(to)))
	p.changed(conversationID)
	return true
}

// Receive inserts a message pushed by the server. A payload whose client id
// belongs to a pending local send acknowledges it instead; a server id seen
// before is ignored.
func (p *Pipeline) Receive(n MessageNewPayload) {
	p.mu.Lock()
	if n.ClientID != "" {
		if _, ok := p.messages[n.ClientID]; ok {
			p.mu.Unlock()
			p.Advance(n.ClientID, n.ID, StatusSent)
			return
		}
	}
	if n.ID != "" {
		if _, dup := p.byServer[n.ID]; dup {
			p.mu.Unlock()
			p.log.Debug("duplicate message.new ignored", zap.String("server_id", n.ID))
			return
		}
	}
	key := n.ClientID
	if key == "" {
		key = n.ID
	}
	if key == "" {
		key = uuid.NewString()
	}
	if _, taken := p.messages[key]; taken {
		p.mu.Unlock()
		return
	}
	kind := n.Type
	if kind == "" {
		kind = MessageText
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = p.clock.Now()
	}
	self := p.hooks.Self()
	m := &Message{
		ClientID:       key,
		ServerID:       n.ID,
		ConversationID: n.ConversationID,
		SenderID:       n.SenderID,
		Content:        n.Content,
		Kind:           kind,
		Status:         StatusDelivered,
		CreatedAt:      createdAt,
		Outgoing:       self != "" && n.SenderID == self,
	}
	if m.Outgoing {
		m.Status = StatusSent
	}
	p.messages[key] = m
	p.lists[n.ConversationID] = append(p.lists[n.ConversationID], key)
	if n.ID != "" {
		p.byServer[n.ID] = key
	}
	snapshot := *m
	p.mu.Unlock()

	if p.hooks.Touch != nil {
		p.hooks.Touch(n.ConversationID, LastMessage{Content: n.Content, Timestamp: createdAt, SenderID: n.SenderID})
	}
	if p.hooks.Received != nil {
		p.hooks.Received(snapshot)
	}
	p.changed(n.ConversationID)
}

// ============================================================================
// Failure
// ============================================================================

func (p *Pipeline) armTimeoutLocked(clientID string, attempt int) {
	if t, ok := p.timeouts[clientID]; ok {
		t.Stop()
	}
	p.timeouts[clientID] = p.clock.AfterFunc(p.cfg.SendTimeout.Std(), func() {
		p.fail(clientID, attempt, &SendError{ClientID: clientID, Kind: ErrSendTimeout})
	})
}

// fail marks attempt of a sending message failed and withdraws its frame.
// A zero attempt matches any attempt.
func (p *Pipeline) fail(clientID string, attempt int, err *SendError) {
	p.mu.Lock()
	m, ok := p.messages[clientID]
	if !ok || m.Status != StatusSending || (attempt != 0 && m.Attempts != attempt) {
		p.mu.Unlock()
		return
	}
	m.Status = StatusFailed
	m.Err = err
	if t, ok := p.timeouts[clientID]; ok {
		t.Stop()
		delete(p.timeouts, clientID)
	}
	conversationID := m.ConversationID
	p.mu.Unlock()

	p.outbox.Withdraw(clientID)
	p.metrics.status(StatusFailed)
	level := p.log.Warn
	if errors.Is(err, ErrSendRejected) {
		level = p.log.Error
	}
	level("message failed", zap.String("client_id", clientID), zap.Error(err))
	p.changed(conversationID)
}

// ============================================================================
// Views
// ============================================================================

// Messages returns a conversation's messages in insertion order.
func (p *Pipeline) Messages(conversationID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.lists[conversationID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.messages[id])
	}
	return out
}

// Message returns one message by client id.
func (p *Pipeline) Message(clientID string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.messages[clientID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Close cancels every send timeout.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.timeouts {
		t.Stop()
		delete(p.timeouts, id)
	}
}

func (p *Pipeline) changed(conversationID string) {
	if p.hooks.Changed != nil {
		p.hooks.Changed(conversationID)
	}
}
