package msgcenter

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Handler sets
// ============================================================================

// handlerSet is an ordered list of typed subscribers. emit calls them
// synchronously in registration order; a panicking handler is logged and
// does not stop the others.
type handlerSet[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers []registered[T]
	log      *zap.Logger
}

type registered[T any] struct {
	id int
	fn func(T)
}

func (s *handlerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.handlers = append(s.handlers, registered[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, h := range s.handlers {
				if h.id == id {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *handlerSet[T]) emit(v T) {
	s.mu.RLock()
	handlers := append([]registered[T](nil), s.handlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		s.call(h.fn, v)
	}
}

func (s *handlerSet[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("subscriber panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(v)
}

func (s *handlerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// ============================================================================
// Cross-surface signals
// ============================================================================

// UnreadCountUpdate asks every surface to bump a conversation's unread count.
// MessageID, when set, lets the reconciler drop duplicates.
type UnreadCountUpdate struct {
	ConversationID string `json:"conversationId"`
	Increment      int    `json:"increment"`
	MessageID      string `json:"messageId,omitempty"`
}

// ConversationRead announces that a conversation was read on some surface.
type ConversationRead struct {
	ConversationID string `json:"conversationId"`
}

// RefreshConversations asks the registry to re-fetch its snapshot.
type RefreshConversations struct{}

// Signal names used on the wire by relays.
const (
	SignalUnreadCountUpdate    = "unreadCountUpdate"
	SignalConversationRead     = "conversationRead"
	SignalRefreshConversations = "refreshConversations"
)

// Signals is the process-wide bus carrying the three cross-surface signals.
// Publish delivers synchronously to every subscriber of that signal.
type Signals struct {
	unread  handlerSet[UnreadCountUpdate]
	read    handlerSet[ConversationRead]
	refresh handlerSet[RefreshConversations]

	// relay, when set, observes every locally published signal.
	relayMu sync.RWMutex
	relay   func(name string, v any)
}

// NewSignals creates an empty bus.
func NewSignals(logger *zap.Logger) *Signals {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Signals{}
	s.unread.log = logger
	s.read.log = logger
	s.refresh.log = logger
	return s
}

func (s *Signals) OnUnreadCountUpdate(fn func(UnreadCountUpdate)) func() {
	return s.unread.add(fn)
}

func (s *Signals) OnConversationRead(fn func(ConversationRead)) func() {
	return s.read.add(fn)
}

func (s *Signals) OnRefreshConversations(fn func(RefreshConversations)) func() {
	return s.refresh.add(fn)
}

func (s *Signals) PublishUnreadCountUpdate(v UnreadCountUpdate) {
	s.unread.emit(v)
	s.relayOut(SignalUnreadCountUpdate, v)
}

func (s *Signals) PublishConversationRead(v ConversationRead) {
	s.read.emit(v)
	s.relayOut(SignalConversationRead, v)
}

func (s *Signals) PublishRefreshConversations() {
	s.refresh.emit(RefreshConversations{})
	s.relayOut(SignalRefreshConversations, RefreshConversations{})
}

// deliver hands a signal received from a relay to local subscribers only.
func (s *Signals) deliver(v any) {
	switch v := v.(type) {
	case UnreadCountUpdate:
		s.unread.emit(v)
	case ConversationRead:
		s.read.emit(v)
	case RefreshConversations:
		s.refresh.emit(v)
	}
}

func (s *Signals) setRelay(fn func(name string, v any)) {
	s.relayMu.Lock()
	s.relay = fn
	s.relayMu.Unlock()
}

func (s *Signals) relayOut(name string, v any) {
	s.relayMu.RLock()
	fn := s.relay
	s.relayMu.RUnlock()
	if fn != nil {
		fn(name, v)
	}
}
