package msgcenter

import (
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TypingTracker debounces the local user's typing broadcasts and expires
// remote typing indicators.
type TypingTracker struct {
	cfg    TypingConfig
	clock  Clock
	log    *zap.Logger
	send   func(Command) error
	self   func() string
	notify func(conversationID string)

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[string]map[string]time.Time
	sweep  Timer
	closed bool
}

type localTyping struct {
	limiter *rate.Limiter
	idle    Timer
	active  bool
}

// NewTypingTracker creates a tracker. send writes an ephemeral frame; notify
// is called when a conversation's remote indicators change.
func NewTypingTracker(cfg TypingConfig, clock Clock, logger *zap.Logger, send func(Command) error, self func() string, notify func(string)) *TypingTracker {
	cfg.defaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if self == nil {
		self = func() string { return "" }
	}
	if notify == nil {
		notify = func(string) {}
	}
	return &TypingTracker{
		cfg:    cfg,
		clock:  clock,
		log:    logger,
		send:   send,
		self:   self,
		notify: notify,
		local:  make(map[string]*localTyping),
		remote: make(map[string]map[string]time.Time),
	}
}

// ============================================================================
// Local
// ============================================================================

// SetTyping reports local input activity. A start frame goes out at most once
// per Debounce window; a stop frame follows after Idle without input or on
// an explicit false.
func (t *TypingTracker) SetTyping(conversationID string, isTyping bool) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversationId", Reason: "is required"}
	}
	if !isTyping {
		return t.stop(conversationID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	lt := t.localLocked(conversationID)
	lt.idle = stopTimer(lt.idle)
	lt.idle = t.clock.AfterFunc(t.cfg.Idle.Std(), func() { t.stopIfCurrent(conversationID, lt) })
	allowed := lt.limiter.AllowN(t.clock.Now(), 1)
	if allowed {
		lt.active = true
	}
	t.mu.Unlock()

	if !allowed {
		return nil
	}
	return t.write(CommandTypingStart, conversationID)
}

func (t *TypingTracker) stopIfCurrent(conversationID string, owner *localTyping) {
	t.mu.Lock()
	cur, ok := t.local[conversationID]
	t.mu.Unlock()
	if ok && cur == owner {
		t.stop(conversationID)
	}
}

func (t *TypingTracker) stop(conversationID string) error {
	t.mu.Lock()
	lt, ok := t.local[conversationID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.local, conversationID)
	lt.idle = stopTimer(lt.idle)
	wasActive := lt.active
	t.mu.Unlock()

	if !wasActive {
		return nil
	}
	return t.write(CommandTypingStop, conversationID)
}

func (t *TypingTracker) localLocked(conversationID string) *localTyping {
	lt, ok := t.local[conversationID]
	if !ok {
		lt = &localTyping{limiter: rate.NewLimiter(rate.Every(t.cfg.Debounce.Std()), 1)}
		t.local[conversationID] = lt
	}
	return lt
}

func (t *TypingTracker) write(typ, conversationID string) error {
	if t.send == nil {
		return ErrNotConnected
	}
	err := t.send(Command{Type: typ, Payload: conversationRef{ConversationID: conversationID}})
	if err != nil {
		t.log.Debug("typing signal not sent",
			zap.String("type", typ), zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return err
}

// ============================================================================
// Remote
// ============================================================================

// HandleIndicator applies a remote typing frame. The local user's own
// indicators are ignored.
func (t *TypingTracker) HandleIndicator(p TypingIndicatorPayload) {
	if p.ConversationID == "" || p.UserID == "" {
		return
	}
	if self := t.self(); self != "" && p.UserID == self {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if p.IsTyping {
		users, ok := t.remote[p.ConversationID]
		if !ok {
			users = make(map[string]time.Time)
			t.remote[p.ConversationID] = users
		}
		users[p.UserID] = t.clock.Now().Add(t.cfg.RemoteTimeout.Std())
		t.armSweepLocked()
	} else if !t.removeLocked(p.ConversationID, p.UserID) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.notify(p.ConversationID)
}

// ClearUser drops a remote indicator, e.g. once that user's message arrives.
func (t *TypingTracker) ClearUser(conversationID, userID string) {
	t.mu.Lock()
	removed := t.removeLocked(conversationID, userID)
	t.mu.Unlock()
	if removed {
		t.notify(conversationID)
	}
}

func (t *TypingTracker) removeLocked(conversationID, userID string) bool {
	users, ok := t.remote[conversationID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	return true
}

func (t *TypingTracker) armSweepLocked() {
	if t.sweep != nil {
		return
	}
	t.sweep = t.clock.AfterFunc(t.cfg.SweepInterval.Std(), t.sweepDue)
}

func (t *TypingTracker) sweepDue() {
	t.mu.Lock()
	t.sweep = nil
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	var changed []string
	for conv, users := range t.remote {
		for user, exp := range users {
			if !exp.After(now) {
				delete(users, user)
				if !slices.Contains(changed, conv) {
					changed = append(changed, conv)
				}
			}
		}
		if len(users) == 0 {
			delete(t.remote, conv)
		}
	}
	if len(t.remote) > 0 {
		t.armSweepLocked()
	}
	t.mu.Unlock()

	slices.Sort(changed)
	for _, conv := range changed {
		t.log.Debug("typing indicator expired", zap.String("conversation_id", conv))
		t.notify(conv)
	}
}

// Typing returns the unexpired remote indicators of a conversation, ordered
// by user id.
func (t *TypingTracker) Typing(conversationID string) []TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var out []TypingState
	for user, exp := range t.remote[conversationID] {
		if exp.After(now) {
			out = append(out, TypingState{ConversationID: conversationID, UserID: user, ExpiresAt: exp})
		}
	}
	slices.SortFunc(out, func(a, b TypingState) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Reset forgets local and remote state, e.g. after the channel went down.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	var convs []string
	for conv := range t.remote {
		convs = append(convs, conv)
	}
	t.resetLocked()
	t.mu.Unlock()
	slices.Sort(convs)
	for _, conv := range convs {
		t.notify(conv)
	}
}

func (t *TypingTracker) resetLocked() {
	for _, lt := range t.local {
		lt.idle = stopTimer(lt.idle)
	}
	t.local = make(map[string]*localTyping)
	t.remote = make(map[string]map[string]time.Time)
	t.sweep = stopTimer(t.sweep)
}

// Close cancels every timer.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.resetLocked()
}
