package msgcenter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationSource fetches a full conversation snapshot.
type ConversationSource interface {
	FetchConversations(ctx context.Context) (*ConversationPage, error)
}

// RefreshState describes the registry's snapshot refresh.
type RefreshState struct {
	Refreshing bool
	// Err is the last failure. It is cleared by the next successful fetch.
	Err error
	// Attempt is the automatic attempt Err belongs to, the first included.
	Attempt int
	// Recoverable is set while Err is present: cached data is still served and
	// a manual Refresh may be issued.
	Recoverable bool
	// RetryAt is when the next automatic attempt fires, zero if none is pending.
	RetryAt     time.Time
	LastSuccess time.Time
}

// Registry owns the merged conversation map. All writes go through the pure
// merge functions; readers get sorted copies.
type Registry struct {
	cfg     RegistryConfig
	source  ConversationSource
	unread  *UnreadReconciler
	clock   Clock
	log     *zap.Logger
	metrics *Metrics
	notify  func(ChangeKind)

	mu       sync.Mutex
	convs    map[string]Conversation
	deltaSeq map[string]uint64
	state    RefreshState
	gen      uint64
	retry    Timer
	periodic Timer
	closed   bool
}

// NewRegistry creates an empty registry. unread may be nil, in which case
// snapshot unread counts are taken as-is.
func NewRegistry(cfg RegistryConfig, source ConversationSource, unread *UnreadReconciler, clock Clock, logger *zap.Logger, metrics *Metrics, notify func(ChangeKind)) *Registry {
	cfg.defaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = func(ChangeKind) {}
	}
	return &Registry{
		cfg:      cfg,
		source:   source,
		unread:   unread,
		clock:    clock,
		log:      logger,
		metrics:  metrics,
		notify:   notify,
		convs:    make(map[string]Conversation),
		deltaSeq: make(map[string]uint64),
	}
}

// Start arms the periodic background refresh.
func (r *Registry) Start() {
	if r.cfg.RefreshInterval.Std() <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.periodic != nil {
		return
	}
	r.periodic = r.clock.AfterFunc(r.cfg.RefreshInterval.Std(), r.periodicDue)
}

// Refresh fetches a snapshot now. It resets the automatic attempt counter
// and cancels any pending retry. On failure the last-good map is kept and
// further automatic attempts are scheduled.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.gen++
	gen := r.gen
	r.retry = stopTimer(r.retry)
	r.state.RetryAt = time.Time{}
	r.mu.Unlock()
	return r.fetch(ctx, gen, 1)
}

func (r *Registry) fetch(ctx context.Context, gen uint64, attempt int) error {
	var marker uint64
	if r.unread != nil {
		marker = r.unread.Marker()
	}
	r.mu.Lock()
	r.state.Refreshing = true
	r.mu.Unlock()
	r.notify(ChangeRefresh)

	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout.Std())
	page, err := r.source.FetchConversations(fctx)
	cancel()
	if err == nil && page == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		return r.fetchFailed(gen, attempt, err)
	}

	// A newer refresh owns the map; its snapshot is the one to reconcile.
	r.mu.Lock()
	superseded := gen != r.gen || r.closed
	r.mu.Unlock()
	if superseded {
		r.log.Debug("superseded snapshot dropped", zap.Int("attempt", attempt))
		return nil
	}

	// Resolve unread values before taking the lock; the reconciler notifies
	// subscribers synchronously.
	resolved := make(map[string]int, len(page.Conversations))
	for _, c := range page.Conversations {
		if r.unread != nil {
			resolved[c.ID] = r.unread.ServerSnapshot(c.ID, c.UnreadCount, marker)
		} else {
			resolved[c.ID] = c.UnreadCount
		}
	}
	if r.unread != nil && page.TotalUnread != nil {
		r.unread.SnapshotTotal(*page.TotalUnread, marker)
	}

	r.mu.Lock()
	if gen != r.gen || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.convs = MergeSnapshot(r.convs, page.Conversations, func(id string, _ int) int { return resolved[id] })
	r.state = RefreshState{LastSuccess: r.clock.Now()}
	n := len(r.convs)
	r.mu.Unlock()

	r.metrics.fetch("ok")
	r.log.Info("conversations refreshed", zap.Int("count", n), zap.Int("attempt", attempt))
	r.notify(ChangeConversations)
	r.notify(ChangeRefresh)
	return nil
}

func (r *Registry) fetchFailed(gen uint64, attempt int, err error) error {
	var fe *FetchError
	if !errors.As(err, &fe) {
		fe = &FetchError{Err: err}
	}
	fe.Attempt = attempt
	r.metrics.fetch("error")

	r.mu.Lock()
	if gen != r.gen || r.closed {
		r.mu.Unlock()
		return fe
	}
	r.state.Refreshing = false
	r.state.Err = fe
	r.state.Attempt = attempt
	r.state.Recoverable = true
	r.state.RetryAt = time.Time{}
	if attempt < r.cfg.FetchAttempts {
		delay := r.retryDelay(attempt)
		r.state.RetryAt = r.clock.Now().Add(delay)
		next := attempt + 1
		r.retry = r.clock.AfterFunc(delay, func() { r.retryDue(gen, next) })
		r.log.Warn("conversation fetch failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	} else {
		r.log.Error("conversation fetch failed, keeping cached data",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	r.mu.Unlock()

	r.notify(ChangeRefresh)
	return fe
}

// retryDelay is FetchRetryBase × attempt + FetchRetryOffset.
func (r *Registry) retryDelay(attempt int) time.Duration {
	return r.cfg.FetchRetryBase.Std()*time.Duration(attempt) + r.cfg.FetchRetryOffset.Std()
}

func (r *Registry) retryDue(gen uint64, attempt int) {
	r.mu.Lock()
	if gen != r.gen || r.closed {
		r.mu.Unlock()
		return
	}
	r.retry = nil
	r.mu.Unlock()
	r.fetch(context.Background(), gen, attempt)
}

func (r *Registry) periodicDue() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.periodic = r.clock.AfterFunc(r.cfg.RefreshInterval.Std(), r.periodicDue)
	busy := r.retry != nil || r.state.Refreshing
	if !busy {
		r.gen++
	}
	gen := r.gen
	r.mu.Unlock()
	if busy {
		return
	}
	r.fetch(context.Background(), gen, 1)
}

// ApplyDelta merges a pushed partial update. Deltas carrying a seq not newer
// than the last applied one for that conversation are dropped.
func (r *Registry) ApplyDelta(d ConversationDelta) bool {
	if d.ID == "" {
		return false
	}
	r.mu.Lock()
	if d.Seq != 0 {
		if d.Seq <= r.deltaSeq[d.ID] {
			r.mu.Unlock()
			r.log.Debug("stale conversation delta ignored",
				zap.String("conversation_id", d.ID), zap.Uint64("seq", d.Seq))
			return false
		}
		r.deltaSeq[d.ID] = d.Seq
	}
	r.convs = MergeDelta(r.convs, d)
	r.mu.Unlock()
	r.notify(ChangeConversations)
	return true
}

// Touch records a new last message on a conversation, creating it if needed.
func (r *Registry) Touch(conversationID string, lm LastMessage) {
	r.ApplyDelta(ConversationDelta{ID: conversationID, LastMessage: &lm})
}

// List returns the conversations in display order with reconciled unread counts.
func (r *Registry) List() []Conversation {
	var counts map[string]int
	if r.unread != nil {
		counts = r.unread.Counts()
	}
	r.mu.Lock()
	out := make([]Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, r.overlay(c.clone(), counts))
	}
	r.mu.Unlock()
	SortConversations(out)
	return out
}

// Get returns one conversation with its reconciled unread count.
func (r *Registry) Get(id string) (Conversation, bool) {
	var counts map[string]int
	if r.unread != nil {
		counts = r.unread.Counts()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return r.overlay(c.clone(), counts), true
}

func (r *Registry) overlay(c Conversation, counts map[string]int) Conversation {
	if n, ok := counts[c.ID]; ok {
		c.UnreadCount = n
	}
	return c
}

// State returns the refresh state.
func (r *Registry) State() RefreshState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close cancels retry and periodic timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.gen++
	r.retry = stopTimer(r.retry)
	r.periodic = stopTimer(r.periodic)
}
