package msgcenter

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// UnreadReconciler derives per-conversation and global unread counts from
// pushes, local reads and server snapshots. Every input is idempotent: a
// message id is counted once, and a server value captured before a newer
// local read never overrides it.
//
// Ordering between sources uses a logical clock. Callers take a Marker
// before issuing a snapshot request and pass it back with the result.
type UnreadReconciler struct {
	cfg     UnreadConfig
	clock   Clock
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	tick    uint64
	tallies map[string]*tally
	seen    map[string]time.Time
	order   []seenEntry
	closed  bool

	// Server-reported global count, its seq and the tick it was applied at.
	serverTotal *int
	totalSeq    uint64
	totalAt     uint64

	onResync func()
	onChange func()
}

type tally struct {
	count int
	// readAt is the tick of the last local read; confirmedAt of its server confirmation.
	readAt      uint64
	confirmedAt uint64
	pendingRead bool
	resync      Timer
	// lastServer is the most recent server value seen, applied or not.
	lastServer int
	// serverAt is the tick of the newest server value seen. Snapshots
	// captured before it are superseded.
	serverAt uint64
	// totalRef is this conversation's share of serverTotal when it was reported.
	totalRef int
	pushSeq  uint64
}

type seenEntry struct {
	id string
	at time.Time
}

// NewUnreadReconciler creates a reconciler. onResync runs when a read's
// re-sync delay elapses; onChange runs after every change to a count. Both
// may be nil and are never called with the reconciler's lock held.
func NewUnreadReconciler(cfg UnreadConfig, clock Clock, logger *zap.Logger, metrics *Metrics, onResync, onChange func()) *UnreadReconciler {
	cfg.defaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnreadReconciler{
		cfg:      cfg,
		clock:    clock,
		log:      logger,
		metrics:  metrics,
		tallies:  make(map[string]*tally),
		seen:     make(map[string]time.Time),
		onResync: onResync,
		onChange: onChange,
	}
}

// Marker returns a logical timestamp to attach to a snapshot request.
func (u *UnreadReconciler) Marker() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tick++
	return u.tick
}

// MessageReceived counts one unread message unless messageID was already
// counted. It reports whether the count changed.
func (u *UnreadReconciler) MessageReceived(conversationID, messageID string) bool {
	return u.Increment(conversationID, 1, messageID)
}

// Increment adds n to a conversation's count. A non-empty messageID is
// counted at most once within the dedupe window.
func (u *UnreadReconciler) Increment(conversationID string, n int, messageID string) bool {
	if conversationID == "" || n == 0 {
		return false
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	if messageID != "" {
		now := u.clock.Now()
		u.pruneLocked(now)
		if _, dup := u.seen[messageID]; dup {
			u.mu.Unlock()
			u.metrics.dedupeDrop()
			u.log.Debug("duplicate message ignored",
				zap.String("conversation_id", conversationID), zap.String("message_id", messageID))
			return false
		}
		u.seen[messageID] = now
		u.order = append(u.order, seenEntry{id: messageID, at: now})
	}
	u.tick++
	t := u.tallyLocked(conversationID)
	t.count = max(t.count+n, 0)
	u.mu.Unlock()
	u.changed()
	return true
}

// ConversationRead zeroes a conversation immediately and schedules a
// re-sync against the server after ReadResyncDelay. Until then, or until
// ReadConfirmed, server values for the conversation are ignored.
func (u *UnreadReconciler) ConversationRead(conversationID string) {
	if conversationID == "" {
		return
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.tick++
	t := u.tallyLocked(conversationID)
	t.count = 0
	t.readAt = u.tick
	t.pendingRead = true
	t.resync = stopTimer(t.resync)
	readAt := t.readAt
	t.resync = u.clock.AfterFunc(u.cfg.ReadResyncDelay.Std(), func() { u.resyncDue(conversationID, readAt) })
	u.mu.Unlock()
	u.changed()
}

// ReadConfirmed records that the server acknowledged the read.
func (u *UnreadReconciler) ReadConfirmed(conversationID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.tallies[conversationID]
	if !ok || !t.pendingRead {
		return
	}
	u.tick++
	t.confirmedAt = u.tick
	t.pendingRead = false
}

func (u *UnreadReconciler) resyncDue(conversationID string, readAt uint64) {
	u.mu.Lock()
	t, ok := u.tallies[conversationID]
	if u.closed || !ok || t.readAt != readAt {
		u.mu.Unlock()
		return
	}
	t.resync = nil
	t.pendingRead = false
	u.mu.Unlock()

	u.log.Debug("read re-sync due", zap.String("conversation_id", conversationID))
	if u.onResync != nil {
		u.onResync()
	}
}

// ServerSnapshot offers a server count captured at marker and returns the
// count the reconciler keeps. The value is ignored while a local read is
// unconfirmed, when the read happened after the capture, or when a newer
// server value (snapshot or push) was already seen.
func (u *UnreadReconciler) ServerSnapshot(conversationID string, count int, capturedAt uint64) int {
	count = max(count, 0)
	u.mu.Lock()
	t := u.tallyLocked(conversationID)
	if capturedAt < t.serverAt {
		kept := t.count
		u.mu.Unlock()
		u.metrics.staleUnread()
		u.log.Debug("superseded unread snapshot ignored",
			zap.String("conversation_id", conversationID), zap.Int("server", count), zap.Int("kept", kept))
		return kept
	}
	t.serverAt = capturedAt
	t.lastServer = count
	if t.pendingRead || capturedAt < t.readAt || capturedAt < t.confirmedAt {
		kept := t.count
		u.mu.Unlock()
		u.metrics.staleUnread()
		u.log.Debug("stale unread snapshot ignored",
			zap.String("conversation_id", conversationID), zap.Int("server", count), zap.Int("kept", kept))
		return kept
	}
	u.tick++
	changed := t.count != count
	t.count = count
	u.mu.Unlock()
	if changed {
		u.changed()
	}
	return count
}

// SnapshotTotal records the global count that arrived with a snapshot
// captured at marker. It must be called after the snapshot's
// per-conversation values were offered. A total older than the last applied
// one is ignored.
func (u *UnreadReconciler) SnapshotTotal(count int, capturedAt uint64) {
	u.mu.Lock()
	if capturedAt < u.totalAt {
		u.mu.Unlock()
		u.metrics.staleUnread()
		return
	}
	u.totalAt = capturedAt
	total := max(count, 0)
	u.serverTotal = &total
	for _, t := range u.tallies {
		t.totalRef = t.lastServer
	}
	u.mu.Unlock()
	u.changed()
}

// PushCount applies an authoritative per-conversation count pushed by the
// server. Pushes with a seq not newer than the last applied one are dropped.
func (u *UnreadReconciler) PushCount(conversationID string, count int, seq uint64) {
	u.mu.Lock()
	t := u.tallyLocked(conversationID)
	if seq != 0 && seq <= t.pushSeq {
		u.mu.Unlock()
		u.log.Debug("out-of-order unread push ignored",
			zap.String("conversation_id", conversationID), zap.Uint64("seq", seq))
		return
	}
	if seq != 0 {
		t.pushSeq = seq
	}
	u.tick++
	t.serverAt = u.tick
	t.lastServer = max(count, 0)
	if t.pendingRead {
		u.mu.Unlock()
		u.metrics.staleUnread()
		return
	}
	t.count = max(count, 0)
	u.mu.Unlock()
	u.changed()
}

// PushTotal applies a server-pushed global count.
func (u *UnreadReconciler) PushTotal(count int, seq uint64) {
	u.mu.Lock()
	if seq != 0 && seq <= u.totalSeq {
		u.mu.Unlock()
		return
	}
	if seq != 0 {
		u.totalSeq = seq
	}
	u.tick++
	u.totalAt = u.tick
	total := max(count, 0)
	u.serverTotal = &total
	for _, t := range u.tallies {
		t.totalRef = t.count
	}
	u.mu.Unlock()
	u.changed()
}

// Count returns a conversation's count and whether it is tracked.
func (u *UnreadReconciler) Count(conversationID string) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.tallies[conversationID]
	if !ok {
		return 0, false
	}
	return t.count, true
}

// Counts returns a copy of every tracked count.
func (u *UnreadReconciler) Counts() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.tallies))
	for id, t := range u.tallies {
		out[id] = t.count
	}
	return out
}

// Total returns the global unread count: the last server-reported total
// moved by local changes since, or the sum of tallies if none was reported.
func (u *UnreadReconciler) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalLocked()
}

func (u *UnreadReconciler) totalLocked() int {
	if u.serverTotal == nil {
		sum := 0
		for _, t := range u.tallies {
			sum += t.count
		}
		return sum
	}
	total := *u.serverTotal
	for _, t := range u.tallies {
		total += t.count - t.totalRef
	}
	return max(total, 0)
}

// Close cancels pending re-sync timers.
func (u *UnreadReconciler) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	for _, t := range u.tallies {
		t.resync = stopTimer(t.resync)
	}
}

func (u *UnreadReconciler) tallyLocked(conversationID string) *tally {
	t, ok := u.tallies[conversationID]
	if !ok {
		t = &tally{}
		u.tallies[conversationID] = t
	}
	return t
}

// pruneLocked forgets message ids older than DedupeTTL and keeps at most
// DedupeMax of them.
func (u *UnreadReconciler) pruneLocked(now time.Time) {
	cutoff := now.Add(-u.cfg.DedupeTTL.Std())
	drop := 0
	for drop < len(u.order) {
		e := u.order[drop]
		if !e.at.Before(cutoff) && len(u.order)-drop < u.cfg.DedupeMax {
			break
		}
		delete(u.seen, e.id)
		drop++
	}
	if drop > 0 {
		u.order = append(u.order[:0:0], u.order[drop:]...)
	}
}

func (u *UnreadReconciler) changed() {
	u.mu.Lock()
	total := u.totalLocked()
	u.mu.Unlock()
	u.metrics.unreadTotal(total)
	if u.onChange != nil {
		u.onChange()
	}
}
