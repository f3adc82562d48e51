package msgcenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Connection abstraction
// ============================================================================

// Conn is one established live connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens live connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// State represents the transport connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// StateChange is delivered to state subscribers. Err is a *TransportError
// when the change was caused by a drop or by exhausting reconnect attempts.
type StateChange struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// ============================================================================
// Transport
// ============================================================================

type outbound struct {
	key     string
	typ     string
	data    []byte
	durable bool
}

// Transport owns one logical live connection: connect, heartbeat, reconnect
// with capped backoff and an ordered outbound queue that survives drops.
type Transport struct {
	cfg     TransportConfig
	dialer  Dialer
	clock   Clock
	log     *zap.Logger
	metrics *Metrics

	mu          sync.Mutex
	state       State
	conn        Conn
	connCancel  context.CancelFunc
	runCtx      context.Context
	runCancel   context.CancelFunc
	gen         uint64
	attempt     int
	closed      bool
	backoff     Timer
	heartbeat   Timer
	hbDeadline  Timer
	pendingPing string
	queue       []outbound
	inflight    []outbound
	wake        chan struct{}

	frames handlerSet[Envelope]
	states handlerSet[StateChange]
}

// NewTransport creates a disconnected transport. Call Connect to dial.
func NewTransport(cfg TransportConfig, dialer Dialer, clock Clock, logger *zap.Logger, metrics *Metrics) *Transport {
	cfg.defaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock,
		log:     logger,
		metrics: metrics,
		state:   StateDisconnected,
		wake:    make(chan struct{}, 1),
	}
	t.frames.log = logger
	t.states.log = logger
	metrics.setState(StateDisconnected)
	return t
}

// OnFrame registers a handler for every inbound frame. Handlers run on the
// read goroutine in arrival order and must not block.
func (t *Transport) OnFrame(h func(Envelope)) (unsubscribe func()) {
	return t.frames.add(h)
}

// OnState registers a handler for state transitions.
func (t *Transport) OnState(h func(StateChange)) (unsubscribe func()) {
	return t.states.add(h)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// QueueLen returns the number of frames waiting to be written.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Connect dials the live channel. It is a no-op while connecting or
// connected. Called while reconnecting it dials immediately and resets the
// attempt counter.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.backoff = stopTimer(t.backoff)
	t.attempt = 0
	if t.runCancel == nil {
		t.runCtx, t.runCancel = context.WithCancel(context.Background())
	}
	t.gen++
	gen := t.gen
	runCtx := t.runCtx
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()
	t.states.emit(StateChange{State: StateConnecting})

	if err := t.dial(ctx, runCtx, gen); err != nil {
		t.connectFailed(gen, err)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection and cancels pending reconnects and
// heartbeats. Nothing reconnects until the next Connect. Durable frames stay
// queued for that next connection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn, prev := t.teardownLocked()
	if t.runCancel != nil {
		t.runCancel()
		t.runCancel = nil
		t.runCtx = nil
	}
	t.gen++
	t.attempt = 0
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		conn.Close("client disconnect")
	}
	if prev != StateDisconnected {
		t.states.emit(StateChange{State: StateDisconnected})
	}
}

// Close disconnects and rejects further use.
func (t *Transport) Close() {
	t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Enqueue buffers a durable frame under key. Frames are written in
// submission order as soon as the channel is connected and stay in flight
// until Settle; a drop re-queues them ahead of newer frames.
func (t *Transport) Enqueue(key string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if len(t.queue) >= t.cfg.MaxQueue {
		t.mu.Unlock()
		return ErrQueueFull
	}
	t.queue = append(t.queue, outbound{key: key, typ: cmd.Type, data: data, durable: true})
	t.metrics.queueDepth(len(t.queue))
	t.mu.Unlock()
	t.notify()
	return nil
}

// SendEphemeral writes a frame only if the channel is connected right now.
// Ephemeral frames are discarded on drop.
func (t *Transport) SendEphemeral(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.queue = append(t.queue, outbound{typ: cmd.Type, data: data})
	t.metrics.queueDepth(len(t.queue))
	t.mu.Unlock()
	t.notify()
	return nil
}

// Settle forgets the durable frame stored under key, written or not.
func (t *Transport) Settle(key string) {
	t.mu.Lock()
	t.queue = removeKey(t.queue, key)
	t.inflight = removeKey(t.inflight, key)
	t.metrics.queueDepth(len(t.queue))
	t.mu.Unlock()
}

// Withdraw removes the frame stored under key and reports whether it had not
// been written yet.
func (t *Transport) Withdraw(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := len(t.queue)
	t.queue = removeKey(t.queue, key)
	unwritten := len(t.queue) != before
	t.inflight = removeKey(t.inflight, key)
	t.metrics.queueDepth(len(t.queue))
	return unwritten
}

// Pending reports whether a durable frame is queued or in flight under key.
func (t *Transport) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.queue {
		if o.key == key {
			return true
		}
	}
	for _, o := range t.inflight {
		if o.key == key {
			return true
		}
	}
	return false
}

func removeKey(list []outbound, key string) []outbound {
	out := list[:0]
	for _, o := range list {
		if o.key != key || key == "" {
			out = append(out, o)
		}
	}
	return out
}

// ============================================================================
// Dial / drop / reconnect
// ============================================================================

func (t *Transport) dial(ctx context.Context, runCtx context.Context, gen uint64) error {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout.Std())
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	conn, err := t.dialer.Dial(dctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// The first frame must be "authenticated".
	data, err := conn.Read(dctx)
	if err != nil {
		conn.Close("auth read failed")
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FrameAuthenticated {
		conn.Close("unexpected first frame")
		return fmt.Errorf("expected %q, got %q", FrameAuthenticated, env.Type)
	}

	t.mu.Lock()
	if gen != t.gen || t.closed || runCtx.Err() != nil {
		t.mu.Unlock()
		conn.Close("superseded")
		return fmt.Errorf("connect aborted: %w", ErrNotConnected)
	}
	connCtx, connCancel := context.WithCancel(runCtx)
	t.conn = conn
	t.connCancel = connCancel
	t.attempt = 0
	if len(t.inflight) > 0 {
		t.queue = append(t.inflight, t.queue...)
		t.inflight = nil
	}
	t.setStateLocked(StateConnected)
	t.armHeartbeatLocked(gen)
	t.mu.Unlock()

	t.metrics.frame(env.Type)
	t.frames.emit(env)
	t.states.emit(StateChange{State: StateConnected})

	go t.readLoop(connCtx, gen, conn)
	go t.writeLoop(connCtx, gen, conn)
	t.notify()
	return nil
}

// connectFailed handles a failed dial of generation gen.
func (t *Transport) connectFailed(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	var change StateChange
	if *t.cfg.AutoReconnect {
		change = t.scheduleReconnectLocked(err)
	} else {
		t.setStateLocked(StateDisconnected)
		change = StateChange{State: StateDisconnected, Err: &TransportError{Kind: ErrTransportDropped, Err: err}}
	}
	t.mu.Unlock()
	t.states.emit(change)
}

// handleDrop handles an unexpected loss of the connection of generation gen.
func (t *Transport) handleDrop(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	conn, _ := t.teardownLocked()
	t.log.Warn("connection dropped", zap.Error(cause))
	var change StateChange
	if *t.cfg.AutoReconnect && !t.closed {
		change = t.scheduleReconnectLocked(cause)
	} else {
		t.setStateLocked(StateDisconnected)
		change = StateChange{State: StateDisconnected, Err: &TransportError{Kind: ErrTransportDropped, Err: cause}}
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close("dropped")
	}
	t.states.emit(change)
}

// teardownLocked stops the current connection's goroutines and timers and
// discards ephemeral frames. Durable in-flight frames move back to the front
// of the queue.
func (t *Transport) teardownLocked() (Conn, State) {
	prev := t.state
	conn := t.conn
	t.conn = nil
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	t.backoff = stopTimer(t.backoff)
	t.heartbeat = stopTimer(t.heartbeat)
	t.hbDeadline = stopTimer(t.hbDeadline)
	t.pendingPing = ""

	kept := make([]outbound, 0, len(t.inflight)+len(t.queue))
	kept = append(kept, t.inflight...)
	for _, o := range t.queue {
		if o.durable {
			kept = append(kept, o)
		}
	}
	t.inflight = nil
	t.queue = kept
	t.metrics.queueDepth(len(t.queue))
	return conn, prev
}

// scheduleReconnectLocked arms the next backoff timer, or gives up once the
// attempt cap is reached.
func (t *Transport) scheduleReconnectLocked(cause error) StateChange {
	if t.attempt >= t.cfg.ReconnectAttempts {
		attempts := t.attempt
		t.attempt = 0
		t.setStateLocked(StateDisconnected)
		t.metrics.exhausted()
		t.log.Error("reconnect attempts exhausted", zap.Int("attempts", attempts), zap.Error(cause))
		return StateChange{
			State:   StateDisconnected,
			Attempt: attempts,
			Err:     &TransportError{Kind: ErrTransportExhausted, Attempt: attempts, Err: cause},
		}
	}
	t.attempt++
	delay := t.backoffDelay(t.attempt)
	t.setStateLocked(StateReconnecting)
	gen := t.gen
	t.backoff = t.clock.AfterFunc(delay, func() { t.reconnect(gen) })
	t.log.Warn("reconnect scheduled", zap.Int("attempt", t.attempt), zap.Duration("delay", delay))
	return StateChange{
		State:   StateReconnecting,
		Attempt: t.attempt,
		Delay:   delay,
		Err:     &TransportError{Kind: ErrTransportDropped, Attempt: t.attempt, Err: cause},
	}
}

// backoffDelay is ReconnectDelay × attempt, capped at ReconnectMaxDelay.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	d := t.cfg.ReconnectDelay.Std() * time.Duration(attempt)
	if max := t.cfg.ReconnectMaxDelay.Std(); max > 0 && d > max {
		d = max
	}
	return d
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateReconnecting || t.closed || t.runCtx == nil {
		t.mu.Unlock()
		return
	}
	t.backoff = nil
	t.gen++
	gen = t.gen
	runCtx := t.runCtx
	attempt := t.attempt
	t.mu.Unlock()

	t.metrics.reconnectAttempt()
	t.log.Info("reconnecting", zap.Int("attempt", attempt))
	if err := t.dial(runCtx, runCtx, gen); err != nil {
		t.connectFailed(gen, err)
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func (t *Transport) armHeartbeatLocked(gen uint64) {
	t.heartbeat = stopTimer(t.heartbeat)
	t.heartbeat = t.clock.AfterFunc(t.cfg.HeartbeatInterval.Std(), func() { t.sendHeartbeat(gen) })
}

func (t *Transport) sendHeartbeat(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	id := uuid.NewString()
	t.heartbeat = nil
	t.pendingPing = id
	t.hbDeadline = t.clock.AfterFunc(t.cfg.HeartbeatTimeout.Std(), func() { t.heartbeatExpired(gen, id) })
	t.mu.Unlock()

	if err := t.SendEphemeral(Command{Type: CommandPing, Payload: PingPayload{RequestID: id}}); err != nil {
		t.log.Debug("heartbeat not sent", zap.Error(err))
	}
}

func (t *Transport) heartbeatExpired(gen uint64, id string) {
	t.mu.Lock()
	stale := gen != t.gen || t.pendingPing != id
	t.mu.Unlock()
	if stale {
		return
	}
	t.handleDrop(gen, ErrHeartbeatTimeout)
}

func (t *Transport) handlePong(gen uint64, payload json.RawMessage) {
	var p PingPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || p.RequestID == "" || p.RequestID != t.pendingPing {
		return
	}
	t.pendingPing = ""
	t.hbDeadline = stopTimer(t.hbDeadline)
	t.armHeartbeatLocked(gen)
}

// ============================================================================
// Read / write loops
// ============================================================================

func (t *Transport) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.handleDrop(gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			t.log.Debug("ignoring malformed frame", zap.ByteString("frame", data))
			continue
		}
		t.metrics.frame(env.Type)
		if env.Type == FramePong {
			t.handlePong(gen, env.Payload)
		}
		t.frames.emit(env)
	}
}

func (t *Transport) writeLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		t.mu.Lock()
		if gen != t.gen || t.state != StateConnected {
			t.mu.Unlock()
			// Hand a possibly consumed wake-up to the current writer.
			t.notify()
			return
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			select {
			case <-t.wake:
				continue
			case <-ctx.Done():
				t.notify()
				return
			}
		}
		item := t.queue[0]
		t.queue = t.queue[1:]
		if item.durable {
			t.inflight = append(t.inflight, item)
		}
		t.metrics.queueDepth(len(t.queue))
		t.mu.Unlock()

		if err := conn.Write(ctx, item.data); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.handleDrop(gen, fmt.Errorf("write %s: %w", item.typ, err))
			return
		}
	}
}

func (t *Transport) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.log.Info("transport state", zap.String("from", string(t.state)), zap.String("to", string(s)))
	t.state = s
	t.metrics.setState(s)
}
