package msgcenter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMarker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *fakeMarker) MarkRead(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conversationID)
	return m.err
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(ch Change) {
	l.mu.Lock()
	l.changes = append(l.changes, ch)
	l.mu.Unlock()
}

func (l *changeLog) has(kind ChangeKind, conv string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.changes {
		if ch.Kind == kind && ch.ConversationID == conv {
			return true
		}
	}
	return false
}

type centerFixture struct {
	c      *Center
	clock  *fakeClock
	dialer *fakeDialer
	source *fakeSource
	marker *fakeMarker
	log    *changeLog
}

func newCenterFixture(t *testing.T, cfg Config, opts ...Option) *centerFixture {
	t.Helper()
	f := &centerFixture{
		clock:  newFakeClock(),
		dialer: newFakeDialer(),
		source: &fakeSource{page: &ConversationPage{Conversations: []Conversation{
			{ID: "X", Title: "with bob", UnreadCount: 0, LastActivity: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
		}}},
		marker: &fakeMarker{},
		log:    &changeLog{},
	}
	opts = append([]Option{
		WithClock(f.clock),
		WithDialer(f.dialer),
		WithSource(f.source),
		WithReadMarker(f.marker),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	f.c = c
	cancel := c.Watch(f.log.record)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return f
}

func (f *centerFixture) start(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, f.c.Start(context.Background()))
	require.Equal(t, StateConnected, f.c.State())
	return f.dialer.last(t)
}

func messageStatus(c *Center, clientID string) MessageStatus {
	m, _ := c.Message(clientID)
	return m.Status
}

func TestNewRequiresSourceAndDialer(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{}, WithSource(&fakeSource{}))
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost:1", Token: "tok"})
	require.NoError(t, err)
	defer c.Close()
	d, ok := c.dialer.(*WSDialer)
	require.True(t, ok)
	assert.Equal(t, "ws://localhost:1/chat", d.URL)
}

func TestCenterStart(t *testing.T) {
	f := newCenterFixture(t, Config{})
	f.start(t)

	assert.Equal(t, "me", f.c.UserID(), "authenticated frame sets the user")
	require.Len(t, f.c.Conversations(), 1)
	assert.Equal(t, 1, f.source.callCount())
	assert.True(t, f.log.has(ChangeConversations, ""))
	assert.True(t, f.log.has(ChangeTransport, ""))

	t.Run("no auto connect", func(t *testing.T) {
		g := newCenterFixture(t, Config{Transport: TransportConfig{AutoConnect: ptr(false)}})
		require.NoError(t, g.c.Start(context.Background()))
		assert.Equal(t, StateDisconnected, g.c.State())
		assert.Zero(t, g.dialer.dialCount())
	})

	t.Run("failed snapshot is not fatal", func(t *testing.T) {
		g := newCenterFixture(t, Config{})
		g.source.set(nil, errors.New("offline"))
		require.NoError(t, g.c.Start(context.Background()))
		assert.True(t, g.c.RefreshState().Recoverable)
		assert.Equal(t, StateConnected, g.c.State())
	})

	t.Run("unreachable channel keeps reconnecting", func(t *testing.T) {
		g := newCenterFixture(t, Config{})
		g.dialer.setFailAll(true)
		require.NoError(t, g.c.Start(context.Background()))
		assert.Equal(t, StateReconnecting, g.c.State())
	})
}

func TestCenterOfflineSend(t *testing.T) {
	f := newCenterFixture(t, Config{})
	conn := f.start(t)

	conn.Close("network lost")
	require.Eventually(t, func() bool { return f.c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	m, err := f.c.Send("X", "sent while offline")
	require.NoError(t, err)
	assert.Equal(t, StatusSending, m.Status)
	conv, _ := f.c.Conversation("X")
	assert.Equal(t, "sent while offline", conv.LastMessage.Content, "conversation preview is optimistic")

	f.clock.Advance(time.Second)
	require.Equal(t, StateConnected, f.c.State())
	conn = f.dialer.last(t)

	env := conn.nextOfType(t, CommandMessageSend)
	var sp SendPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sp))
	assert.Equal(t, m.ClientID, sp.ClientID)
	assert.Equal(t, "X", sp.ConversationID)

	conn.push(t, FrameMessageAck, AckPayload{ClientID: m.ClientID, ServerID: "s1", ConversationID: "X"})
	require.Eventually(t, func() bool { return messageStatus(f.c, m.ClientID) == StatusSent }, 2*time.Second, 5*time.Millisecond)

	conn.push(t, FrameMessageDelivered, AckPayload{ServerID: "s1", ConversationID: "X"})
	require.Eventually(t, func() bool { return messageStatus(f.c, m.ClientID) == StatusDelivered }, 2*time.Second, 5*time.Millisecond)

	msgs := f.c.Messages("X")
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].ServerID)
	assert.True(t, f.log.has(ChangeMessages, "X"))

	// The reconnect triggers a catch-up snapshot.
	require.Eventually(t, func() bool { return f.source.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCenterIncomingMessageCountsUnread(t *testing.T) {
	f := newCenterFixture(t, Config{})
	conn := f.start(t)

	conn.push(t, FrameTypingIndicator, TypingIndicatorPayload{ConversationID: "X", UserID: "bob", IsTyping: true})
	require.Eventually(t, func() bool { return len(f.c.Typing("X")) == 1 }, 2*time.Second, 5*time.Millisecond)

	in := MessageNewPayload{ID: "s9", ConversationID: "X", SenderID: "bob", Content: "hi"}
	conn.push(t, FrameMessageNew, in)
	conn.push(t, FrameMessageNew, in)
	require.Eventually(t, func() bool { return f.c.UnreadCount("X") == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.push(t, FrameMessageNew, MessageNewPayload{ID: "s10", ConversationID: "X", SenderID: "bob", Content: "again"})
	require.Eventually(t, func() bool { return f.c.UnreadCount("X") == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, f.c.Messages("X"), 2, "duplicate push inserted once")
	assert.Empty(t, f.c.Typing("X"), "a message from bob clears his indicator")
	assert.Equal(t, 2, f.c.UnreadTotal())
	assert.True(t, f.log.has(ChangeUnread, ""))

	t.Run("own echo is not unread", func(t *testing.T) {
		conn.push(t, FrameMessageNew, MessageNewPayload{ID: "s11", ConversationID: "X", SenderID: "me", Content: "mine"})
		require.Eventually(t, func() bool { return len(f.c.Messages("X")) == 3 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 2, f.c.UnreadCount("X"))
	})
}

func TestCenterMarkRead(t *testing.T) {
	f := newCenterFixture(t, Config{})
	conn := f.start(t)
	f.c.Signals().PublishUnreadCountUpdate(UnreadCountUpdate{ConversationID: "X", Increment: 3})
	require.Equal(t, 3, f.c.UnreadCount("X"))

	require.NoError(t, f.c.MarkRead(context.Background(), "X"))
	assert.Equal(t, 0, f.c.UnreadCount("X"))
	assert.Equal(t, []string{"X"}, f.marker.calls)

	env := conn.nextOfType(t, CommandConversationRead)
	assert.JSONEq(t, `{"conversationId":"X"}`, string(env.Payload))

	t.Run("snapshot taken before the read does not resurrect", func(t *testing.T) {
		f.c.Signals().PublishUnreadCountUpdate(UnreadCountUpdate{ConversationID: "X", Increment: 3})
		f.source.set(&ConversationPage{Conversations: []Conversation{{ID: "X", UnreadCount: 3}}}, nil)
		f.source.mu.Lock()
		f.source.hook = func() { require.NoError(t, f.c.MarkRead(context.Background(), "X")) }
		f.source.mu.Unlock()
		defer func() {
			f.source.mu.Lock()
			f.source.hook = nil
			f.source.mu.Unlock()
		}()

		require.NoError(t, f.c.Refresh(context.Background()))
		assert.Equal(t, 0, f.c.UnreadCount("X"))
	})

	t.Run("confirmation failure keeps the local zero", func(t *testing.T) {
		f.c.Signals().PublishUnreadCountUpdate(UnreadCountUpdate{ConversationID: "X", Increment: 1})
		f.marker.err = errors.New("503")
		err := f.c.MarkRead(context.Background(), "X")
		require.Error(t, err)
		assert.Equal(t, 0, f.c.UnreadCount("X"))

		// The re-sync after the delay fetches the server's view.
		calls := f.source.callCount()
		f.clock.Advance(3 * time.Second)
		require.Eventually(t, func() bool { return f.source.callCount() == calls+1 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("validation", func(t *testing.T) {
		assert.ErrorIs(t, f.c.MarkRead(context.Background(), ""), ErrValidation)
	})
}

func TestCenterSharedSignals(t *testing.T) {
	bus := NewSignals(zaptest.NewLogger(t))
	a := newCenterFixture(t, Config{}, WithSignals(bus))
	b := newCenterFixture(t, Config{}, WithSignals(bus))

	bus.PublishUnreadCountUpdate(UnreadCountUpdate{ConversationID: "X", Increment: 2, MessageID: "m1"})
	assert.Equal(t, 2, a.c.UnreadCount("X"))
	assert.Equal(t, 2, b.c.UnreadCount("X"))

	require.NoError(t, a.c.MarkRead(context.Background(), "X"))
	assert.Equal(t, 0, a.c.UnreadCount("X"))
	assert.Equal(t, 0, b.c.UnreadCount("X"), "every surface zeroes at once")
}

func TestCenterPushHandler(t *testing.T) {
	f := newCenterFixture(t, Config{Transport: TransportConfig{AutoConnect: ptr(false)}})
	require.NoError(t, f.c.Start(context.Background()))

	h, err := f.c.PushHandler("s3cret")
	require.NoError(t, err)

	body := []byte(makePushBody(t,
		frame(t, FrameUnreadUpdated, UnreadUpdatedPayload{ConversationID: "X", Count: 4, Seq: 1}),
		frame(t, FrameConversationUpdated, ConversationDelta{ID: "Y", Title: ptr("new group"), UnreadCount: ptr(2)}),
	))
	status, _ := h.Handle(body, SignPush(body, "s3cret"))
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 4, f.c.UnreadCount("X"))
	y, ok := f.c.Conversation("Y")
	require.True(t, ok)
	assert.Equal(t, "new group", y.Title)
	assert.Equal(t, 2, y.UnreadCount)
	assert.Equal(t, 6, f.c.UnreadTotal())
}

func TestCenterTypingGoesOverTheChannel(t *testing.T) {
	f := newCenterFixture(t, Config{})
	conn := f.start(t)

	require.NoError(t, f.c.SetTyping("X", true))
	env := conn.nextOfType(t, CommandTypingStart)
	assert.JSONEq(t, `{"conversationId":"X"}`, string(env.Payload))

	f.c.Disconnect()
	assert.Equal(t, StateDisconnected, f.c.State())
	assert.ErrorIs(t, f.c.SetTyping("Y", true), ErrNotConnected, "typing is never queued")
}

func TestCenterClose(t *testing.T) {
	f := newCenterFixture(t, Config{})
	conn := f.start(t)
	_, err := f.c.Send("X", "pending")
	require.NoError(t, err)

	require.NoError(t, f.c.Close())
	require.NoError(t, f.c.Close())

	assert.True(t, conn.isClosed())
	assert.Zero(t, f.clock.Pending(), "no timers survive Close")

	_, err = f.c.Send("X", "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.c.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, f.c.MarkRead(context.Background(), "X"), ErrClosed)
}
