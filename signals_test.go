package msgcenter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHandlerSetOrderAndUnsubscribe(t *testing.T) {
	var hs handlerSet[int]
	var got []string

	unsubA := hs.add(func(v int) { got = append(got, "a") })
	hs.add(func(v int) { got = append(got, "b") })
	hs.emit(1)
	assert.Equal(t, []string{"a", "b"}, got)

	unsubA()
	unsubA()
	got = nil
	hs.emit(2)
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 1, hs.len())
}

func TestHandlerSetRecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	hs := handlerSet[string]{log: zap.New(core)}

	var reached bool
	hs.add(func(string) { panic("boom") })
	hs.add(func(string) { reached = true })

	assert.NotPanics(t, func() { hs.emit("x") })
	assert.True(t, reached, "later subscribers still run")
	assert.Equal(t, 1, logs.FilterMessage("subscriber panicked").Len())
}

func TestHandlerSetUnsubscribeDuringEmit(t *testing.T) {
	var hs handlerSet[int]
	calls := 0
	var unsub func()
	unsub = hs.add(func(int) {
		calls++
		unsub()
	})
	hs.emit(1)
	hs.emit(2)
	assert.Equal(t, 1, calls)
}

func TestSignalsPublish(t *testing.T) {
	s := NewSignals(nil)

	var unread []UnreadCountUpdate
	var reads []string
	refreshes := 0
	s.OnUnreadCountUpdate(func(v UnreadCountUpdate) { unread = append(unread, v) })
	s.OnConversationRead(func(v ConversationRead) { reads = append(reads, v.ConversationID) })
	stop := s.OnRefreshConversations(func(RefreshConversations) { refreshes++ })

	s.PublishUnreadCountUpdate(UnreadCountUpdate{ConversationID: "X", Increment: 1, MessageID: "m1"})
	s.PublishConversationRead(ConversationRead{ConversationID: "X"})
	s.PublishRefreshConversations()
	stop()
	s.PublishRefreshConversations()

	assert.Equal(t, []UnreadCountUpdate{{ConversationID: "X", Increment: 1, MessageID: "m1"}}, unread)
	assert.Equal(t, []string{"X"}, reads)
	assert.Equal(t, 1, refreshes)
}

func TestSignalsRelay(t *testing.T) {
	s := NewSignals(nil)
	type relayed struct {
		name string
		v    any
	}
	var out []relayed
	s.setRelay(func(name string, v any) { out = append(out, relayed{name, v}) })

	local := 0
	s.OnConversationRead(func(ConversationRead) { local++ })

	s.PublishConversationRead(ConversationRead{ConversationID: "X"})
	s.PublishRefreshConversations()
	assert.Equal(t, []relayed{
		{SignalConversationRead, ConversationRead{ConversationID: "X"}},
		{SignalRefreshConversations, RefreshConversations{}},
	}, out)

	t.Run("deliver stays local", func(t *testing.T) {
		s.deliver(ConversationRead{ConversationID: "Y"})
		assert.Equal(t, 2, local)
		assert.Len(t, out, 2)
	})
}
