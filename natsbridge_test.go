package msgcenter

import (
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connectTestNATS(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func newBridgedSignals(t *testing.T, server *natsserver.Server, prefix string) (*Signals, *SignalBridge) {
	t.Helper()
	s := NewSignals(zaptest.NewLogger(t))
	b := NewSignalBridge(connectTestNATS(t, server), s, prefix, zaptest.NewLogger(t))
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Close() })
	return s, b
}

func TestSignalBridgeRelaysBetweenProcesses(t *testing.T) {
	server := startTestNATSServer(t)
	a, _ := newBridgedSignals(t, server, "")
	b, _ := newBridgedSignals(t, server, "")

	var onA, onB atomic.Int32
	got := make(chan UnreadCountUpdate, 4)
	a.OnUnreadCountUpdate(func(UnreadCountUpdate) { onA.Add(1) })
	b.OnUnreadCountUpdate(func(v UnreadCountUpdate) {
		onB.Add(1)
		got <- v
	})

	a.PublishUnreadCountUpdate(UnreadCountUpdate{ConversationID: "X", Increment: 1, MessageID: "m1"})

	select {
	case v := <-got:
		assert.Equal(t, UnreadCountUpdate{ConversationID: "X", Increment: 1, MessageID: "m1"}, v)
	case <-time.After(5 * time.Second):
		t.Fatal("signal not relayed")
	}

	// Give a would-be echo time to arrive.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), onA.Load(), "own signal is not delivered twice")
	assert.Equal(t, int32(1), onB.Load(), "relayed signal is not re-published")
}

func TestSignalBridgeAllSignals(t *testing.T) {
	server := startTestNATSServer(t)
	a, _ := newBridgedSignals(t, server, "tenant.signals")
	b, _ := newBridgedSignals(t, server, "tenant.signals")

	reads := make(chan ConversationRead, 1)
	refreshes := make(chan RefreshConversations, 1)
	b.OnConversationRead(func(v ConversationRead) { reads <- v })
	b.OnRefreshConversations(func(v RefreshConversations) { refreshes <- v })

	a.PublishConversationRead(ConversationRead{ConversationID: "Y"})
	a.PublishRefreshConversations()

	select {
	case v := <-reads:
		assert.Equal(t, "Y", v.ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("read signal not relayed")
	}
	select {
	case <-refreshes:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh signal not relayed")
	}
}

func TestSignalBridgeIsolatesPrefixes(t *testing.T) {
	server := startTestNATSServer(t)
	a, _ := newBridgedSignals(t, server, "one")
	b, _ := newBridgedSignals(t, server, "two")

	var onB atomic.Int32
	b.OnRefreshConversations(func(RefreshConversations) { onB.Add(1) })
	a.PublishRefreshConversations()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, onB.Load())
}

func TestSignalBridgeClose(t *testing.T) {
	server := startTestNATSServer(t)
	a, bridgeA := newBridgedSignals(t, server, "")
	b, _ := newBridgedSignals(t, server, "")

	var onB atomic.Int32
	b.OnRefreshConversations(func(RefreshConversations) { onB.Add(1) })

	require.NoError(t, bridgeA.Close())
	require.NoError(t, bridgeA.Close())

	local := 0
	a.OnRefreshConversations(func(RefreshConversations) { local++ })
	a.PublishRefreshConversations()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, local, "local delivery continues")
	assert.Zero(t, onB.Load())

	t.Run("malformed messages are ignored", func(t *testing.T) {
		nc := connectTestNATS(t, server)
		require.NoError(t, nc.Publish(DefaultSignalSubject+".unreadCountUpdate", []byte("not json")))
		require.NoError(t, nc.Publish(DefaultSignalSubject+".bogus", []byte(`{"origin":"x","name":"bogus"}`)))
		require.NoError(t, nc.Flush())
		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, onB.Load())
	})
}
