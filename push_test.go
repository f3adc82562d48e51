package msgcenter

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testPushSecret = "test-push-secret-key"

func makePushBody(t *testing.T, frames ...Envelope) string {
	t.Helper()
	var v any = frames
	if len(frames) == 1 {
		v = frames[0]
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func newMessagePush(t *testing.T) Envelope {
	return frame(t, FrameMessageNew, MessageNewPayload{
		ID: "msg-001", ConversationID: "conv-001", SenderID: "user-001", Content: "Hello from push",
	})
}

// ============================================================================
// VerifyPushSignature
// ============================================================================

func TestVerifyPushSignature(t *testing.T) {
	body := []byte(makePushBody(t, newMessagePush(t)))

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyPushSignature(body, SignPush(body, testPushSecret), testPushSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignPush(body, testPushSecret), "sha256=")
		assert.True(t, VerifyPushSignature(body, sig, testPushSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyPushSignature(body, SignPush(body, "other"), testPushSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := SignPush(body, testPushSecret)
		tampered := append([]byte{}, body...)
		tampered = append(tampered, ' ')
		assert.False(t, VerifyPushSignature(tampered, sig, testPushSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifyPushSignature(nil, "sha256=abc", testPushSecret))
		assert.False(t, VerifyPushSignature(body, "", testPushSecret))
		assert.False(t, VerifyPushSignature(body, "sha256=", testPushSecret))
		assert.False(t, VerifyPushSignature(body, SignPush(body, testPushSecret), ""))
	})

	t.Run("truncated signature", func(t *testing.T) {
		sig := SignPush(body, testPushSecret)
		assert.False(t, VerifyPushSignature(body, sig[:len(sig)-2], testPushSecret))
	})
}

// ============================================================================
// ParsePush
// ============================================================================

func TestParsePush(t *testing.T) {
	t.Run("single envelope", func(t *testing.T) {
		envs, err := ParsePush([]byte(makePushBody(t, newMessagePush(t))))
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, FrameMessageNew, envs[0].Type)
	})

	t.Run("batch keeps order", func(t *testing.T) {
		body := makePushBody(t,
			frame(t, FrameUnreadTotal, UnreadTotalPayload{Count: 3}),
			newMessagePush(t),
		)
		envs, err := ParsePush([]byte(body))
		require.NoError(t, err)
		require.Len(t, envs, 2)
		assert.Equal(t, FrameUnreadTotal, envs[0].Type)
		assert.Equal(t, FrameMessageNew, envs[1].Type)
	})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid JSON", "not json", "invalid JSON"},
		{"empty batch", "[]", "empty push body"},
		{"missing type", `{"payload":{}}`, "missing type"},
		{"control frame", `{"type":"authenticated","payload":{}}`, "cannot be pushed"},
		{"pong", `[{"type":"message.new","payload":{}},{"type":"pong"}]`, "cannot be pushed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePush([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// ============================================================================
// PushHandler
// ============================================================================

func TestNewPushHandler(t *testing.T) {
	_, err := NewPushHandler("", func(Envelope) {})
	assert.Error(t, err)
	_, err = NewPushHandler(testPushSecret, nil)
	assert.Error(t, err)
	h, err := NewPushHandler(testPushSecret, func(Envelope) {})
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestPushHandlerHandle(t *testing.T) {
	var got []Envelope
	h, err := NewPushHandler(testPushSecret, func(env Envelope) { got = append(got, env) })
	require.NoError(t, err)

	t.Run("valid push dispatches", func(t *testing.T) {
		got = nil
		body := []byte(makePushBody(t, newMessagePush(t), frame(t, FrameUnreadTotal, UnreadTotalPayload{Count: 1})))
		status, resp := h.Handle(body, SignPush(body, testPushSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, map[string]any{"ok": true, "accepted": 2}, resp)
		require.Len(t, got, 2)
		assert.Equal(t, FrameMessageNew, got[0].Type)
	})

	t.Run("bad signature dispatches nothing", func(t *testing.T) {
		got = nil
		body := []byte(makePushBody(t, newMessagePush(t)))
		status, _ := h.Handle(body, "sha256=deadbeef")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Empty(t, got)
	})

	t.Run("bad body", func(t *testing.T) {
		got = nil
		body := []byte(`{"type":"pong"}`)
		status, resp := h.Handle(body, SignPush(body, testPushSecret))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, resp.(map[string]string)["error"], "cannot be pushed")
		assert.Empty(t, got)
	})
}

func TestPushHandlerHTTP(t *testing.T) {
	var got []Envelope
	h, err := NewPushHandler(testPushSecret, func(env Envelope) { got = append(got, env) })
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	post := func(t *testing.T, body, sig string) (*http.Response, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return resp, out
	}

	t.Run("POST with valid signature", func(t *testing.T) {
		body := makePushBody(t, newMessagePush(t))
		resp, out := post(t, body, SignPush([]byte(body), testPushSecret))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, true, out["ok"])
		assert.EqualValues(t, 1, out["accepted"])
		assert.Len(t, got, 1)
	})

	t.Run("missing signature", func(t *testing.T) {
		resp, out := post(t, makePushBody(t, newMessagePush(t)), "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Invalid signature", out["error"])
	})

	t.Run("GET rejected", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("body too large", func(t *testing.T) {
		body := strings.Repeat("x", maxPushBody+1)
		resp, out := post(t, body, SignPush([]byte(body), testPushSecret))
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assert.Equal(t, "Body too large", out["error"])
	})
}
