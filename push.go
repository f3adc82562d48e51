package msgcenter

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a push body.
const SignatureHeader = "X-MsgCenter-Signature"

// maxPushBody bounds a single push request.
const maxPushBody = 1 << 20

// pushable lists the frame types accepted over HTTP push. Channel control
// frames (authenticated, pong) only make sense on the live connection.
var pushable = map[string]bool{
	FrameMessageAck:          true,
	FrameMessageDelivered:    true,
	FrameMessageRead:         true,
	FrameMessageRejected:     true,
	FrameMessageNew:          true,
	FrameConversationUpdated: true,
	FrameUnreadUpdated:       true,
	FrameUnreadTotal:         true,
	FrameTypingIndicator:     true,
}

// SignPush returns the signature header value for body.
func SignPush(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPushSignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePush decodes a push body holding one envelope or an array of them.
func ParsePush(body []byte) ([]Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	var envs []Envelope
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			return nil, fmt.Errorf("invalid JSON in push body: %w", err)
		}
	} else {
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("invalid JSON in push body: %w", err)
		}
		envs = []Envelope{env}
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("empty push body")
	}
	for _, env := range envs {
		if env.Type == "" {
			return nil, fmt.Errorf("missing type field in push envelope")
		}
		if !pushable[env.Type] {
			return nil, fmt.Errorf("frame type %q cannot be pushed", env.Type)
		}
	}
	return envs, nil
}

// ============================================================================
// PushHandler
// ============================================================================

// PushHandler verifies signed server pushes and hands their envelopes to the
// same dispatcher the live channel uses.
type PushHandler struct {
	secret   string
	dispatch func(Envelope)
}

// NewPushHandler creates a handler. dispatch receives envelopes in body order.
func NewPushHandler(secret string, dispatch func(Envelope)) (*PushHandler, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("push dispatcher is required")
	}
	return &PushHandler{secret: secret, dispatch: dispatch}, nil
}

// Handle processes a push (verify + parse + dispatch) and returns the status
// code and response body for the caller to write.
func (h *PushHandler) Handle(body []byte, signature string) (int, any) {
	if !VerifyPushSignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	envs, err := ParsePush(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	for _, env := range envs {
		h.dispatch(env)
	}
	return http.StatusOK, map[string]any{"ok": true, "accepted": len(envs)}
}

// ServeHTTP implements http.Handler.
func (h *PushHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	if len(body) > maxPushBody {
		writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Body too large"})
		return
	}
	status, data := h.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
