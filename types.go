package msgcenter

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the message-center REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *ResultMeta     `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// ResultMeta carries out-of-band values the server attaches to list responses.
type ResultMeta struct {
	TotalUnread *int `json:"totalUnread,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindSystem  ConversationKind = "system"
	KindProject ConversationKind = "project"
)

// Participant is the summary of a conversation member shown in lists.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// LastMessage is the preview of the most recent message of a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SenderID  string    `json:"senderId"`
}

// Conversation is the merged view of one conversation.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	LastMessage  *LastMessage     `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	IsPinned     bool             `json:"isPinned"`
	IsMuted      bool             `json:"isMuted"`
	LastActivity time.Time        `json:"lastActivity"`
}

func (c Conversation) clone() Conversation {
	if c.Participants != nil {
		c.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// ConversationDelta is a partial update pushed by the server or produced
// locally when a message touches a conversation. Nil fields are left alone.
type ConversationDelta struct {
	ID           string            `json:"id"`
	Kind         *ConversationKind `json:"kind,omitempty"`
	Title        *string           `json:"title,omitempty"`
	Participants []Participant     `json:"participants,omitempty"`
	LastMessage  *LastMessage      `json:"lastMessage,omitempty"`
	UnreadCount  *int              `json:"unreadCount,omitempty"`
	IsPinned     *bool             `json:"isPinned,omitempty"`
	IsMuted      *bool             `json:"isMuted,omitempty"`
	LastActivity *time.Time        `json:"lastActivity,omitempty"`
	Seq          uint64            `json:"seq,omitempty"`
}

// conversationSnapshot is the REST wire shape of one conversation.
type conversationSnapshot struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Type         ConversationKind `json:"type,omitempty"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	LastMessage  *struct {
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
		Sender    string    `json:"sender"`
		SenderID  string    `json:"senderId"`
	} `json:"lastMessage,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
	IsPinned     bool      `json:"isPinned"`
	IsMuted      bool      `json:"isMuted"`
}

func (s conversationSnapshot) toConversation() Conversation {
	c := Conversation{
		ID:           s.ID,
		Kind:         s.Kind,
		Title:        s.Title,
		Participants: s.Participants,
		LastActivity: s.LastActivity,
		UnreadCount:  s.UnreadCount,
		IsPinned:     s.IsPinned,
		IsMuted:      s.IsMuted,
	}
	if c.Kind == "" {
		c.Kind = s.Type
	}
	if c.Kind == "" {
		c.Kind = KindDirect
	}
	if s.LastMessage != nil {
		sender := s.LastMessage.SenderID
		if sender == "" {
			sender = s.LastMessage.Sender
		}
		c.LastMessage = &LastMessage{
			Content:   s.LastMessage.Content,
			Timestamp: s.LastMessage.Timestamp,
			SenderID:  sender,
		}
		if c.LastActivity.IsZero() {
			c.LastActivity = s.LastMessage.Timestamp
		}
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return c
}

// ConversationPage is one REST snapshot of the conversation list.
type ConversationPage struct {
	Conversations []Conversation
	// TotalUnread is the server-reported global unread count, if the server sent one.
	TotalUnread *int
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusDraft     MessageStatus = "draft"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the forward statuses. Failed sits outside the order.
func (s MessageStatus) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageSystem MessageKind = "system"
	MessageFile   MessageKind = "file"
)

// Message is one entry of a conversation's ordered message list.
type Message struct {
	ClientID       string        `json:"clientId"`
	ServerID       string        `json:"serverId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	// Outgoing is set for messages authored on this client.
	Outgoing bool `json:"outgoing"`
	// Attempts counts submissions of an outgoing message, retries included.
	Attempts int `json:"attempts,omitempty"`
	// Err is the reason of the last failure when Status is failed.
	Err error `json:"-"`
}

// ============================================================================
// Typing
// ============================================================================

// TypingState is one active remote typing indicator.
type TypingState struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ============================================================================
// Wire Payloads
// ============================================================================

// Envelope is the wire format of every frame on the live channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Inbound frame types.
const (
	FrameAuthenticated       = "authenticated"
	FrameMessageAck          = "message.ack"
	FrameMessageDelivered    = "message.delivered"
	FrameMessageRead         = "message.read"
	FrameMessageRejected     = "message.rejected"
	FrameMessageNew          = "message.new"
	FrameConversationUpdated = "conversation.updated"
	FrameUnreadUpdated       = "unread.updated"
	FrameUnreadTotal         = "unread.total"
	FrameTypingIndicator     = "typing.indicator"
	FramePong                = "pong"
	FrameError               = "error"
)

// Outbound frame types.
const (
	CommandMessageSend      = "message.send"
	CommandTypingStart      = "typing.start"
	CommandTypingStop       = "typing.stop"
	CommandConversationRead = "conversation.read"
	CommandPing             = "ping"
)

// AuthenticatedPayload is sent once a live connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SendPayload is the body of a message.send command.
type SendPayload struct {
	ClientID       string      `json:"clientId"`
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageKind `json:"type"`
}

// AckPayload acknowledges persistence, delivery or reading of a message.
type AckPayload struct {
	ClientID       string    `json:"clientId,omitempty"`
	ServerID       string    `json:"serverId,omitempty"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// RejectedPayload reports an explicit server rejection of a send.
type RejectedPayload struct {
	ClientID       string `json:"clientId"`
	ConversationID string `json:"conversationId,omitempty"`
	Code           string `json:"code,omitempty"`
	Reason         string `json:"reason"`
}

// MessageNewPayload is sent when a message arrives in a conversation.
type MessageNewPayload struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageKind `json:"type"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// UnreadUpdatedPayload carries an authoritative per-conversation unread count.
type UnreadUpdatedPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
	Seq            uint64 `json:"seq"`
}

// UnreadTotalPayload carries the authoritative global unread count.
type UnreadTotalPayload struct {
	Count int    `json:"count"`
	Seq   uint64 `json:"seq"`
}

// TypingIndicatorPayload is sent when a user starts or stops typing.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PingPayload is the body of ping and pong frames.
type PingPayload struct {
	RequestID string `json:"requestId"`
}

// ServerErrorPayload is sent when a server-side error occurs.
type ServerErrorPayload struct {
	Message string `json:"message"`
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}
