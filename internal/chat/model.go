package chat

import (
	"encoding/json"
	"time"
)

const (
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventMessageError   = "message_error"

	StatusSent = "sent"

	// TypeText is the fixed discriminator carried by every outbound chat payload.
	TypeText = "text"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

// Message is a stored chat message. CreatedAt is assigned by the store.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	MediaURL   *string
	IsRead     bool
	Status     string
	CreatedAt  time.Time
}

// NewMessage is the input of a single insert.
type NewMessage struct {
	SenderID   string
	ReceiverID string
	Content    string
	MediaURL   *string
	Status     string
}

// ---------------------------------------------
// Wire Models
// ---------------------------------------------

// Envelope frames every websocket event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SendMessageEvent is what the frontend emits as send_message.
type SendMessageEvent struct {
	Message struct {
		SenderID string  `json:"senderId"`
		Text     string  `json:"text"`
		MediaURL *string `json:"mediaUrl,omitempty"`
	} `json:"message"`
	ReceiverID string `json:"receiverId"`
}

// OutboundMessage is the receive_message payload: the stored record reshaped for the wire.
type OutboundMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	MediaURL   *string   `json:"mediaUrl"`
	IsRead     bool      `json:"isRead"`
	Status     string    `json:"status"`
	Type       string    `json:"type"`
	Timestamp  int64     `json:"timestamp"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewOutboundMessage(m *Message) OutboundMessage {
	return OutboundMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Content,
		MediaURL:   m.MediaURL,
		IsRead:     m.IsRead,
		Status:     m.Status,
		Type:       TypeText,
		Timestamp:  m.CreatedAt.UnixMilli(),
		CreatedAt:  m.CreatedAt,
	}
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
