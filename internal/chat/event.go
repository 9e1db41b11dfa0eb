package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"crewline/internal/models"
)

// EventName identifies a chat event flowing over a websocket connection or
// through the archive queue. Inbound and outbound names share one namespace.
type EventName string

const (
	// Inbound.
	EventJoin           EventName = "join"
	EventSend           EventName = "send"
	EventReceived       EventName = "received"
	EventRead           EventName = "read"
	EventMessageDeleted EventName = "messageDeleted"

	// Outbound.
	EventSentAck            EventName = "sent-ack"
	EventReceive            EventName = "receive"
	EventNotify             EventName = "notify"
	EventSendError          EventName = "sendError"
	EventStatus             EventName = "status"
	EventDeleted            EventName = "deleted"
	EventDeleteMessageError EventName = "deleteMessageError"
)

// MessageStatus tracks a message through its lifecycle from the sender's
// perspective. "sending" exists only client-side before the server
// acknowledges persistence.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Event is the wire envelope used in both directions and on the archive
// queue: an event name plus its JSON payload.
type Event struct {
	Name       EventName       `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt,omitempty"`
}

// NewEvent marshals the payload into an envelope. Payloads are small structs;
// a marshal failure indicates a programming error and is surfaced as one.
func NewEvent(name EventName, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: raw, OccurredAt: time.Now().UTC()}, nil
}

// JoinPayload announces the connection's user identity.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// SendPayload carries one message send request.
type SendPayload struct {
	ChatID      string              `json:"chatId"`
	SenderID    string              `json:"senderId"`
	ReceiverIDs []string            `json:"receiverId"`
	Text        string              `json:"text"`
	TargetType  string              `json:"targetType,omitempty"`
	SenderName  string              `json:"senderName,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	CreatedAt   *time.Time          `json:"createdAt,omitempty"`
	ReadBy      []string            `json:"readBy,omitempty"`
}

// ReceivedPayload is a recipient's delivery receipt, routed back to the
// sender as a status event.
type ReceivedPayload struct {
	SenderID   string `json:"senderId"`
	ChatID     string `json:"chatId"`
	ReceiverID string `json:"receiverId"`
	TargetType string `json:"targetType,omitempty"`
}

// ReadPayload is a recipient's read acknowledgment for a single message.
type ReadPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
	SenderID  string `json:"senderId"`
}

// DeletePayload requests a hard delete of a message.
type DeletePayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// SentAckPayload confirms persistence to the sender.
type SentAckPayload struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// ReceivePayload delivers the full message to one live recipient.
type ReceivePayload struct {
	MessageID   string              `json:"messageId"`
	SenderID    string              `json:"senderId"`
	SenderName  string              `json:"senderName,omitempty"`
	Text        string              `json:"text"`
	ChatID      string              `json:"chatId"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	TargetType  string              `json:"targetType,omitempty"`
	Status      MessageStatus       `json:"status"`
	CreatedAt   time.Time           `json:"createdAt"`
	ReadBy      []string            `json:"readBy"`
	ReceiverID  string              `json:"receiverId"`
}

// NotifyPayload is the ambient "new message" hint pushed alongside a live
// delivery. It is never persisted; offline recipients get a Notification
// record instead.
type NotifyPayload struct {
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusPayload reports a per-message state transition to the sender.
type StatusPayload struct {
	ChatID     string        `json:"chatId"`
	MessageID  string        `json:"messageId,omitempty"`
	ReceiverID string        `json:"receiverId"`
	Status     MessageStatus `json:"status"`
}

// DeletedPayload tells a live participant that a message is gone.
type DeletedPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// SendErrorPayload surfaces a validation or persistence failure to the
// sender of the event that caused it.
type SendErrorPayload struct {
	Error string `json:"error"`
}

// DeleteErrorPayload surfaces a failed delete to the requester.
type DeleteErrorPayload struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}
