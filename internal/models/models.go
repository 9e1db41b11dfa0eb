package models

import "time"

// ChatType distinguishes one-on-one conversations from named groups.
type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

// Chat is a conversation owned by a single tenant. The dispatcher only ever
// mutates LastMessageID and LastMessageAt as a side effect of message
// creation; all other fields are managed by the surrounding CRUD surface.
type Chat struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	Type           ChatType   `json:"type"`
	ParticipantIDs []string   `json:"participantIds"`
	GroupName      string     `json:"groupName,omitempty"`
	GroupAdminID   string     `json:"groupAdmin,omitempty"`
	LastMessageID  string     `json:"lastMessageId,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// HasParticipant reports whether the given user belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Attachment describes a file carried alongside a message. The payload itself
// lives in object storage; only the reference travels through chat.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Message is created exactly once per send and never mutated afterwards
// except for read receipts appended to ReadBy and a single hard delete.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReadBy      []string     `json:"readBy"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ReadByUser reports whether the given user already acknowledged the message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// NotificationType labels the severity bucket of a persisted notification.
type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeWarning NotificationType = "warning"
)

// Notification is the persisted fallback for recipients who were offline at
// send time. It is an independent aggregate: deleting the message that caused
// it never retracts the notification.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}
