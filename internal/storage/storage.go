// Package storage defines the tenant-scoped persistence contracts consumed by
// the chat dispatcher, together with an in-memory implementation used for
// tests and single-node deployments and a Postgres implementation for
// production. A Store is always bound to exactly one tenant; callers obtain
// it from the tenant connection registry and never pass tenant IDs per call.
package storage

import (
	"context"
	"errors"
	"time"

	"crewline/internal/models"
)

var (
	// ErrChatNotFound is returned when a chat ID does not resolve within
	// the tenant's namespace.
	ErrChatNotFound = errors.New("chat not found")
	// ErrMessageNotFound is returned when a message ID does not resolve
	// within the given chat.
	ErrMessageNotFound = errors.New("message not found")
)

// CreateChatParams captures the fields required to open a conversation.
// Chat CRUD beyond creation belongs to the surrounding application; creation
// is included here because tests and bootstrap tooling need it.
type CreateChatParams struct {
	Type           models.ChatType
	ParticipantIDs []string
	GroupName      string
	GroupAdminID   string
}

// CreateMessageParams captures the fields persisted for a single send.
type CreateMessageParams struct {
	ChatID      string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []models.Attachment
	CreatedAt   time.Time
}

// SaveNotificationParams captures the offline-recipient fallback record.
type SaveNotificationParams struct {
	UserID  string
	Title   string
	Message string
	Type    models.NotificationType
}

// ChatStore resolves conversations and their membership.
type ChatStore interface {
	CreateChat(ctx context.Context, params CreateChatParams) (models.Chat, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	// Participants returns the user IDs belonging to the chat.
	Participants(ctx context.Context, chatID string) ([]string, error)
}

// MessageStore persists chat messages. CreateMessage also stamps the owning
// chat's LastMessageID/LastMessageAt in the same logical write.
type MessageStore interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (models.Message, error)
	// DeleteMessage removes the message permanently and returns the
	// deleted record. There is no tombstone; offline participants discover
	// the gap on their next full fetch.
	DeleteMessage(ctx context.Context, chatID, messageID string) (models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	// MarkMessageRead appends userID to the message's ReadBy set and
	// returns the updated record. Idempotent per user.
	MarkMessageRead(ctx context.Context, chatID, messageID, userID string) (models.Message, error)
}

// NotificationStore persists offline-delivery fallbacks. Notifications have a
// lifecycle independent from messages.
type NotificationStore interface {
	SaveNotification(ctx context.Context, params SaveNotificationParams) (models.Notification, error)
	ListNotifications(ctx context.Context, userID string) ([]models.Notification, error)
}

// Store is the handle the tenant registry caches: one per tenant, opened
// lazily, never refreshed for the life of the process.
type Store interface {
	ChatStore
	MessageStore
	NotificationStore

	// Ping reports whether the underlying connection is ready. The
	// registry blocks on it before caching a new handle.
	Ping(ctx context.Context) error
	Close()
}
