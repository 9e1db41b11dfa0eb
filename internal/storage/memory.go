package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/models"
)

// MemoryStore keeps a tenant's chats, messages, and notifications in
// process memory behind a single mutex. It backs the "memory" storage driver
// and every dispatcher test; semantics mirror the Postgres implementation.
type MemoryStore struct {
	tenantID string

	mu            sync.RWMutex
	chats         map[string]models.Chat
	messages      map[string]map[string]models.Message // chatID -> messageID -> message
	notifications map[string][]models.Notification     // userID -> records
	closed        bool
}

// NewMemoryStore initialises an empty store bound to the given tenant.
func NewMemoryStore(tenantID string) *MemoryStore {
	return &MemoryStore{
		tenantID:      tenantID,
		chats:         make(map[string]models.Chat),
		messages:      make(map[string]map[string]models.Message),
		notifications: make(map[string][]models.Notification),
	}
}

// TenantID returns the tenant namespace the store is bound to.
func (s *MemoryStore) TenantID() string {
	return s.tenantID
}

func (s *MemoryStore) CreateChat(_ context.Context, params CreateChatParams) (models.Chat, error) {
	if len(params.ParticipantIDs) == 0 {
		return models.Chat{}, fmt.Errorf("chat requires at least one participant")
	}
	chatType := params.Type
	if chatType == "" {
		chatType = models.ChatTypePrivate
	}
	if chatType == models.ChatTypeGroup && strings.TrimSpace(params.GroupName) == "" {
		return models.Chat{}, fmt.Errorf("group chat requires a name")
	}
	chat := models.Chat{
		ID:             uuid.NewString(),
		TenantID:       s.tenantID,
		Type:           chatType,
		ParticipantIDs: append([]string(nil), params.ParticipantIDs...),
		GroupName:      strings.TrimSpace(params.GroupName),
		GroupAdminID:   params.GroupAdminID,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return cloneChat(chat), nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	return cloneChat(chat), nil
}

func (s *MemoryStore) Participants(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return append([]string(nil), chat.ParticipantIDs...), nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, params CreateMessageParams) (models.Message, error) {
	if params.ChatID == "" {
		return models.Message{}, fmt.Errorf("chat id is required")
	}
	if params.SenderID == "" {
		return models.Message{}, fmt.Errorf("sender id is required")
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	message := models.Message{
		ID:          uuid.NewString(),
		ChatID:      params.ChatID,
		SenderID:    params.SenderID,
		SenderName:  params.SenderName,
		Content:     params.Content,
		Attachments: append([]models.Attachment(nil), params.Attachments...),
		ReadBy:      []string{params.SenderID},
		CreatedAt:   createdAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[params.ChatID]
	if !ok {
		return models.Message{}, ErrChatNotFound
	}
	if s.messages[params.ChatID] == nil {
		s.messages[params.ChatID] = make(map[string]models.Message)
	}
	s.messages[params.ChatID][message.ID] = message

	chat.LastMessageID = message.ID
	at := message.CreatedAt
	chat.LastMessageAt = &at
	s.chats[params.ChatID] = chat

	return cloneMessage(message), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatMessages, ok := s.messages[chatID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	message, ok := chatMessages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	delete(chatMessages, messageID)
	return cloneMessage(message), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	chatMessages := s.messages[chatID]
	out := make([]models.Message, 0, len(chatMessages))
	for _, message := range chatMessages {
		out = append(out, cloneMessage(message))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkMessageRead(_ context.Context, chatID, messageID, userID string) (models.Message, error) {
	if userID == "" {
		return models.Message{}, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chatMessages, ok := s.messages[chatID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	message, ok := chatMessages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if !message.ReadByUser(userID) {
		message.ReadBy = append(message.ReadBy, userID)
		chatMessages[messageID] = message
	}
	return cloneMessage(message), nil
}

func (s *MemoryStore) SaveNotification(_ context.Context, params SaveNotificationParams) (models.Notification, error) {
	if params.UserID == "" {
		return models.Notification{}, fmt.Errorf("user id is required")
	}
	notificationType := params.Type
	if notificationType == "" {
		notificationType = models.NotificationTypeInfo
	}
	notification := models.Notification{
		ID:        uuid.NewString(),
		UserID:    params.UserID,
		Title:     params.Title,
		Message:   params.Message,
		Type:      notificationType,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[params.UserID] = append(s.notifications[params.UserID], notification)
	return notification, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.notifications[userID]
	out := make([]models.Notification, len(records))
	copy(out, records)
	return out, nil
}

// Ping always succeeds once the store is constructed, unless it was closed.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store for tenant %s is closed", s.tenantID)
	}
	return nil
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func cloneChat(chat models.Chat) models.Chat {
	out := chat
	out.ParticipantIDs = append([]string(nil), chat.ParticipantIDs...)
	if chat.LastMessageAt != nil {
		at := *chat.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

func cloneMessage(message models.Message) models.Message {
	out := message
	out.Attachments = append([]models.Attachment(nil), message.Attachments...)
	out.ReadBy = append([]string(nil), message.ReadBy...)
	return out
}
