package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crewline/internal/models"
)

// PostgresConfig controls how a tenant's pgx pool is opened.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

type postgresStore struct {
	tenantID string
	pool     *pgxpool.Pool
}

// NewPostgresStore opens a pgx pool for one tenant's database and applies the
// chat schema. The constructor blocks until the first Ping succeeds so the
// registry never caches a half-initialised handle.
func NewPostgresStore(ctx context.Context, tenantID string, cfg PostgresConfig) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	appName := cfg.ApplicationName
	if appName == "" {
		appName = "crewline"
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &postgresStore{tenantID: tenantID, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply chat schema: %w", err)
	}
	return store, nil
}

const chatSchema = `
CREATE TABLE IF NOT EXISTS chats (
    id              TEXT PRIMARY KEY,
    chat_type       TEXT NOT NULL,
    participant_ids TEXT[] NOT NULL,
    group_name      TEXT NOT NULL DEFAULT '',
    group_admin_id  TEXT NOT NULL DEFAULT '',
    last_message_id TEXT NOT NULL DEFAULT '',
    last_message_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    chat_id     TEXT NOT NULL REFERENCES chats(id),
    sender_id   TEXT NOT NULL,
    sender_name TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    attachments JSONB NOT NULL DEFAULT '[]',
    read_by     TEXT[] NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at);
CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    is_read    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at);
`

func (s *postgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, chatSchema)
	return err
}

func (s *postgresStore) CreateChat(ctx context.Context, params CreateChatParams) (models.Chat, error) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, chat_type, participant_ids, group_name, group_admin_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		chat.ID, string(chat.Type), chat.ParticipantIDs, chat.GroupName, chat.GroupAdminID, chat.CreatedAt)
	if err != nil {
		return models.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

func (s *postgresStore) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_type, participant_ids, group_name, group_admin_id, last_message_id, last_message_at, created_at
		 FROM chats WHERE id = $1`, chatID)
	return s.scanChat(row)
}

func (s *postgresStore) scanChat(row pgx.Row) (models.Chat, error) {
	var (
		chat     models.Chat
		chatType string
		lastAt   *time.Time
	)
	err := row.Scan(&chat.ID, &chatType, &chat.ParticipantIDs, &chat.GroupName,
		&chat.GroupAdminID, &chat.LastMessageID, &lastAt, &chat.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("scan chat: %w", err)
	}
	chat.TenantID = s.tenantID
	chat.Type = models.ChatType(chatType)
	chat.LastMessageAt = lastAt
	return chat, nil
}

func (s *postgresStore) Participants(ctx context.Context, chatID string) ([]string, error) {
	var participants []string
	err := s.pool.QueryRow(ctx,
		`SELECT participant_ids FROM chats WHERE id = $1`, chatID).Scan(&participants)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return participants, nil
}

func (s *postgresStore) CreateMessage(ctx context.Context, params CreateMessageParams) (models.Message, error) {
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
	attachments, err := json.Marshal(message.Attachments)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin message insert: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE chats SET last_message_id = $2, last_message_at = $3 WHERE id = $1`,
		message.ChatID, message.ID, message.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("stamp chat last message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Message{}, ErrChatNotFound
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, sender_name, content, attachments, read_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		message.ID, message.ChatID, message.SenderID, message.SenderName,
		message.Content, attachments, message.ReadBy, message.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, fmt.Errorf("commit message insert: %w", err)
	}
	return message, nil
}

func (s *postgresStore) DeleteMessage(ctx context.Context, chatID, messageID string) (models.Message, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM messages WHERE chat_id = $1 AND id = $2
		 RETURNING id, chat_id, sender_id, sender_name, content, attachments, read_by, created_at`,
		chatID, messageID)
	return scanMessage(row)
}

func (s *postgresStore) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, sender_id, sender_name, content, attachments, read_by, created_at
		 FROM messages WHERE chat_id = $1 ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, message)
	}
	return out, rows.Err()
}

func (s *postgresStore) MarkMessageRead(ctx context.Context, chatID, messageID, userID string) (models.Message, error) {
	if userID == "" {
		return models.Message{}, fmt.Errorf("user id is required")
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $3)
		 WHERE chat_id = $1 AND id = $2 AND NOT ($3 = ANY(read_by))
		 RETURNING id, chat_id, sender_id, sender_name, content, attachments, read_by, created_at`,
		chatID, messageID, userID)
	message, err := scanMessage(row)
	if errors.Is(err, ErrMessageNotFound) {
		// Either missing or already read; re-read to distinguish.
		row = s.pool.QueryRow(ctx,
			`SELECT id, chat_id, sender_id, sender_name, content, attachments, read_by, created_at
			 FROM messages WHERE chat_id = $1 AND id = $2`, chatID, messageID)
		return scanMessage(row)
	}
	return message, err
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		message     models.Message
		attachments []byte
	)
	err := row.Scan(&message.ID, &message.ChatID, &message.SenderID, &message.SenderName,
		&message.Content, &attachments, &message.ReadBy, &message.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &message.Attachments); err != nil {
			return models.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return message, nil
}

func (s *postgresStore) SaveNotification(ctx context.Context, params SaveNotificationParams) (models.Notification, error) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, kind, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		notification.ID, notification.UserID, notification.Title, notification.Message,
		string(notification.Type), notification.Read, notification.CreatedAt)
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return notification, nil
}

func (s *postgresStore) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, message, kind, is_read, created_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var (
			notification models.Notification
			kind         string
		)
		if err := rows.Scan(&notification.ID, &notification.UserID, &notification.Title,
			&notification.Message, &kind, &notification.Read, &notification.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notification.Type = models.NotificationType(kind)
		out = append(out, notification)
	}
	return out, rows.Err()
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) Close() {
	s.pool.Close()
}
