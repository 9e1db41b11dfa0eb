// Package chat implements the tenant-isolated, presence-aware messaging
// engine: a websocket event dispatcher that routes sends and deletions to
// live recipients and falls back to persisted notifications for offline
// ones.
package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"crewline/internal/auth"
	"crewline/internal/models"
	"crewline/internal/observability/metrics"
	"crewline/internal/storage"
	"crewline/internal/tenant"
)

// TenantStores hands out tenant-scoped storage handles. Implemented by
// *tenant.Registry.
type TenantStores interface {
	Store(ctx context.Context, tenantID string) (storage.Store, error)
}

// Config configures a Dispatcher.
type Config struct {
	Tenants  TenantStores
	Verifier auth.Verifier
	Queue    Queue
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// HeartbeatInterval controls how often clients receive WebSocket ping
	// frames. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
	// Retry wraps persistence calls; nil means NoRetry.
	Retry RetryPolicy
	// SendBuffer sizes each client's outbound event channel.
	SendBuffer int
	// TenantFailure is invoked when a tenant storage handle cannot be
	// opened. Serving a tenant with an unverified store is not acceptable,
	// so deployments wire this to process shutdown; tests capture it.
	TenantFailure func(error)
}

// Dispatcher coordinates live chat fan-out: it authenticates websocket
// connections, tracks presence, persists messages through tenant-scoped
// stores, and emits targeted events back to endpoints.
type Dispatcher struct {
	tenants  TenantStores
	verifier auth.Verifier
	queue    Queue
	logger   *slog.Logger
	metrics  *metrics.Recorder
	presence *Presence

	heartbeatInterval time.Duration
	retry             RetryPolicy
	sendBuffer        int
	tenantFailure     func(error)
}

// NewDispatcher initialises a dispatcher using the provided configuration.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = NoRetry{}
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Dispatcher{
		tenants:           cfg.Tenants,
		verifier:          cfg.Verifier,
		queue:             cfg.Queue,
		logger:            logger,
		metrics:           recorder,
		presence:          NewPresence(),
		heartbeatInterval: cfg.HeartbeatInterval,
		retry:             retry,
		sendBuffer:        buffer,
		tenantFailure:     cfg.TenantFailure,
	}
}

// Presence exposes the dispatcher's presence registry.
func (d *Dispatcher) Presence() *Presence {
	return d.presence
}

// HandleConnection authenticates the request, resolves the tenant store, and
// upgrades to a websocket chat session. Tenant handle acquisition happens at
// handshake time so a connection never carries events for a tenant whose
// store failed to initialise.
func (d *Dispatcher) HandleConnection(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenantID == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	token := bearerToken(r)
	if d.verifier == nil {
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}
	userID, err := d.verifier.VerifyToken(tenantID, token)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	store, err := d.tenants.Store(r.Context(), tenantID)
	if err != nil {
		d.logger.Error("tenant store unavailable", "tenant", tenantID, "error", err)
		var initErr *tenant.InitError
		if errors.As(err, &initErr) && d.tenantFailure != nil {
			d.tenantFailure(initErr)
		}
		http.Error(w, "tenant storage unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &client{
		dispatcher: d,
		conn:       conn,
		id:         newEndpointID(),
		userID:     userID,
		tenantID:   tenantID,
		store:      store,
		send:       make(chan Event, d.sendBuffer),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	d.metrics.ConnectionOpened()
	d.logger.Info("chat connection opened", "tenant", tenantID, "user", userID, "endpoint", c.id)

	go c.writeLoop()
	if d.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, d.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func newEndpointID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("endpoint-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

type client struct {
	dispatcher *Dispatcher
	conn       *Conn
	id         string
	userID     string
	tenantID   string
	store      storage.Store

	send   chan Event
	done   chan struct{}
	closed sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

// ID implements Endpoint.
func (c *client) ID() string {
	return c.id
}

// Send implements Endpoint: it enqueues without blocking and reports whether
// the event was accepted. A full buffer drops the event to keep the live
// path responsive.
func (c *client) Send(event Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			if err := c.conn.WriteEvent(event); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	d := c.dispatcher
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			c.sendError("invalid payload")
			continue
		}
		d.metrics.ObserveChatEvent(string(event.Name))
		switch event.Name {
		case EventJoin:
			d.handleJoin(c, event.Payload)
		case EventSend:
			d.handleSend(c, event.Payload)
		case EventReceived:
			d.handleReceived(c, event.Payload)
		case EventRead:
			d.handleRead(c, event.Payload)
		case EventMessageDeleted:
			d.handleDelete(c, event.Payload)
		default:
			c.sendError("unknown event")
		}
	}
}

func (d *Dispatcher) handleJoin(c *client, payload json.RawMessage) {
	var p JoinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError("invalid join payload")
			return
		}
	}
	// Presence is keyed by the authenticated identity; a mismatched
	// payload cannot impersonate another user.
	if p.UserID != "" && p.UserID != c.userID {
		d.logger.Warn("join user mismatch", "tenant", c.tenantID, "user", c.userID, "claimed", p.UserID)
	}
	d.presence.Join(c.userID, c)
	d.metrics.SetOnlineUsers(d.presence.Len())
	d.logger.Debug("user joined", "tenant", c.tenantID, "user", c.userID, "endpoint", c.id)
}

func (d *Dispatcher) handleSend(c *client, payload json.RawMessage) {
	var p SendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("invalid send payload")
		return
	}
	if p.SenderID == "" {
		p.SenderID = c.userID
	}
	if p.SenderID != c.userID {
		c.sendError("sender does not match connection identity")
		return
	}
	if p.ChatID == "" {
		c.sendError("chat id is required")
		return
	}
	receivers := dedupe(p.ReceiverIDs)
	if len(receivers) == 0 {
		c.sendError("at least one receiver is required")
		return
	}
	text := strings.TrimSpace(norm.NFC.String(p.Text))
	if text == "" && len(p.Attachments) == 0 {
		c.sendError("message text is required")
		return
	}

	params := storage.CreateMessageParams{
		ChatID:      p.ChatID,
		SenderID:    p.SenderID,
		SenderName:  p.SenderName,
		Content:     text,
		Attachments: p.Attachments,
	}
	if p.CreatedAt != nil {
		params.CreatedAt = p.CreatedAt.UTC()
	}

	var stored models.Message
	err := d.retry.Do(c.ctx, func(ctx context.Context) error {
		created, err := c.store.CreateMessage(ctx, params)
		if err != nil {
			return err
		}
		stored = created
		return nil
	})
	if err != nil {
		d.logger.Error("message persistence failed", "tenant", c.tenantID, "chat", p.ChatID, "error", err)
		c.sendError("failed to store message")
		return
	}

	// Sender acknowledgment always precedes recipient fan-out.
	ack, err := NewEvent(EventSentAck, SentAckPayload{MessageID: stored.ID, Status: StatusSent})
	if err == nil {
		c.Send(ack)
	}

	senderName := p.SenderName
	if senderName == "" {
		senderName = p.SenderID
	}
	for _, receiverID := range receivers {
		endpoint, online := d.presence.Lookup(receiverID)
		if online {
			receive, err := NewEvent(EventReceive, ReceivePayload{
				MessageID:   stored.ID,
				SenderID:    stored.SenderID,
				SenderName:  stored.SenderName,
				Text:        stored.Content,
				ChatID:      stored.ChatID,
				Attachments: stored.Attachments,
				TargetType:  p.TargetType,
				Status:      StatusDelivered,
				CreatedAt:   stored.CreatedAt,
				ReadBy:      stored.ReadBy,
				ReceiverID:  receiverID,
			})
			if err == nil && !endpoint.Send(receive) {
				d.logger.Warn("receive event dropped", "tenant", c.tenantID, "receiver", receiverID)
			}
			notify, err := NewEvent(EventNotify, NotifyPayload{
				UserID:    receiverID,
				Message:   fmt.Sprintf("New message from %s", senderName),
				Type:      "message",
				CreatedAt: time.Now().UTC(),
			})
			if err == nil {
				endpoint.Send(notify)
			}
			continue
		}
		// Offline: persist a notification instead. A failed write is
		// logged but not retried beyond the policy and not queued.
		saveErr := d.retry.Do(c.ctx, func(ctx context.Context) error {
			_, err := c.store.SaveNotification(ctx, storage.SaveNotificationParams{
				UserID:  receiverID,
				Title:   "New message",
				Message: text,
				Type:    "info",
			})
			return err
		})
		if saveErr != nil {
			d.logger.Error("notification persistence failed", "tenant", c.tenantID, "user", receiverID, "error", saveErr)
			continue
		}
		d.metrics.ObserveNotificationFallback()
	}

	d.publish(c.ctx, EventSend, stored)
}

func (d *Dispatcher) handleReceived(c *client, payload json.RawMessage) {
	var p ReceivedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("invalid received payload")
		return
	}
	if p.SenderID == "" || p.ChatID == "" {
		c.sendError("sender and chat are required")
		return
	}
	endpoint, online := d.presence.Lookup(p.SenderID)
	if !online {
		return
	}
	receiverID := p.ReceiverID
	if receiverID == "" {
		receiverID = c.userID
	}
	status, err := NewEvent(EventStatus, StatusPayload{
		ChatID:     p.ChatID,
		ReceiverID: receiverID,
		Status:     StatusDelivered,
	})
	if err == nil {
		endpoint.Send(status)
	}
}

func (d *Dispatcher) handleRead(c *client, payload json.RawMessage) {
	var p ReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("invalid read payload")
		return
	}
	if p.ChatID == "" || p.MessageID == "" {
		c.sendError("chat and message are required")
		return
	}
	readerID := p.ReaderID
	if readerID == "" {
		readerID = c.userID
	}
	err := d.retry.Do(c.ctx, func(ctx context.Context) error {
		_, err := c.store.MarkMessageRead(ctx, p.ChatID, p.MessageID, readerID)
		return err
	})
	if err != nil {
		d.logger.Error("read receipt failed", "tenant", c.tenantID, "message", p.MessageID, "error", err)
		c.sendError("failed to record read receipt")
		return
	}
	if p.SenderID == "" {
		return
	}
	if endpoint, online := d.presence.Lookup(p.SenderID); online {
		status, err := NewEvent(EventStatus, StatusPayload{
			ChatID:     p.ChatID,
			MessageID:  p.MessageID,
			ReceiverID: readerID,
			Status:     StatusRead,
		})
		if err == nil {
			endpoint.Send(status)
		}
	}
}

func (d *Dispatcher) handleDelete(c *client, payload json.RawMessage) {
	var p DeletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("invalid delete payload")
		return
	}
	if p.ChatID == "" || p.MessageID == "" {
		c.sendError("chat and message are required")
		return
	}

	err := d.retry.Do(c.ctx, func(ctx context.Context) error {
		_, err := c.store.DeleteMessage(ctx, p.ChatID, p.MessageID)
		return err
	})
	if err != nil {
		d.logger.Error("message delete failed", "tenant", c.tenantID, "message", p.MessageID, "error", err)
		c.sendDeleteError(p.MessageID, "failed to delete message")
		return
	}

	participants, err := c.store.Participants(c.ctx, p.ChatID)
	if err != nil {
		d.logger.Error("participant lookup failed", "tenant", c.tenantID, "chat", p.ChatID, "error", err)
		return
	}
	deleted, err := NewEvent(EventDeleted, DeletedPayload{MessageID: p.MessageID, ChatID: p.ChatID})
	if err != nil {
		return
	}
	// Only participants present right now hear about the deletion; offline
	// ones see the message absent on their next full fetch.
	for _, participantID := range participants {
		if endpoint, online := d.presence.Lookup(participantID); online {
			endpoint.Send(deleted)
		}
	}

	d.publish(c.ctx, EventMessageDeleted, DeletedPayload{MessageID: p.MessageID, ChatID: p.ChatID})
}

func (d *Dispatcher) publish(ctx context.Context, name EventName, payload interface{}) {
	if d.queue == nil {
		return
	}
	event, err := NewEvent(name, payload)
	if err != nil {
		d.logger.Error("failed to encode queue event", "event", string(name), "error", err)
		return
	}
	if err := d.queue.Publish(ctx, event); err != nil {
		d.metrics.ObserveQueuePublishFailure()
		d.logger.Warn("failed to publish chat event", "event", string(name), "error", err)
	}
}

func (c *client) sendError(message string) {
	event, err := NewEvent(EventSendError, SendErrorPayload{Error: message})
	if err != nil {
		return
	}
	c.Send(event)
}

func (c *client) sendDeleteError(messageID, message string) {
	event, err := NewEvent(EventDeleteMessageError, DeleteErrorPayload{MessageID: messageID, Error: message})
	if err != nil {
		return
	}
	c.Send(event)
}

func (c *client) close() {
	c.closed.Do(func() {
		c.cancel()
		close(c.done)
		d := c.dispatcher
		d.presence.Leave(c)
		d.metrics.SetOnlineUsers(d.presence.Len())
		d.metrics.ConnectionClosed()
		_ = c.conn.Close()
		d.logger.Info("chat connection closed", "tenant", c.tenantID, "user", c.userID, "endpoint", c.id)
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
