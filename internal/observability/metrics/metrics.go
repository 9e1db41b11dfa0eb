package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, chat
// event throughput, presence, tenant store handles, notification fallbacks,
// and archive-queue health. It coordinates concurrent writers via a RWMutex
// while exposing atomic gauges for live connection tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	chatEvents        map[string]uint64
	notifications     uint64
	queueFailures     uint64
	onlineUsers       atomic.Int64
	openConnections   atomic.Int64
	tenantStores      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		chatEvents:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChatEvent records a chat event by name for throughput monitoring.
func (r *Recorder) ObserveChatEvent(event string) {
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	r.chatEvents[normalized]++
	r.mu.Unlock()
}

// ObserveNotificationFallback records one persisted offline-delivery
// notification.
func (r *Recorder) ObserveNotificationFallback() {
	r.mu.Lock()
	r.notifications++
	r.mu.Unlock()
}

// ObserveQueuePublishFailure records a failed archive-queue publish.
func (r *Recorder) ObserveQueuePublishFailure() {
	r.mu.Lock()
	r.queueFailures++
	r.mu.Unlock()
}

// ConnectionOpened increments the open websocket connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.openConnections.Add(1)
}

// ConnectionClosed decrements the open websocket connection gauge, guarding
// against negative counts when concurrent updates race.
func (r *Recorder) ConnectionClosed() {
	decrementGauge(&r.openConnections)
}

// SetOnlineUsers records the current presence registry size.
func (r *Recorder) SetOnlineUsers(count int) {
	r.onlineUsers.Store(int64(count))
}

// SetTenantStores records the number of cached tenant storage handles.
func (r *Recorder) SetTenantStores(count int) {
	r.tenantStores.Store(int64(count))
}

// Reset clears all recorded values. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chatEvents = make(map[string]uint64)
	r.notifications = 0
	r.queueFailures = 0
	r.mu.Unlock()
	r.onlineUsers.Store(0)
	r.openConnections.Store(0)
	r.tenantStores.Store(0)
}

// Handler serves the metrics in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics, sorting label sets to provide stable
// output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chatEvents := r.sortedChatEvents()

	fmt.Fprintln(w, "# HELP crewline_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE crewline_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "crewline_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP crewline_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE crewline_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "crewline_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP crewline_chat_events_total Chat events by type")
	fmt.Fprintln(w, "# TYPE crewline_chat_events_total counter")
	for _, event := range chatEvents {
		count := r.chatEvents[event]
		fmt.Fprintf(w, "crewline_chat_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP crewline_notifications_total Notifications persisted for offline recipients")
	fmt.Fprintln(w, "# TYPE crewline_notifications_total counter")
	fmt.Fprintf(w, "crewline_notifications_total %d\n", r.notifications)

	fmt.Fprintln(w, "# HELP crewline_queue_publish_failures_total Failed archive queue publishes")
	fmt.Fprintln(w, "# TYPE crewline_queue_publish_failures_total counter")
	fmt.Fprintf(w, "crewline_queue_publish_failures_total %d\n", r.queueFailures)

	fmt.Fprintln(w, "# HELP crewline_online_users Users with a live presence entry")
	fmt.Fprintln(w, "# TYPE crewline_online_users gauge")
	fmt.Fprintf(w, "crewline_online_users %d\n", r.onlineUsers.Load())

	fmt.Fprintln(w, "# HELP crewline_open_connections Open chat websocket connections")
	fmt.Fprintln(w, "# TYPE crewline_open_connections gauge")
	fmt.Fprintf(w, "crewline_open_connections %d\n", r.openConnections.Load())

	fmt.Fprintln(w, "# HELP crewline_tenant_stores Cached tenant storage handles")
	fmt.Fprintln(w, "# TYPE crewline_tenant_stores gauge")
	fmt.Fprintf(w, "crewline_tenant_stores %d\n", r.tenantStores.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedChatEvents() []string {
	events := make([]string, 0, len(r.chatEvents))
	for event := range r.chatEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}
