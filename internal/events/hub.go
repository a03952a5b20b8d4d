// Package events is the realtime fabric: fire-and-forget notifications
// to connected UI clients over websocket or an SSE fallback. Events are
// bridged through PostgreSQL NOTIFY so every API process delivers to
// its own clients no matter which process produced the event. Delivery
// is best-effort; clients reconcile on reconnect via the polling
// endpoints.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/repository/postgres"
)

const (
	EventEmailsUpdated  = "emails_updated"
	EventAISummaryReady = "ai_summary_ready"

	// pgChannel is the NOTIFY channel shared by all processes.
	pgChannel = "inbox_events"

	// Heartbeat: ping every 15s, drop the connection when no pong
	// arrives within 30s.
	PingInterval = 15 * time.Second
	PongTimeout  = 30 * time.Second
)

type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type emailsUpdatedPayload struct {
	AccountID string `json:"account_id"`
	CountNew  int    `json:"count_new"`
}

type summaryReadyPayload struct {
	AccountID         string `json:"account_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Timestamp         string `json:"timestamp"`
}

// Hub fans events out to connected clients. Slow clients lose messages
// rather than stalling the dispatcher.
type Hub struct {
	connStr string
	db      *sql.DB

	mu        sync.RWMutex
	clients   map[chan []byte]bool
	broadcast chan []byte
}

// NewHub creates a hub. db may be nil (single-process deployments and
// tests); events then stay process-local.
func NewHub(connStr string, db *sql.DB) *Hub {
	return &Hub{
		connStr:   connStr,
		db:        db,
		clients:   make(map[chan []byte]bool),
		broadcast: make(chan []byte, 256),
	}
}

// Start launches the dispatcher and, when a connection string is set,
// the pg_notify listener. Returns immediately.
func (h *Hub) Start(ctx context.Context) {
	go h.dispatch(ctx)
	if h.connStr != "" {
		go h.listen(ctx)
	}
}

func (h *Hub) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.mu.RLock()
			for ch := range h.clients {
				select {
				case ch <- msg:
				default:
					// slow client — drop
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) listen(ctx context.Context) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("event listener problem", "error", err)
		}
	}
	listener := pq.NewListener(h.connStr, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(pgChannel); err != nil {
		logger.Error("event listener failed", "channel", pgChannel, "error", err)
		return
	}
	defer listener.Close()
	logger.Info("event listener started", "channel", pgChannel)

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n != nil {
				h.enqueue([]byte(n.Extra))
			}
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}

func (h *Hub) enqueue(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		// buffer full — drop
	}
}

// publish serializes the event and routes it. With a database attached
// it goes through pg_notify so every process (this one included, via
// its listener) delivers; otherwise it goes straight to local clients.
func (h *Hub) publish(event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		logger.Error("marshal event failed", "event", event, "error", err)
		return
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", pgChannel, string(data)); err == nil {
			return
		}
		logger.Warn("pg_notify failed, delivering locally", "event", event)
	}
	h.enqueue(data)
}

// PublishEmailsUpdated tells clients new emails landed for an account.
func (h *Hub) PublishEmailsUpdated(accountID string, countNew int) {
	h.publish(EventEmailsUpdated, emailsUpdatedPayload{AccountID: accountID, CountNew: countNew})
}

// PublishSummaryReady tells clients a summary was committed.
func (h *Hub) PublishSummaryReady(accountID, providerMessageID string, at time.Time) {
	h.publish(EventAISummaryReady, summaryReadyPayload{
		AccountID:         accountID,
		ProviderMessageID: providerMessageID,
		Timestamp:         postgres.FormatUTC(at),
	})
}

func (h *Hub) register() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ClientCount reports currently connected clients (both transports).
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
