package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub("", nil) // process-local delivery
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub.Start(ctx)
	return hub
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients never reached %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketDelivery(t *testing.T) {
	hub := startTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	waitForClients(t, hub, 1)
	hub.PublishEmailsUpdated("a@x.com", 3)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got struct {
		Event   string `json:"event"`
		Payload struct {
			AccountID string `json:"account_id"`
			CountNew  int    `json:"count_new"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	if got.Event != EventEmailsUpdated || got.Payload.AccountID != "a@x.com" || got.Payload.CountNew != 3 {
		t.Errorf("event = %+v", got)
	}
}

func TestSSEDelivery(t *testing.T) {
	hub := startTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	waitForClients(t, hub, 1)
	at := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	hub.PublishSummaryReady("a@x.com", "m1", at)

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no data frame received")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		var got struct {
			Event   string `json:"event"`
			Payload struct {
				ProviderMessageID string `json:"provider_message_id"`
				Timestamp         string `json:"timestamp"`
			} `json:"payload"`
		}
		if err := json.Unmarshal([]byte(payload), &got); err != nil {
			t.Fatalf("unmarshal %q: %v", payload, err)
		}
		if got.Event != EventAISummaryReady || got.Payload.ProviderMessageID != "m1" {
			t.Errorf("event = %+v", got)
		}
		// Egress timestamps always carry the explicit +00:00 offset.
		if got.Payload.Timestamp != "2025-08-20T12:00:00.000000+00:00" {
			t.Errorf("timestamp = %q", got.Payload.Timestamp)
		}
		return
	}
}

func TestSlowClientDoesNotBlockDispatch(t *testing.T) {
	hub := startTestHub(t)

	// A registered client that never drains fills up and starts
	// dropping; publishing must stay non-blocking.
	stuck := hub.register()
	defer hub.unregister(stuck)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			hub.PublishEmailsUpdated("a@x.com", 1)
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publishing blocked on a slow client")
	}
}

func TestClientCountTracksLifecycle(t *testing.T) {
	hub := startTestHub(t)
	if hub.ClientCount() != 0 {
		t.Fatalf("fresh hub has %d clients", hub.ClientCount())
	}
	ch := hub.register()
	if hub.ClientCount() != 1 {
		t.Errorf("count = %d", hub.ClientCount())
	}
	hub.unregister(ch)
	if hub.ClientCount() != 0 {
		t.Errorf("count after unregister = %d", hub.ClientCount())
	}
}
