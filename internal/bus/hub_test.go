package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestHubBroadcastsInOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(16, nil)
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(NewHandler(hub, nil))
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(Event{Type: EventTypingStart, AgentID: "a1"})
	hub.Publish(Event{Type: EventMessage, AgentID: "a1", Payload: "hello"})
	hub.Publish(Event{Type: EventTypingStop, AgentID: "a1"})

	want := []EventType{EventTypingStart, EventMessage, EventTypingStop}
	for i, w := range want {
		readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if evt.Type != w || evt.AgentID != "a1" {
			t.Fatalf("event %d = %+v, want type %s", i, evt, w)
		}
	}
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	hub := NewHub(1, nil)
	hub.Publish(Event{Type: EventMessage})
	hub.Publish(Event{Type: EventMessage})

	if got := len(hub.queue); got != 1 {
		t.Fatalf("expected queue length 1, got %d", got)
	}
}

func TestHandlerRejectsOrigin(t *testing.T) {
	t.Parallel()
	hub := NewHub(1, nil)
	h := NewHandler(hub, []string{"https://app.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
