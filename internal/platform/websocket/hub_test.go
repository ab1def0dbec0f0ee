package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("imports/1")

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("imports/1") != 1 {
		t.Fatalf("expected 1 client on imports/1, got %d", hub.TopicCount("imports/1"))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("imports/2")

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 || hub.TopicCount("imports/2") != 0 {
		t.Fatalf("expected hub to be empty, got %d clients", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := NewClient("imports/a")
	b := NewClient("imports/b")
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastData("imports/a", "import.progress", map[string]any{"stage": "classify", "batch": 1})

	select {
	case msg := <-a.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "import.progress" || ev.Topic != "imports/a" || ev.Timestamp.IsZero() {
			t.Errorf("unexpected event %+v", ev)
		}
		if !strings.Contains(string(ev.Data), `"stage":"classify"`) {
			t.Errorf("unexpected data %s", ev.Data)
		}
	default:
		t.Fatal("expected subscriber to receive event")
	}

	select {
	case <-b.Send:
		t.Fatal("client on another topic must not receive the event")
	default:
	}
}

func TestHub_BroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		hub.Broadcast("t", Event{Type: "one"})
		hub.Broadcast("t", Event{Type: "two"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	if len(client.Send) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(client.Send))
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Broadcast("nobody", Event{Type: "x"})
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient("imports/shared")
			hub.Register(c)
			hub.Broadcast("imports/shared", Event{Type: "tick"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_ServeRequiresWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws/imports/1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := hub.Serve(c, "imports/1"); err == nil {
		t.Fatal("expected upgrade error for plain HTTP request")
	}
	if hub.ClientCount() != 0 {
		t.Fatal("failed upgrade must not register a client")
	}
}

func TestHub_ServeDeliversEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.GET("/ws/imports/:id", func(c echo.Context) error {
		return hub.Serve(c, "imports/"+c.Param("id"))
	})

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/imports/abc"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("imports/abc") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("imports/abc") != 1 {
		t.Fatal("expected connection to be subscribed to imports/abc")
	}

	hub.BroadcastData("imports/abc", "import.progress", map[string]string{"stage": "done"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "import.progress" || received.Topic != "imports/abc" {
		t.Fatalf("unexpected event %+v", received)
	}
}
