package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeBridge runs a minimal bridge: announces ready, echoes correlated
// commands, and lets tests push events.
func fakeBridge(t *testing.T, handle func(conn *websocket.Conn, frame map[string]interface{})) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]string{"type": TypeBridgeReady}); err != nil {
			return
		}
		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			handle(conn, frame)
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestTransportWaitReady(t *testing.T) {
	srv := fakeBridge(t, func(*websocket.Conn, map[string]interface{}) {})
	defer srv.Close()

	tr, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if !tr.Ready() {
		t.Fatal("Ready() = false after bridge_ready")
	}
}

func TestTransportCallCorrelation(t *testing.T) {
	srv := fakeBridge(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		// Reply out of band first to prove correlation is by id, not order.
		conn.WriteJSON(map[string]interface{}{"type": TypeAgentStderr, "chatId": "c1", "data": "noise"})
		conn.WriteJSON(map[string]interface{}{
			"type": frame["type"],
			"id":   frame["id"],
			"ok":   true,
			"dir":  "/home/dev/ortu-1",
		})
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := tr.Call(ctx, Command{Type: TypeGetProjectDir})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var out struct {
		Dir string `json:"dir"`
	}
	if err := reply.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Dir != "/home/dev/ortu-1" {
		t.Errorf("dir = %q, want /home/dev/ortu-1", out.Dir)
	}
}

func TestTransportEventOrdering(t *testing.T) {
	srv := fakeBridge(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		for i := 0; i < 5; i++ {
			conn.WriteJSON(map[string]interface{}{
				"type":   TypeAgentStderr,
				"chatId": "c1",
				"data":   string(rune('a' + i)),
			})
		}
	})
	defer srv.Close()

	events := make(chan string, 10)
	tr, err := Dial(context.Background(), Options{
		URL: wsURL(srv),
		OnEvent: func(env *Envelope) {
			var p AgentStderr
			if env.Decode(&p) == nil {
				events <- p.Data
			}
		},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	// Any fire-and-forget frame triggers the event burst.
	if err := tr.Send(map[string]string{"type": "poke"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []string{"a", "b", "c", "d", "e"}
	for _, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("event = %q, want %q (events must arrive in order)", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestTransportCallAfterClose(t *testing.T) {
	srv := fakeBridge(t, func(*websocket.Conn, map[string]interface{}) {})
	defer srv.Close()

	tr, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close twice is a no-op.
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, err = tr.Call(context.Background(), Command{Type: TypeGitStatus})
	if err != ErrClosed {
		t.Errorf("Call after close = %v, want ErrClosed", err)
	}
}

func TestCloseRacingInflightCalls(t *testing.T) {
	srv := fakeBridge(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		conn.WriteJSON(map[string]interface{}{"type": frame["type"], "id": frame["id"], "ok": true})
	})
	defer srv.Close()

	// Replies landing while Close tears down pending calls must not crash
	// the read loop; callers see either their reply or ErrClosed.
	for i := 0; i < 25; i++ {
		tr, err := Dial(context.Background(), Options{URL: wsURL(srv)})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr.Call(ctx, Command{Type: TypeGitStatus})
			}()
		}
		tr.Close()
		wg.Wait()
		cancel()
	}
}

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"type":"claude_message","chatId":"c9","data":{"type":"assistant"}}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != TypeAgentMessage {
		t.Errorf("type = %q, want %q", env.Type, TypeAgentMessage)
	}
	var msg AgentMessage
	if err := env.Decode(&msg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ChatID != "c9" {
		t.Errorf("chatId = %q, want c9", msg.ChatID)
	}
	var rec AgentStreamRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if rec.Type != "assistant" {
		t.Errorf("record type = %q, want assistant", rec.Type)
	}
}
