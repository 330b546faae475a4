package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vedranjukic/apex/internal/events"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/provider"
	"github.com/vedranjukic/apex/internal/provider/mock"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/session"
	"github.com/vedranjukic/apex/internal/store"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeBridge speaks just enough of the bridge protocol for gateway tests:
// it announces readiness, answers correlated commands, and can push
// unsolicited events to the most recent connection.
type fakeBridge struct {
	srv   *httptest.Server
	dials int64

	mu     sync.Mutex
	active *websocket.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	b := &fakeBridge{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&b.dials, 1)
		b.mu.Lock()
		b.active = conn
		b.mu.Unlock()

		conn.WriteJSON(map[string]string{"type": "bridge_ready"})
		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			id, _ := frame["id"].(string)
			if id == "" {
				continue
			}
			reply := map[string]interface{}{"type": frame["type"], "id": id, "ok": true}
			switch frame["type"] {
			case "get_git_branch":
				reply["branch"] = "main"
			case "file_list":
				reply["entries"] = []map[string]interface{}{
					{"name": "main.go", "dir": false},
				}
			}
			conn.WriteJSON(reply)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) push(v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		b.active.WriteJSON(v)
	}
}

type fixture struct {
	t        *testing.T
	store    *store.Store
	provider *mock.Provider
	holder   *sandbox.Holder
	srv      *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	st := store.New(db)
	ctx := context.Background()

	if err := st.CreateUser(ctx, model.NewDefaultUser()); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	p := mock.New()
	manager := sandbox.NewManager(p, nil)
	holder := sandbox.NewHolder(manager)
	t.Cleanup(manager.Close)

	broker := events.NewBroker()
	projects := project.NewService(st, holder, broker, "snapshot-1", nil)
	orc := session.New(st, holder, session.Options{}, nil)
	t.Cleanup(orc.Close)

	hub := NewHub(nil)
	hubCtx, cancelHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	t.Cleanup(cancelHub)

	gw := New(st, projects, orc, holder, broker, hub, nil)
	t.Cleanup(gw.Close)

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(srv.Close)

	return &fixture{t: t, store: st, provider: p, holder: holder, srv: srv}
}

func (f *fixture) dial() *websocket.Conn {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?userId=" + model.DefaultUserID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		f.t.Fatalf("failed to dial gateway: %v", err)
	}
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) addProject(name, status string, sandboxID *string) *model.Project {
	f.t.Helper()
	p := &model.Project{
		UserID:    model.DefaultUserID,
		Name:      name,
		Status:    status,
		SandboxID: sandboxID,
	}
	if err := f.store.CreateProject(context.Background(), p); err != nil {
		f.t.Fatalf("failed to create project: %v", err)
	}
	return p
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

// expectType reads frames until one of the wanted type arrives.
func expectType(t *testing.T, conn *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		if msg["type"] == wantType {
			return msg
		}
	}
}

// countType counts frames of the given type arriving within the window.
func countType(t *testing.T, conn *websocket.Conn, typ string, window time.Duration) int {
	t.Helper()
	count := 0
	deadline := time.Now().Add(window)
	for {
		conn.SetReadDeadline(deadline)
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return count
		}
		if msg["type"] == typ {
			count++
		}
	}
}

func strptr(s string) *string { return &s }

func TestSubscribeFanOutExactlyOnce(t *testing.T) {
	f := setup(t)

	bridgeA := newFakeBridge(t)
	bridgeB := newFakeBridge(t)
	f.provider.AddSandbox("sb-a", provider.StateStarted)
	f.provider.AddSandbox("sb-b", provider.StateStarted)
	f.provider.BridgeURLs["sb-a"] = bridgeA.url()
	f.provider.BridgeURLs["sb-b"] = bridgeB.url()

	projA := f.addProject("Alpha", model.ProjectStatusRunning, strptr("sb-a"))
	projB := f.addProject("Beta", model.ProjectStatusRunning, strptr("sb-b"))

	c1 := f.dial()
	c2 := f.dial()
	c3 := f.dial()

	send(t, c1, map[string]string{"type": "subscribe_project", "projectId": projA.ID})
	expectType(t, c1, "subscribed")
	send(t, c2, map[string]string{"type": "subscribe_project", "projectId": projA.ID})
	expectType(t, c2, "subscribed")
	send(t, c3, map[string]string{"type": "subscribe_project", "projectId": projB.ID})
	expectType(t, c3, "subscribed")

	bridgeA.push(map[string]string{"type": "terminal_output", "terminalId": "t1", "data": "hello"})

	if n := countType(t, c1, "terminal_output", 500*time.Millisecond); n != 1 {
		t.Errorf("c1 received %d terminal_output frames, want 1", n)
	}
	if n := countType(t, c2, "terminal_output", 500*time.Millisecond); n != 1 {
		t.Errorf("c2 received %d terminal_output frames, want 1", n)
	}
	if n := countType(t, c3, "terminal_output", 300*time.Millisecond); n != 0 {
		t.Errorf("c3 received %d terminal_output frames, want 0", n)
	}
}

func TestSubscribeWhileProvisioningDoesNotTouchSandbox(t *testing.T) {
	f := setup(t)

	var created, polled int64
	f.provider.CreateFunc = func(context.Context, provider.CreateRequest) (string, error) {
		atomic.AddInt64(&created, 1)
		return "sb-x", nil
	}
	f.provider.GetStateFunc = func(context.Context, string) (provider.State, error) {
		atomic.AddInt64(&polled, 1)
		return provider.StateStarted, nil
	}

	proj := f.addProject("Fresh", model.ProjectStatusCreating, nil)

	c := f.dial()
	send(t, c, map[string]string{"type": "subscribe_project", "projectId": proj.ID})

	msg := expectType(t, c, "subscribed")
	if msg["sandboxId"] != nil {
		t.Errorf("sandboxId = %v, want null", msg["sandboxId"])
	}

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt64(&created); n != 0 {
		t.Errorf("subscribe during provisioning created %d sandboxes", n)
	}
	if n := atomic.LoadInt64(&polled); n != 0 {
		t.Errorf("subscribe during provisioning polled state %d times", n)
	}
}

func TestSubscribeRunningPrewarmsWithoutRedial(t *testing.T) {
	f := setup(t)

	b := newFakeBridge(t)
	f.provider.AddSandbox("sb-a", provider.StateStarted)
	f.provider.BridgeURLs["sb-a"] = b.url()
	proj := f.addProject("Warm", model.ProjectStatusRunning, strptr("sb-a"))

	c1 := f.dial()
	send(t, c1, map[string]string{"type": "subscribe_project", "projectId": proj.ID})
	expectType(t, c1, "subscribed")

	deadline := time.Now().Add(5 * time.Second)
	for !f.holder.Manager().Connected("sb-a") {
		if time.Now().After(deadline) {
			t.Fatal("bridge never connected after subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c2 := f.dial()
	send(t, c2, map[string]string{"type": "subscribe_project", "projectId": proj.ID})
	expectType(t, c2, "subscribed")
	time.Sleep(200 * time.Millisecond)

	if n := atomic.LoadInt64(&b.dials); n != 1 {
		t.Errorf("bridge dialed %d times, want 1", n)
	}
}

func TestSubscribeStoppedSchedulesStart(t *testing.T) {
	f := setup(t)

	b := newFakeBridge(t)
	f.provider.AddSandbox("sb-a", provider.StateStopped)
	f.provider.BridgeURLs["sb-a"] = b.url()
	proj := f.addProject("Asleep", model.ProjectStatusStopped, strptr("sb-a"))

	c := f.dial()
	send(t, c, map[string]string{"type": "subscribe_project", "projectId": proj.ID})
	expectType(t, c, "subscribed")

	// The background start announces starting and then running on the
	// projects namespace.
	expectType(t, c, "project_updated")

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := f.store.GetProjectByID(context.Background(), proj.ID)
		if err != nil {
			t.Fatalf("GetProjectByID: %v", err)
		}
		if p.Status == model.ProjectStatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q, want running", p.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnknownMessageType(t *testing.T) {
	f := setup(t)

	c := f.dial()
	send(t, c, map[string]string{"type": "frobnicate"})

	msg := expectType(t, c, "error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "frobnicate") {
		t.Errorf("error = %q, want it to name the bad type", errText)
	}
}

func TestSendPromptUnknownChat(t *testing.T) {
	f := setup(t)

	c := f.dial()
	send(t, c, map[string]string{"type": "send_prompt", "chatId": "nope", "prompt": "hi"})

	msg := expectType(t, c, "agent_error")
	if msg["chatId"] != "nope" {
		t.Errorf("chatId = %v, want nope", msg["chatId"])
	}
}

func TestProjectInfoIncludesBranch(t *testing.T) {
	f := setup(t)

	b := newFakeBridge(t)
	f.provider.AddSandbox("sb-a", provider.StateStarted)
	f.provider.BridgeURLs["sb-a"] = b.url()
	proj := f.addProject("Branched", model.ProjectStatusRunning, strptr("sb-a"))

	c := f.dial()
	send(t, c, map[string]string{"type": "project_info", "projectId": proj.ID})

	msg := expectType(t, c, "project_info")
	if msg["branch"] != "main" {
		t.Errorf("branch = %v, want main", msg["branch"])
	}
	data, _ := json.Marshal(msg["project"])
	var got model.Project
	if err := json.Unmarshal(data, &got); err != nil || got.ID != proj.ID {
		t.Errorf("project payload = %s", data)
	}
}

func TestFileListForwarded(t *testing.T) {
	f := setup(t)

	b := newFakeBridge(t)
	f.provider.AddSandbox("sb-a", provider.StateStarted)
	f.provider.BridgeURLs["sb-a"] = b.url()
	proj := f.addProject("Files", model.ProjectStatusRunning, strptr("sb-a"))

	c := f.dial()
	send(t, c, map[string]string{"type": "file_list", "projectId": proj.ID, "path": "."})

	msg := expectType(t, c, "file_list_result")
	if _, hasID := msg["id"]; hasID {
		t.Error("bridge correlation id leaked to the client")
	}
	entries, ok := msg["entries"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("entries = %v, want one entry", msg["entries"])
	}
}

func TestFileOpWithoutSandbox(t *testing.T) {
	f := setup(t)

	proj := f.addProject("Empty", model.ProjectStatusCreating, nil)

	c := f.dial()
	send(t, c, map[string]string{"type": "file_read", "projectId": proj.ID, "path": "a.go"})

	msg := expectType(t, c, "file_read_result")
	if msg["error"] != "Sandbox not ready" {
		t.Errorf("error = %v, want Sandbox not ready", msg["error"])
	}
}
