package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/provider/mock"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/store"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// receivedPrompt is one send_prompt frame the fake bridge saw.
type receivedPrompt struct {
	Prompt         string  `json:"prompt"`
	ChatID         string  `json:"chatId"`
	Mode           string  `json:"mode"`
	AgentSessionID *string `json:"agentSessionId"`
}

// fakeAgentBridge records prompts and lets tests push agent events.
type fakeAgentBridge struct {
	srv     *httptest.Server
	prompts chan receivedPrompt

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeAgentBridge(t *testing.T) *fakeAgentBridge {
	t.Helper()
	b := &fakeAgentBridge{prompts: make(chan receivedPrompt, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		conn.WriteJSON(map[string]string{"type": "bridge_ready"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var hdr struct {
				Type string `json:"type"`
			}
			json.Unmarshal(data, &hdr)
			if hdr.Type == "send_prompt" {
				var p receivedPrompt
				json.Unmarshal(data, &p)
				b.prompts <- p
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeAgentBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeAgentBridge) push(t *testing.T, v interface{}) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		t.Fatal("no bridge connection to push on")
	}
	if err := b.conn.WriteJSON(v); err != nil {
		t.Fatalf("push: %v", err)
	}
}

// agentMessage wraps a stream record in a claude_message frame.
func agentMessage(chatID string, record map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":   "claude_message",
		"chatId": chatID,
		"data":   record,
	}
}

func (b *fakeAgentBridge) awaitPrompt(t *testing.T, timeout time.Duration) receivedPrompt {
	t.Helper()
	select {
	case p := <-b.prompts:
		return p
	case <-time.After(timeout):
		t.Fatal("timed out waiting for send_prompt")
		return receivedPrompt{}
	}
}

type fixture struct {
	store   *store.Store
	orc     *Orchestrator
	bridge  *fakeAgentBridge
	chat    *model.Chat
	project *model.Project
	events  chan Event
}

func setup(t *testing.T, opts Options) *fixture {
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

	b := newFakeAgentBridge(t)
	p := mock.New()
	p.AddSandbox("sb-1", "started")
	p.BridgeURLs["sb-1"] = b.url()

	holder := sandbox.NewHolder(sandbox.NewManager(p, nil))
	t.Cleanup(func() { holder.Manager().Close() })

	sandboxID := "sb-1"
	project := &model.Project{
		UserID:    model.DefaultUserID,
		Name:      "Test",
		Status:    model.ProjectStatusRunning,
		SandboxID: &sandboxID,
	}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	chat := &model.Chat{ProjectID: project.ID, Title: "turn"}
	if err := st.CreateChat(ctx, chat); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	orc := New(st, holder, opts, nil)
	t.Cleanup(orc.Close)
	events := make(chan Event, 64)
	orc.SetSink(func(e Event) { events <- e })

	return &fixture{store: st, orc: orc, bridge: b, chat: chat, project: project, events: events}
}

func (f *fixture) awaitChatStatus(t *testing.T, want string) *model.Chat {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		chat, err := f.store.GetChatByID(context.Background(), f.chat.ID)
		if err != nil {
			t.Fatalf("GetChatByID: %v", err)
		}
		if chat.Status == want {
			return chat
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat status = %q, want %q", chat.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) awaitEvent(t *testing.T, eventType string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestHappyPathTurn(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})
	ctx := context.Background()

	err := f.orc.SendPrompt(ctx, PromptRequest{ChatID: f.chat.ID, Prompt: "build it", Mode: "agent"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	got := f.bridge.awaitPrompt(t, 5*time.Second)
	if got.Prompt != "build it" || got.ChatID != f.chat.ID {
		t.Fatalf("bridge saw prompt %+v", got)
	}
	if got.AgentSessionID != nil {
		t.Errorf("first turn carried session id %q", *got.AgentSessionID)
	}

	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "system", "subtype": "init", "session_id": "s-1",
	}))
	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"model":   "claude-x",
			"content": []map[string]string{{"type": "text", "text": "done"}},
		},
	}))
	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "result", "is_error": false, "total_cost_usd": 0.05,
		"duration_ms": 1200, "num_turns": 1,
	}))

	chat := f.awaitChatStatus(t, model.ChatStatusCompleted)
	if chat.AgentSessionID == nil || *chat.AgentSessionID != "s-1" {
		t.Errorf("agentSessionId = %v, want s-1", chat.AgentSessionID)
	}

	f.awaitEvent(t, "agent_message")
	status := f.awaitEvent(t, "agent_status")
	if status.Payload["status"] != model.ChatStatusCompleted {
		t.Errorf("final status event = %v", status.Payload)
	}

	msgs, err := f.store.ListMessagesByChat(ctx, f.chat.ID)
	if err != nil {
		t.Fatalf("ListMessagesByChat: %v", err)
	}
	// user prompt, assistant reply, system summary
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != model.MessageRoleUser || msgs[1].Role != model.MessageRoleAssistant || msgs[2].Role != model.MessageRoleSystem {
		t.Errorf("roles = %s,%s,%s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(msgs[2].Metadata, &meta); err != nil {
		t.Fatalf("summary metadata: %v", err)
	}
	if meta["costUsd"] != 0.05 {
		t.Errorf("costUsd = %v", meta["costUsd"])
	}

	if f.orc.Running(f.chat.ID) {
		t.Error("run not cleaned up after completion")
	}
}

func TestStallRetriesOnceThenErrors(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 150 * time.Millisecond, ActivityTimeout: 150 * time.Millisecond})

	err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "hello"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	first := f.bridge.awaitPrompt(t, 2*time.Second)
	if first.Prompt != "hello" {
		t.Fatalf("first prompt = %q", first.Prompt)
	}

	// No session id was established, so the retry reuses the original prompt.
	retry := f.bridge.awaitPrompt(t, 2*time.Second)
	if retry.Prompt != "hello" {
		t.Errorf("retry prompt = %q, want original", retry.Prompt)
	}
	if retry.AgentSessionID != nil {
		t.Errorf("retry carried session id %v", retry.AgentSessionID)
	}

	f.awaitChatStatus(t, model.ChatStatusError)
	errEvent := f.awaitEvent(t, "agent_error")
	text, _ := errEvent.Payload["error"].(string)
	if !regexp.MustCompile(`did not respond`).MatchString(text) {
		t.Errorf("error text = %q, want /did not respond/", text)
	}

	// Exactly two submissions in total.
	select {
	case extra := <-f.bridge.prompts:
		t.Errorf("unexpected third submission: %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestCrashAfterSessionResumesWithContinuation(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})

	err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "start work"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "system", "subtype": "init", "session_id": "s-2",
	}))
	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "working"}},
		},
	}))
	f.awaitEvent(t, "agent_message")

	f.bridge.push(t, map[string]interface{}{"type": "claude_exit", "chatId": f.chat.ID, "code": 1})

	retry := f.bridge.awaitPrompt(t, 5*time.Second)
	if retry.Prompt != continuationPrompt {
		t.Errorf("retry prompt = %q, want continuation", retry.Prompt)
	}
	if retry.ChatID != f.chat.ID {
		t.Errorf("retry chatId = %q", retry.ChatID)
	}
	if retry.AgentSessionID == nil || *retry.AgentSessionID != "s-2" {
		t.Errorf("retry session id = %v, want s-2", retry.AgentSessionID)
	}

	chat, err := f.store.GetChatByID(context.Background(), f.chat.ID)
	if err != nil {
		t.Fatalf("GetChatByID: %v", err)
	}
	if chat.AgentSessionID == nil || *chat.AgentSessionID != "s-2" {
		t.Errorf("agentSessionId = %v, want s-2 preserved", chat.AgentSessionID)
	}
}

func TestCrashEmitsErrorHintThenRetries(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})

	if err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "go"}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	f.bridge.push(t, map[string]interface{}{
		"type": "claude_stderr", "chatId": f.chat.ID, "data": "segfault in agent",
	})
	f.bridge.push(t, map[string]interface{}{"type": "claude_exit", "chatId": f.chat.ID, "code": 3})

	// The first crash still surfaces the exit and stderr hint, before the
	// retry goes out.
	errEvent := f.awaitEvent(t, "agent_error")
	text, _ := errEvent.Payload["error"].(string)
	if !strings.Contains(text, "exited with code 3") {
		t.Errorf("error text = %q, want exit code", text)
	}
	if !strings.Contains(text, "segfault in agent") {
		t.Errorf("error text = %q, missing stderr hint", text)
	}
	status := f.awaitEvent(t, "agent_status")
	if status.Payload["status"] != "retrying" {
		t.Errorf("status after crash = %v, want retrying", status.Payload)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)
}

func TestRetriedTurnWaitsActivityTimeout(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 100 * time.Millisecond, ActivityTimeout: 900 * time.Millisecond})

	if err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "go"}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 2*time.Second)
	f.bridge.awaitPrompt(t, 2*time.Second)

	// Well past another initial timeout, the retried turn is still waiting
	// out the longer activity timeout.
	time.Sleep(300 * time.Millisecond)
	chat, err := f.store.GetChatByID(context.Background(), f.chat.ID)
	if err != nil {
		t.Fatalf("GetChatByID: %v", err)
	}
	if chat.Status != model.ChatStatusRunning {
		t.Fatalf("status = %q shortly after retry, want still running", chat.Status)
	}

	f.awaitChatStatus(t, model.ChatStatusError)
}

func TestAgentSessionIDNeverOverwritten(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})

	err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "go"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "system", "subtype": "init", "session_id": "s-first",
	}))
	// A later init (resume fork) reports a different id; it must not win.
	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "system", "subtype": "init", "session_id": "s-forked",
	}))
	f.bridge.push(t, agentMessage(f.chat.ID, map[string]interface{}{
		"type": "result", "is_error": false,
	}))

	chat := f.awaitChatStatus(t, model.ChatStatusCompleted)
	if chat.AgentSessionID == nil || *chat.AgentSessionID != "s-first" {
		t.Errorf("agentSessionId = %v, want s-first", chat.AgentSessionID)
	}
}

func TestConcurrentPromptRejected(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})
	ctx := context.Background()

	if err := f.orc.SendPrompt(ctx, PromptRequest{ChatID: f.chat.ID, Prompt: "one"}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	err := f.orc.SendPrompt(ctx, PromptRequest{ChatID: f.chat.ID, Prompt: "two"})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second SendPrompt = %v, want ErrAlreadyRunning", err)
	}
}

func TestAgentErrorIsTerminalWithoutRetry(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})

	if err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "go"}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	f.bridge.push(t, map[string]interface{}{
		"type": "claude_error", "chatId": f.chat.ID, "error": "CLI not installed",
	})

	f.awaitChatStatus(t, model.ChatStatusError)
	errEvent := f.awaitEvent(t, "agent_error")
	if errEvent.Payload["error"] != "CLI not installed" {
		t.Errorf("error payload = %v", errEvent.Payload)
	}

	select {
	case p := <-f.bridge.prompts:
		t.Errorf("claude_error must not retry, got %+v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEventsForOtherChatsIgnored(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})

	if err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "go"}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	// A result for a different chat must not complete this one.
	f.bridge.push(t, agentMessage("other-chat", map[string]interface{}{
		"type": "result", "is_error": false,
	}))
	time.Sleep(200 * time.Millisecond)

	chat, err := f.store.GetChatByID(context.Background(), f.chat.ID)
	if err != nil {
		t.Fatalf("GetChatByID: %v", err)
	}
	if chat.Status != model.ChatStatusRunning {
		t.Errorf("status = %q, want still running", chat.Status)
	}
}

func TestExecuteChatExtractsTextBlocks(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})
	ctx := context.Background()

	content, _ := json.Marshal([]map[string]string{
		{"type": "text", "text": "first line"},
		{"type": "tool_result", "content": "skipped"},
		{"type": "text", "text": "second line"},
	})
	msg := &model.Message{ChatID: f.chat.ID, Role: model.MessageRoleUser, Content: content}
	if err := f.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if err := f.orc.ExecuteChat(ctx, f.chat.ID, "", ""); err != nil {
		t.Fatalf("ExecuteChat: %v", err)
	}
	got := f.bridge.awaitPrompt(t, 5*time.Second)
	if got.Prompt != "first line\nsecond line" {
		t.Errorf("prompt = %q", got.Prompt)
	}

	// executeChat must not add another user message.
	msgs, err := f.store.ListMessagesByChat(ctx, f.chat.ID)
	if err != nil {
		t.Fatalf("ListMessagesByChat: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestExecuteChatWithoutUserMessage(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})
	err := f.orc.ExecuteChat(context.Background(), f.chat.ID, "", "")
	if err == nil {
		t.Fatal("ExecuteChat succeeded with empty transcript")
	}
}

func TestSendUserAnswer(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 5 * time.Second, ActivityTimeout: 5 * time.Second})
	ctx := context.Background()

	if err := f.orc.SendUserAnswer(ctx, f.chat.ID, "tool-9", "yes, proceed"); err != nil {
		t.Fatalf("SendUserAnswer: %v", err)
	}

	msgs, err := f.store.ListMessagesByChat(ctx, f.chat.ID)
	if err != nil {
		t.Fatalf("ListMessagesByChat: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != model.MessageRoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
	var blocks []model.ToolResultBlock
	if err := json.Unmarshal(msgs[0].Content, &blocks); err != nil {
		t.Fatalf("content: %v", err)
	}
	if len(blocks) != 1 || blocks[0].ToolUseID != "tool-9" || blocks[0].Content != "yes, proceed" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestStderrTailInErrorMessage(t *testing.T) {
	f := setup(t, Options{InitialTimeout: 300 * time.Millisecond, ActivityTimeout: 300 * time.Millisecond})

	if err := f.orc.SendPrompt(context.Background(), PromptRequest{ChatID: f.chat.ID, Prompt: "go"}); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.bridge.awaitPrompt(t, 5*time.Second)

	f.bridge.push(t, map[string]interface{}{
		"type": "claude_stderr", "chatId": f.chat.ID, "data": "panic: missing API key",
	})

	// First timeout retries, second fails.
	f.bridge.awaitPrompt(t, 5*time.Second)
	f.awaitChatStatus(t, model.ChatStatusError)

	errEvent := f.awaitEvent(t, "agent_error")
	text, _ := errEvent.Payload["error"].(string)
	if !strings.Contains(text, "missing API key") {
		t.Errorf("error text %q missing stderr tail", text)
	}
}
