// Package session drives the per-chat agent lifecycle: submitting prompts to
// the agent in the sandbox, persisting the message stream, enforcing the
// initial and activity timeouts, and applying the single-retry policy.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vedranjukic/apex/internal/bridge"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/store"
)

// continuationPrompt is re-submitted when a turn with an established agent
// session crashes: the agent resumes from its own transcript.
const continuationPrompt = "Continue from where you left off. You had crashed and were restarted."

// stderr ring bounds.
const (
	stderrMaxChunks = 64
	stderrMaxBytes  = 8192
	stderrTailChars = 500
)

// ErrAlreadyRunning rejects a prompt for a chat with a turn in flight.
var ErrAlreadyRunning = errors.New("Agent is already running")

// Event is one orchestrator notification fanned out to the clients watching
// the chat's sandbox.
type Event struct {
	ProjectID string
	SandboxID string
	ChatID    string
	Type      string // "agent_message", "agent_status", "agent_error"
	Payload   map[string]interface{}
}

// Sink receives orchestrator events. Calls arrive in per-chat order.
type Sink func(Event)

// Options configures the orchestrator timers.
type Options struct {
	InitialTimeout  time.Duration // armed until the first agent message
	ActivityTimeout time.Duration // rearmed on every inbound event
}

// Orchestrator runs at most one prompt turn per chat.
type Orchestrator struct {
	store  *store.Store
	holder *sandbox.Holder
	log    *logger.Logger
	opts   Options

	mu   sync.Mutex
	runs map[string]*run
	sink Sink
}

// New creates the orchestrator.
func New(s *store.Store, holder *sandbox.Holder, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if opts.InitialTimeout <= 0 {
		opts.InitialTimeout = 90 * time.Second
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = 300 * time.Second
	}
	return &Orchestrator{
		store:  s,
		holder: holder,
		log:    log,
		opts:   opts,
		runs:   make(map[string]*run),
	}
}

// SetSink installs the event fan-out target. Must be called before prompts
// are submitted.
func (o *Orchestrator) SetSink(sink Sink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
}

func (o *Orchestrator) emit(e Event) {
	o.mu.Lock()
	sink := o.sink
	o.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

// Running reports whether the chat has a turn in flight.
func (o *Orchestrator) Running(chatID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[chatID]
	return ok
}

// PromptRequest is one prompt submission.
type PromptRequest struct {
	ChatID string
	Prompt string
	Mode   string
	Model  string
}

// SendPrompt persists the user message and starts a prompt turn.
func (o *Orchestrator) SendPrompt(ctx context.Context, req PromptRequest) error {
	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return o.start(ctx, req, true)
}

// ExecuteChat re-runs a chat from its stored transcript: the prompt is the
// concatenated text blocks of the chat's first user message. Non-text blocks
// are skipped.
func (o *Orchestrator) ExecuteChat(ctx context.Context, chatID, mode, mdl string) error {
	first, err := o.store.FirstUserMessage(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("chat has no user message to execute")
		}
		return err
	}

	var blocks []model.TextBlock
	if err := json.Unmarshal(first.Content, &blocks); err != nil {
		return fmt.Errorf("failed to decode message content: %w", err)
	}
	prompt := ""
	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if prompt != "" {
			prompt += "\n"
		}
		prompt += b.Text
	}
	if prompt == "" {
		return fmt.Errorf("chat's first user message has no text")
	}

	return o.start(ctx, PromptRequest{ChatID: chatID, Prompt: prompt, Mode: mode, Model: mdl}, false)
}

func (o *Orchestrator) start(ctx context.Context, req PromptRequest, persistUser bool) error {
	chat, err := o.store.GetChatByID(ctx, req.ChatID)
	if err != nil {
		return err
	}
	project, err := o.store.GetProjectByID(ctx, chat.ProjectID)
	if err != nil {
		return err
	}
	if project.SandboxID == nil {
		return fmt.Errorf("project has no sandbox")
	}
	sandboxID := *project.SandboxID

	if req.Mode == "" && chat.Mode != nil {
		req.Mode = *chat.Mode
	}

	r := &run{
		orc:       o,
		chatID:    chat.ID,
		projectID: project.ID,
		sandboxID: sandboxID,
		prompt:    req.Prompt,
		mode:      req.Mode,
		model:     req.Model,
		events:    make(chan *bridge.Envelope, 256),
		stopped:   make(chan struct{}),
		stderr:    newStderrRing(stderrMaxChunks, stderrMaxBytes),
	}

	o.mu.Lock()
	if _, exists := o.runs[chat.ID]; exists {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.runs[chat.ID] = r
	o.mu.Unlock()

	if persistUser {
		msg := &model.Message{
			ChatID:  chat.ID,
			Role:    model.MessageRoleUser,
			Content: model.NewTextContent(req.Prompt),
		}
		if err := o.store.CreateMessage(ctx, msg); err != nil {
			o.drop(r)
			return fmt.Errorf("failed to persist prompt: %w", err)
		}
	}

	manager := o.holder.Manager()
	if manager == nil {
		o.drop(r)
		return sandbox.ErrManagerUnavailable
	}
	// A forked sandbox keeps the root's directory layout, so the root
	// project's name seeds directory resolution.
	dirName := project.Name
	if project.ForkedFromID != nil && *project.ForkedFromID != "" {
		if root, err := o.store.GetProjectByID(ctx, *project.ForkedFromID); err == nil {
			dirName = root.Name
		}
	}
	manager.RegisterProjectName(sandboxID, dirName)

	cancel, err := manager.Subscribe(ctx, sandboxID, r.handleEnvelope)
	if err != nil {
		o.drop(r)
		return fmt.Errorf("failed to attach to sandbox: %w", err)
	}
	r.cancelSub = cancel

	if err := o.store.UpdateChatStatus(ctx, chat.ID, model.ChatStatusRunning); err != nil {
		r.cleanup()
		return err
	}

	if err := o.submit(ctx, r, req.Prompt, chat.AgentSessionID); err != nil {
		o.failChat(r, fmt.Sprintf("Failed to start agent: %v", err))
		return err
	}

	r.timer = time.NewTimer(o.opts.InitialTimeout)
	go r.loop()

	o.log.Info("prompt turn started",
		"chat_id", chat.ID, "sandbox_id", sandboxID, "mode", req.Mode)
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, r *run, prompt string, sessionID *string) error {
	manager := o.holder.Manager()
	if manager == nil {
		return sandbox.ErrManagerUnavailable
	}
	return manager.SendPrompt(ctx, r.sandboxID, bridge.SendPrompt{
		ChatID:         r.chatID,
		Prompt:         prompt,
		Mode:           r.mode,
		Model:          r.model,
		AgentSessionID: sessionID,
	})
}

// drop removes a run that never got going.
func (o *Orchestrator) drop(r *run) {
	o.mu.Lock()
	delete(o.runs, r.chatID)
	o.mu.Unlock()
}

// failChat marks the chat errored and tells subscribers. The error text is
// also persisted so the transcript records why the turn died.
func (o *Orchestrator) failChat(r *run, msg string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := o.store.UpdateChatStatus(ctx, r.chatID, model.ChatStatusError); err != nil {
		o.log.Error("failed to mark chat errored", "chat_id", r.chatID, "error", err)
	}
	sysMsg := &model.Message{
		ChatID:  r.chatID,
		Role:    model.MessageRoleSystem,
		Content: model.NewTextContent(msg),
	}
	if err := o.store.CreateMessage(ctx, sysMsg); err != nil {
		o.log.Error("failed to persist error message", "chat_id", r.chatID, "error", err)
	}

	o.emit(Event{
		ProjectID: r.projectID, SandboxID: r.sandboxID, ChatID: r.chatID,
		Type:    "agent_error",
		Payload: map[string]interface{}{"error": msg},
	})
	o.emit(Event{
		ProjectID: r.projectID, SandboxID: r.sandboxID, ChatID: r.chatID,
		Type:    "agent_status",
		Payload: map[string]interface{}{"status": model.ChatStatusError},
	})
	r.cleanup()
}

func (o *Orchestrator) completeChat(r *run) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	if err := o.store.UpdateChatStatus(ctx, r.chatID, model.ChatStatusCompleted); err != nil {
		o.log.Error("failed to mark chat completed", "chat_id", r.chatID, "error", err)
	}
	o.emit(Event{
		ProjectID: r.projectID, SandboxID: r.sandboxID, ChatID: r.chatID,
		Type:    "agent_status",
		Payload: map[string]interface{}{"status": model.ChatStatusCompleted},
	})
	r.cleanup()
}

// SendUserAnswer forwards the user's answer to a pending tool-use question
// and records it in the transcript. Independent of the state machine.
func (o *Orchestrator) SendUserAnswer(ctx context.Context, chatID, toolUseID, answer string) error {
	chat, err := o.store.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	project, err := o.store.GetProjectByID(ctx, chat.ProjectID)
	if err != nil {
		return err
	}
	if project.SandboxID == nil {
		return fmt.Errorf("project has no sandbox")
	}

	msg := &model.Message{
		ChatID:  chatID,
		Role:    model.MessageRoleUser,
		Content: model.NewToolResultContent(toolUseID, answer),
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist answer: %w", err)
	}

	manager := o.holder.Manager()
	if manager == nil {
		return sandbox.ErrManagerUnavailable
	}
	return manager.SendUserAnswer(ctx, *project.SandboxID, bridge.SendUserAnswer{
		ChatID:    chatID,
		ToolUseID: toolUseID,
		Answer:    answer,
	})
}

// Close aborts every in-flight turn.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.cleanup()
	}
}

// run is one in-flight prompt turn. All state below the events channel is
// owned by the loop goroutine.
type run struct {
	orc       *Orchestrator
	chatID    string
	projectID string
	sandboxID string
	prompt    string // original prompt, reused on a pre-session retry
	mode      string
	model     string

	events    chan *bridge.Envelope
	stopped   chan struct{}
	cancelSub func()
	timer     *time.Timer

	receivedFirst bool
	retried       bool
	stderr        *stderrRing

	cleanupOnce sync.Once
}

// handleEnvelope runs on the transport read loop: filter fast, hand off to
// the run's own goroutine.
func (r *run) handleEnvelope(env *bridge.Envelope) {
	switch env.Type {
	case bridge.TypeAgentMessage, bridge.TypeAgentStderr,
		bridge.TypeAgentExit, bridge.TypeAgentError, bridge.TypeBridgeDown:
	default:
		return
	}

	select {
	case r.events <- env:
	case <-r.stopped:
	default:
		// Backed-up turn; the activity timeout will reap it.
	}
}

func (r *run) loop() {
	for {
		select {
		case env := <-r.events:
			if done := r.handle(env); done {
				return
			}
		case <-r.timer.C:
			if done := r.onTimeout(); done {
				return
			}
		case <-r.stopped:
			return
		}
	}
}

// rearm resets the turn timer.
func (r *run) rearm(d time.Duration) {
	if !r.timer.Stop() {
		select {
		case <-r.timer.C:
		default:
		}
	}
	r.timer.Reset(d)
}

// chatIDOf extracts the inner chat id for filtering.
func chatIDOf(env *bridge.Envelope) string {
	var p struct {
		ChatID string `json:"chatId"`
	}
	env.Decode(&p)
	return p.ChatID
}

func (r *run) handle(env *bridge.Envelope) bool {
	if env.Type != bridge.TypeBridgeDown && chatIDOf(env) != r.chatID {
		return false
	}

	switch env.Type {
	case bridge.TypeAgentStderr:
		var p bridge.AgentStderr
		if env.Decode(&p) == nil {
			r.stderr.Append(p.Data)
		}
		r.rearm(r.orc.opts.ActivityTimeout)
		return false

	case bridge.TypeAgentMessage:
		return r.handleAgentMessage(env)

	case bridge.TypeAgentExit:
		var p bridge.AgentExit
		env.Decode(&p)
		if p.Code == 0 {
			r.orc.completeChat(r)
			return true
		}
		return r.crashOrFail(fmt.Sprintf("Agent exited with code %d", p.Code))

	case bridge.TypeAgentError:
		var p bridge.AgentError
		env.Decode(&p)
		r.orc.failChat(r, p.Error)
		return true

	case bridge.TypeBridgeDown:
		return r.crashOrFail("Lost connection to the sandbox")
	}
	return false
}

func (r *run) handleAgentMessage(env *bridge.Envelope) bool {
	var msg bridge.AgentMessage
	if err := env.Decode(&msg); err != nil {
		return false
	}
	var rec bridge.AgentStreamRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		r.orc.log.Warn("malformed agent record", "chat_id", r.chatID, "error", err)
		return false
	}

	if !r.receivedFirst {
		r.receivedFirst = true
	}
	r.rearm(r.orc.opts.ActivityTimeout)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" && rec.SessionID != "" {
			// First id wins; resumes report forked session ids.
			if err := r.orc.store.SetChatAgentSessionID(ctx, r.chatID, rec.SessionID); err != nil {
				r.orc.log.Warn("failed to record agent session id", "chat_id", r.chatID, "error", err)
			}
		}

	case "assistant":
		if rec.Message != nil {
			meta, _ := json.Marshal(map[string]interface{}{
				"model":      rec.Message.Model,
				"stopReason": rec.Message.StopReason,
				"usage":      rec.Message.Usage,
			})
			m := &model.Message{
				ChatID:   r.chatID,
				Role:     model.MessageRoleAssistant,
				Content:  rec.Message.Content,
				Metadata: meta,
			}
			if err := r.orc.store.CreateMessage(ctx, m); err != nil {
				r.orc.log.Error("failed to persist assistant message", "chat_id", r.chatID, "error", err)
			}
		}
		r.orc.emit(Event{
			ProjectID: r.projectID, SandboxID: r.sandboxID, ChatID: r.chatID,
			Type:    "agent_message",
			Payload: map[string]interface{}{"data": json.RawMessage(msg.Data)},
		})

	case "result":
		meta := map[string]interface{}{
			"costUsd":    rec.TotalCostUSD,
			"durationMs": rec.DurationMS,
			"numTurns":   rec.NumTurns,
		}
		if rec.Usage != nil {
			meta["inputTokens"] = rec.Usage.InputTokens
			meta["outputTokens"] = rec.Usage.OutputTokens
		}
		metaJSON, _ := json.Marshal(meta)
		m := &model.Message{
			ChatID:   r.chatID,
			Role:     model.MessageRoleSystem,
			Content:  model.EmptyContent(),
			Metadata: metaJSON,
		}
		if err := r.orc.store.CreateMessage(ctx, m); err != nil {
			r.orc.log.Error("failed to persist result message", "chat_id", r.chatID, "error", err)
		}
		if rec.SessionID != "" {
			// Fallback: some streams only report the session id here.
			if err := r.orc.store.SetChatAgentSessionID(ctx, r.chatID, rec.SessionID); err != nil {
				r.orc.log.Warn("failed to record agent session id", "chat_id", r.chatID, "error", err)
			}
		}
		if rec.IsError {
			msg := rec.Result
			if msg == "" {
				msg = "Agent reported an error"
			}
			r.orc.failChat(r, msg)
		} else {
			r.orc.completeChat(r)
		}
		return true
	}
	return false
}

// onTimeout fires when the turn goes quiet past its deadline.
func (r *run) onTimeout() bool {
	var msg string
	if r.receivedFirst {
		msg = "Agent stopped responding"
	} else {
		// The retried turn waits the activity timeout, not the initial one.
		wait := r.orc.opts.InitialTimeout
		if r.retried {
			wait = r.orc.opts.ActivityTimeout
		}
		msg = fmt.Sprintf("Agent did not respond within %ds — the CLI process may have failed to start",
			int(wait.Seconds()))
	}
	return r.crashOrFail(msg)
}

// crashOrFail applies the single-retry rule: the first stall or crash in a
// turn restarts it, the second ends it.
func (r *run) crashOrFail(reason string) bool {
	if tail := r.stderr.Tail(stderrTailChars); tail != "" {
		reason = reason + "\n" + tail
	}

	if r.retried {
		r.orc.failChat(r, reason)
		return true
	}
	r.retried = true

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	// The chat's session id decides the retry prompt: no session yet means
	// the original prompt never landed, so it is reused verbatim. With an
	// established session the agent resumes from its own transcript.
	chat, err := r.orc.store.GetChatByID(ctx, r.chatID)
	if err != nil {
		r.orc.failChat(r, reason)
		return true
	}
	prompt := r.prompt
	if chat.AgentSessionID != nil {
		prompt = continuationPrompt
	}

	r.orc.log.Warn("retrying prompt turn",
		"chat_id", r.chatID, "reason", reason, "resume", chat.AgentSessionID != nil)
	r.orc.emit(Event{
		ProjectID: r.projectID, SandboxID: r.sandboxID, ChatID: r.chatID,
		Type:    "agent_error",
		Payload: map[string]interface{}{"error": reason},
	})
	r.orc.emit(Event{
		ProjectID: r.projectID, SandboxID: r.sandboxID, ChatID: r.chatID,
		Type:    "agent_status",
		Payload: map[string]interface{}{"status": "retrying"},
	})

	if err := r.orc.submit(ctx, r, prompt, chat.AgentSessionID); err != nil {
		r.orc.failChat(r, fmt.Sprintf("Retry failed: %v", err))
		return true
	}
	r.receivedFirst = false
	r.rearm(r.orc.opts.ActivityTimeout)
	return false
}

// cleanup detaches the bus handler, cancels the timer, and removes the run
// from the registry. Idempotent; runs on every terminal transition.
func (r *run) cleanup() {
	r.cleanupOnce.Do(func() {
		close(r.stopped)
		if r.cancelSub != nil {
			r.cancelSub()
		}
		if r.timer != nil {
			r.timer.Stop()
		}
		r.orc.drop(r)
	})
}
