package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vedranjukic/apex/internal/bridge"
	"github.com/vedranjukic/apex/internal/events"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/session"
	"github.com/vedranjukic/apex/internal/store"
)

// opTimeout bounds a single forwarded bridge command.
const opTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type handlerFunc func(ctx context.Context, c *Client, payload json.RawMessage)

// sandboxListener tracks the bus attachment for one sandbox. Listeners are
// attached at most once per sandbox per manager generation; a manager swap
// invalidates them.
type sandboxListener struct {
	generation uint64
	cancel     func()
}

// Gateway exposes the client websocket protocol over the services.
type Gateway struct {
	store    *store.Store
	projects *project.Service
	orc      *session.Orchestrator
	holder   *sandbox.Holder
	broker   *events.Broker
	hub      *Hub
	log      *logger.Logger

	handlers map[string]handlerFunc

	mu        sync.Mutex
	listeners map[string]*sandboxListener
}

// New wires the gateway and installs it as the orchestrator's event sink.
func New(st *store.Store, projects *project.Service, orc *session.Orchestrator, holder *sandbox.Holder, broker *events.Broker, hub *Hub, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	g := &Gateway{
		store:     st,
		projects:  projects,
		orc:       orc,
		holder:    holder,
		broker:    broker,
		hub:       hub,
		log:       log.With("component", "gateway"),
		listeners: make(map[string]*sandboxListener),
	}
	g.registerHandlers()
	orc.SetSink(g.forwardSessionEvent)
	return g
}

func (g *Gateway) registerHandlers() {
	g.handlers = map[string]handlerFunc{
		"subscribe_project": g.handleSubscribeProject,
		"send_prompt":       g.handleSendPrompt,
		"execute_chat":      g.handleExecuteChat,
		"user_answer":       g.handleUserAnswer,
		"project_info":      g.handleProjectInfo,
		"port_preview_url":  g.handlePortPreviewURL,
	}

	// Terminal, file, git and layout operations share the forwarding path;
	// they differ only in the reply type.
	forwarded := map[string]string{
		bridge.TypeTerminalCreate:  "", // bridge replies carry their own type
		bridge.TypeTerminalInput:   "",
		bridge.TypeTerminalResize:  "",
		bridge.TypeTerminalClose:   "",
		bridge.TypeTerminalListCmd: "",

		bridge.TypeFileList:   "file_list_result",
		bridge.TypeFileRead:   "file_read_result",
		bridge.TypeFileWrite:  "file_write_result",
		bridge.TypeFileSearch: "file_search_result",
		bridge.TypeFileCreate: "file_op_result",
		bridge.TypeFileRename: "file_op_result",
		bridge.TypeFileDelete: "file_op_result",
		bridge.TypeFileMove:   "file_op_result",

		bridge.TypeGitStatus:       "git_status_result",
		bridge.TypeGitBranches:     "git_branches_result",
		bridge.TypeGitStage:        "git_op_result",
		bridge.TypeGitUnstage:      "git_op_result",
		bridge.TypeGitDiscard:      "git_op_result",
		bridge.TypeGitCommit:       "git_op_result",
		bridge.TypeGitPush:         "git_op_result",
		bridge.TypeGitPull:         "git_op_result",
		bridge.TypeGitCreateBranch: "git_op_result",
		bridge.TypeGitCheckout:     "git_op_result",

		bridge.TypeLayoutSave: "layout_saved",
		bridge.TypeLayoutLoad: "layout_data",
	}
	for op, resultType := range forwarded {
		g.handlers[op] = g.makeForwardHandler(op, resultType)
	}
}

// ServeWS upgrades the connection and runs the client pumps. The connection
// is scoped to one user; without authentication the default dev user owns it.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = model.DefaultUserID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.New().String(), userID, conn, g.hub, g, g.log)
	client.projectSub = g.broker.Subscribe(userID)
	g.hub.Register(client)

	go client.writePump()
	go client.projectEventPump()
	client.readPump(r.Context())
}

// dispatch routes one inbound message. Handlers run on their own goroutine
// so a slow operation does not stall the client's read loop.
func (g *Gateway) dispatch(ctx context.Context, c *Client, data []byte) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type == "" {
		c.SendError("error", "Invalid message format")
		return
	}

	handler, ok := g.handlers[hdr.Type]
	if !ok {
		c.SendError("error", "Unknown message type: "+hdr.Type)
		return
	}
	go handler(ctx, c, data)
}

// forwardSessionEvent fans orchestrator events out to the sandbox's
// subscribers, and mirrors terminal chat transitions onto the projects
// namespace so lists and badges update live.
func (g *Gateway) forwardSessionEvent(e session.Event) {
	msg := map[string]interface{}{
		"type":   e.Type,
		"chatId": e.ChatID,
	}
	for k, v := range e.Payload {
		msg[k] = v
	}
	g.hub.BroadcastToSandbox(e.SandboxID, msg)

	if e.Type == "agent_status" || e.Type == "agent_error" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if p, err := g.store.GetProjectByID(ctx, e.ProjectID); err == nil {
			g.broker.Publish(p.UserID, events.EventTypeProjectUpdated, p)
		}
	}
}

// attachSandboxListeners binds the bridge's ambient events (terminal output,
// file watcher, port announcements) to the sandbox's subscriber set, once
// per manager generation.
func (g *Gateway) attachSandboxListeners(ctx context.Context, sandboxID string) {
	manager, generation := g.holder.Get()
	if manager == nil {
		return
	}

	g.mu.Lock()
	if l, ok := g.listeners[sandboxID]; ok {
		if l.generation == generation {
			g.mu.Unlock()
			return
		}
		// Stale attachment from a replaced manager.
		l.cancel()
		delete(g.listeners, sandboxID)
	}
	g.mu.Unlock()

	cancel, err := manager.Subscribe(ctx, sandboxID, func(env *bridge.Envelope) {
		switch env.Type {
		case bridge.TypeTerminalCreated, bridge.TypeTerminalOutput,
			bridge.TypeTerminalExit, bridge.TypeTerminalError,
			bridge.TypeTerminalList, bridge.TypeFileChanged,
			bridge.TypePortsUpdate:
			g.hub.BroadcastToSandbox(sandboxID, json.RawMessage(env.Payload))
		}
	})
	if err != nil {
		g.log.Warn("failed to attach sandbox listeners", "sandbox_id", sandboxID, "error", err)
		return
	}

	g.mu.Lock()
	if _, ok := g.listeners[sandboxID]; ok {
		// Lost the race to another attach; keep theirs.
		g.mu.Unlock()
		cancel()
		return
	}
	g.listeners[sandboxID] = &sandboxListener{generation: generation, cancel: cancel}
	g.mu.Unlock()
}

// Close cancels every sandbox listener.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, l := range g.listeners {
		l.cancel()
		delete(g.listeners, id)
	}
}

// --- operations ---

type subscribeProjectRequest struct {
	ProjectID string `json:"projectId"`
}

func (g *Gateway) handleSubscribeProject(ctx context.Context, c *Client, payload json.RawMessage) {
	var req subscribeProjectRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ProjectID == "" {
		c.SendError("subscribed", "projectId is required")
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	p, err := g.projects.Get(opCtx, req.ProjectID)
	if err != nil {
		c.SendError("subscribed", "Project not found")
		return
	}

	if p.SandboxID != nil {
		g.hub.SubscribeToSandbox(c, *p.SandboxID)
		if manager := g.holder.Manager(); manager != nil {
			manager.RegisterProjectName(*p.SandboxID, g.projects.RootName(opCtx, p))
		}
		g.attachSandboxListeners(opCtx, *p.SandboxID)
	}

	c.Send(map[string]interface{}{
		"type":      "subscribed",
		"projectId": p.ID,
		"sandboxId": p.SandboxID,
	})

	switch {
	case p.Status == model.ProjectStatusCreating:
		// Provisioning owns the lifecycle; nothing to reconcile yet.

	case p.Status == model.ProjectStatusStopped || p.Status == model.ProjectStatusError:
		if p.SandboxID == nil {
			c.Send(map[string]interface{}{
				"type": "agent_status", "projectId": p.ID, "status": "provisioning",
			})
		}
		go func() {
			bgCtx, bgCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer bgCancel()
			if _, err := g.projects.EnsureRunning(bgCtx, p.ID); err != nil {
				g.log.Warn("background start failed", "project_id", p.ID, "error", err)
			}
		}()

	case p.Status == model.ProjectStatusRunning && p.SandboxID != nil:
		// Pre-warm the bridge so the first terminal or layout op is fast.
		if manager := g.holder.Manager(); manager != nil {
			manager.Prewarm(*p.SandboxID)
		}
	}
}

type promptRequest struct {
	ChatID string `json:"chatId"`
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
	Model  string `json:"model"`
}

// subscribeChatSandbox adds the caller to the chat's sandbox subscriber set
// and returns the chat's project.
func (g *Gateway) subscribeChatSandbox(ctx context.Context, c *Client, chatID string) (*model.Project, error) {
	chat, err := g.store.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	p, err := g.store.GetProjectByID(ctx, chat.ProjectID)
	if err != nil {
		return nil, err
	}
	if p.SandboxID != nil {
		g.hub.SubscribeToSandbox(c, *p.SandboxID)
		g.attachSandboxListeners(ctx, *p.SandboxID)
	}
	return p, nil
}

func (g *Gateway) handleSendPrompt(ctx context.Context, c *Client, payload json.RawMessage) {
	var req promptRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == "" {
		c.SendError("agent_error", "chatId is required")
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := g.subscribeChatSandbox(opCtx, c, req.ChatID); err != nil {
		c.Send(map[string]string{"type": "agent_error", "chatId": req.ChatID, "error": "Chat not found"})
		return
	}

	err := g.orc.SendPrompt(opCtx, session.PromptRequest{
		ChatID: req.ChatID,
		Prompt: req.Prompt,
		Mode:   req.Mode,
		Model:  req.Model,
	})
	if err != nil {
		c.Send(map[string]string{"type": "agent_error", "chatId": req.ChatID, "error": errText(err)})
		return
	}
	c.Send(map[string]string{"type": "prompt_accepted", "chatId": req.ChatID})
}

func (g *Gateway) handleExecuteChat(ctx context.Context, c *Client, payload json.RawMessage) {
	var req promptRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == "" {
		c.SendError("agent_error", "chatId is required")
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := g.subscribeChatSandbox(opCtx, c, req.ChatID); err != nil {
		c.Send(map[string]string{"type": "agent_error", "chatId": req.ChatID, "error": "Chat not found"})
		return
	}

	if err := g.orc.ExecuteChat(opCtx, req.ChatID, req.Mode, req.Model); err != nil {
		c.Send(map[string]string{"type": "agent_error", "chatId": req.ChatID, "error": errText(err)})
		return
	}
	c.Send(map[string]string{"type": "prompt_accepted", "chatId": req.ChatID})
}

type userAnswerRequest struct {
	ChatID    string `json:"chatId"`
	ToolUseID string `json:"toolUseId"`
	Answer    string `json:"answer"`
}

func (g *Gateway) handleUserAnswer(ctx context.Context, c *Client, payload json.RawMessage) {
	var req userAnswerRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == "" || req.ToolUseID == "" {
		c.SendError("agent_error", "chatId and toolUseId are required")
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := g.orc.SendUserAnswer(opCtx, req.ChatID, req.ToolUseID, req.Answer); err != nil {
		c.Send(map[string]string{"type": "agent_error", "chatId": req.ChatID, "error": errText(err)})
	}
}

type projectScopedRequest struct {
	ProjectID string `json:"projectId"`
}

func (g *Gateway) handleProjectInfo(ctx context.Context, c *Client, payload json.RawMessage) {
	var req projectScopedRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ProjectID == "" {
		c.SendError("project_info", "projectId is required")
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	p, err := g.projects.Get(opCtx, req.ProjectID)
	if err != nil {
		c.SendError("project_info", "Project not found")
		return
	}

	info := map[string]interface{}{
		"type":    "project_info",
		"project": p,
	}
	// Branch is best effort; an unreachable bridge leaves it empty.
	if p.SandboxID != nil {
		if manager := g.holder.Manager(); manager != nil {
			if reply, err := manager.Call(opCtx, *p.SandboxID, bridge.Command{Type: bridge.TypeGetGitBranch}); err == nil {
				var out struct {
					Branch string `json:"branch"`
				}
				if reply.Decode(&out) == nil {
					info["branch"] = out.Branch
				}
			}
		}
	}
	c.Send(info)
}

type portPreviewRequest struct {
	ProjectID string `json:"projectId"`
	Port      int    `json:"port"`
}

func (g *Gateway) handlePortPreviewURL(ctx context.Context, c *Client, payload json.RawMessage) {
	var req portPreviewRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ProjectID == "" || req.Port == 0 {
		c.SendError("port_preview_url_result", "projectId and port are required")
		return
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	preview, err := g.projects.PortPreview(opCtx, req.ProjectID, req.Port)
	if err != nil {
		c.SendError("port_preview_url_result", errText(err))
		return
	}
	c.Send(map[string]interface{}{
		"type":  "port_preview_url_result",
		"port":  req.Port,
		"url":   preview.URL,
		"token": preview.Token,
	})
}

// makeForwardHandler builds the uniform bridge-forwarding handler: resolve
// the project, forward the command, race the per-op timeout, and return the
// reply (or a structured error) to the caller. resultType overrides the
// reply's type; when empty the bridge's own reply type is kept.
func (g *Gateway) makeForwardHandler(op, resultType string) handlerFunc {
	errType := resultType
	if errType == "" {
		errType = "error"
	}
	return func(ctx context.Context, c *Client, payload json.RawMessage) {
		var req projectScopedRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ProjectID == "" {
			c.SendError(errType, "projectId is required")
			return
		}

		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		p, err := g.projects.Get(opCtx, req.ProjectID)
		if err != nil {
			c.SendError(errType, "Project not found")
			return
		}
		if p.SandboxID == nil {
			c.SendError(errType, "Sandbox not ready")
			return
		}
		manager := g.holder.Manager()
		if manager == nil {
			c.SendError(errType, sandbox.ErrManagerUnavailable.Error())
			return
		}

		g.hub.SubscribeToSandbox(c, *p.SandboxID)
		g.attachSandboxListeners(opCtx, *p.SandboxID)

		var args map[string]interface{}
		if err := json.Unmarshal(payload, &args); err != nil {
			c.SendError(errType, "Invalid payload")
			return
		}
		delete(args, "type")
		delete(args, "projectId")

		reply, err := manager.Call(opCtx, *p.SandboxID, bridge.Command{Type: op, Args: args})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.SendError(errType, "Operation timed out")
			} else {
				c.SendError(errType, "Sandbox not ready")
			}
			return
		}

		var result map[string]interface{}
		if err := json.Unmarshal(reply.Payload, &result); err != nil {
			c.SendError(errType, "Malformed bridge reply")
			return
		}
		delete(result, "id")
		if resultType != "" {
			result["type"] = resultType
		}
		c.Send(result)
	}
}

// errText keeps sentinel error texts verbatim for the client.
func errText(err error) string {
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		return session.ErrAlreadyRunning.Error()
	case errors.Is(err, sandbox.ErrManagerUnavailable):
		return sandbox.ErrManagerUnavailable.Error()
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	default:
		return err.Error()
	}
}
