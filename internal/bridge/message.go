// Package bridge speaks the framed JSON protocol of the bridge process
// running inside each sandbox. The bridge multiplexes the coding agent,
// terminals, file access and git over one websocket.
//
// Frames are JSON objects with a "type" field. Commands sent by the control
// plane carry an "id"; the bridge echoes the id on exactly one reply frame.
// Agent and terminal events arrive unsolicited, without an id.
package bridge

import "encoding/json"

// Inbound frame types (bridge to control plane).
const (
	TypeBridgeReady  = "bridge_ready"
	TypeAgentMessage = "claude_message"
	TypeAgentStderr  = "claude_stderr"
	TypeAgentExit    = "claude_exit"
	TypeAgentError   = "claude_error"

	TypeTerminalCreated = "terminal_created"
	TypeTerminalOutput  = "terminal_output"
	TypeTerminalExit    = "terminal_exit"
	TypeTerminalError   = "terminal_error"
	TypeTerminalList    = "terminal_list"

	TypeFileChanged = "file_changed"
	TypePortsUpdate = "ports_update"
)

// TypeBridgeDown is a synthetic frame injected locally when the connection to
// a bridge is lost for good. It never appears on the wire.
const TypeBridgeDown = "bridge_down"

// Outbound command types (control plane to bridge).
const (
	TypeSendPrompt     = "send_prompt"
	TypeSendUserAnswer = "send_user_answer"

	TypeTerminalCreate  = "terminal_create"
	TypeTerminalInput   = "terminal_input"
	TypeTerminalResize  = "terminal_resize"
	TypeTerminalClose   = "terminal_close"
	TypeTerminalListCmd = "terminal_list"

	TypeFileList   = "file_list"
	TypeFileRead   = "file_read"
	TypeFileWrite  = "file_write"
	TypeFileCreate = "file_create"
	TypeFileRename = "file_rename"
	TypeFileDelete = "file_delete"
	TypeFileMove   = "file_move"
	TypeFileSearch = "file_search"

	TypeGitStatus       = "git_status"
	TypeGitStage        = "git_stage"
	TypeGitUnstage      = "git_unstage"
	TypeGitDiscard      = "git_discard"
	TypeGitCommit       = "git_commit"
	TypeGitPush         = "git_push"
	TypeGitPull         = "git_pull"
	TypeGitBranches     = "git_branches"
	TypeGitCreateBranch = "git_create_branch"
	TypeGitCheckout     = "git_checkout"

	TypeLayoutSave = "layout_save"
	TypeLayoutLoad = "layout_load"

	TypeGetGitBranch  = "get_git_branch"
	TypeGetProjectDir = "get_project_dir"
)

// Envelope is one frame on the wire. Payload keeps the type-specific fields
// raw so each consumer decodes only what it understands.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"-"`
}

// envelopeHeader extracts type and id without consuming the rest.
type envelopeHeader struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// DecodeEnvelope parses a raw frame. The full frame is retained as Payload so
// typed decoding can re-parse it.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, err
	}
	return &Envelope{Type: hdr.Type, ID: hdr.ID, Payload: data}, nil
}

// Decode unmarshals the frame into a typed payload struct.
func (e *Envelope) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// AgentMessage is the claude_message payload. Data is one message from the
// agent's stream-json output: a system/init, assistant, or result record.
type AgentMessage struct {
	ChatID string          `json:"chatId"`
	Data   json.RawMessage `json:"data"`
}

// AgentStreamRecord is the decoded shape of AgentMessage.Data, one record of
// the agent CLI's newline-delimited JSON stream.
type AgentStreamRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID is present on system/init records and again on result
	// records. It identifies the agent's internal session used to resume
	// conversations.
	SessionID string `json:"session_id,omitempty"`

	// Message carries the assistant turn on assistant records.
	Message *AssistantMessage `json:"message,omitempty"`

	// Result fields, present on result records.
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// AssistantMessage is the inner message of an assistant record.
type AssistantMessage struct {
	Model      string          `json:"model,omitempty"`
	Content    json.RawMessage `json:"content"`
	StopReason *string         `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// Usage is the agent's token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentStderr is the claude_stderr payload: one chunk of the agent process's
// stderr.
type AgentStderr struct {
	ChatID string `json:"chatId"`
	Data   string `json:"data"`
}

// AgentExit is the claude_exit payload.
type AgentExit struct {
	ChatID string `json:"chatId"`
	Code   int    `json:"code"`
}

// AgentError is the claude_error payload: the bridge failed to run the agent.
type AgentError struct {
	ChatID string `json:"chatId"`
	Error  string `json:"error"`
}

// TerminalOutput is the terminal_output payload.
type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalExit is the terminal_exit payload.
type TerminalExit struct {
	TerminalID string `json:"terminalId"`
	Code       int    `json:"code"`
}

// FileChanged is the file_changed payload emitted by the bridge's watcher:
// the directories whose contents changed.
type FileChanged struct {
	Dirs []string `json:"dirs"`
}

// PortsUpdate is the ports_update payload listing ports with listeners.
type PortsUpdate struct {
	Ports []int `json:"ports"`
}

// SendPrompt is the send_prompt command payload.
type SendPrompt struct {
	Type           string  `json:"type"`
	ChatID         string  `json:"chatId"`
	Prompt         string  `json:"prompt"`
	Mode           string  `json:"mode,omitempty"`  // "agent", "plan", "ask"
	Model          string  `json:"model,omitempty"` // agent model override
	AgentSessionID *string `json:"agentSessionId,omitempty"`
}

// SendUserAnswer is the send_user_answer command payload. It answers a
// pending question the agent asked through a tool_use block.
type SendUserAnswer struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	ToolUseID string `json:"toolUseId"`
	Answer    string `json:"answer"`
}

// Command is a generic correlated command. Args carries the type-specific
// fields verbatim.
type Command struct {
	Type string
	Args map[string]interface{}
}

// Reply is the bridge's correlated answer to a Command.
type Reply struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"-"`
}
