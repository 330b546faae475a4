// Package model defines the database models used throughout the control plane.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultUserID is the id of the user seeded at boot when no users exist.
const DefaultUserID = "00000000-0000-0000-0000-000000000001"

// User represents an account that owns projects.
type User struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null;type:text" json:"email"`
	Name      string    `gorm:"not null;type:text" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Projects []Project `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// NewDefaultUser returns the dev user created at boot if absent.
func NewDefaultUser() *User {
	return &User{
		ID:    DefaultUserID,
		Email: "dev@localhost",
		Name:  "Developer",
	}
}

// Project status constants representing the lifecycle of a project's sandbox.
const (
	ProjectStatusCreating = "creating" // Sandbox is being provisioned
	ProjectStatusStarting = "starting" // Existing sandbox is starting up
	ProjectStatusRunning  = "running"  // Sandbox is up and reachable
	ProjectStatusStopped  = "stopped"  // Sandbox exists but is not running
	ProjectStatusError    = "error"    // Provisioning or start failed
)

// AgentTypeClaude is the default coding agent launched in new sandboxes.
const AgentTypeClaude = "claude"

// Project represents a workspace bound to one remote sandbox.
//
// ForkedFromID always references the fork family root, never another fork:
// chains are collapsed at fork time. DeletedAt is a soft-delete tombstone kept
// when the sandbox could not be removed (it may still have fork children).
type Project struct {
	ID           string     `gorm:"primaryKey;type:text" json:"id"`
	UserID       string     `gorm:"column:user_id;not null;type:text;index" json:"userId"`
	Name         string     `gorm:"not null;type:text" json:"name"`
	SandboxID    *string    `gorm:"column:sandbox_id;type:text;index" json:"sandboxId,omitempty"`
	Status       string     `gorm:"not null;type:text;default:creating" json:"status"`
	StatusError  *string    `gorm:"column:status_error;type:text" json:"statusError,omitempty"`
	AgentType    string     `gorm:"column:agent_type;not null;type:text;default:claude" json:"agentType"`
	GitRepo      *string    `gorm:"column:git_repo;type:text" json:"gitRepo,omitempty"`
	ForkedFromID *string    `gorm:"column:forked_from_id;type:text;index" json:"forkedFromId,omitempty"`
	BranchName   *string    `gorm:"column:branch_name;type:text" json:"branchName,omitempty"`
	DeletedAt    *time.Time `gorm:"column:deleted_at;index" json:"deletedAt,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	User  *User  `gorm:"foreignKey:UserID" json:"-"`
	Chats []Chat `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// IsDeleted reports whether the project is a soft-delete tombstone.
func (p *Project) IsDeleted() bool {
	return p.DeletedAt != nil
}

// Chat status constants representing the lifecycle of a prompt turn.
const (
	ChatStatusIdle      = "idle"      // No prompt in flight
	ChatStatusRunning   = "running"   // Agent is working on a prompt
	ChatStatusCompleted = "completed" // Last turn finished successfully
	ChatStatusError     = "error"     // Last turn failed
)

// Chat modes passed through to the agent.
const (
	ChatModeAgent = "agent"
	ChatModePlan  = "plan"
	ChatModeAsk   = "ask"
)

// Chat represents a conversation with the agent on a project.
//
// AgentSessionID is set exactly once, from the agent's initialization event on
// the first prompt, and never overwritten by session ids reported on resume.
type Chat struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID      string    `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Title          string    `gorm:"not null;type:text" json:"title"`
	Status         string    `gorm:"not null;type:text;default:idle" json:"status"`
	AgentSessionID *string   `gorm:"column:agent_session_id;type:text" json:"agentSessionId,omitempty"`
	Mode           *string   `gorm:"type:text" json:"mode,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project  *Project  `gorm:"foreignKey:ProjectID" json:"-"`
	Messages []Message `gorm:"foreignKey:ChatID" json:"-"`
}

func (Chat) TableName() string { return "chats" }

func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Message represents one append-only entry in a chat transcript.
// Content is an ordered array of typed content blocks (text, tool_use,
// tool_result, ...). Metadata holds model, stop reason, usage, cost, duration.
type Message struct {
	ID        string          `gorm:"primaryKey;type:text" json:"id"`
	ChatID    string          `gorm:"column:chat_id;not null;type:text;index" json:"chatId"`
	Role      string          `gorm:"not null;type:text" json:"role"`
	Content   json.RawMessage `gorm:"type:text;not null" json:"content"`
	Metadata  json.RawMessage `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"createdAt"`

	Chat *Chat `gorm:"foreignKey:ChatID" json:"-"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TextBlock is a text content block.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResultBlock answers an earlier tool_use block, keyed by ToolUseID.
type ToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// NewTextContent creates a content array with a single text block.
func NewTextContent(text string) json.RawMessage {
	blocks := []TextBlock{{Type: "text", Text: text}}
	data, _ := json.Marshal(blocks)
	return data
}

// NewToolResultContent creates a content array with a single tool_result block.
func NewToolResultContent(toolUseID, content string) json.RawMessage {
	blocks := []ToolResultBlock{{Type: "tool_result", ToolUseID: toolUseID, Content: content}}
	data, _ := json.Marshal(blocks)
	return data
}

// EmptyContent is the content of a system summary message: the run metadata
// lives in Metadata, the block list is empty.
func EmptyContent() json.RawMessage {
	return json.RawMessage("[]")
}

// Setting keys form a fixed allow-list. Values are applied to process-level
// configuration at boot and whenever they change.
const (
	SettingAgentAPIKey     = "agent_api_key"
	SettingProviderAPIKey  = "provider_api_key"
	SettingProviderBaseURL = "provider_base_url"
	SettingSandboxSnapshot = "sandbox_snapshot"
)

// AllowedSettingKeys returns the keys the settings surface accepts.
func AllowedSettingKeys() []string {
	return []string{
		SettingAgentAPIKey,
		SettingProviderAPIKey,
		SettingProviderBaseURL,
		SettingSandboxSnapshot,
	}
}

// Setting is a key/value configuration row.
type Setting struct {
	Key       string    `gorm:"primaryKey;type:text" json:"key"`
	Value     string    `gorm:"not null;type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Setting) TableName() string { return "settings" }

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Project{},
		&Chat{},
		&Message{},
		&Setting{},
	}
}
