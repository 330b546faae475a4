// Package provider abstracts the remote sandbox host. A provider creates and
// controls sandboxes, mints signed preview/SSH access, and exposes the dial
// address of the bridge process listening inside each sandbox.
package provider

import (
	"context"
	"time"
)

// State is the raw lifecycle state reported by the sandbox host.
type State string

const (
	StateStarted  State = "started"
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StateArchived State = "archived"
	StateError    State = "error"
)

// MapState maps a raw provider state to the project status set.
func MapState(s State) string {
	switch s {
	case StateStarted:
		return "running"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStopping:
		return "stopped"
	case StateArchived:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "error"
	}
}

// CreateRequest holds the parameters for provisioning a new sandbox.
type CreateRequest struct {
	Snapshot    string
	ProjectName string
	GitRepo     string // optional; cloned into the project directory on boot
	AgentAPIKey string // injected into the sandbox so the agent CLI can authenticate
}

// PreviewURL is a signed URL for a sandbox port.
type PreviewURL struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// SSHAccess holds time-limited SSH credentials for a sandbox.
type SSHAccess struct {
	SSHUser   string    `json:"sshUser"`
	SSHHost   string    `json:"sshHost"`
	SSHPort   int       `json:"sshPort"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider is the driver interface over the remote sandbox host.
// Implementations return opaque sandbox ids; all errors are propagated
// verbatim and reported by callers.
type Provider interface {
	// CreateSandbox provisions a sandbox from the snapshot and returns its id.
	CreateSandbox(ctx context.Context, req CreateRequest) (string, error)

	// ReconnectSandbox starts a stopped sandbox (or re-establishes the host
	// side of a running one) so the bridge in dirName is reachable again.
	ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error

	// StopSandbox stops a running sandbox.
	StopSandbox(ctx context.Context, sandboxID string) error

	// DeleteSandbox removes a sandbox. Returns ErrHasForks when the sandbox
	// still has dependent forks; callers treat that as "stop instead".
	DeleteSandbox(ctx context.Context, sandboxID string) error

	// GetSandboxState queries the host for the sandbox's raw state.
	GetSandboxState(ctx context.Context, sandboxID string) (State, error)

	// ForkSandbox creates a copy-on-write fork of the source sandbox on the
	// given branch and returns the new sandbox id.
	ForkSandbox(ctx context.Context, srcID, branch, projectName string) (string, error)

	// GetPortPreviewURL mints a signed preview URL for a sandbox port.
	GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*PreviewURL, error)

	// GetVscodeURL returns the hosted VS Code URL for the sandbox.
	GetVscodeURL(ctx context.Context, sandboxID string) (string, error)

	// CreateSSHAccess mints time-limited SSH credentials for the sandbox.
	CreateSSHAccess(ctx context.Context, sandboxID string) (*SSHAccess, error)

	// BridgeURL returns the websocket URL of the bridge listening inside the
	// sandbox, reachable from the control plane.
	BridgeURL(ctx context.Context, sandboxID string) (string, error)
}
