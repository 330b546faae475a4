// Package mock provides an in-memory implementation of provider.Provider for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vedranjukic/apex/internal/provider"
)

// sandboxRecord tracks one mock sandbox.
type sandboxRecord struct {
	ID          string
	State       provider.State
	ProjectName string
	GitRepo     string
	Branch      string
	ForkedFrom  string
}

// Provider is a mock sandbox provider for testing. All methods can be
// overridden per-test through the *Func fields; the default behavior keeps an
// in-memory registry with fork-dependency tracking.
type Provider struct {
	mu        sync.Mutex
	sandboxes map[string]*sandboxRecord

	// BridgeURLs maps sandbox id to a bridge websocket URL; tests point these
	// at an httptest server speaking the bridge protocol.
	BridgeURLs map[string]string

	// Call counters for assertions.
	DeleteCalls []string
	StopCalls   []string

	CreateFunc    func(ctx context.Context, req provider.CreateRequest) (string, error)
	ReconnectFunc func(ctx context.Context, sandboxID, dirName string) error
	StopFunc      func(ctx context.Context, sandboxID string) error
	DeleteFunc    func(ctx context.Context, sandboxID string) error
	GetStateFunc  func(ctx context.Context, sandboxID string) (provider.State, error)
	ForkFunc      func(ctx context.Context, srcID, branch, projectName string) (string, error)
	BridgeURLFunc func(ctx context.Context, sandboxID string) (string, error)
}

// New creates a mock provider with default behavior.
func New() *Provider {
	return &Provider{
		sandboxes:  make(map[string]*sandboxRecord),
		BridgeURLs: make(map[string]string),
	}
}

// AddSandbox seeds a sandbox in the given state (for test setup).
func (p *Provider) AddSandbox(id string, state provider.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sandboxes[id] = &sandboxRecord{ID: id, State: state}
}

func (p *Provider) CreateSandbox(ctx context.Context, req provider.CreateRequest) (string, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := "mock-" + uuid.New().String()[:8]
	p.sandboxes[id] = &sandboxRecord{
		ID:          id,
		State:       provider.StateStarted,
		ProjectName: req.ProjectName,
		GitRepo:     req.GitRepo,
	}
	return id, nil
}

func (p *Provider) ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error {
	if p.ReconnectFunc != nil {
		return p.ReconnectFunc(ctx, sandboxID, dirName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return provider.ErrNotFound
	}
	sb.State = provider.StateStarted
	return nil
}

func (p *Provider) StopSandbox(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	p.StopCalls = append(p.StopCalls, sandboxID)
	p.mu.Unlock()

	if p.StopFunc != nil {
		return p.StopFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return provider.ErrNotFound
	}
	sb.State = provider.StateStopped
	return nil
}

func (p *Provider) DeleteSandbox(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	p.DeleteCalls = append(p.DeleteCalls, sandboxID)
	p.mu.Unlock()

	if p.DeleteFunc != nil {
		return p.DeleteFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[sandboxID]; !ok {
		return provider.ErrNotFound
	}
	// A sandbox with live forks cannot be deleted.
	for _, sb := range p.sandboxes {
		if sb.ForkedFrom == sandboxID {
			return provider.ErrHasForks
		}
	}
	delete(p.sandboxes, sandboxID)
	return nil
}

func (p *Provider) GetSandboxState(ctx context.Context, sandboxID string) (provider.State, error) {
	if p.GetStateFunc != nil {
		return p.GetStateFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return "", provider.ErrNotFound
	}
	return sb.State, nil
}

func (p *Provider) ForkSandbox(ctx context.Context, srcID, branch, projectName string) (string, error) {
	if p.ForkFunc != nil {
		return p.ForkFunc(ctx, srcID, branch, projectName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[srcID]; !ok {
		return "", provider.ErrNotFound
	}
	id := "mock-fork-" + uuid.New().String()[:8]
	p.sandboxes[id] = &sandboxRecord{
		ID:          id,
		State:       provider.StateStarted,
		ProjectName: projectName,
		Branch:      branch,
		ForkedFrom:  srcID,
	}
	return id, nil
}

func (p *Provider) GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*provider.PreviewURL, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[sandboxID]; !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.PreviewURL{
		URL:   fmt.Sprintf("https://%d-%s.preview.mock.dev", port, sandboxID),
		Token: "mock-token",
	}, nil
}

func (p *Provider) GetVscodeURL(ctx context.Context, sandboxID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[sandboxID]; !ok {
		return "", provider.ErrNotFound
	}
	return "https://vscode-" + sandboxID + ".mock.dev", nil
}

func (p *Provider) CreateSSHAccess(ctx context.Context, sandboxID string) (*provider.SSHAccess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[sandboxID]; !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.SSHAccess{
		SSHUser:   "dev",
		SSHHost:   sandboxID + ".ssh.mock.dev",
		SSHPort:   22,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (p *Provider) BridgeURL(ctx context.Context, sandboxID string) (string, error) {
	if p.BridgeURLFunc != nil {
		return p.BridgeURLFunc(ctx, sandboxID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if url, ok := p.BridgeURLs[sandboxID]; ok {
		return url, nil
	}
	if _, ok := p.sandboxes[sandboxID]; !ok {
		return "", provider.ErrNotFound
	}
	return "ws://" + sandboxID + ".bridge.mock.dev/bridge", nil
}
