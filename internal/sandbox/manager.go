// Package sandbox maintains the control plane's live connections to sandbox
// bridges. The Manager owns one bridge transport per sandbox, fans incoming
// events out to subscribers in arrival order, and forwards commands.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vedranjukic/apex/internal/bridge"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/provider"
)

// bridgeDialBudget bounds background pre-warm dials.
const bridgeDialBudget = 30 * time.Second

// subscriber is one registered event handler on a sandbox topic.
type subscriber struct {
	id int
	fn func(*bridge.Envelope)
}

// conn is the manager's state for one connected sandbox.
type conn struct {
	transport   *bridge.Transport
	projectName string

	mu          sync.Mutex
	projectDir  string
	subscribers []subscriber
	nextSubID   int
}

// Manager tracks bridge connections keyed by sandbox id.
type Manager struct {
	provider provider.Provider
	log      *logger.Logger

	mu    sync.Mutex
	conns map[string]*conn
	names map[string]string // sandboxID -> project name, survives disconnects
}

// NewManager creates a manager over the given provider.
func NewManager(p provider.Provider, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		provider: p,
		log:      log,
		conns:    make(map[string]*conn),
		names:    make(map[string]string),
	}
}

// Provider exposes the underlying sandbox provider.
func (m *Manager) Provider() provider.Provider {
	return m.provider
}

// RegisterProjectName records the project name a sandbox belongs to. The name
// seeds the project directory slug when the bridge cannot be asked.
func (m *Manager) RegisterProjectName(sandboxID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[sandboxID] = name
	if c, ok := m.conns[sandboxID]; ok {
		c.projectName = name
	}
}

// Connect returns the live transport for a sandbox, dialing the bridge if
// needed and waiting until it announces readiness.
func (m *Manager) Connect(ctx context.Context, sandboxID string) (*bridge.Transport, error) {
	c, err := m.ensure(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if err := c.transport.WaitReady(ctx); err != nil {
		return nil, err
	}
	return c.transport, nil
}

// Prewarm dials the bridge without waiting for readiness. Used when a client
// subscribes to an already-running project so the first prompt does not pay
// the dial cost.
func (m *Manager) Prewarm(sandboxID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bridgeDialBudget)
		defer cancel()
		if _, err := m.ensure(ctx, sandboxID); err != nil {
			m.log.Debug("bridge pre-warm failed", "sandbox_id", sandboxID, "error", err)
		}
	}()
}

// Connected reports whether a live transport exists for the sandbox.
func (m *Manager) Connected(sandboxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[sandboxID]
	return ok
}

// ensure returns the existing connection or dials a new one.
func (m *Manager) ensure(ctx context.Context, sandboxID string) (*conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[sandboxID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	name := m.names[sandboxID]
	m.mu.Unlock()

	url, err := m.provider.BridgeURL(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bridge address: %w", err)
	}

	c := &conn{projectName: name}
	transport, err := bridge.Dial(ctx, bridge.Options{
		URL:    url,
		Logger: m.log.With("sandbox_id", sandboxID),
		OnEvent: func(env *bridge.Envelope) {
			c.dispatch(env)
		},
		OnDown: func(err error) {
			m.handleDown(sandboxID, c, err)
		},
	})
	if err != nil {
		return nil, err
	}
	c.transport = transport

	m.mu.Lock()
	// A concurrent caller may have connected first; keep theirs.
	if existing, ok := m.conns[sandboxID]; ok {
		m.mu.Unlock()
		transport.Close()
		return existing, nil
	}
	m.conns[sandboxID] = c
	m.mu.Unlock()

	m.log.Info("bridge connected", "sandbox_id", sandboxID)
	return c, nil
}

// handleDown drops a dead connection and tells its subscribers.
func (m *Manager) handleDown(sandboxID string, c *conn, err error) {
	m.mu.Lock()
	if m.conns[sandboxID] == c {
		delete(m.conns, sandboxID)
	}
	m.mu.Unlock()

	m.log.Warn("bridge connection lost", "sandbox_id", sandboxID, "error", err)
	down, _ := bridge.DecodeEnvelope([]byte(`{"type":"` + bridge.TypeBridgeDown + `"}`))
	c.dispatch(down)
}

// dispatch delivers an event to every subscriber, in registration order.
// It runs on the transport read loop, which preserves arrival order per
// sandbox.
func (c *conn) dispatch(env *bridge.Envelope) {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
}

// Subscribe registers a handler for every event from the sandbox. The
// returned cancel removes it; every Subscribe must be paired with its cancel.
// Subscribing connects the bridge if it is not already connected.
func (m *Manager) Subscribe(ctx context.Context, sandboxID string, fn func(*bridge.Envelope)) (func(), error) {
	c, err := m.ensure(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}, nil
}

// SendPrompt forwards a prompt to the agent in the sandbox. Fire and forget;
// progress arrives as events.
func (m *Manager) SendPrompt(ctx context.Context, sandboxID string, p bridge.SendPrompt) error {
	t, err := m.Connect(ctx, sandboxID)
	if err != nil {
		return err
	}
	p.Type = bridge.TypeSendPrompt
	return t.Send(p)
}

// SendUserAnswer forwards the user's answer to a question the agent asked.
func (m *Manager) SendUserAnswer(ctx context.Context, sandboxID string, a bridge.SendUserAnswer) error {
	t, err := m.Connect(ctx, sandboxID)
	if err != nil {
		return err
	}
	a.Type = bridge.TypeSendUserAnswer
	return t.Send(a)
}

// Call forwards a correlated command and returns the bridge's reply.
func (m *Manager) Call(ctx context.Context, sandboxID string, cmd bridge.Command) (*bridge.Envelope, error) {
	t, err := m.Connect(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, cmd)
}

// ProjectDir returns the project directory inside the sandbox. The bridge is
// asked once and the answer cached; when it cannot answer, the directory is
// derived from the registered project name.
func (m *Manager) ProjectDir(ctx context.Context, sandboxID string) (string, error) {
	m.mu.Lock()
	c := m.conns[sandboxID]
	name := m.names[sandboxID]
	m.mu.Unlock()

	if c != nil {
		c.mu.Lock()
		dir := c.projectDir
		c.mu.Unlock()
		if dir != "" {
			return dir, nil
		}
	}

	reply, err := m.Call(ctx, sandboxID, bridge.Command{Type: bridge.TypeGetProjectDir})
	if err == nil {
		var out struct {
			Dir string `json:"dir"`
		}
		if decodeErr := reply.Decode(&out); decodeErr == nil && out.Dir != "" {
			if c == nil {
				m.mu.Lock()
				c = m.conns[sandboxID]
				m.mu.Unlock()
			}
			if c != nil {
				c.mu.Lock()
				c.projectDir = out.Dir
				c.mu.Unlock()
			}
			return out.Dir, nil
		}
	}

	if name == "" {
		return "", fmt.Errorf("project directory unknown for sandbox %s", sandboxID)
	}
	return "$HOME/" + Slug(name), nil
}

// Disconnect closes the bridge connection for one sandbox, if any.
func (m *Manager) Disconnect(sandboxID string) {
	m.mu.Lock()
	c, ok := m.conns[sandboxID]
	if ok {
		delete(m.conns, sandboxID)
	}
	m.mu.Unlock()

	if ok {
		c.transport.Close()
	}
}

// Close tears down every bridge connection. Transports close in parallel so
// one unresponsive bridge does not hold up shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	var g errgroup.Group
	for id, c := range conns {
		g.Go(func() error {
			c.transport.Close()
			m.log.Debug("bridge disconnected", "sandbox_id", id)
			return nil
		})
	}
	_ = g.Wait()
}
