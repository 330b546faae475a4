package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vedranjukic/apex/internal/logger"
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	readyTimeout = 30 * time.Second

	// Transient drops are redialed a few times before the transport gives up
	// and reports the connection as down.
	maxRedials    = 3
	redialBackoff = time.Second
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("bridge connection closed")

// Options configures a Transport.
type Options struct {
	// URL is the websocket address of the bridge inside the sandbox.
	URL string

	Logger *logger.Logger

	// OnEvent receives every unsolicited frame, in arrival order. It is
	// called from the read loop, so handlers must not block.
	OnEvent func(*Envelope)

	// OnDown is called once when the connection is lost and redialing has
	// been exhausted, or the bridge closed the connection permanently. Not
	// called after an explicit Close.
	OnDown func(err error)
}

// Transport is one live connection to a sandbox bridge. It serializes
// writes, correlates command replies by frame id, and redials transient
// drops transparently.
type Transport struct {
	opts Options
	log  *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan *Envelope
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to the bridge and starts the read loop. The returned
// transport is usable immediately; WaitReady blocks until the bridge has
// announced itself.
func Dial(ctx context.Context, opts Options) (*Transport, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	t := &Transport{
		opts:    opts,
		log:     opts.Logger.With("bridge_url", opts.URL),
		pending: make(map[string]chan *Envelope),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn

	go t.readLoop(conn)
	go t.pingLoop()
	return t, nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

// WaitReady blocks until the bridge has sent bridge_ready.
func (t *Transport) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return ErrClosed
	case <-timer.C:
		return errors.New("timed out waiting for bridge to become ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether bridge_ready has been received.
func (t *Transport) Ready() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// Send writes a fire-and-forget frame, already shaped as a JSON-marshalable
// value carrying its own "type" field.
func (t *Transport) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.write(data)
}

// Call sends a correlated command and waits for the bridge's single reply.
func (t *Transport) Call(ctx context.Context, cmd Command) (*Envelope, error) {
	id := uuid.New().String()

	frame := make(map[string]interface{}, len(cmd.Args)+2)
	for k, v := range cmd.Args {
		frame[k] = v
	}
	frame["type"] = cmd.Type
	frame["id"] = id

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *Envelope, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = replyCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(data); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply == nil {
			// Channel closed by failPending on a connection drop.
			return nil, ErrClosed
		}
		return reply, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn := t.conn
	if conn == nil {
		return ErrClosed
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames until the connection drops, then tries to redial.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.isClosed() {
				return
			}
			t.log.Warn("bridge connection dropped", "error", err)
			t.failPending()
			next, redialErr := t.redial()
			if redialErr != nil {
				t.goDown(redialErr)
				return
			}
			conn = next
			continue
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			t.log.Warn("discarding malformed bridge frame", "error", err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env *Envelope) {
	if env.Type == TypeBridgeReady {
		t.readyOnce.Do(func() { close(t.ready) })
		return
	}

	if env.ID != "" {
		// Claim the entry before sending so failPending can never close a
		// channel with a send in flight. The channel is buffered for the
		// single reply, so the send cannot block.
		t.mu.Lock()
		replyCh, ok := t.pending[env.ID]
		if ok {
			delete(t.pending, env.ID)
		}
		t.mu.Unlock()
		if ok {
			replyCh <- env
		}
		// Otherwise a late reply for an abandoned call; drop it.
		return
	}

	if t.opts.OnEvent != nil {
		t.opts.OnEvent(env)
	}
}

// redial attempts to re-establish a dropped connection with backoff.
func (t *Transport) redial() (*websocket.Conn, error) {
	backoff := redialBackoff
	for attempt := 1; attempt <= maxRedials; attempt++ {
		if t.isClosed() {
			return nil, ErrClosed
		}
		time.Sleep(backoff)
		backoff *= 2

		conn, err := t.dial(context.Background())
		if err != nil {
			t.log.Warn("bridge redial failed", "attempt", attempt, "error", err)
			continue
		}
		t.log.Info("bridge reconnected", "attempt", attempt)
		t.writeMu.Lock()
		t.conn = conn
		t.writeMu.Unlock()
		return conn, nil
	}
	return nil, errors.New("bridge unreachable after redial attempts")
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			conn := t.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			t.writeMu.Unlock()
		case <-t.done:
			return
		}
	}
}

// failPending unblocks in-flight calls when the connection drops. Their
// replies are lost; callers see ErrClosed or retry at a higher level.
func (t *Transport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// goDown marks the transport dead and notifies the owner once.
func (t *Transport) goDown(err error) {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	t.doneOnce.Do(func() { close(t.done) })
	if !alreadyClosed && t.opts.OnDown != nil {
		t.opts.OnDown(err)
	}
}

// Close tears the connection down. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.doneOnce.Do(func() { close(t.done) })
	t.failPending()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn != nil {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
