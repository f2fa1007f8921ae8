// Package session tracks live agent connections. The registry is the
// in-memory connection table; session rows in the store remain the source
// of truth for validity, which the background sweep re-checks.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianworks/worldsync/internal/events"
	"github.com/meridianworks/worldsync/internal/metrics"
	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

const writeWait = 10 * time.Second

// Validator re-checks that a session is still valid. Implemented by
// auth.Gateway.
type Validator interface {
	ValidateSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// Conn wraps a WebSocket transport together with the session it belongs to
// and the set of groups the agent may read. Writes are serialized per
// connection.
type Conn struct {
	sessionID string
	agentID   string
	sock      *websocket.Conn

	writeMu sync.Mutex

	mu         sync.RWMutex
	groups     map[string]struct{}
	lastActive time.Time
}

// SessionID returns the session this connection belongs to.
func (c *Conn) SessionID() string { return c.sessionID }

// AgentID returns the authenticated agent identity.
func (c *Conn) AgentID() string { return c.agentID }

// CanRead reports whether the agent may receive updates for a group.
func (c *Conn) CanRead(groupID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.groups[groupID]
	return ok
}

// SetGroups replaces the readable-group set. Called at registration and by
// the liveness sweep so permission changes take effect without reconnecting.
func (c *Conn) SetGroups(ids []string) {
	groups := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		groups[id] = struct{}{}
	}
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
}

// MarkActive records inbound traffic for max-idle accounting.
func (c *Conn) MarkActive(t time.Time) {
	c.mu.Lock()
	c.lastActive = t
	c.mu.Unlock()
}

// LastActive returns the time of the most recent inbound frame.
func (c *Conn) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

// WriteJSON marshals v and writes it as a single text frame.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteJSON(v)
}

// WritePrepared writes an already marshaled frame. Used by the dispatcher,
// which marshals each update once for all receivers.
func (c *Conn) WritePrepared(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// close sends a final error frame with the reason, then closes the
// transport. Write failures are ignored since the socket is going away.
func (c *Conn) close(reason string) {
	if reason != "" {
		_ = c.WriteJSON(errorFrame{Type: "error", Error: reason})
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	_ = c.sock.Close()
}

// Registry is the live connection table plus its liveness sweep.
type Registry struct {
	validator Validator
	store     store.Store
	publisher events.Publisher
	collector *metrics.Collector
	logger    *slog.Logger
	interval  time.Duration
	maxIdle   time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. Call StartSweep to launch the liveness
// loop.
func NewRegistry(validator Validator, s store.Store, publisher events.Publisher, collector *metrics.Collector, logger *slog.Logger, interval, maxIdle time.Duration) *Registry {
	return &Registry{
		validator: validator,
		store:     s,
		publisher: publisher,
		collector: collector,
		logger:    logger,
		interval:  interval,
		maxIdle:   maxIdle,
		conns:     make(map[string]*Conn),
	}
}

// Register binds a transport to a session and resolves the agent's readable
// groups. A session has at most one live transport: registering a new one
// closes the previous connection.
func (r *Registry) Register(ctx context.Context, sessionID, agentID string, sock *websocket.Conn) (*Conn, error) {
	readable, err := r.store.ReadableGroups(ctx, agentID)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		sessionID: sessionID,
		agentID:   agentID,
		sock:      sock,
	}
	conn.SetGroups(readable)
	conn.MarkActive(time.Now())

	r.mu.Lock()
	prev := r.conns[sessionID]
	r.conns[sessionID] = conn
	r.mu.Unlock()

	if prev != nil {
		prev.close("superseded by new connection")
	} else {
		r.collector.ConnectionOpened()
	}

	return conn, nil
}

// Unregister removes a connection and closes its transport. Safe to call
// for a session that was already removed or superseded.
func (r *Registry) Unregister(ctx context.Context, conn *Conn, reason string) {
	r.mu.Lock()
	current, ok := r.conns[conn.sessionID]
	if ok && current == conn {
		delete(r.conns, conn.sessionID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	conn.close(reason)
	if !ok {
		return
	}

	r.collector.ConnectionClosed()
	if err := r.publisher.Publish(ctx, events.TopicSessionEnded, events.SessionEnded{
		SessionID: conn.sessionID,
		Reason:    reason,
	}); err != nil {
		r.logger.Warn("publish session ended", "session", conn.sessionID, "error", err)
	}
}

// Receivers returns the connections allowed to read a group.
func (r *Registry) Receivers(groupID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if c.CanRead(groupID) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StartSweep launches the periodic liveness loop.
func (r *Registry) StartSweep(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// sweep revalidates every connection concurrently. Invalid or idle sessions
// get an error frame and are torn down; surviving connections get their
// readable-group set refreshed.
func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	now := time.Now()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			r.check(ctx, c, now)
		}(c)
	}
	wg.Wait()
}

func (r *Registry) check(ctx context.Context, c *Conn, now time.Time) {
	if r.maxIdle > 0 && now.Sub(c.LastActive()) > r.maxIdle {
		r.logger.Info("closing idle connection", "session", c.sessionID, "agent", c.agentID)
		r.Unregister(ctx, c, "session invalid")
		return
	}

	if _, err := r.validator.ValidateSession(ctx, c.sessionID); err != nil {
		r.logger.Info("closing invalid session", "session", c.sessionID, "error", err)
		r.Unregister(ctx, c, "session invalid")
		return
	}

	readable, err := r.store.ReadableGroups(ctx, c.agentID)
	if err != nil {
		// Keep the stale set; next sweep retries.
		r.logger.Warn("refresh readable groups", "agent", c.agentID, "error", err)
		return
	}
	c.SetGroups(readable)
}
