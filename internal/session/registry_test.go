package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianworks/worldsync/internal/events"
	"github.com/meridianworks/worldsync/internal/metrics"
	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store/storetest"
)

// wsPair opens a real WebSocket connection through httptest and returns
// both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		upgraded <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	server = <-upgraded
	t.Cleanup(func() { server.Close() })
	return server, client
}

// storeValidator validates against storetest session rows, mirroring what
// auth.Gateway does in production.
type storeValidator struct {
	s *storetest.Store
}

func (v storeValidator) ValidateSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := v.s.GetSession(ctx, id)
	if err != nil {
		return nil, errors.New("session invalid")
	}
	if !sess.Valid(time.Now()) {
		return nil, errors.New("session invalid")
	}
	return sess, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedSession(t *testing.T, s *storetest.Store, sessionID, agentID string) {
	t.Helper()
	now := time.Now()
	if err := s.CreateSession(context.Background(), &model.Session{
		ID:         sessionID,
		AgentID:    agentID,
		Provider:   "platform",
		StartedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(time.Hour),
		Active:     true,
	}); err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T, s *storetest.Store, maxIdle time.Duration) *Registry {
	t.Helper()
	return NewRegistry(storeValidator{s}, s, events.NoopPublisher{},
		metrics.NewCollector(), quietLogger(), time.Hour, maxIdle)
}

func TestRegisterResolvesReadableGroups(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	if err := s.UpsertSyncGroup(ctx, &model.SyncGroup{
		ID: "lobby", TickRate: time.Second, RetentionDepth: 2,
		ReadAccess: model.AccessPublic, WriteAccess: model.AccessNone,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSyncGroup(ctx, &model.SyncGroup{
		ID: "arena-1", TickRate: time.Second, RetentionDepth: 2,
		ReadAccess: model.AccessMembers, WriteAccess: model.AccessMembers,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertGroupMember(ctx, &model.GroupMember{GroupID: "arena-1", AgentID: "agent-7"}); err != nil {
		t.Fatal(err)
	}
	seedSession(t, s, "sess-1", "agent-7")
	seedSession(t, s, "sess-2", "agent-9")

	r := newTestRegistry(t, s, 0)
	sock1, _ := wsPair(t)
	conn1, err := r.Register(ctx, "sess-1", "agent-7", sock1)
	if err != nil {
		t.Fatal(err)
	}
	sock2, _ := wsPair(t)
	conn2, err := r.Register(ctx, "sess-2", "agent-9", sock2)
	if err != nil {
		t.Fatal(err)
	}

	if !conn1.CanRead("lobby") || !conn1.CanRead("arena-1") {
		t.Errorf("member agent should read both groups")
	}
	if !conn2.CanRead("lobby") {
		t.Errorf("public group should be readable without membership")
	}
	if conn2.CanRead("arena-1") {
		t.Errorf("non-member must not read a members-only group")
	}

	if got := len(r.Receivers("arena-1")); got != 1 {
		t.Errorf("expected 1 receiver for arena-1, got %d", got)
	}
	if got := len(r.Receivers("lobby")); got != 2 {
		t.Errorf("expected 2 receivers for lobby, got %d", got)
	}
}

func TestSingleTransportPerSession(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	seedSession(t, s, "sess-1", "agent-7")
	r := newTestRegistry(t, s, 0)

	sockA, clientA := wsPair(t)
	if _, err := r.Register(ctx, "sess-1", "agent-7", sockA); err != nil {
		t.Fatal(err)
	}
	sockB, _ := wsPair(t)
	connB, err := r.Register(ctx, "sess-1", "agent-7", sockB)
	if err != nil {
		t.Fatal(err)
	}

	if r.Len() != 1 {
		t.Errorf("expected 1 live connection after re-register, got %d", r.Len())
	}

	// The superseded transport gets a final error frame before closing.
	clientA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientA.ReadMessage()
	if err != nil {
		t.Fatalf("read on superseded connection: %v", err)
	}
	var frame struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "error" || !strings.Contains(frame.Error, "superseded") {
		t.Errorf("unexpected final frame on old transport: %+v", frame)
	}

	r.mu.RLock()
	current := r.conns["sess-1"]
	r.mu.RUnlock()
	if current != connB {
		t.Errorf("registry should hold the newest transport")
	}
}

func TestSweepClosesInvalidSessions(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	seedSession(t, s, "sess-1", "agent-7")
	r := newTestRegistry(t, s, 0)

	sock, client := wsPair(t)
	if _, err := r.Register(ctx, "sess-1", "agent-7", sock); err != nil {
		t.Fatal(err)
	}

	if err := s.DeactivateSession(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	r.sweep(ctx)

	if r.Len() != 0 {
		t.Errorf("invalid session should be unregistered, registry has %d", r.Len())
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("expected a final error frame, got read error: %v", err)
	}
	var frame struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Error != "session invalid" {
		t.Errorf("expected \"session invalid\", got %q", frame.Error)
	}
}

func TestSweepClosesIdleConnections(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	seedSession(t, s, "sess-1", "agent-7")
	r := newTestRegistry(t, s, 50*time.Millisecond)

	sock, _ := wsPair(t)
	conn, err := r.Register(ctx, "sess-1", "agent-7", sock)
	if err != nil {
		t.Fatal(err)
	}
	conn.MarkActive(time.Now().Add(-time.Minute))

	r.sweep(ctx)
	if r.Len() != 0 {
		t.Errorf("idle connection should be unregistered, registry has %d", r.Len())
	}
}

func TestSweepRefreshesReadableGroups(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	if err := s.UpsertSyncGroup(ctx, &model.SyncGroup{
		ID: "arena-1", TickRate: time.Second, RetentionDepth: 2,
		ReadAccess: model.AccessMembers, WriteAccess: model.AccessMembers,
	}); err != nil {
		t.Fatal(err)
	}
	seedSession(t, s, "sess-1", "agent-7")
	r := newTestRegistry(t, s, 0)

	sock, _ := wsPair(t)
	conn, err := r.Register(ctx, "sess-1", "agent-7", sock)
	if err != nil {
		t.Fatal(err)
	}
	if conn.CanRead("arena-1") {
		t.Fatalf("agent should not read arena-1 before membership")
	}

	if err := s.UpsertGroupMember(ctx, &model.GroupMember{GroupID: "arena-1", AgentID: "agent-7"}); err != nil {
		t.Fatal(err)
	}
	r.sweep(ctx)

	if !conn.CanRead("arena-1") {
		t.Errorf("sweep should pick up new membership")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	s := storetest.New()
	ctx := context.Background()
	seedSession(t, s, "sess-1", "agent-7")
	r := newTestRegistry(t, s, 0)

	sock, _ := wsPair(t)
	conn, err := r.Register(ctx, "sess-1", "agent-7", sock)
	if err != nil {
		t.Fatal(err)
	}
	r.Unregister(ctx, conn, "logout")
	r.Unregister(ctx, conn, "logout")
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}
