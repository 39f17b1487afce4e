package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/sessiond/internal/state"
	"github.com/user/sessiond/internal/types"
)

// fakeSocket records writes and closes.
type fakeSocket struct {
	mu     sync.Mutex
	frames []any
	closed bool
	code   int
	reason string
}

func (s *fakeSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, v)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	s.reason = reason
	return nil
}

func (s *fakeSocket) closedWith() (bool, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.code, s.reason
}

func (s *fakeSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestRegistry(t *testing.T) (*Registry, types.SessionStore, types.ConnStore, types.SessionID) {
	t.Helper()
	dir := t.TempDir()
	sessions := state.NewSessionStore(dir)
	conns := state.NewConnStore(dir)
	sessionID := types.NewSessionID()
	if err := sessions.Create(context.Background(), &types.Session{ID: sessionID, RepoOwner: "a", RepoName: "b"}); err != nil {
		t.Fatal(err)
	}
	return New(sessionID, sessions, conns), sessions, conns, sessionID
}

func TestExecutorReplacement(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	sockA := &fakeSocket{}
	r.AcceptExecutor(sockA, "exec-a")

	sockB := &fakeSocket{}
	b := r.AcceptExecutor(sockB, "exec-b")

	closed, code, reason := sockA.closedWith()
	if !closed {
		t.Fatal("expected prior executor to be closed")
	}
	if code != CloseNormal || reason != ReasonNewExecutor {
		t.Errorf("expected close %d %q, got %d %q", CloseNormal, ReasonNewExecutor, code, reason)
	}
	if got := r.ExecutorConn(context.Background()); got != b {
		t.Error("expected the new executor to be authoritative")
	}
}

func TestExecutorRescanRequiresMatchingTag(t *testing.T) {
	r, sessions, _, sessionID := newTestRegistry(t)
	ctx := context.Background()

	sess, err := sessions.Get(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	sess.ExecutorID = "exec-good"
	if err := sessions.Update(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// Drop the in-memory reference to force the rescan path, as after a
	// process restart.
	c := r.AcceptExecutor(&fakeSocket{}, "exec-stale")
	r.mu.Lock()
	r.executor = nil
	r.mu.Unlock()

	if got := r.ExecutorConn(ctx); got != nil {
		t.Error("expected stale executor tag to be rejected")
	}
	r.Remove(c)

	good := r.AcceptExecutor(&fakeSocket{}, "exec-good")
	r.mu.Lock()
	r.executor = nil
	r.mu.Unlock()

	if got := r.ExecutorConn(ctx); got != good {
		t.Error("expected matching executor tag to be re-adopted")
	}
}

func TestBroadcastAuthenticatedOnly(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	authed := &fakeSocket{}
	anon := &fakeSocket{}
	c1 := r.AcceptClient(authed, types.NewConnectionID())
	r.AcceptClient(anon, types.NewConnectionID())
	if err := r.MarkAuthenticated(ctx, c1, types.NewParticipantID()); err != nil {
		t.Fatal(err)
	}

	r.Broadcast(ctx, map[string]string{"type": "x"}, AuthenticatedOnly)
	if authed.frameCount() != 1 {
		t.Errorf("expected 1 frame on authenticated conn, got %d", authed.frameCount())
	}
	if anon.frameCount() != 0 {
		t.Errorf("expected 0 frames on anonymous conn, got %d", anon.frameCount())
	}

	r.Broadcast(ctx, map[string]string{"type": "y"}, All)
	if anon.frameCount() != 1 {
		t.Errorf("expected All broadcast to reach anonymous conn, got %d", anon.frameCount())
	}
}

func TestBroadcastLiveOnly(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	replaying := &fakeSocket{}
	live := &fakeSocket{}
	c1 := r.AcceptClient(replaying, types.NewConnectionID())
	c2 := r.AcceptClient(live, types.NewConnectionID())
	if err := r.MarkAuthenticated(ctx, c1, types.NewParticipantID()); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkAuthenticated(ctx, c2, types.NewParticipantID()); err != nil {
		t.Fatal(err)
	}
	c2.SetLive()

	r.Broadcast(ctx, map[string]string{"type": "event"}, LiveOnly)
	if replaying.frameCount() != 0 {
		t.Error("connection mid-replay must not receive live events")
	}
	if live.frameCount() != 1 {
		t.Errorf("expected 1 frame on live conn, got %d", live.frameCount())
	}
}

func TestAuthTimerClosesUnauthenticated(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.SetAuthDeadline(50 * time.Millisecond)

	sock := &fakeSocket{}
	c := r.AcceptClient(sock, types.NewConnectionID())
	r.StartAuthTimer(context.Background(), c)

	time.Sleep(200 * time.Millisecond)

	closed, code, _ := sock.closedWith()
	if !closed {
		t.Fatal("expected unauthenticated connection to be closed")
	}
	if code != CloseAuthTimeout {
		t.Errorf("expected close code %d, got %d", CloseAuthTimeout, code)
	}
}

func TestAuthTimerSparesAuthenticated(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.SetAuthDeadline(50 * time.Millisecond)
	ctx := context.Background()

	sock := &fakeSocket{}
	c := r.AcceptClient(sock, types.NewConnectionID())
	r.StartAuthTimer(ctx, c)
	if err := r.MarkAuthenticated(ctx, c, types.NewParticipantID()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)

	if closed, _, _ := sock.closedWith(); closed {
		t.Error("authenticated connection must survive the deadline")
	}
}

func TestAuthTimerHonorsPersistedMapping(t *testing.T) {
	r, _, conns, sessionID := newTestRegistry(t)
	r.SetAuthDeadline(50 * time.Millisecond)
	ctx := context.Background()

	// A persisted mapping (from before a restart) counts as authenticated
	// even though the in-memory identity is gone.
	connID := types.NewConnectionID()
	if err := conns.Put(ctx, &types.ConnMapping{ConnectionID: connID, SessionID: sessionID, ParticipantID: types.NewParticipantID()}); err != nil {
		t.Fatal(err)
	}

	sock := &fakeSocket{}
	c := r.AcceptClient(sock, connID)
	r.StartAuthTimer(ctx, c)

	time.Sleep(200 * time.Millisecond)

	if closed, _, _ := sock.closedWith(); closed {
		t.Error("connection with persisted mapping must survive the deadline")
	}
}

func TestClientCount(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	c1 := r.AcceptClient(&fakeSocket{}, types.NewConnectionID())
	r.AcceptClient(&fakeSocket{}, types.NewConnectionID())
	r.AcceptExecutor(&fakeSocket{}, "exec-1")

	if got := r.ClientCount(); got != 2 {
		t.Errorf("expected 2 clients, got %d", got)
	}
	r.Remove(c1)
	if got := r.ClientCount(); got != 1 {
		t.Errorf("expected 1 client after remove, got %d", got)
	}
}
