package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/webshell/internal/channel"
)

func fakeSpawner(shells *[]*fakeShell) Spawner {
	var mu sync.Mutex
	return func(ctx context.Context) (channel.Channel, error) {
		sh := newFakeShell()
		mu.Lock()
		*shells = append(*shells, sh)
		mu.Unlock()
		return sh, nil
	}
}

func newTestRegistry(t *testing.T, timeout time.Duration) (*Registry, *fakeClock, *[]*fakeShell) {
	t.Helper()
	var shells []*fakeShell
	r := NewRegistry(fakeSpawner(&shells), timeout, fastOpts)
	clock := newFakeClock()
	r.SetNowFunc(clock.Now)
	t.Cleanup(r.Shutdown)
	return r, clock, &shells
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)

	s, err := r.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Fatal("empty session id")
	}
	got, err := r.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := r.Get("never-created"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get unknown err = %v", err)
	}
}

func TestRegistry_CreateSpawnFailure(t *testing.T) {
	boom := errors.New("no shell")
	r := NewRegistry(func(context.Context) (channel.Channel, error) { return nil, boom }, time.Hour, fastOpts)

	_, err := r.Create(context.Background())
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want SpawnError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("SpawnError does not wrap cause: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("registry has %d sessions after failed spawn", r.Len())
	}
}

func TestRegistry_SweepRetainsRecentlyAccessed(t *testing.T) {
	r, clock, shells := newTestRegistry(t, 30*time.Minute)
	s, _ := r.Create(context.Background())
	t0 := clock.Now()

	if evicted := r.Sweep(t0.Add(29*time.Minute), 30*time.Minute); len(evicted) != 0 {
		t.Fatalf("swept %v at t0+29m", evicted)
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("session gone after t0+29m sweep: %v", err)
	}

	evicted := r.Sweep(t0.Add(31*time.Minute), 30*time.Minute)
	if len(evicted) != 1 || evicted[0] != s.ID {
		t.Fatalf("evicted = %v, want [%s]", evicted, s.ID)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after sweep err = %v", err)
	}
	if n := (*shells)[0].closes.Load(); n != 1 {
		t.Errorf("channel closed %d times, want 1", n)
	}

	// A second sweep must not close it again.
	r.Sweep(t0.Add(time.Hour), 30*time.Minute)
	if n := (*shells)[0].closes.Load(); n != 1 {
		t.Errorf("channel closed %d times after second sweep", n)
	}
}

func TestRegistry_ExecuteRefreshesAccess(t *testing.T) {
	r, clock, _ := newTestRegistry(t, 30*time.Minute)
	s, _ := r.Create(context.Background())
	t0 := clock.Now()

	clock.Set(t0.Add(20 * time.Minute))
	if _, err := r.Execute(context.Background(), s.ID, "ls", false, time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if evicted := r.Sweep(t0.Add(45*time.Minute), 30*time.Minute); len(evicted) != 0 {
		t.Errorf("session accessed at t0+20m swept at t0+45m")
	}
}

func TestRegistry_SweepRemovesDead(t *testing.T) {
	r, clock, shells := newTestRegistry(t, time.Hour)
	alive, _ := r.Create(context.Background())
	dead, _ := r.Create(context.Background())
	(*shells)[1].alive.Store(false)

	evicted := r.Sweep(clock.Now(), time.Hour)
	if len(evicted) != 1 || evicted[0] != dead.ID {
		t.Fatalf("evicted = %v, want [%s]", evicted, dead.ID)
	}
	if _, err := r.Get(alive.ID); err != nil {
		t.Errorf("live session evicted: %v", err)
	}
}

func TestRegistry_SweepToleratesCloseFailures(t *testing.T) {
	r, clock, shells := newTestRegistry(t, time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := r.Create(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	(*shells)[0].closePanic = true
	(*shells)[1].closeErr = errors.New("close failed")

	var mu sync.Mutex
	reasons := map[string]EvictReason{}
	r.OnEvict(func(s *Session, reason EvictReason) {
		mu.Lock()
		reasons[s.ID] = reason
		mu.Unlock()
	})

	evicted := r.Sweep(clock.Now().Add(time.Hour), time.Minute)
	if len(evicted) != 3 {
		t.Fatalf("evicted %d sessions, want 3", len(evicted))
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d sessions", r.Len())
	}
	for _, sh := range *shells {
		if sh.closes.Load() != 1 {
			t.Errorf("a channel was closed %d times", sh.closes.Load())
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for id, reason := range reasons {
		if reason != ReasonExpired {
			t.Errorf("session %s reason = %s", id, reason)
		}
	}
}

func TestRegistry_CloseTwice(t *testing.T) {
	r, _, shells := newTestRegistry(t, time.Hour)
	s, _ := r.Create(context.Background())

	if err := r.Close(s.ID); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Close err = %v, want ErrSessionNotFound", err)
	}
	if n := (*shells)[0].closes.Load(); n != 1 {
		t.Errorf("channel closed %d times", n)
	}
}

func TestRegistry_LookupExpired(t *testing.T) {
	r, clock, shells := newTestRegistry(t, time.Minute)
	s, _ := r.Create(context.Background())
	clock.Advance(2 * time.Minute)

	if _, err := r.Lookup(s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Lookup err = %v, want ErrSessionExpired", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session still registered")
	}
	if (*shells)[0].closes.Load() != 1 {
		t.Error("expired session not closed")
	}
}

func TestRegistry_ExecuteErrors(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)

	if _, err := r.Execute(context.Background(), "never-created", "pwd", true, time.Second); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown id err = %v, want ErrSessionNotFound", err)
	}
	if _, err := r.Execute(context.Background(), "never-created", " ", true, time.Second); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("blank command err = %v, want ErrEmptyCommand", err)
	}
}

func TestRegistry_OperationAfterConcurrentRemove(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	s, _ := r.Create(context.Background())

	held, err := r.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := held.ExecuteSync(context.Background(), "pwd", true, time.Second); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("stale handle err = %v, want ErrSessionClosed", err)
	}
}

func TestRegistry_ListSweepsFirst(t *testing.T) {
	r, clock, _ := newTestRegistry(t, 10*time.Minute)
	old, _ := r.Create(context.Background())
	clock.Advance(8 * time.Minute)
	fresh, _ := r.Create(context.Background())
	clock.Advance(5 * time.Minute)

	infos := r.List()
	if len(infos) != 1 || infos[0].SessionID != fresh.ID {
		t.Fatalf("List = %+v, want only %s", infos, fresh.ID)
	}
	if _, err := r.Get(old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("List did not evict the expired session")
	}
}

func TestRegistry_StatusReportsExpiryWithoutEvicting(t *testing.T) {
	r, clock, _ := newTestRegistry(t, time.Minute)
	s, _ := r.Create(context.Background())
	clock.Advance(2 * time.Minute)

	info, err := r.Status(s.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !info.Expired || !info.Alive {
		t.Errorf("Status = %+v, want alive and expired", info)
	}
	if r.Len() != 1 {
		t.Error("Status evicted the session")
	}
}

func TestRegistry_IndependentSessionsDoNotBlock(t *testing.T) {
	r, _, _ := newTestRegistry(t, time.Hour)
	slow, _ := r.Create(context.Background())
	fast, _ := r.Create(context.Background())

	go r.Execute(context.Background(), slow.ID, "sleep", true, 2*time.Second)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if _, err := r.Execute(context.Background(), fast.ID, "echo", true, 100*time.Millisecond); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("independent session blocked for %v", elapsed)
	}
}

func TestRegistry_StartSchedulesSweep(t *testing.T) {
	var shells []*fakeShell
	r := NewRegistry(fakeSpawner(&shells), 50*time.Millisecond, fastOpts)
	t.Cleanup(r.Shutdown)

	if err := r.Start("not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if err := r.Start("@every 1s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Create(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if r.Len() != 0 {
		t.Error("scheduled sweep did not evict the idle session")
	}
}

func TestRegistry_ShutdownClosesAll(t *testing.T) {
	var shells []*fakeShell
	r := NewRegistry(fakeSpawner(&shells), time.Hour, fastOpts)
	for i := 0; i < 2; i++ {
		r.Create(context.Background())
	}
	r.Shutdown()
	if r.Len() != 0 {
		t.Errorf("Len after Shutdown = %d", r.Len())
	}
	for _, sh := range shells {
		if sh.closes.Load() != 1 {
			t.Error("session not closed on shutdown")
		}
	}
}
