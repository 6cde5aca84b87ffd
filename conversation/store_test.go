package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"voicegate/core"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type memPersister struct {
	mu      sync.Mutex
	data    map[string][]core.Turn
	saves   int
	deletes []string
	loadErr error
	closed  bool
}

func newMemPersister() *memPersister {
	return &memPersister{data: make(map[string][]core.Turn)}
}

func (p *memPersister) Load(_ context.Context, session string) ([]core.Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	return p.data[session], nil
}

func (p *memPersister) Save(_ context.Context, session string, turns []core.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.data[session] = turns
	return nil
}

func (p *memPersister) Delete(_ context.Context, session string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, session)
	delete(p.data, session)
	return nil
}

func (p *memPersister) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func newTestStore(t *testing.T, clock core.Clock, mutate func(*Options)) *Store {
	t.Helper()
	budgeter, err := NewBudgeter(DefaultMaxContext, DefaultTriggerFraction, DefaultTargetFraction)
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		TTL:      10 * time.Second,
		Budgeter: budgeter,
		Clock:    clock,
		Logger:   core.NewDiscardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	store, err := NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func mustAppend(t *testing.T, s *Store, session string, role core.Role, content string) core.TurnID {
	t.Helper()
	id, err := s.AppendTurn(context.Background(), session, role, content)
	if err != nil {
		t.Fatalf("AppendTurn(%q, %q): %v", session, content, err)
	}
	return id
}

func TestAppendPreservesOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, core.NewFakeClock(epoch), nil)

	var want []core.Message
	for i := 0; i < 50; i++ {
		role := core.RoleUser
		if i%3 == 1 {
			role = core.RoleAssistant
		}
		content := fmt.Sprintf("turn %d %s", i, strings.Repeat("·", i%7))
		mustAppend(t, store, "s", role, content)
		want = append(want, core.Message{Role: role, Content: content})
	}

	got := store.Snapshot("s")
	if len(got) != len(want) {
		t.Fatalf("len(Snapshot) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	// Repeated reads are stable.
	again := store.Snapshot("s")
	if len(again) != len(got) {
		t.Fatalf("second Snapshot has %d turns, want %d", len(again), len(got))
	}
}

func TestAppendReturnsIncreasingIDs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, core.NewFakeClock(epoch), nil)

	var last core.TurnID
	for i := 0; i < 10; i++ {
		id := mustAppend(t, store, "s", core.RoleUser, "hi")
		if id <= last {
			t.Fatalf("id %d not above previous %d", id, last)
		}
		last = id
	}
}

func TestAppendValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, core.NewFakeClock(epoch), func(o *Options) { o.MaxTurnChars = 10 })

	tests := []struct {
		name    string
		role    core.Role
		content string
	}{
		{"empty", core.RoleUser, ""},
		{"whitespace", core.RoleUser, " \n\t "},
		{"over length", core.RoleUser, strings.Repeat("x", 11)},
		{"system role", core.RoleSystem, "hello"},
		{"unknown role", core.Role("tool"), "hello"},
	}
	for _, tt := range tests {
		_, err := store.AppendTurn(context.Background(), "s", tt.role, tt.content)
		if !core.IsValidation(err) {
			t.Errorf("%s: error = %v, want ValidationError", tt.name, err)
		}
	}
	if n := store.Len(); n != 0 {
		t.Fatalf("Len() = %d after rejected appends, want 0", n)
	}

	// Exactly at the ceiling is accepted, counted in characters not bytes.
	mustAppend(t, store, "s", core.RoleUser, strings.Repeat("é", 10))
}

func TestSnapshotDoesNotCreateConversation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, core.NewFakeClock(epoch), nil)

	if got := store.Snapshot("ghost"); len(got) != 0 {
		t.Fatalf("Snapshot(ghost) = %v, want empty", got)
	}
	if stats := store.Stats("ghost"); stats.Turns != 0 || stats.Tokens != 0 {
		t.Fatalf("Stats(ghost) = %+v, want zero", stats)
	}
	if n := store.Len(); n != 0 {
		t.Fatalf("Len() = %d, want 0", n)
	}
}

func TestTurnVisibleUntilTTL(t *testing.T) {
	t.Parallel()
	clock := core.NewFakeClock(epoch)
	store := newTestStore(t, clock, nil)

	mustAppend(t, store, "s", core.RoleUser, "hello")

	clock.Advance(10*time.Second - time.Nanosecond)
	if got := len(store.Snapshot("s")); got != 1 {
		t.Fatalf("just before TTL: %d turns, want 1", got)
	}

	clock.Advance(time.Nanosecond)
	if got := len(store.Snapshot("s")); got != 0 {
		t.Fatalf("at TTL: %d turns, want 0", got)
	}
}

func TestEvictionIsRateLimitedUnlessForced(t *testing.T) {
	t.Parallel()
	clock := core.NewFakeClock(epoch)
	store := newTestStore(t, clock, func(o *Options) { o.EvictionInterval = time.Minute })

	mustAppend(t, store, "s", core.RoleUser, "old")
	clock.Advance(20 * time.Second)
	// Within the interval: the append does not scan, so "old" is still stored.
	mustAppend(t, store, "s", core.RoleAssistant, "new")

	if n := store.EvictExpired("s", false); n != 0 {
		t.Fatalf("rate-limited EvictExpired removed %d, want 0", n)
	}
	// Expired turns are hidden from readers even before they are removed.
	if got := store.Snapshot("s"); len(got) != 1 || got[0].Content != "new" {
		t.Fatalf("Snapshot = %+v, want only the new turn", got)
	}

	if n := store.EvictExpired("s", true); n != 1 {
		t.Fatalf("forced EvictExpired removed %d, want 1", n)
	}
	if n := store.EvictExpired("s", true); n != 0 {
		t.Fatalf("second forced EvictExpired removed %d, want 0", n)
	}
}

func TestAppendEvictsAfterInterval(t *testing.T) {
	t.Parallel()
	clock := core.NewFakeClock(epoch)
	store := newTestStore(t, clock, func(o *Options) { o.EvictionInterval = time.Minute })

	mustAppend(t, store, "s", core.RoleUser, "old")
	clock.Advance(2 * time.Minute)
	mustAppend(t, store, "s", core.RoleUser, "new")

	// The append scanned and removed "old", so a forced pass finds nothing.
	if n := store.EvictExpired("s", true); n != 0 {
		t.Fatalf("forced EvictExpired removed %d, want 0", n)
	}
	if got := store.Turns("s"); len(got) != 1 || got[0].Content != "new" {
		t.Fatalf("Turns = %+v, want only the new turn", got)
	}
}

func TestEnforceTrimsOldestTurns(t *testing.T) {
	t.Parallel()
	budgeter, err := NewBudgeter(100, 0.9, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	store := newTestStore(t, core.NewFakeClock(epoch), func(o *Options) { o.Budgeter = budgeter })

	// Five turns of 20 estimated tokens each.
	for i := 0; i < 5; i++ {
		mustAppend(t, store, "s", core.RoleUser, fmt.Sprintf("%d%s", i, strings.Repeat("x", 79)))
	}
	if stats := store.Stats("s"); stats.Tokens != 100 || stats.Usage != 1.0 {
		t.Fatalf("Stats before = %+v, want 100 tokens at usage 1.0", stats)
	}

	result := store.Enforce("s")
	if result.Before != 100 || result.Removed != 3 || result.After > 50 {
		t.Fatalf("Enforce = %+v, want Before 100, Removed 3, After <= 50", result)
	}

	got := store.Snapshot("s")
	if len(got) != 2 || !strings.HasPrefix(got[0].Content, "3") || !strings.HasPrefix(got[1].Content, "4") {
		t.Fatalf("remaining turns = %+v, want turns 3 and 4", got)
	}
	if stats := store.Stats("s"); stats.Tokens > 50 {
		t.Fatalf("Stats after = %+v, want <= 50 tokens", stats)
	}
}

func TestEnforceBelowTriggerIsNoop(t *testing.T) {
	t.Parallel()
	budgeter, err := NewBudgeter(100, 0.9, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	store := newTestStore(t, core.NewFakeClock(epoch), func(o *Options) { o.Budgeter = budgeter })

	mustAppend(t, store, "s", core.RoleUser, strings.Repeat("x", 300))
	result := store.Enforce("s")
	if result.Removed != 0 || result.Before != 75 || result.After != 75 {
		t.Fatalf("Enforce = %+v, want untouched 75 tokens", result)
	}
	if got := len(store.Snapshot("s")); got != 1 {
		t.Fatalf("%d turns left, want 1", got)
	}
}

func TestConcurrentAppendsKeepEveryTurn(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, core.NewFakeClock(epoch), nil)

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := "shared"
			if w%2 == 1 {
				session = fmt.Sprintf("own-%d", w)
			}
			for i := 0; i < perWorker; i++ {
				if _, err := store.AppendTurn(context.Background(), session, core.RoleUser, fmt.Sprintf("%d/%d", w, i)); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	shared := store.Turns("shared")
	if len(shared) != workers/2*perWorker {
		t.Fatalf("shared session has %d turns, want %d", len(shared), workers/2*perWorker)
	}
	for i := 1; i < len(shared); i++ {
		if shared[i].ID <= shared[i-1].ID {
			t.Fatalf("turn %d has ID %d after %d", i, shared[i].ID, shared[i-1].ID)
		}
	}

	// Per-worker order survives interleaving.
	next := make(map[string]int)
	for _, turn := range shared {
		var w, i int
		if _, err := fmt.Sscanf(turn.Content, "%d/%d", &w, &i); err != nil {
			t.Fatal(err)
		}
		key := fmt.Sprint(w)
		if i != next[key] {
			t.Fatalf("worker %d: got turn %d, want %d", w, i, next[key])
		}
		next[key]++
	}

	if n := store.Len(); n != 1+workers/2 {
		t.Fatalf("Len() = %d, want %d", n, 1+workers/2)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	t.Parallel()
	clock := core.NewFakeClock(epoch)
	store := newTestStore(t, clock, nil)

	mustAppend(t, store, "a", core.RoleUser, "from a")
	clock.Advance(time.Second)
	mustAppend(t, store, "b", core.RoleUser, "from b")
	mustAppend(t, store, "b", core.RoleAssistant, "to b")

	if got := store.Snapshot("a"); len(got) != 1 || got[0].Content != "from a" {
		t.Fatalf("Snapshot(a) = %+v", got)
	}

	sessions := store.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("Sessions() = %+v, want 2 entries", sessions)
	}
	if sessions[0].Session != "b" || sessions[0].Turns != 2 {
		t.Errorf("Sessions()[0] = %+v, want b with 2 turns", sessions[0])
	}
	if sessions[1].Session != "a" || sessions[1].Turns != 1 {
		t.Errorf("Sessions()[1] = %+v, want a with 1 turn", sessions[1])
	}
}

func TestReapDropsIdleEmptySessions(t *testing.T) {
	t.Parallel()
	clock := core.NewFakeClock(epoch)
	persister := newMemPersister()
	store := newTestStore(t, clock, func(o *Options) { o.Persister = persister })

	mustAppend(t, store, "idle", core.RoleUser, "bye")
	clock.Advance(5 * time.Second)
	mustAppend(t, store, "busy", core.RoleUser, "still here")
	clock.Advance(5 * time.Second)

	if dropped := store.Reap(context.Background()); dropped != 1 {
		t.Fatalf("Reap dropped %d, want 1", dropped)
	}
	if n := store.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
	if len(persister.deletes) != 1 || persister.deletes[0] != "idle" {
		t.Fatalf("persister deletes = %v, want [idle]", persister.deletes)
	}
	if got := store.Snapshot("busy"); len(got) != 1 {
		t.Fatalf("busy session lost turns: %+v", got)
	}
}

func TestClearDropsSessionAndStoredHistory(t *testing.T) {
	t.Parallel()
	persister := newMemPersister()
	store := newTestStore(t, core.NewFakeClock(epoch), func(o *Options) { o.Persister = persister })
	ctx := context.Background()

	mustAppend(t, store, "s", core.RoleUser, "forget me")
	mustAppend(t, store, "other", core.RoleUser, "keep me")
	if err := store.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	held, err := store.Clear(ctx, "s")
	if err != nil || !held {
		t.Fatalf("Clear = %v, %v; want true, nil", held, err)
	}
	if got := store.Snapshot("s"); len(got) != 0 {
		t.Fatalf("Snapshot after Clear = %+v", got)
	}
	if _, stored := persister.data["s"]; stored {
		t.Fatal("persisted history survived Clear")
	}
	if got := store.Snapshot("other"); len(got) != 1 {
		t.Fatalf("unrelated session changed: %+v", got)
	}

	held, err = store.Clear(ctx, "never-seen")
	if err != nil || held {
		t.Fatalf("Clear(missing) = %v, %v; want false, nil", held, err)
	}

	// A new turn starts a fresh conversation.
	if id := mustAppend(t, store, "s", core.RoleUser, "hello again"); id != 1 {
		t.Fatalf("id after Clear = %d, want 1", id)
	}
}

func TestFlushWritesOnlyDirtyConversations(t *testing.T) {
	t.Parallel()
	persister := newMemPersister()
	store := newTestStore(t, core.NewFakeClock(epoch), func(o *Options) { o.Persister = persister })
	ctx := context.Background()

	mustAppend(t, store, "s", core.RoleUser, "one")
	if err := store.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if persister.saves != 1 {
		t.Fatalf("saves = %d, want 1", persister.saves)
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if persister.saves != 1 {
		t.Fatalf("clean flush saved again: saves = %d", persister.saves)
	}

	mustAppend(t, store, "s", core.RoleAssistant, "two")
	if err := store.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if persister.saves != 2 || len(persister.data["s"]) != 2 {
		t.Fatalf("after Close: saves = %d, stored = %d turns, want 2 and 2", persister.saves, len(persister.data["s"]))
	}
	if !persister.closed {
		t.Fatal("persister not closed")
	}
}

func TestRestoreContinuesTurnIDs(t *testing.T) {
	t.Parallel()
	clock := core.NewFakeClock(epoch)
	persister := newMemPersister()
	persister.data["s"] = []core.Turn{
		{ID: 7, Role: core.RoleUser, Content: "earlier", CreatedAt: epoch},
		{ID: 8, Role: core.RoleAssistant, Content: "reply", CreatedAt: epoch},
	}
	store := newTestStore(t, clock, func(o *Options) { o.Persister = persister })

	id := mustAppend(t, store, "s", core.RoleUser, "again")
	if id != 9 {
		t.Fatalf("id = %d, want 9", id)
	}
	if got := store.Snapshot("s"); len(got) != 3 || got[0].Content != "earlier" {
		t.Fatalf("Snapshot = %+v, want restored history first", got)
	}
}

func TestLoadFailureRejectsAppend(t *testing.T) {
	t.Parallel()
	persister := newMemPersister()
	persister.loadErr = errors.New("disk on fire")
	store := newTestStore(t, core.NewFakeClock(epoch), func(o *Options) { o.Persister = persister })

	_, err := store.AppendTurn(context.Background(), "s", core.RoleUser, "hi")
	if err == nil || !errors.Is(err, persister.loadErr) {
		t.Fatalf("AppendTurn error = %v, want wrapped load error", err)
	}
	if store.Len() != 0 {
		t.Fatal("conversation created despite load failure")
	}
}

func TestNewStoreRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	budgeter, _ := NewBudgeter(100, 0.9, 0.5)
	_, err := NewStore(Options{Budgeter: budgeter, ReapSchedule: "every so often"})
	var cfgErr *core.StartupConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewStore error = %v, want StartupConfigError", err)
	}
}
