package drivers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"voicegate/conversation"
	"voicegate/core"
)

func TestBoltPersisterRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "conversations.db")

	p, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	turns := []core.Turn{
		{ID: 1, Role: core.RoleUser, Content: "Hello!", CreatedAt: created},
		{ID: 2, Role: core.RoleAssistant, Content: "Hi there!", CreatedAt: created.Add(time.Second)},
	}
	if err := p.Save(ctx, "s1", turns); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Survives a reopen.
	p, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close()

	got, err := p.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d turns, want 2", len(got))
	}
	for i := range turns {
		if got[i].ID != turns[i].ID || got[i].Role != turns[i].Role || got[i].Content != turns[i].Content || !got[i].CreatedAt.Equal(turns[i].CreatedAt) {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], turns[i])
		}
	}

	sessions, err := p.Sessions()
	if err != nil || len(sessions) != 1 || sessions[0] != "s1" {
		t.Fatalf("Sessions() = %v, %v; want [s1]", sessions, err)
	}
}

func TestBoltPersisterMissingAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, err := OpenBolt(filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	got, err := p.Load(ctx, "nobody")
	if err != nil || got != nil {
		t.Fatalf("Load(missing) = %v, %v; want nil, nil", got, err)
	}

	if err := p.Save(ctx, "s", []core.Turn{{ID: 1, Role: core.RoleUser, Content: "x"}}); err != nil {
		t.Fatal(err)
	}
	// Saving an empty history removes the key.
	if err := p.Save(ctx, "s", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.Load(ctx, "s"); got != nil {
		t.Fatalf("Load after empty save = %v, want nil", got)
	}

	if err := p.Save(ctx, "s", []core.Turn{{ID: 1, Role: core.RoleUser, Content: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := p.Delete(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.Load(ctx, "s"); got != nil {
		t.Fatalf("Load after Delete = %v, want nil", got)
	}
}

func TestBoltPersisterClosed(t *testing.T) {
	t.Parallel()
	p, err := OpenBolt(filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.Load(context.Background(), "s"); !errors.Is(err, conversation.ErrPersisterClosed) {
		t.Fatalf("Load after Close error = %v, want ErrPersisterClosed", err)
	}
}

func TestStoreFlushesThroughBolt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.db")
	budgeter, err := conversation.NewBudgeter(1000, 0.9, 0.8)
	if err != nil {
		t.Fatal(err)
	}

	open := func() *conversation.Store {
		p, err := OpenBolt(path)
		if err != nil {
			t.Fatal(err)
		}
		store, err := conversation.NewStore(conversation.Options{
			Budgeter:  budgeter,
			Persister: p,
			Logger:    core.NewDiscardLogger(),
		})
		if err != nil {
			t.Fatal(err)
		}
		return store
	}

	store := open()
	if _, err := store.AppendTurn(ctx, "s", core.RoleUser, "remember me"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store = open()
	defer store.Close(ctx)
	id, err := store.AppendTurn(ctx, "s", core.RoleAssistant, "I do")
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 {
		t.Fatalf("id = %d, want 2", id)
	}
	if got := store.Snapshot("s"); len(got) != 2 || got[0].Content != "remember me" {
		t.Fatalf("Snapshot = %+v", got)
	}
}
