package locks

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"tablestage/internal/kv"
	"tablestage/internal/sheet"
)

func sampleData() sheet.Map {
	return sheet.ParseRaw(map[string]any{
		"s": map[string]any{
			"name": "S",
			"content": []any{
				[]any{"#", "a", "b"},
				[]any{"1", "x", "y"},
				[]any{"2", "p", "q"},
			},
		},
	})
}

func TestApplyRestoresCellLock(t *testing.T) {
	ctx := context.Background()
	m := New(Options{Store: kv.NewMemoryStore()})
	if err := m.LockCell(ctx, "chat", CellRef("s", 0, 1), "x"); err != nil {
		t.Fatalf("LockCell: %v", err)
	}

	incoming := sampleData()
	incoming["s"].SetCell(0, 1, "overwritten")
	incoming["s"].SetCell(0, 2, "also")

	out, applied := m.Apply(ctx, "chat", incoming)
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied ref, got %v", applied)
	}
	if got := out["s"].Cell(0, 1); got != "x" {
		t.Fatalf("locked cell not restored: %q", got)
	}
	if got := out["s"].Cell(0, 2); got != "also" {
		t.Fatalf("unlocked cell should keep incoming value, got %q", got)
	}
	if got := incoming["s"].Cell(0, 1); got != "overwritten" {
		t.Fatal("Apply must not mutate its input")
	}
}

func TestRowLockProtectsEveryCell(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})
	data := sampleData()
	if err := m.Lock(ctx, "chat", RowRef("s", 1), data); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !m.Covers(ctx, "chat", "s", 1, 2) || !m.Covers(ctx, "chat", "s", 1, WholeRow) {
		t.Fatal("row lock should cover its cells and the row")
	}

	incoming := sampleData()
	for col := range incoming["s"].Rows[1] {
		incoming["s"].SetCell(1, col, "new")
	}
	out, _ := m.Apply(ctx, "chat", incoming)
	for col, want := range []string{"2", "p", "q"} {
		if got := out["s"].Cell(1, col); got != want {
			t.Fatalf("col %d: got %q want %q", col, got, want)
		}
	}
}

func TestLocksAreScoped(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})
	_ = m.LockCell(ctx, "chat-a", CellRef("s", 0, 1), "x")

	if m.Covers(ctx, "chat-b", "s", 0, 1) {
		t.Fatal("lock leaked across conversations")
	}
	if len(m.List(ctx, "chat-b")) != 0 {
		t.Fatal("expected no locks in chat-b")
	}
}

func TestLockUnlockIdempotent(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})
	ref := CellRef("s", 0, 1)
	_ = m.LockCell(ctx, "chat", ref, "x")
	_ = m.LockCell(ctx, "chat", ref, "x")
	if n := len(m.List(ctx, "chat")); n != 1 {
		t.Fatalf("expected a single lock, got %d", n)
	}
	m.Unlock(ctx, "chat", ref)
	m.Unlock(ctx, "chat", ref)
	if m.Covers(ctx, "chat", "s", 0, 1) {
		t.Fatal("expected cell to be unlocked")
	}
}

func TestLockRejectsUnknownRow(t *testing.T) {
	m := New(Options{})
	if err := m.Lock(context.Background(), "chat", RowRef("s", 9), sampleData()); err == nil {
		t.Fatal("expected error for out of range row")
	}
	if err := m.LockCell(context.Background(), "chat", RowRef("s", 0), "x"); err == nil {
		t.Fatal("expected LockCell to reject a row ref")
	}
}

func TestLocksPersistAcrossManagers(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := kv.NewRedisStore("redis://"+s.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	first := New(Options{Store: store})
	_ = first.LockRow(ctx, "chat", "s", 0, []string{"1", "x", "y"})

	second := New(Options{Store: store})
	if n := second.Load(ctx, "chat"); n != 1 {
		t.Fatalf("Load() = %d, want 1", n)
	}
	if !second.Covers(ctx, "chat", "s", 0, 2) {
		t.Fatal("expected lock table to be loaded from storage")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (failingStore) Set(context.Context, string, []byte) error    { return errors.New("down") }
func (failingStore) Delete(context.Context, string) error         { return errors.New("down") }

func TestStorageFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	m := New(Options{Store: failingStore{}})
	if err := m.LockCell(ctx, "chat", CellRef("s", 0, 1), "x"); err != nil {
		t.Fatalf("storage failure should not surface: %v", err)
	}
	if !m.Covers(ctx, "chat", "s", 0, 1) {
		t.Fatal("in-memory lock should still apply")
	}
}
