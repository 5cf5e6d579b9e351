package datastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"tablestage/internal/history"
	"tablestage/internal/kv"
	"tablestage/internal/locks"
	"tablestage/internal/sheet"
)

type fakeLedger struct {
	saved []history.Snapshot
	getFn func(context.Context, string) (history.Snapshot, error)
}

func (f *fakeLedger) Save(_ context.Context, scopeID, rowKey string, cells []string, source history.Source) (bool, error) {
	f.saved = append(f.saved, history.Snapshot{ScopeID: scopeID, RowKey: rowKey, Cells: append([]string{}, cells...), Source: source})
	return true, nil
}

func (f *fakeLedger) Get(ctx context.Context, id string) (history.Snapshot, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return history.Snapshot{}, history.ErrNotFound
}

func itemsData(extra ...[]any) sheet.Map {
	content := []any{
		[]any{"#", "Name", "Material"},
		[]any{"1", "Knife", "Iron"},
		[]any{"2", "Shield", "Oak"},
		[]any{"3", "Bow", "Yew"},
	}
	content = append(content, anyRows(extra)...)
	return sheet.ParseRaw(map[string]any{
		"items": map[string]any{"name": "Items", "content": content},
	})
}

func anyRows(rows [][]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *fakeLedger) {
	t.Helper()
	ledger := &fakeLedger{}
	s := New(Options{Scope: "chat", KV: kv.NewMemoryStore(), History: ledger})
	if err := s.Refresh(context.Background(), itemsData()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return s, ledger
}

func TestDiffAgainstItselfIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if d := s.GenerateDiffMap(s.Baseline()); d.Len() != 0 {
		t.Fatalf("expected empty diff, got %v", d.Sorted())
	}
}

func TestDiffMarksNewRowsAndChangedCells(t *testing.T) {
	base := itemsData()
	next := itemsData([]any{"4", "Sword", "Steel"})
	next["items"].SetCell(0, 2, "Bronze")
	next["items"].SetCell(0, 0, "99")

	d := Diff(base, next)
	want := []string{"Items-row-0-col-2", "Items-row-3"}
	got := d.Sorted()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestExternalAppendProducesSingleRowMarker(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.ApplyExternalUpdate(context.Background(), itemsData([]any{"4", "Sword", "Steel"}))
	if err != nil {
		t.Fatalf("ApplyExternalUpdate() error = %v", err)
	}
	if len(res.Markers) != 1 || res.Markers[0] != "Items-row-3" {
		t.Fatalf("unexpected markers %v", res.Markers)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("expected integrity to pass, got %+v", res.Issues)
	}
	if got := s.Staged()["items"].Cell(3, 1); got != "Sword" {
		t.Fatalf("expected staged data to include the new row, got %q", got)
	}
	if len(s.Baseline()["items"].Rows) != 3 {
		t.Fatal("baseline must not advance while external markers are outstanding")
	}
}

func TestIngestAdvancesBaselineOnlyWithoutMarkers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, itemsData([]any{"4", "Sword", "Steel"})); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(s.Baseline()["items"].Rows) != 4 {
		t.Fatal("expected baseline to follow with no markers outstanding")
	}

	_ = s.UpdateCell(ctx, "items", 0, 1, "Dagger", EditOptions{SkipHistory: true})
	if _, err := s.Ingest(ctx, itemsData()); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(s.Baseline()["items"].Rows) != 4 {
		t.Fatal("baseline advanced despite a manual marker")
	}
	if len(s.Staged()["items"].Rows) != 3 {
		t.Fatal("staged data should still be replaced")
	}
}

func TestIngestRejectsEmptyData(t *testing.T) {
	s, _ := newTestStore(t)
	before := s.Staged()
	if _, err := s.Ingest(context.Background(), sheet.Map{}); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if _, err := s.ApplyExternalUpdate(context.Background(), nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if !before.Equal(s.Staged()) {
		t.Fatal("empty ingest must not mutate state")
	}
}

func TestLockedRowGetsNoExternalMarkers(t *testing.T) {
	ctx := context.Background()
	rows := make([][]any, 0)
	for i := 4; i <= 7; i++ {
		rows = append(rows, []any{i, "n", "m"})
	}
	s := New(Options{Scope: "chat"})
	if err := s.Refresh(ctx, itemsData(rows...)); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := s.Locks().Lock(ctx, "chat", locks.RowRef("items", 5), s.Staged()); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	incoming := itemsData(rows...)
	for col := 0; col < 3; col++ {
		incoming["items"].SetCell(5, col, "rewritten")
	}
	res, err := s.ApplyExternalUpdate(ctx, incoming)
	if err != nil {
		t.Fatalf("ApplyExternalUpdate() error = %v", err)
	}
	for _, m := range res.Markers {
		if sheet.RowOf(m) == "Items-row-5" {
			t.Fatalf("locked row reported marker %s", m)
		}
	}
	if s.ExternalDiff().TouchesRow("Items-row-5") {
		t.Fatal("locked row must not enter the external diff map")
	}
	if got := s.Staged()["items"].Cell(5, 1); got != "n" {
		t.Fatalf("expected locked value to survive, got %q", got)
	}
}

func TestUpdateCellThenUndo(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	original := s.Staged()["items"].Cell(2, 2)

	// column 3 is beyond the header, which also exercises padding
	if err := s.UpdateCell(ctx, "items", 2, 3, "X", EditOptions{}); err != nil {
		t.Fatalf("UpdateCell() error = %v", err)
	}
	if err := s.UpdateCell(ctx, "items", 2, 2, "X", EditOptions{}); err != nil {
		t.Fatalf("UpdateCell() error = %v", err)
	}
	if !s.HasUnsaved() {
		t.Fatal("expected unsaved changes")
	}

	if err := s.UndoToLastSave(ctx); err != nil {
		t.Fatalf("UndoToLastSave() error = %v", err)
	}
	if got := s.Staged()["items"].Cell(2, 2); got != original {
		t.Fatalf("expected %q after undo, got %q", original, got)
	}
	manual := s.ManualDiff()
	if !manual.Has("Items-row-2-col-2") || !manual.Has("Items-row-2-col-3") {
		t.Fatalf("expected reverted cells re-marked, got %v", manual.Sorted())
	}
	if !s.HasUnsaved() {
		t.Fatal("reverted cells are marked, so the store must report unsaved changes")
	}
}

func TestUpdateCellWritesHistory(t *testing.T) {
	s, ledger := newTestStore(t)
	ctx := context.Background()

	_ = s.UpdateCell(ctx, "items", 0, 1, "Dagger", EditOptions{})
	if len(ledger.saved) != 2 {
		t.Fatalf("expected pre and post snapshots, got %d", len(ledger.saved))
	}
	if ledger.saved[0].Cells[1] != "Knife" || ledger.saved[1].Cells[1] != "Dagger" {
		t.Fatalf("unexpected snapshots %+v", ledger.saved)
	}
	if ledger.saved[1].RowKey != "Items-row-0" || ledger.saved[1].Source != history.SourceManual {
		t.Fatalf("unexpected snapshot metadata %+v", ledger.saved[1])
	}

	_ = s.UpdateCell(ctx, "items", 0, 1, "Sabre", EditOptions{SkipHistory: true})
	if len(ledger.saved) != 2 {
		t.Fatal("SkipHistory must not write snapshots")
	}
}

func TestUpdateCellValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.UpdateCell(ctx, "nope", 0, 1, "x", EditOptions{}); !errors.Is(err, ErrUnknownSheet) {
		t.Fatalf("expected ErrUnknownSheet, got %v", err)
	}
	if err := s.UpdateCell(ctx, "items", -1, 1, "x", EditOptions{}); !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("expected ErrInvalidCell, got %v", err)
	}
}

func TestToggleDeleteTwiceRestoresMembership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	before := s.Staged()

	if !s.ToggleDelete(ctx, "Items-row-1") {
		t.Fatal("first toggle should mark the row")
	}
	if s.ToggleDelete(ctx, "Items-row-1") {
		t.Fatal("second toggle should unmark the row")
	}
	if s.PendingDeletes().Has("Items-row-1") {
		t.Fatal("expected membership restored")
	}
	if !before.Equal(s.Staged()) {
		t.Fatal("toggling deletes must not touch staged data")
	}
}

func TestInsertRowShiftsKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.ToggleDelete(ctx, "Items-row-1")

	key, err := s.InsertRow(ctx, "items", 1, []string{"1b", "Rope"})
	if err != nil {
		t.Fatalf("InsertRow() error = %v", err)
	}
	if key != "Items-row-1" {
		t.Fatalf("unexpected key %q", key)
	}
	staged := s.Staged()["items"]
	if staged.Cell(1, 1) != "Rope" || staged.Cell(2, 1) != "Shield" {
		t.Fatalf("unexpected rows %v", staged.Rows)
	}
	if len(staged.Rows[1]) != 3 {
		t.Fatal("inserted row should be padded to the header width")
	}
	// Positional keys: the pending delete now points at the inserted row.
	sh, row, _ := s.Staged().ResolveRow("Items-row-1")
	if sh.Cell(row, 1) != "Rope" {
		t.Fatal("expected pending-delete key to resolve to the inserted row")
	}

	if _, err := s.InsertRow(ctx, "items", 99, nil); !errors.Is(err, ErrUnknownRow) {
		t.Fatalf("expected ErrUnknownRow, got %v", err)
	}
	if key, _ := s.AppendRow(ctx, "items", []string{"5"}); key != "Items-row-4" {
		t.Fatalf("unexpected appended key %q", key)
	}
}

func TestExternalUpdateOverridesManualEdit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.UpdateCell(ctx, "items", 0, 1, "Dagger", EditOptions{SkipHistory: true})

	incoming := itemsData()
	incoming["items"].SetCell(0, 1, "Cleaver")
	if _, err := s.ApplyExternalUpdate(ctx, incoming); err != nil {
		t.Fatalf("ApplyExternalUpdate() error = %v", err)
	}
	if s.ManualDiff().Has("Items-row-0-col-1") {
		t.Fatal("manual marker should be dropped when the writer replaces the cell")
	}
	if !s.ExternalDiff().Has("Items-row-0-col-1") {
		t.Fatal("expected the change to be attributed to the writer")
	}
	if got := s.Staged()["items"].Cell(0, 1); got != "Cleaver" {
		t.Fatalf("expected last writer to win, got %q", got)
	}
}

func TestExternalUpdateKeepsUntouchedManualEdit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.UpdateCell(ctx, "items", 0, 1, "Dagger", EditOptions{SkipHistory: true})

	res, err := s.ApplyExternalUpdate(ctx, itemsData([]any{"4", "Sword", "Steel"}))
	if err != nil {
		t.Fatalf("ApplyExternalUpdate() error = %v", err)
	}
	if got := s.Staged()["items"].Cell(0, 1); got != "Dagger" {
		t.Fatalf("manual edit should survive a rewrite that left it alone, got %q", got)
	}
	if !s.ManualDiff().Has("Items-row-0-col-1") {
		t.Fatal("expected manual marker to remain")
	}
	if len(res.Markers) != 1 || res.Markers[0] != "Items-row-3" {
		t.Fatalf("manual edit leaked into external markers: %v", res.Markers)
	}
}

func TestMarkSavedClearsState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = s.ApplyExternalUpdate(ctx, itemsData([]any{"4", "Sword", "Steel"}))
	s.ToggleDelete(ctx, "Items-row-0")

	s.MarkSaved(ctx, s.Staged())
	st := s.State()
	if len(st.Manual)+len(st.External)+len(st.Deletes) != 0 || st.Unsaved {
		t.Fatalf("expected clean state, got %+v", st)
	}
	if len(s.Baseline()["items"].Rows) != 4 {
		t.Fatal("expected baseline to advance to the committed data")
	}
}

func TestFillStartedRespectsMarkers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if !s.FillStarted(ctx, itemsData([]any{"4", "a", "b"})) {
		t.Fatal("expected baseline to advance with no markers")
	}
	s.ToggleDelete(ctx, "Items-row-0")
	_ = s.UpdateCell(ctx, "items", 0, 1, "x", EditOptions{SkipHistory: true})
	if s.FillStarted(ctx, itemsData()) {
		t.Fatal("baseline must not advance with unresolved markers")
	}
}

func TestSuppressionWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(Options{Scope: "chat", Now: func() time.Time { return now }})
	_ = s.Refresh(context.Background(), itemsData())

	s.Suppress(2 * time.Second)
	res, err := s.ApplyExternalUpdate(context.Background(), itemsData([]any{"4", "a", "b"}))
	if err != nil || !res.Suppressed {
		t.Fatalf("expected suppressed update, got %+v %v", res, err)
	}
	now = now.Add(3 * time.Second)
	if s.Suppressed() {
		t.Fatal("suppression should expire")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore("redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	s := New(Options{Scope: "chat", KV: store})
	data := itemsData([]any{"4", "Sword", "Steel"})
	s.SaveSnapshot(ctx, data)

	loaded, ok := s.LoadSnapshot(ctx)
	if !ok {
		t.Fatal("expected a stored snapshot")
	}
	if !loaded.Equal(data) {
		t.Fatalf("round trip mismatch: %#v vs %#v", loaded, data)
	}
}

func TestRestoreReloadsState(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	first := New(Options{Scope: "chat", KV: store})
	_ = first.Refresh(ctx, itemsData())
	_ = first.UpdateCell(ctx, "items", 1, 1, "Buckler", EditOptions{SkipHistory: true})
	first.ToggleDelete(ctx, "Items-row-2")

	second := New(Options{Scope: "chat", KV: store})
	if !second.Restore(ctx) {
		t.Fatal("expected Restore to find state")
	}
	if got := second.Staged()["items"].Cell(1, 1); got != "Buckler" {
		t.Fatalf("unsaved edit lost, got %q", got)
	}
	if !second.PendingDeletes().Has("Items-row-2") || !second.ManualDiff().Has("Items-row-1-col-1") {
		t.Fatal("markers lost across restore")
	}
	if got := second.Baseline()["items"].Cell(1, 1); got != "Shield" {
		t.Fatalf("baseline should be the last saved data, got %q", got)
	}
}

func TestRestoreRow(t *testing.T) {
	s, ledger := newTestStore(t)
	ctx := context.Background()
	ledger.getFn = func(_ context.Context, id string) (history.Snapshot, error) {
		if id != "snap_1" {
			return history.Snapshot{}, history.ErrNotFound
		}
		return history.Snapshot{ID: id, ScopeID: "chat", RowKey: "Items-row-1", Cells: []string{"2", "Old Shield"}}, nil
	}

	if err := s.RestoreRow(ctx, "Items-row-1", "snap_1"); err != nil {
		t.Fatalf("RestoreRow() error = %v", err)
	}
	row := s.Staged()["items"]
	if row.Cell(1, 1) != "Old Shield" || row.Cell(1, 2) != "" {
		t.Fatalf("unexpected restored row %v", row.Rows[1])
	}
	if err := s.RestoreRow(ctx, "Items-row-0", "snap_1"); !errors.Is(err, ErrSnapshotMismatch) {
		t.Fatalf("expected ErrSnapshotMismatch, got %v", err)
	}
	if err := s.RestoreRow(ctx, "Items-row-1", "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOnDirtyCalledAfterEdit(t *testing.T) {
	s, _ := newTestStore(t)
	calls := 0
	s.OnDirty(func() { calls++ })
	_ = s.UpdateCell(context.Background(), "items", 0, 1, "x", EditOptions{SkipHistory: true})
	if calls != 1 {
		t.Fatalf("expected 1 dirty callback, got %d", calls)
	}
}

func TestUpdateCellRejectsRowsPastTheEnd(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateCell(ctx, "items", 8, 1, "X", EditOptions{}); !errors.Is(err, ErrUnknownRow) {
		t.Fatalf("expected ErrUnknownRow, got %v", err)
	}
	if err := s.UpdateCell(ctx, "items", 0, MaxColumns, "X", EditOptions{}); !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("expected ErrInvalidCell for a huge column, got %v", err)
	}
	if n := len(s.Staged()["items"].Rows); n != 3 {
		t.Fatalf("rows = %d, staged data must not grow", n)
	}
	if s.ManualDiff().Len() != 0 || s.HasUnsaved() {
		t.Fatal("rejected edits must leave no markers")
	}
}

func TestUndoMarksIndexColumnAndStaysUnsaved(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_ = s.UpdateCell(ctx, "items", 0, 0, "9", EditOptions{SkipHistory: true})

	if err := s.UndoToLastSave(ctx); err != nil {
		t.Fatalf("UndoToLastSave() error = %v", err)
	}
	if got := s.Staged()["items"].Cell(0, 0); got != "1" {
		t.Fatalf("index cell = %q after undo", got)
	}
	if !s.ManualDiff().Has("Items-row-0-col-0") {
		t.Fatalf("manual = %v", s.ManualDiff().Sorted())
	}
	if !s.HasUnsaved() || !s.State().Unsaved {
		t.Fatal("a reverted edit still needs a save")
	}
}

func TestUndoWithoutEditsIsClean(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UndoToLastSave(context.Background()); err != nil {
		t.Fatalf("UndoToLastSave() error = %v", err)
	}
	if s.HasUnsaved() || s.ManualDiff().Len() != 0 {
		t.Fatal("undo with nothing to revert should stay clean")
	}
}

func TestCommitSaved(t *testing.T) {
	ctx := context.Background()

	t.Run("no concurrent change", func(t *testing.T) {
		s, _ := newTestStore(t)
		_ = s.UpdateCell(ctx, "items", 0, 1, "Dagger", EditOptions{SkipHistory: true})
		data, gen := s.StagedAt()

		if !s.CommitSaved(ctx, data, gen) {
			t.Fatal("expected staged data to be replaced")
		}
		st := s.State()
		if st.Unsaved || len(st.Manual) != 0 {
			t.Fatalf("expected clean state, got %+v", st)
		}
		if got := s.Baseline()["items"].Cell(0, 1); got != "Dagger" {
			t.Fatalf("baseline = %q", got)
		}
	})

	t.Run("edit during save", func(t *testing.T) {
		s, _ := newTestStore(t)
		_ = s.UpdateCell(ctx, "items", 0, 1, "Dagger", EditOptions{SkipHistory: true})
		data, gen := s.StagedAt()

		_ = s.UpdateCell(ctx, "items", 1, 1, "Buckler", EditOptions{SkipHistory: true})
		if s.CommitSaved(ctx, data, gen) {
			t.Fatal("staged data must be kept when it changed during the save")
		}
		if got := s.Staged()["items"].Cell(1, 1); got != "Buckler" {
			t.Fatalf("edit made during save lost, staged = %q", got)
		}
		manual := s.ManualDiff()
		if manual.Len() != 1 || !manual.Has("Items-row-1-col-1") {
			t.Fatalf("manual = %v, want only the unsaved edit", manual.Sorted())
		}
		if !s.HasUnsaved() {
			t.Fatal("expected unsaved changes")
		}
		if got := s.Baseline()["items"].Cell(0, 1); got != "Dagger" {
			t.Fatalf("baseline should advance to the committed data, got %q", got)
		}
	})

	t.Run("external update during save", func(t *testing.T) {
		s, _ := newTestStore(t)
		data, gen := s.StagedAt()

		if _, err := s.ApplyExternalUpdate(ctx, itemsData([]any{"4", "Sword", "Steel"})); err != nil {
			t.Fatalf("ApplyExternalUpdate() error = %v", err)
		}
		s.CommitSaved(ctx, data, gen)
		if !s.ExternalDiff().Has("Items-row-3") || s.ManualDiff().Len() != 0 {
			t.Fatalf("external = %v manual = %v", s.ExternalDiff().Sorted(), s.ManualDiff().Sorted())
		}
	})
}
