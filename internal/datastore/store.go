// Package datastore owns the locally staged copy of the tables, the last
// saved baseline they are diffed against, and the markers derived from both.
package datastore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tablestage/internal/history"
	"tablestage/internal/integrity"
	"tablestage/internal/kv"
	"tablestage/internal/locks"
	"tablestage/internal/sheet"
)

// MaxColumns bounds the column index a cell edit may address.
const MaxColumns = 256

var (
	ErrNoData           = errors.New("datastore: no table data")
	ErrUnknownSheet     = errors.New("datastore: unknown sheet")
	ErrInvalidCell      = errors.New("datastore: invalid cell reference")
	ErrUnknownRow       = errors.New("datastore: unknown row")
	ErrNoHistory        = errors.New("datastore: history ledger not configured")
	ErrSnapshotMismatch = errors.New("datastore: snapshot belongs to another row")
)

// HistoryLedger is the subset of history.Ledger the store writes to.
type HistoryLedger interface {
	Save(ctx context.Context, scopeID, rowKey string, cells []string, source history.Source) (bool, error)
	Get(ctx context.Context, id string) (history.Snapshot, error)
}

type Options struct {
	Scope     string
	KV        kv.Store
	Locks     *locks.Manager
	History   HistoryLedger
	Integrity *integrity.Checker
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

type EditOptions struct {
	SkipHistory bool
}

// ExternalResult describes how an external rewrite was absorbed.
type ExternalResult struct {
	Markers    []string          `json:"markers"`
	Issues     []integrity.Issue `json:"issues,omitempty"`
	Suppressed bool              `json:"suppressed,omitempty"`
}

// State is a point-in-time copy of everything a UI needs to render.
type State struct {
	Scope       string    `json:"scope"`
	Staged      sheet.Map `json:"staged"`
	Manual      []string  `json:"manual"`
	External    []string  `json:"external"`
	Deletes     []string  `json:"deletes"`
	Unsaved     bool      `json:"unsaved"`
	Problematic []string  `json:"problematic"`
}

type Store struct {
	scope     string
	kv        kv.Store
	locks     *locks.Manager
	history   HistoryLedger
	integrity *integrity.Checker
	log       logrus.FieldLogger
	now       func() time.Time

	mu            sync.Mutex
	staged        sheet.Map
	baseline      sheet.Map
	manual        sheet.MarkerSet
	external      sheet.MarkerSet
	deletes       sheet.MarkerSet
	unsaved       bool
	suppressUntil time.Time
	onDirty       func()
	// gen counts changes to staged data and markers.
	gen uint64
}

func New(opts Options) *Store {
	if opts.Scope == "" {
		opts.Scope = "default"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locks == nil {
		opts.Locks = locks.New(locks.Options{Store: opts.KV, Logger: opts.Logger})
	}
	if opts.Integrity == nil {
		opts.Integrity = integrity.New()
	}
	return &Store{
		scope:     opts.Scope,
		kv:        opts.KV,
		locks:     opts.Locks,
		history:   opts.History,
		integrity: opts.Integrity,
		log:       opts.Logger.WithFields(logrus.Fields{"component": "datastore", "scope": opts.Scope}),
		now:       opts.Now,
		manual:    sheet.NewMarkerSet(),
		external:  sheet.NewMarkerSet(),
		deletes:   sheet.NewMarkerSet(),
	}
}

func (s *Store) Scope() string {
	return s.scope
}

func (s *Store) Locks() *locks.Manager {
	return s.locks
}

// OnDirty sets the callback invoked after every local edit.
func (s *Store) OnDirty(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDirty = fn
}

// Ingest stages data after applying locks. The baseline only follows when
// there are no outstanding diff markers.
func (s *Store) Ingest(ctx context.Context, data sheet.Map) (sheet.Map, error) {
	locked, _, err := s.ingest(ctx, data, nil)
	if err != nil {
		return nil, err
	}
	return locked.Clone(), nil
}

// ingest applies locks and stages the result. mark runs under the store
// lock just before staging, with the previous baseline and the locked data,
// so markers and staged data change together.
func (s *Store) ingest(ctx context.Context, data sheet.Map, mark func(baseline, locked sheet.Map)) (locked, baseline sheet.Map, err error) {
	if len(data) == 0 {
		return nil, nil, ErrNoData
	}
	locked, _ = s.locks.Apply(ctx, s.scope, data)

	s.mu.Lock()
	baseline = s.baseline.Clone()
	if mark != nil {
		mark(baseline, locked)
	}
	advanced := s.stageLocked(locked)
	s.mu.Unlock()

	if advanced {
		s.persistBaseline(ctx)
	}
	s.persistState(ctx)
	return locked, baseline, nil
}

// stageLocked must be called with s.mu held.
func (s *Store) stageLocked(data sheet.Map) bool {
	s.gen++
	s.staged = data.Clone()
	if s.manual.Len() == 0 && s.external.Len() == 0 {
		s.baseline = data.Clone()
		return true
	}
	return false
}

// ApplyExternalUpdate absorbs a rewrite from the AI writer: locks are
// applied, changes against the baseline become external markers, the data
// is staged, and new rows are run through the integrity checker. Manual
// edits to cells the rewrite changed are lost; locks are the way to keep them.
func (s *Store) ApplyExternalUpdate(ctx context.Context, data sheet.Map) (ExternalResult, error) {
	if len(data) == 0 {
		return ExternalResult{}, ErrNoData
	}
	if s.Suppressed() {
		s.log.Debug("external update ignored during suppression window")
		return ExternalResult{Suppressed: true}, nil
	}
	var diff, fresh sheet.MarkerSet
	locked, baseline, err := s.ingest(ctx, data, func(baseline, locked sheet.Map) {
		s.carryManualEdits(baseline, locked)
		diff = Diff(baseline, locked)
		for marker := range diff {
			if s.manual.Has(marker) || s.lockedMarker(ctx, locked, marker) {
				diff.Remove(marker)
			}
		}
		fresh = sheet.NewMarkerSet()
		for marker := range diff {
			if !s.external.Has(marker) {
				fresh.Add(marker)
			}
		}
		s.external.Merge(diff)
	})
	if err != nil {
		return ExternalResult{}, err
	}

	s.recordRows(ctx, baseline, locked, fresh.Rows(), history.SourceExternal)
	issues := s.integrity.Check(baseline, locked, fresh)

	if len(diff) > 0 {
		s.log.WithFields(logrus.Fields{"markers": len(diff), "issues": len(issues)}).Info("external update staged")
	}
	return ExternalResult{Markers: diff.Sorted(), Issues: issues}, nil
}

// carryManualEdits keeps unsaved manual cell edits the writer left alone.
// When the writer changed the same cell its value wins and the manual
// marker is dropped. Must be called with s.mu held.
func (s *Store) carryManualEdits(baseline, next sheet.Map) {
	for marker := range s.manual {
		name, row, col, ok := sheet.ParseKey(marker)
		if !ok || col < 0 {
			continue
		}
		prev, okPrev := s.staged.ByName(name)
		incoming, okNext := next.ByName(name)
		if !okPrev || !okNext || row >= len(incoming.Rows) {
			continue
		}
		var original string
		if base, ok := baseline.ByName(name); ok {
			original = base.Cell(row, col)
		}
		if incoming.Cell(row, col) == original {
			incoming.SetCell(row, col, prev.Cell(row, col))
			continue
		}
		s.manual.Remove(marker)
	}
}

func (s *Store) lockedMarker(ctx context.Context, data sheet.Map, marker string) bool {
	name, row, col, ok := sheet.ParseKey(marker)
	if !ok {
		return false
	}
	sh, found := data.ByName(name)
	if !found {
		return false
	}
	return s.locks.Covers(ctx, s.scope, sh.Key, row, col)
}

// GenerateDiffMap diffs data against the current baseline.
func (s *Store) GenerateDiffMap(data sheet.Map) sheet.MarkerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Diff(s.baseline, data)
}

// CheckIntegrity runs the integrity checker over rows named by markers.
func (s *Store) CheckIntegrity(data sheet.Map, markers sheet.MarkerSet) []integrity.Issue {
	s.mu.Lock()
	baseline := s.baseline.Clone()
	s.mu.Unlock()
	return s.integrity.Check(baseline, data, markers)
}

func (s *Store) UpdateCell(ctx context.Context, sheetKey string, row, col int, value string, opts EditOptions) error {
	return s.UpdateRow(ctx, sheetKey, row, map[int]string{col: value}, opts)
}

// UpdateRow writes several cells of one row as a single edit.
func (s *Store) UpdateRow(ctx context.Context, sheetKey string, row int, cells map[int]string, opts EditOptions) error {
	if row < 0 {
		return ErrInvalidCell
	}
	for col := range cells {
		if col < 0 || col >= MaxColumns {
			return ErrInvalidCell
		}
	}

	s.mu.Lock()
	sh, ok := s.staged[sheetKey]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownSheet
	}
	// New rows go through InsertRow so they get a row marker.
	if row >= len(sh.Rows) {
		s.mu.Unlock()
		return ErrUnknownRow
	}
	before := append([]string{}, sh.Rows[row]...)
	for col, value := range cells {
		sh.SetCell(row, col, value)
		s.manual.Add(sheet.CellKey(sh.Name, row, col))
	}
	after := append([]string{}, sh.Rows[row]...)
	rowKey := sh.RowKey(row)
	s.unsaved = true
	s.gen++
	onDirty := s.onDirty
	s.mu.Unlock()

	if !opts.SkipHistory {
		s.record(ctx, rowKey, before, history.SourceManual)
		s.record(ctx, rowKey, after, history.SourceManual)
	}
	s.persistState(ctx)
	if onDirty != nil {
		onDirty()
	}
	return nil
}

// InsertRow inserts a data row at position at and returns its row key.
// Row keys of every later row shift by one.
func (s *Store) InsertRow(ctx context.Context, sheetKey string, at int, cells []string) (string, error) {
	if len(cells) > MaxColumns {
		return "", ErrInvalidCell
	}
	s.mu.Lock()
	sh, ok := s.staged[sheetKey]
	if !ok {
		s.mu.Unlock()
		return "", ErrUnknownSheet
	}
	if at < 0 || at > len(sh.Rows) {
		s.mu.Unlock()
		return "", ErrUnknownRow
	}
	row := append([]string{}, cells...)
	for len(row) < sh.Width() {
		row = append(row, "")
	}
	sh.Rows = append(sh.Rows, nil)
	copy(sh.Rows[at+1:], sh.Rows[at:])
	sh.Rows[at] = row
	rowKey := sh.RowKey(at)
	s.manual.Add(rowKey)
	s.unsaved = true
	s.gen++
	onDirty := s.onDirty
	s.mu.Unlock()

	s.record(ctx, rowKey, row, history.SourceManual)
	s.persistState(ctx)
	if onDirty != nil {
		onDirty()
	}
	return rowKey, nil
}

func (s *Store) AppendRow(ctx context.Context, sheetKey string, cells []string) (string, error) {
	s.mu.Lock()
	sh, ok := s.staged[sheetKey]
	n := 0
	if ok {
		n = len(sh.Rows)
	}
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownSheet
	}
	return s.InsertRow(ctx, sheetKey, n, cells)
}

// ToggleDelete flips whether a row is pending deletion and returns the new
// membership. Staged data is never touched.
func (s *Store) ToggleDelete(ctx context.Context, rowKey string) bool {
	s.mu.Lock()
	pending := !s.deletes.Has(rowKey)
	if pending {
		s.deletes.Add(rowKey)
	} else {
		s.deletes.Remove(rowKey)
	}
	s.gen++
	s.mu.Unlock()

	s.persistState(ctx)
	return pending
}

// UndoToLastSave puts the baseline back as staged data. Every cell that
// differed, index column included, is left marked as a manual diff so the
// reverted cells stay visible, and the store reports unsaved changes while
// those markers remain.
func (s *Store) UndoToLastSave(ctx context.Context) error {
	s.mu.Lock()
	if s.baseline == nil {
		s.mu.Unlock()
		return ErrNoData
	}
	previous := s.staged
	s.staged = s.baseline.Clone()
	s.manual = diffCells(s.baseline, previous, 0)
	s.external = sheet.NewMarkerSet()
	s.unsaved = s.manual.Len() > 0
	s.gen++
	s.mu.Unlock()

	s.integrity.Clear()
	s.persistState(ctx)
	return nil
}

// RestoreRow writes a history snapshot back into the staged row it was
// recorded for.
func (s *Store) RestoreRow(ctx context.Context, rowKey, snapshotID string) error {
	if s.history == nil {
		return ErrNoHistory
	}
	snap, err := s.history.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.ScopeID != s.scope || snap.RowKey != rowKey {
		return ErrSnapshotMismatch
	}

	s.mu.Lock()
	sh, row, ok := s.staged.ResolveRow(rowKey)
	var width int
	var key string
	if ok {
		key = sh.Key
		if row < len(sh.Rows) {
			width = len(sh.Rows[row])
		}
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRow
	}

	cells := make(map[int]string, len(snap.Cells))
	for col, v := range snap.Cells {
		cells[col] = v
	}
	for col := len(snap.Cells); col < width; col++ {
		cells[col] = ""
	}
	return s.UpdateRow(ctx, key, row, cells, EditOptions{})
}

// MarkSaved makes committed the new baseline and clears every marker.
func (s *Store) MarkSaved(ctx context.Context, committed sheet.Map) {
	s.mu.Lock()
	s.baseline = committed.Clone()
	s.staged = committed.Clone()
	s.clearMarkersLocked()
	s.gen++
	s.mu.Unlock()

	s.integrity.Clear()
	s.persistBaseline(ctx)
	s.persistState(ctx)
}

// CommitSaved records committed as the saved baseline for a save that read
// staged data at generation gen. If nothing changed since then, staged data
// and markers are replaced as in MarkSaved. Otherwise the newer staged data
// is kept and its differences from committed are marked again, external
// ones staying external. It reports whether staged data was replaced.
func (s *Store) CommitSaved(ctx context.Context, committed sheet.Map, gen uint64) bool {
	s.mu.Lock()
	s.baseline = committed.Clone()
	replaced := s.gen == gen
	if replaced {
		s.staged = committed.Clone()
		s.clearMarkersLocked()
	} else {
		manual := sheet.NewMarkerSet()
		external := sheet.NewMarkerSet()
		for marker := range diffCells(s.baseline, s.staged, 0) {
			if s.external.Has(marker) {
				external.Add(marker)
			} else {
				manual.Add(marker)
			}
		}
		s.manual = manual
		s.external = external
		s.unsaved = true
	}
	s.gen++
	s.mu.Unlock()

	if replaced {
		s.integrity.Clear()
	}
	s.persistBaseline(ctx)
	s.persistState(ctx)
	return replaced
}

// Refresh replaces staged data and baseline from the host, discarding
// unsaved work.
func (s *Store) Refresh(ctx context.Context, data sheet.Map) error {
	if len(data) == 0 {
		return ErrNoData
	}
	locked, _ := s.locks.Apply(ctx, s.scope, data)
	s.MarkSaved(ctx, locked)
	return nil
}

// FillStarted moves the baseline to data when nothing is outstanding, so
// the coming fill pass is diffed against what the writer started from.
func (s *Store) FillStarted(ctx context.Context, data sheet.Map) bool {
	if len(data) == 0 {
		return false
	}
	locked, _ := s.locks.Apply(ctx, s.scope, data)

	s.mu.Lock()
	if s.manual.Len() > 0 || s.external.Len() > 0 {
		s.mu.Unlock()
		return false
	}
	s.baseline = locked.Clone()
	s.staged = locked.Clone()
	s.gen++
	s.mu.Unlock()

	s.persistBaseline(ctx)
	s.persistState(ctx)
	return true
}

// Reset drops all staged data, baseline and markers.
func (s *Store) Reset(ctx context.Context) {
	s.mu.Lock()
	s.baseline = nil
	s.staged = nil
	s.clearMarkersLocked()
	s.gen++
	s.mu.Unlock()

	s.integrity.Clear()
	if s.kv != nil {
		for _, key := range []string{s.baselineKey(), s.stateKey()} {
			if err := s.kv.Delete(ctx, key); err != nil {
				s.log.WithError(err).Warn("delete stored state")
			}
		}
	}
}

func (s *Store) clearMarkersLocked() {
	s.manual = sheet.NewMarkerSet()
	s.external = sheet.NewMarkerSet()
	s.deletes = sheet.NewMarkerSet()
	s.unsaved = false
}

// Suppress ignores external updates for d, covering the echo of our own save.
func (s *Store) Suppress(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressUntil = s.now().Add(d)
}

func (s *Store) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.suppressUntil)
}

func (s *Store) Staged() sheet.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged.Clone()
}

// StagedAt returns a copy of the staged data and the generation it was read at.
func (s *Store) StagedAt() (sheet.Map, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged.Clone(), s.gen
}

func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Store) Baseline() sheet.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline.Clone()
}

func (s *Store) ManualDiff() sheet.MarkerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual.Clone()
}

func (s *Store) ExternalDiff() sheet.MarkerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external.Clone()
}

func (s *Store) PendingDeletes() sheet.MarkerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes.Clone()
}

func (s *Store) HasUnsaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsaved
}

func (s *Store) Integrity() *integrity.Checker {
	return s.integrity
}

func (s *Store) State() State {
	s.mu.Lock()
	st := State{
		Scope:    s.scope,
		Staged:   s.staged.Clone(),
		Manual:   s.manual.Sorted(),
		External: s.external.Sorted(),
		Deletes:  s.deletes.Sorted(),
		Unsaved:  s.unsaved,
	}
	s.mu.Unlock()
	st.Problematic = s.integrity.Problematic()
	if st.Staged == nil {
		st.Staged = sheet.Map{}
	}
	return st
}

func (s *Store) recordRows(ctx context.Context, before, after sheet.Map, rows sheet.MarkerSet, source history.Source) {
	if s.history == nil {
		return
	}
	for _, rowKey := range rows.Sorted() {
		sh, row, ok := after.ResolveRow(rowKey)
		if !ok || row >= len(sh.Rows) {
			continue
		}
		if prev, found := before[sh.Key]; found && row < len(prev.Rows) {
			s.record(ctx, rowKey, prev.Rows[row], source)
		}
		s.record(ctx, rowKey, sh.Rows[row], source)
	}
}

func (s *Store) record(ctx context.Context, rowKey string, cells []string, source history.Source) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Save(ctx, s.scope, rowKey, cells, source); err != nil {
		s.log.WithError(err).WithField("row", rowKey).Warn("record row history")
	}
}
