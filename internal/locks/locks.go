// Package locks pins cell and row values per conversation so that external
// rewrites cannot change them.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tablestage/internal/kv"
	"tablestage/internal/sheet"
)

// WholeRow is the column of a row lock.
const WholeRow = -1

type Ref struct {
	SheetKey string `json:"sheetKey"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
}

func RowRef(sheetKey string, row int) Ref {
	return Ref{SheetKey: sheetKey, Row: row, Col: WholeRow}
}

func CellRef(sheetKey string, row, col int) Ref {
	return Ref{SheetKey: sheetKey, Row: row, Col: col}
}

func (r Ref) IsRow() bool {
	return r.Col == WholeRow
}

func (r Ref) String() string {
	if r.IsRow() {
		return fmt.Sprintf("%s[%d]", r.SheetKey, r.Row)
	}
	return fmt.Sprintf("%s[%d,%d]", r.SheetKey, r.Row, r.Col)
}

// Entry is a lock and the value it protects. Row locks carry every cell.
type Entry struct {
	Ref      Ref       `json:"ref"`
	Value    string    `json:"value,omitempty"`
	Values   []string  `json:"values,omitempty"`
	LockedAt time.Time `json:"lockedAt"`
}

type Options struct {
	Store  kv.Store
	Logger logrus.FieldLogger
	Now    func() time.Time
}

type Manager struct {
	mu     sync.Mutex
	store  kv.Store
	log    logrus.FieldLogger
	now    func() time.Time
	scopes map[string]map[Ref]Entry
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:  opts.Store,
		log:    opts.Logger.WithField("component", "locks"),
		now:    opts.Now,
		scopes: make(map[string]map[Ref]Entry),
	}
}

// LockCell protects a single cell. Locking an already locked cell replaces
// its protected value.
func (m *Manager) LockCell(ctx context.Context, scope string, ref Ref, value string) error {
	if ref.IsRow() || ref.Row < 0 || ref.Col < 0 {
		return fmt.Errorf("lock cell %s: invalid reference", ref)
	}
	return m.put(ctx, scope, Entry{Ref: ref, Value: value})
}

func (m *Manager) LockRow(ctx context.Context, scope, sheetKey string, row int, values []string) error {
	if row < 0 {
		return fmt.Errorf("lock row %s[%d]: invalid reference", sheetKey, row)
	}
	return m.put(ctx, scope, Entry{Ref: RowRef(sheetKey, row), Values: append([]string{}, values...)})
}

// Lock captures the current value of ref from data.
func (m *Manager) Lock(ctx context.Context, scope string, ref Ref, data sheet.Map) error {
	s, ok := data[ref.SheetKey]
	if !ok {
		return fmt.Errorf("lock %s: unknown sheet", ref)
	}
	if ref.Row < 0 || ref.Row >= len(s.Rows) {
		return fmt.Errorf("lock %s: row out of range", ref)
	}
	if ref.IsRow() {
		return m.LockRow(ctx, scope, ref.SheetKey, ref.Row, s.Rows[ref.Row])
	}
	return m.LockCell(ctx, scope, ref, s.Cell(ref.Row, ref.Col))
}

func (m *Manager) put(ctx context.Context, scope string, entry Entry) error {
	entry.LockedAt = m.now()

	m.mu.Lock()
	entries := m.load(ctx, scope)
	entries[entry.Ref] = entry
	snapshot := sortedEntries(entries)
	m.mu.Unlock()

	m.persist(ctx, scope, snapshot)
	return nil
}

// Unlock removes a lock. Unlocking something that is not locked is a no-op.
func (m *Manager) Unlock(ctx context.Context, scope string, ref Ref) {
	m.mu.Lock()
	entries := m.load(ctx, scope)
	if _, ok := entries[ref]; !ok {
		m.mu.Unlock()
		return
	}
	delete(entries, ref)
	snapshot := sortedEntries(entries)
	m.mu.Unlock()

	m.persist(ctx, scope, snapshot)
}

// Covers reports whether the cell is protected by a cell or row lock.
// A col of WholeRow asks whether the row itself is locked.
func (m *Manager) Covers(ctx context.Context, scope, sheetKey string, row, col int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.load(ctx, scope)
	if _, ok := entries[RowRef(sheetKey, row)]; ok {
		return true
	}
	if col == WholeRow {
		return false
	}
	_, ok := entries[CellRef(sheetKey, row, col)]
	return ok
}

func (m *Manager) List(ctx context.Context, scope string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedEntries(m.load(ctx, scope))
}

// Apply returns a copy of data with every protected value written back,
// along with the refs that were present in data.
func (m *Manager) Apply(ctx context.Context, scope string, data sheet.Map) (sheet.Map, []Ref) {
	entries := m.List(ctx, scope)
	out := data.Clone()
	var applied []Ref
	for _, e := range entries {
		s, ok := out[e.Ref.SheetKey]
		if !ok || e.Ref.Row >= len(s.Rows) {
			continue
		}
		if e.Ref.IsRow() {
			for col, v := range e.Values {
				s.SetCell(e.Ref.Row, col, v)
			}
		} else {
			s.SetCell(e.Ref.Row, e.Ref.Col, e.Value)
		}
		applied = append(applied, e.Ref)
	}
	return out, applied
}

// Load warms the cache for scope and reports how many locks it holds.
func (m *Manager) Load(ctx context.Context, scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.load(ctx, scope))
}

// load must be called with m.mu held.
func (m *Manager) load(ctx context.Context, scope string) map[Ref]Entry {
	if entries, ok := m.scopes[scope]; ok {
		return entries
	}
	entries := make(map[Ref]Entry)
	m.scopes[scope] = entries
	if m.store == nil {
		return entries
	}
	var stored []Entry
	if err := kv.GetJSON(ctx, m.store, storageKey(scope), &stored); err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			m.log.WithError(err).WithField("scope", scope).Warn("load lock table")
		}
		return entries
	}
	for _, e := range stored {
		entries[e.Ref] = e
	}
	return entries
}

func (m *Manager) persist(ctx context.Context, scope string, entries []Entry) {
	if m.store == nil {
		return
	}
	if err := kv.SetJSON(ctx, m.store, storageKey(scope), entries); err != nil {
		m.log.WithError(err).WithField("scope", scope).Warn("persist lock table")
	}
}

func storageKey(scope string) string {
	return "locks:" + scope
}

func sortedEntries(entries map[Ref]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Ref, out[j].Ref
		if a.SheetKey != b.SheetKey {
			return a.SheetKey < b.SheetKey
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	return out
}
