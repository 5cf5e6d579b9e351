// Package history keeps a small, per-row ledger of past cell values outside
// the conversation document.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"tablestage/internal/util"
)

// MaxSnapshots is the number of snapshots kept per row.
const MaxSnapshots = 5

var ErrNotFound = errors.New("history: snapshot not found")

type Source string

const (
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
)

type Snapshot struct {
	ID        string    `json:"id"`
	ScopeID   string    `json:"scopeId"`
	RowKey    string    `json:"rowKey"`
	Source    Source    `json:"source"`
	Cells     []string  `json:"cells"`
	CreatedAt time.Time `json:"createdAt"`
}

type snapshotRow struct {
	ID        string `db:"id"`
	ScopeID   string `db:"scope_id"`
	RowKey    string `db:"row_key"`
	Source    string `db:"source"`
	Cells     string `db:"cells"`
	CreatedAt int64  `db:"created_at"`
}

func (r snapshotRow) snapshot() (Snapshot, error) {
	var cells []string
	if err := json.Unmarshal([]byte(r.Cells), &cells); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", r.ID, err)
	}
	return Snapshot{
		ID:        r.ID,
		ScopeID:   r.ScopeID,
		RowKey:    r.RowKey,
		Source:    Source(r.Source),
		Cells:     cells,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}, nil
}

type Ledger struct {
	db  *sqlx.DB
	now func() time.Time

	mu     sync.Mutex
	lastTS int64
}

func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Save records cells as the newest snapshot for the row unless they match the
// current newest snapshot. Older snapshots beyond MaxSnapshots are evicted.
func (l *Ledger) Save(ctx context.Context, scopeID, rowKey string, cells []string, source Source) (bool, error) {
	if cells == nil {
		cells = []string{}
	}
	encoded, err := json.Marshal(cells)
	if err != nil {
		return false, fmt.Errorf("encode cells: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newest string
	err = tx.GetContext(ctx, &newest, tx.Rebind(`
		SELECT cells FROM row_snapshots
		WHERE scope_id = ? AND row_key = ?
		ORDER BY created_at DESC
		LIMIT 1`), scopeID, rowKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("read newest snapshot: %w", err)
	case newest == string(encoded):
		return false, nil
	}

	ts := l.now().UnixNano()
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}
	l.lastTS = ts

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO row_snapshots (id, scope_id, row_key, source, cells, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		util.NewID("snap"), scopeID, rowKey, string(source), string(encoded), ts)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM row_snapshots
		WHERE scope_id = ? AND row_key = ?
		AND id NOT IN (
			SELECT id FROM row_snapshots
			WHERE scope_id = ? AND row_key = ?
			ORDER BY created_at DESC
			LIMIT ?
		)`), scopeID, rowKey, scopeID, rowKey, MaxSnapshots)
	if err != nil {
		return false, fmt.Errorf("evict snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit history tx: %w", err)
	}
	return true, nil
}

// List returns the row's snapshots, newest first.
func (l *Ledger) List(ctx context.Context, scopeID, rowKey string) ([]Snapshot, error) {
	var rows []snapshotRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT id, scope_id, row_key, source, cells, created_at
		FROM row_snapshots
		WHERE scope_id = ? AND row_key = ?
		ORDER BY created_at DESC
		LIMIT ?`), scopeID, rowKey, MaxSnapshots)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		s, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (Snapshot, error) {
	var row snapshotRow
	err := l.db.GetContext(ctx, &row, l.db.Rebind(`
		SELECT id, scope_id, row_key, source, cells, created_at
		FROM row_snapshots WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return row.snapshot()
}

// Clear removes every snapshot recorded for a conversation.
func (l *Ledger) Clear(ctx context.Context, scopeID string) error {
	if _, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM row_snapshots WHERE scope_id = ?`), scopeID); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

type CellChange struct {
	Col    int    `json:"col"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DiffCells lists the columns whose values differ between two row versions.
func DiffCells(from, to []string) []CellChange {
	n := len(from)
	if len(to) > n {
		n = len(to)
	}
	changes := make([]CellChange, 0)
	for col := 0; col < n; col++ {
		before, after := at(from, col), at(to, col)
		if before == after {
			continue
		}
		changes = append(changes, CellChange{Col: col, Before: before, After: after})
	}
	return changes
}

func at(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}
