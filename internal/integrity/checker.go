// Package integrity flags suspicious AI additions to summary and outline
// tables: broken index sequences and empty cells.
package integrity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tablestage/internal/sheet"
)

type Kind string

const (
	KindIndexGap  Kind = "index_gap"
	KindEmptyCell Kind = "empty_cell"
)

type Issue struct {
	SheetKey string `json:"sheetKey"`
	RowKey   string `json:"rowKey"`
	Row      int    `json:"row"`
	Kind     Kind   `json:"kind"`
	Detail   string `json:"detail"`
	Columns  []int  `json:"columns,omitempty"`
}

var summaryMarkers = []string{"summary", "outline", "总结", "大纲"}

// Applies reports whether a sheet name follows the summary/outline convention.
func Applies(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range summaryMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Checker accumulates issues until Clear.
type Checker struct {
	mu     sync.Mutex
	issues map[string][]Issue
}

func New() *Checker {
	return &Checker{issues: make(map[string][]Issue)}
}

// Check inspects rows touched by markers in data. Index continuity is
// measured against the highest index already present in baseline.
func (c *Checker) Check(baseline, data sheet.Map, markers sheet.MarkerSet) []Issue {
	touched := make(map[string][]int)
	for rowKey := range markers.Rows() {
		s, row, ok := data.ResolveRow(rowKey)
		if !ok || !Applies(s.Name) || row >= len(s.Rows) {
			continue
		}
		touched[s.Key] = append(touched[s.Key], row)
	}

	var found []Issue
	for _, key := range sortedKeys(touched) {
		s := data[key]
		rows := touched[key]
		sort.Ints(rows)

		baseRows := 0
		last := 0
		if b, ok := baseline[key]; ok {
			baseRows = len(b.Rows)
			last = highestIndex(b)
		}

		expected := last + 1
		for _, row := range rows {
			rowKey := s.RowKey(row)
			if row >= baseRows {
				idx, ok := trailingIndex(s.Cell(row, 0))
				switch {
				case !ok:
					found = append(found, Issue{SheetKey: key, RowKey: rowKey, Row: row, Kind: KindIndexGap,
						Detail: fmt.Sprintf("index %q is not numbered, expected %d", s.Cell(row, 0), expected)})
					expected++
				case idx != expected:
					found = append(found, Issue{SheetKey: key, RowKey: rowKey, Row: row, Kind: KindIndexGap,
						Detail: fmt.Sprintf("index %d does not follow %d", idx, expected-1)})
					expected = idx + 1
				default:
					expected++
				}
			}
			if cols := emptyColumns(s, row); len(cols) > 0 {
				found = append(found, Issue{SheetKey: key, RowKey: rowKey, Row: row, Kind: KindEmptyCell,
					Detail: fmt.Sprintf("%d empty cell(s)", len(cols)), Columns: cols})
			}
		}
	}

	c.record(touched, data, found)
	return found
}

func (c *Checker) record(touched map[string][]int, data sheet.Map, found []Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-checked rows replace whatever was recorded for them before.
	for key, rows := range touched {
		rowKeys := make(map[string]bool, len(rows))
		for _, r := range rows {
			rowKeys[data[key].RowKey(r)] = true
		}
		kept := c.issues[key][:0]
		for _, is := range c.issues[key] {
			if !rowKeys[is.RowKey] {
				kept = append(kept, is)
			}
		}
		c.issues[key] = kept
	}
	for _, is := range found {
		c.issues[is.SheetKey] = append(c.issues[is.SheetKey], is)
	}
}

// Problematic returns the row keys with outstanding issues.
func (c *Checker) Problematic() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := sheet.NewMarkerSet()
	for _, list := range c.issues {
		for _, is := range list {
			set.Add(is.RowKey)
		}
	}
	return set.Sorted()
}

func (c *Checker) Issues(sheetKey string) []Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Issue(nil), c.issues[sheetKey]...)
}

func (c *Checker) All() []Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Issue
	for _, key := range sortedKeys(c.issues) {
		out = append(out, c.issues[key]...)
	}
	return out
}

// Summary is a one-line description suitable for a notification.
func (c *Checker) Summary() string {
	rows := c.Problematic()
	if len(rows) == 0 {
		return ""
	}
	return fmt.Sprintf("%d row(s) need review: %s", len(rows), strings.Join(rows, ", "))
}

func (c *Checker) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issues = make(map[string][]Issue)
}

func highestIndex(s *sheet.Sheet) int {
	last := 0
	for r := range s.Rows {
		if idx, ok := trailingIndex(s.Cell(r, 0)); ok && idx > last {
			last = idx
		}
	}
	return last
}

// trailingIndex reads the integer at the end of an index cell such as "12"
// or "AM012".
func trailingIndex(cell string) (int, bool) {
	cell = strings.TrimSpace(cell)
	end := len(cell)
	start := end
	for start > 0 && cell[start-1] >= '0' && cell[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(cell[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func emptyColumns(s *sheet.Sheet, row int) []int {
	width := s.Width()
	if width == 0 {
		width = len(s.Rows[row])
	}
	var cols []int
	for col := 0; col < width; col++ {
		if strings.TrimSpace(s.Cell(row, col)) == "" {
			cols = append(cols, col)
		}
	}
	return cols
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
