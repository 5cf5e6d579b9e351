package sheet

import (
	"sort"
	"strconv"
	"strings"
)

const (
	rowSep = "-row-"
	colSep = "-col-"
)

// RowKey addresses a data row by display name and zero-based position.
// Inserting or removing rows shifts the keys of every later row.
func RowKey(name string, row int) string {
	return name + rowSep + strconv.Itoa(row)
}

func CellKey(name string, row, col int) string {
	return RowKey(name, row) + colSep + strconv.Itoa(col)
}

// ParseKey splits a row or cell marker. col is -1 for a row marker.
func ParseKey(key string) (name string, row, col int, ok bool) {
	i := strings.LastIndex(key, rowSep)
	if i < 0 {
		return "", 0, 0, false
	}
	name = key[:i]
	rest := key[i+len(rowSep):]
	col = -1
	if j := strings.Index(rest, colSep); j >= 0 {
		c, err := strconv.Atoi(rest[j+len(colSep):])
		if err != nil || c < 0 {
			return "", 0, 0, false
		}
		col = c
		rest = rest[:j]
	}
	r, err := strconv.Atoi(rest)
	if err != nil || r < 0 {
		return "", 0, 0, false
	}
	return name, r, col, true
}

// RowOf trims a cell marker down to its row key.
func RowOf(marker string) string {
	name, row, _, ok := ParseKey(marker)
	if !ok {
		return marker
	}
	return RowKey(name, row)
}

// MarkerSet is a set of row keys and cell markers.
type MarkerSet map[string]struct{}

func NewMarkerSet(keys ...string) MarkerSet {
	s := make(MarkerSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s MarkerSet) Add(key string) {
	s[key] = struct{}{}
}

func (s MarkerSet) Remove(key string) {
	delete(s, key)
}

func (s MarkerSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s MarkerSet) Len() int {
	return len(s)
}

func (s MarkerSet) Merge(other MarkerSet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

func (s MarkerSet) Clone() MarkerSet {
	out := make(MarkerSet, len(s))
	out.Merge(s)
	return out
}

func (s MarkerSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rows collapses cell markers into the set of rows they touch.
func (s MarkerSet) Rows() MarkerSet {
	out := make(MarkerSet, len(s))
	for k := range s {
		out.Add(RowOf(k))
	}
	return out
}

// TouchesRow reports whether any marker falls within the row.
func (s MarkerSet) TouchesRow(rowKey string) bool {
	if s.Has(rowKey) {
		return true
	}
	prefix := rowKey + colSep
	for k := range s {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
