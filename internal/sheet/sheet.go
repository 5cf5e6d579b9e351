// Package sheet models the host's tables: named sheets whose first content
// row is a header and whose remaining rows are data rows.
package sheet

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

type Sheet struct {
	Key    string
	Name   string
	Header []string
	Rows   [][]string
	// Extra holds host fields other than name and content.
	Extra map[string]any
}

// Map is keyed by the sheet's stable key.
type Map map[string]*Sheet

func (s *Sheet) Cell(row, col int) string {
	if row < 0 || row >= len(s.Rows) {
		return ""
	}
	cells := s.Rows[row]
	if col < 0 || col >= len(cells) {
		return ""
	}
	return cells[col]
}

// SetCell writes a value, growing the sheet with empty rows and cells as needed.
func (s *Sheet) SetCell(row, col int, value string) {
	for len(s.Rows) <= row {
		s.Rows = append(s.Rows, make([]string, len(s.Header)))
	}
	cells := s.Rows[row]
	for len(cells) <= col {
		cells = append(cells, "")
	}
	cells[col] = value
	s.Rows[row] = cells
}

// Width is the number of columns a complete row should have.
func (s *Sheet) Width() int {
	return len(s.Header)
}

func (s *Sheet) RowKey(row int) string {
	return RowKey(s.Name, row)
}

func (s *Sheet) Clone() *Sheet {
	if s == nil {
		return nil
	}
	out := &Sheet{
		Key:    s.Key,
		Name:   s.Name,
		Header: append([]string(nil), s.Header...),
		Rows:   make([][]string, len(s.Rows)),
	}
	if out.Header == nil {
		out.Header = []string{}
	}
	for i, row := range s.Rows {
		out.Rows[i] = append([]string{}, row...)
	}
	if s.Extra != nil {
		out.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = cloneValue(v)
		}
	}
	return out
}

func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, s := range m {
		out[k] = s.Clone()
	}
	return out
}

// Keys returns sheet keys in a stable order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ByName returns the first sheet, in key order, with the given display name.
func (m Map) ByName(name string) (*Sheet, bool) {
	for _, key := range m.Keys() {
		if m[key].Name == name {
			return m[key], true
		}
	}
	return nil, false
}

// ResolveRow maps a row key back onto a sheet and data row index.
func (m Map) ResolveRow(rowKey string) (*Sheet, int, bool) {
	name, row, _, ok := ParseKey(rowKey)
	if !ok {
		return nil, 0, false
	}
	s, found := m.ByName(name)
	if !found {
		return nil, 0, false
	}
	return s, row, true
}

func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, a := range m {
		b, ok := other[k]
		if !ok {
			return false
		}
		if a.Name != b.Name || !equalStrings(a.Header, b.Header) || len(a.Rows) != len(b.Rows) {
			return false
		}
		for i := range a.Rows {
			if !equalStrings(a.Rows[i], b.Rows[i]) {
				return false
			}
		}
		if len(a.Extra) != 0 || len(b.Extra) != 0 {
			if !reflect.DeepEqual(a.Extra, b.Extra) {
				return false
			}
		}
	}
	return true
}

// ToRaw renders the map back into the host's loosely typed form.
func (m Map) ToRaw() map[string]any {
	out := make(map[string]any, len(m))
	for key, s := range m {
		entry := make(map[string]any, len(s.Extra)+2)
		for k, v := range s.Extra {
			entry[k] = cloneValue(v)
		}
		content := make([]any, 0, len(s.Rows)+1)
		content = append(content, toAnySlice(s.Header))
		for _, row := range s.Rows {
			content = append(content, toAnySlice(row))
		}
		entry["name"] = s.Name
		entry["content"] = content
		out[key] = entry
	}
	return out
}

func (m Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToRaw())
}

func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode sheets: %w", err)
	}
	*m = ParseRaw(raw)
	return nil
}

// Coerce converts a loosely typed host cell into its string form.
func Coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
