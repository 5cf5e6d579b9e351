// Package search keeps a knowledge-base index of table rows so the host can
// retrieve them outside the table view.
package search

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"tablestage/internal/sheet"
)

var ErrUnavailable = errors.New("search: index unavailable")

// RowRecord is the document indexed for one data row.
type RowRecord struct {
	ID        string   `json:"id"`
	ScopeID   string   `json:"scopeId"`
	SheetKey  string   `json:"sheetKey"`
	SheetName string   `json:"sheetName"`
	Row       int      `json:"row"`
	RowKey    string   `json:"rowKey"`
	Text      string   `json:"text"`
	Cells     []string `json:"cells"`
}

type Result struct {
	ID        string `json:"id"`
	SheetKey  string `json:"sheetKey"`
	SheetName string `json:"sheetName"`
	RowKey    string `json:"rowKey"`
	Snippet   string `json:"snippet"`
}

type Query struct {
	Text     string
	ScopeID  string
	SheetKey string
	Limit    int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Index is the backend the Service writes rows to and queries.
type Index interface {
	Healthy() bool
	IndexRows(rows []RowRecord) error
	DeleteRow(id string) error
	// DeleteScope removes every row indexed for scopeID.
	DeleteScope(scopeID string) error
	Search(q Query) ([]Result, int, error)
}

// RowID derives a stable document id from scope, sheet and row position.
func RowID(scopeID, sheetKey string, row int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%d", scopeID, sheetKey, row)))
	return hex.EncodeToString(sum[:])
}

// Records flattens every data row of data into index documents.
func Records(scopeID string, data sheet.Map) []RowRecord {
	var out []RowRecord
	for _, key := range data.Keys() {
		s := data[key]
		for i, row := range s.Rows {
			out = append(out, RowRecord{
				ID:        RowID(scopeID, key, i),
				ScopeID:   scopeID,
				SheetKey:  key,
				SheetName: s.Name,
				Row:       i,
				RowKey:    s.RowKey(i),
				Text:      rowText(s.Header, row),
				Cells:     append([]string{}, row...),
			})
		}
	}
	return out
}

func rowText(header, row []string) string {
	parts := make([]string, 0, len(row))
	for c, v := range row {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if c < len(header) && header[c] != "" {
			parts = append(parts, header[c]+": "+v)
			continue
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "; ")
}
