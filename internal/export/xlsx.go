// Package export renders staged tables into downloadable workbooks.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"tablestage/internal/sheet"
)

const (
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	maxSheetName = 31
	defaultSheet = "Sheet1"
)

var ErrNoTables = errors.New("export: no tables to export")

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// WriteXLSX writes one worksheet per table, header first, in key order.
func WriteXLSX(w io.Writer, data sheet.Map) error {
	if len(data) == 0 {
		return ErrNoTables
	}
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	used := make(map[string]bool)
	for i, key := range data.Keys() {
		s := data[key]
		name := uniqueName(sanitizeName(s.Name, key), used)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				return fmt.Errorf("rename sheet %s: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}

		if err := writeRow(f, name, 1, s.Header); err != nil {
			return err
		}
		if err := f.SetRowStyle(name, 1, 1, bold); err != nil {
			return fmt.Errorf("style header of %s: %w", name, err)
		}
		for r, row := range s.Rows {
			if err := writeRow(f, name, r+2, row); err != nil {
				return err
			}
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// XLSX renders data into an in-memory workbook.
func XLSX(data sheet.Map, filename string) (*Result, error) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, data); err != nil {
		return nil, err
	}
	if filename == "" {
		filename = "tables.xlsx"
	}
	return &Result{Data: buf.Bytes(), Filename: filename, MimeType: MimeXLSX}, nil
}

func writeRow(f *excelize.File, name string, row int, cells []string) error {
	if len(cells) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name for row %d: %w", row, err)
	}
	values := make([]interface{}, len(cells))
	for i, v := range cells {
		values[i] = v
	}
	if err := f.SetSheetRow(name, cell, &values); err != nil {
		return fmt.Errorf("write row %d of %s: %w", row, name, err)
	}
	return nil
}

// sanitizeName strips characters worksheets cannot carry and truncates to
// the worksheet name limit.
func sanitizeName(name, fallback string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.Trim(name, "'")
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = defaultSheet
	}
	return truncate(name, maxSheetName)
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncate(name, maxSheetName-len(suffix)) + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
