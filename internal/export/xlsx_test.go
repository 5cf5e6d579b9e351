package export

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"tablestage/internal/sheet"
)

func TestWriteXLSXRoundTrip(t *testing.T) {
	data := sheet.ParseRaw(map[string]any{
		"a": map[string]any{"name": "Items", "content": []any{
			[]any{"#", "Name"},
			[]any{"1", "Knife"},
			[]any{"2", "Shield"},
		}},
		"b": map[string]any{"name": "Story Summary", "content": []any{
			[]any{"#", "Event"},
			[]any{"1", "Arrived"},
		}},
	})

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, data); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "Items" || sheets[1] != "Story Summary" {
		t.Fatalf("sheets = %v", sheets)
	}
	rows, err := f.GetRows("Items")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 || rows[0][1] != "Name" || rows[2][1] != "Shield" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestWriteXLSXEmpty(t *testing.T) {
	if err := WriteXLSX(&bytes.Buffer{}, sheet.Map{}); !errors.Is(err, ErrNoTables) {
		t.Fatalf("WriteXLSX() error = %v, want ErrNoTables", err)
	}
}

func TestSheetNames(t *testing.T) {
	cases := []struct {
		name, fallback, want string
	}{
		{name: "Items", fallback: "k", want: "Items"},
		{name: "a/b:c", fallback: "k", want: "a_b_c"},
		{name: "  ", fallback: "key", want: "key"},
		{name: strings.Repeat("x", 40), fallback: "k", want: strings.Repeat("x", 31)},
	}
	for _, tc := range cases {
		if got := sanitizeName(tc.name, tc.fallback); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}

	used := map[string]bool{}
	first := uniqueName("Items", used)
	second := uniqueName("items", used)
	if first != "Items" || second != "items (2)" {
		t.Fatalf("unique names = %q, %q", first, second)
	}
}

func TestXLSXResult(t *testing.T) {
	data := sheet.ParseRaw(map[string]any{
		"a": map[string]any{"name": "Items", "content": []any{[]any{"#"}, []any{"1"}}},
	})
	res, err := XLSX(data, "")
	if err != nil {
		t.Fatalf("XLSX() error = %v", err)
	}
	if res.Filename != "tables.xlsx" || res.MimeType != MimeXLSX || len(res.Data) == 0 {
		t.Fatalf("result = %+v", res)
	}
}
