package sheet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "tablestage://sheet.schema.json"

const sheetSchema = `{
	"type": "object",
	"required": ["name", "content"],
	"properties": {
		"name": {"type": "string"},
		"content": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "array"}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sheetSchema))
	if err != nil {
		panic(fmt.Sprintf("sheet: decode schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("sheet: add schema: %v", err))
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("sheet: compile schema: %v", err))
	}
	return schema
}

// Validate reports why a raw host entry is not a usable sheet.
func Validate(entry any) error {
	normalized, err := normalize(entry)
	if err != nil {
		return err
	}
	return compiledSchema.Validate(normalized)
}

// ParseRaw converts the host's table export into a Map. Entries that are not
// well-formed sheets are skipped.
func ParseRaw(raw map[string]any) Map {
	out := make(Map, len(raw))
	for key, entry := range raw {
		s, err := parseSheet(key, entry)
		if err != nil {
			continue
		}
		out[key] = s
	}
	return out
}

// ParseJSON decodes a JSON table export.
func ParseJSON(data []byte) (Map, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Map{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tables: %w", err)
	}
	return ParseRaw(raw), nil
}

func parseSheet(key string, entry any) (*Sheet, error) {
	normalized, err := normalize(entry)
	if err != nil {
		return nil, err
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return nil, err
	}
	obj := normalized.(map[string]any)
	content := obj["content"].([]any)

	s := &Sheet{
		Key:  key,
		Name: obj["name"].(string),
		Rows: make([][]string, 0, len(content)-1),
	}
	s.Header = coerceRow(content[0].([]any))
	for _, row := range content[1:] {
		s.Rows = append(s.Rows, coerceRow(row.([]any)))
	}
	for k, v := range obj {
		if k == "name" || k == "content" {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]any)
		}
		s.Extra[k] = v
	}
	return s, nil
}

// normalize round-trips a value through JSON so that only JSON types remain.
func normalize(entry any) (any, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode sheet: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode sheet: %w", err)
	}
	return doc, nil
}

func coerceRow(cells []any) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = Coerce(c)
	}
	return out
}
