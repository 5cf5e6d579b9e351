package host

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Fields written by this tool onto transcript entries.
const (
	FieldIsolated = "tablestage_isolated"
	FieldData     = "tablestage_data"
	FieldModified = "tablestage_modified"
)

var ToolFields = []string{FieldIsolated, FieldData, FieldModified}

// Entry is one transcript message. Fields holds every property other than
// the ones modelled explicitly, including this tool's data bags.
type Entry struct {
	IsUser bool
	Name   string
	Text   string
	Fields map[string]json.RawMessage
}

// IsolatedData is the bag stored under one isolation key.
type IsolatedData struct {
	IndependentData map[string]any `json:"independentData"`
	ModifiedKeys    []string       `json:"modifiedKeys"`
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	*e = Entry{}
	if v, ok := raw["is_user"]; ok {
		if err := json.Unmarshal(v, &e.IsUser); err != nil {
			return fmt.Errorf("decode is_user: %w", err)
		}
		delete(raw, "is_user")
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &e.Name); err != nil {
			return fmt.Errorf("decode name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["mes"]; ok {
		if err := json.Unmarshal(v, &e.Text); err != nil {
			return fmt.Errorf("decode mes: %w", err)
		}
		delete(raw, "mes")
	}
	if len(raw) > 0 {
		e.Fields = raw
	}
	return nil
}

func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["is_user"] = e.IsUser
	out["name"] = e.Name
	out["mes"] = e.Text
	return json.Marshal(out)
}

// Isolated decodes the entry's isolated data bags keyed by isolation key.
func (e *Entry) Isolated() (map[string]IsolatedData, error) {
	raw, ok := e.Fields[FieldIsolated]
	if !ok {
		return map[string]IsolatedData{}, nil
	}
	var bags map[string]IsolatedData
	if err := json.Unmarshal(raw, &bags); err != nil {
		return nil, fmt.Errorf("decode isolated data: %w", err)
	}
	if bags == nil {
		bags = map[string]IsolatedData{}
	}
	return bags, nil
}

func (e *Entry) HasIsolated() bool {
	bags, err := e.Isolated()
	return err == nil && len(bags) > 0
}

func (e *Entry) SetIsolated(bags map[string]IsolatedData) error {
	payload, err := json.Marshal(bags)
	if err != nil {
		return fmt.Errorf("encode isolated data: %w", err)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[FieldIsolated] = payload
	return nil
}

// IsolationKeys lists the keys of the entry's bags in sorted order.
func (e *Entry) IsolationKeys() []string {
	bags, err := e.Isolated()
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(bags))
	for k := range bags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Entry) HasToolFields() bool {
	for _, f := range ToolFields {
		if _, ok := e.Fields[f]; ok {
			return true
		}
	}
	return false
}

// StripToolFields removes every tool-owned field and returns how many were
// removed.
func (e *Entry) StripToolFields() int {
	n := 0
	for _, f := range ToolFields {
		if _, ok := e.Fields[f]; ok {
			delete(e.Fields, f)
			n++
		}
	}
	return n
}

// Field returns a copy of a raw field and whether it was present.
func (e *Entry) Field(name string) (json.RawMessage, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// RestoreField puts back a value captured with Field.
func (e *Entry) RestoreField(name string, value json.RawMessage, present bool) {
	if !present {
		delete(e.Fields, name)
		return
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[name] = value
}
