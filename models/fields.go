package models

import (
	"encoding/json"
	"sort"
)

type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
)

// FieldValue is one custom field from the CRM: a tagged value rather than a
// dynamically-typed blob, so callers must handle absence and kind explicitly.
type FieldValue struct {
	Key  string    `json:"key"`
	Kind FieldKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
}

// FieldList is an ordered (by key) list of custom fields.
type FieldList []FieldValue

func (l FieldList) Lookup(key string) (FieldValue, bool) {
	for _, f := range l {
		if f.Key == key {
			return f, true
		}
	}
	return FieldValue{}, false
}

// Truthy reports whether the field exists and carries a value an organizer
// would read as "yes": a true bool, a non-zero number, or a non-empty string
// other than "0" / "false" / "no".
func (l FieldList) Truthy(key string) bool {
	f, ok := l.Lookup(key)
	if !ok {
		return false
	}
	switch f.Kind {
	case FieldBool:
		return f.Bool
	case FieldNumber:
		return f.Num != 0
	default:
		switch f.Str {
		case "", "0", "false", "no":
			return false
		}
		return true
	}
}

// FieldsFromMap converts a raw CRM custom-field mapping into an ordered
// FieldList. Heterogeneous value types are tagged; unsupported types are
// stringified by their JSON form.
func FieldsFromMap(raw map[string]any) FieldList {
	if len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make(FieldList, 0, len(keys))
	for _, k := range keys {
		switch v := raw[k].(type) {
		case bool:
			list = append(list, FieldValue{Key: k, Kind: FieldBool, Bool: v})
		case float64:
			list = append(list, FieldValue{Key: k, Kind: FieldNumber, Num: v})
		case json.Number:
			n, _ := v.Float64()
			list = append(list, FieldValue{Key: k, Kind: FieldNumber, Num: n})
		case string:
			list = append(list, FieldValue{Key: k, Kind: FieldString, Str: v})
		default:
			b, _ := json.Marshal(v)
			list = append(list, FieldValue{Key: k, Kind: FieldString, Str: string(b)})
		}
	}
	return list
}

func DecodeFields(raw []byte) FieldList {
	if len(raw) == 0 {
		return nil
	}
	var list FieldList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func EncodeFields(list FieldList) []byte {
	if len(list) == 0 {
		return nil
	}
	b, _ := json.Marshal(list)
	return b
}
