package homee

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Extra holds the fields of a hub object that have no typed counterpart, or
// whose value did not match the declared type. They are kept verbatim and
// written back on marshal, so nothing the hub sent is lost.
type Extra map[string]json.RawMessage

// decodeFields fills the json-tagged fields of dst (a struct pointer) from the
// object in data. Fields named in strict must decode; any other field that
// does not fit its declared type is left zero and kept in the returned Extra
// together with the fields dst does not declare.
func decodeFields(data []byte, dst any, strict ...string) (Extra, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	v := reflect.ValueOf(dst).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := jsonName(t.Field(i))
		raw, ok := fields[name]
		if name == "" || !ok {
			continue
		}
		field := v.Field(i)
		if err := json.Unmarshal(raw, field.Addr().Interface()); err != nil {
			if slices.Contains(strict, name) {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			field.SetZero()
			continue
		}
		delete(fields, name)
	}

	if len(fields) == 0 {
		return nil, nil
	}
	return Extra(fields), nil
}

// encodeFields marshals v and overlays extra on top of its fields.
func encodeFields(v any, extra Extra) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		fields[k] = raw
	}
	return json.Marshal(fields)
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" || !f.IsExported() {
		return ""
	}
	return name
}
