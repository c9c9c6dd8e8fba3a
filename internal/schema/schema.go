// Package schema holds the allow-lists that decide which upstream fields are
// persisted, and the helpers that apply them to decoded JSON documents.
package schema

import (
	"strconv"
	"strings"
)

// Document is the in-flight form of every entity: decoded JSON with numbers as
// float64.
type Document = map[string]any

// FieldType names the storage type of a field. Backends use it to pick index
// kinds; filtering ignores it.
type FieldType string

const (
	Text    FieldType = "text"
	Keyword FieldType = "keyword"
	Integer FieldType = "integer"
	Long    FieldType = "long"
	Float   FieldType = "float"
	Date    FieldType = "date"
	Boolean FieldType = "boolean"
	Object  FieldType = "object"
)

// Field describes one allowed field. Properties is set for nested objects and
// for arrays of objects; List marks arrays, of objects or of scalars.
type Field struct {
	Type       FieldType
	Properties Schema
	List       bool
}

// Schema is an allow-list keyed by field name.
type Schema map[string]Field

// Nested builds an object field.
func Nested(props Schema) Field {
	return Field{Type: Object, Properties: props}
}

// NestedList builds an array-of-objects field.
func NestedList(props Schema) Field {
	return Field{Type: Object, Properties: props, List: true}
}

// Lookup resolves a dotted path to its leaf field. repeated reports whether
// any segment along the path is a list.
func (s Schema) Lookup(path string) (field Field, repeated bool, ok bool) {
	current := s
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		f, found := current[seg]
		if !found {
			return Field{}, false, false
		}
		repeated = repeated || f.List
		if i == len(segments)-1 {
			return f, repeated, f.Properties == nil
		}
		if f.Properties == nil {
			return Field{}, false, false
		}
		current = f.Properties
	}
	return Field{}, false, false
}

// Merge returns a new schema holding the fields of every argument. Later
// schemas win on conflicts.
func Merge(schemas ...Schema) Schema {
	out := make(Schema)
	for _, s := range schemas {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// Filter returns a copy of doc holding only allowed fields. Nested objects and
// arrays of objects are filtered against their Properties; array elements that
// are not objects are dropped from such arrays. doc is not modified.
func (s Schema) Filter(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(s))
	for name, field := range s {
		v, ok := doc[name]
		if !ok {
			continue
		}
		out[name] = field.filterValue(v)
	}
	return out
}

// FilterAll applies Filter to every element.
func (s Schema) FilterAll(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, s.Filter(d))
	}
	return out
}

func (f Field) filterValue(v any) any {
	if f.Properties == nil {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		return f.Properties.Filter(val)
	case []any:
		items := make([]any, 0, len(val))
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				items = append(items, f.Properties.Filter(m))
			}
		}
		return items
	case []Document:
		items := make([]any, 0, len(val))
		for _, m := range val {
			items = append(items, f.Properties.Filter(m))
		}
		return items
	default:
		// A scalar where an object was declared does not fit the schema.
		return nil
	}
}

// Fields flattens the schema into dotted paths. Object fields are
// represented by their leaves only.
func (s Schema) Fields() map[string]FieldType {
	out := make(map[string]FieldType)
	s.flatten("", out)
	return out
}

func (s Schema) flatten(prefix string, out map[string]FieldType) {
	for name, f := range s {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if f.Properties != nil {
			f.Properties.flatten(path, out)
			continue
		}
		out[path] = f.Type
	}
}

// IDOf renders doc["id"] as a store key. Upstream ids are integers for movies
// and strings for reviews and videos.
func IDOf(doc Document) (string, bool) {
	switch v := doc["id"].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	default:
		return "", false
	}
}

// IDsOf collects the ids of docs, skipping documents without one.
func IDsOf(docs []Document) []any {
	ids := make([]any, 0, len(docs))
	for _, d := range docs {
		if id, ok := d["id"]; ok && id != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Bool reads a boolean flag, treating absence as false.
func Bool(doc Document, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

// Int reads a numeric field as int.
func Int(doc Document, key string) (int, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	default:
		return 0, false
	}
}

// Documents converts a decoded JSON array into documents, skipping non-object
// elements.
func Documents(v any) []Document {
	arr, ok := v.([]any)
	if !ok {
		if docs, ok := v.([]Document); ok {
			return docs
		}
		return nil
	}
	out := make([]Document, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Values converts documents back into a JSON array value.
func Values(docs []Document) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}
