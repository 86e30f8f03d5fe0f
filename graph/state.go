// Package graph provides the core graph execution engine for stategraph.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the shared execution record threaded through a workflow run.
//
// Nodes receive the accumulated state and return a *partial* State (a delta)
// containing only the fields they changed. The engine merges deltas into the
// running state via the Schema's per-field policies, so two concurrent
// branches can both contribute without clobbering each other.
//
// Values must be JSON-serializable: states are snapshotted into checkpoint
// stores and deep-copied for fan-out branches via a JSON round trip.
type State map[string]any

// Clone creates a deep copy of the state using JSON round-trip serialization.
//
// This works for any JSON-serializable value graph. Channels, functions, and
// circular references are not supported. A nil state clones to an empty,
// non-nil State so callers can always write into the result.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	copied := make(State, len(s))
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return copied, nil
}

// Policy declares how two partial updates to the same field combine.
//
// The policy for a field is fixed for the lifetime of the Schema. Fields that
// concurrent fan-out branches may both write must use Append or ShallowMerge;
// Overwrite is only deterministic when writers are never concurrent.
type Policy int

const (
	// Overwrite replaces the previous value with the delta's value
	// (last writer wins).
	Overwrite Policy = iota

	// Append concatenates list values in merge order. Associative, so it is
	// safe for fan-out branches: order follows edge declaration order when
	// branches complete.
	Append

	// ShallowMerge unions map values; keys from the delta overwrite keys
	// from the base within a single merge step only.
	ShallowMerge
)

// String returns the policy name for error messages and logs.
func (p Policy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	case ShallowMerge:
		return "shallow-merge"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Kind is the declared value type of a schema field.
type Kind int

const (
	// KindString holds a string value.
	KindString Kind = iota
	// KindBool holds a boolean value.
	KindBool
	// KindNumber holds a numeric value (int or float).
	KindNumber
	// KindList holds an ordered sequence. Required for Append fields.
	KindList
	// KindMap holds a string-keyed mapping. Required for ShallowMerge fields.
	KindMap
)

// String returns the kind name for error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field declares one state field: its name, value kind, and merge policy.
type Field struct {
	Name   string
	Kind   Kind
	Policy Policy
}

// Schema is the fixed set of fields a workflow's State may contain, with one
// merge policy per field.
//
// The schema is declared once, at engine construction time, and drives every
// merge for the lifetime of the workflow. Writing an undeclared field is a
// programming error surfaced as *SchemaError. Unknown fields are never
// silently dropped, since silent loss defeats auditability.
type Schema struct {
	fields map[string]Field
}

// NewSchema builds a Schema from the given field declarations.
// Duplicate field names return an error.
func NewSchema(fields ...Field) (*Schema, error) {
	m := make(map[string]Field, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema field name cannot be empty")
		}
		if _, dup := m[f.Name]; dup {
			return nil, fmt.Errorf("duplicate schema field: %s", f.Name)
		}
		m[f.Name] = f
	}
	return &Schema{fields: m}, nil
}

// MustSchema is like NewSchema but panics on error. Intended for package-level
// schema declarations where the field list is static.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Has reports whether the schema declares the named field.
func (s *Schema) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Field returns the declaration for the named field.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// FieldNames returns the declared field names in sorted order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge applies delta to base field by field according to each field's
// declared policy and returns a new State. Neither input is mutated.
//
// An absent base field uses the policy identity: an empty list for Append, an
// empty map for ShallowMerge, "no previous value" for Overwrite. A delta
// field not declared in the schema fails with *SchemaError.
//
// Merging two fan-out branch outputs is two sequential Merge applications in
// edge-declaration order; only Overwrite fields are order-sensitive, and
// concurrent writers should not use them.
func (s *Schema) Merge(base, delta State) (State, error) {
	merged := make(State, len(base)+len(delta))
	for k, v := range base {
		merged[k] = v
	}
	// Deterministic application order keeps error reporting stable.
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field, ok := s.fields[key]
		if !ok {
			return nil, &SchemaError{Field: key, Reason: "field not declared in schema"}
		}
		val := delta[key]
		switch field.Policy {
		case Append:
			prev, err := asList(key, merged[key])
			if err != nil {
				return nil, err
			}
			next, err := asList(key, val)
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(prev)+len(next))
			out = append(out, prev...)
			out = append(out, next...)
			merged[key] = out
		case ShallowMerge:
			prev, err := asMap(key, merged[key])
			if err != nil {
				return nil, err
			}
			next, err := asMap(key, val)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(prev)+len(next))
			for k, v := range prev {
				out[k] = v
			}
			for k, v := range next {
				out[k] = v
			}
			merged[key] = out
		default: // Overwrite
			merged[key] = val
		}
	}
	return merged, nil
}

// asList normalizes a value into []any for Append merging.
// nil is the identity (empty list).
func asList(field string, v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, nil
	default:
		return nil, &SchemaError{Field: field, Reason: fmt.Sprintf("append field requires a list value, got %T", v)}
	}
}

// asMap normalizes a value into map[string]any for ShallowMerge merging.
// nil is the identity (empty map).
func asMap(field string, v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	case State:
		return t, nil
	default:
		return nil, &SchemaError{Field: field, Reason: fmt.Sprintf("shallow-merge field requires a map value, got %T", v)}
	}
}
