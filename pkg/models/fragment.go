package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FragmentState distinguishes data that has not arrived yet from data that
// arrived and does not exist.
type FragmentState uint8

const (
	Unresolved FragmentState = iota
	Absent
	Present
)

func (s FragmentState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return fmt.Sprintf("FragmentState(%d)", uint8(s))
	}
}

// Fragment is one independently arriving piece of gate input.
// The zero value is Unresolved.
type Fragment[T any] struct {
	state FragmentState
	value T
}

func Resolved[T any](v T) Fragment[T] {
	return Fragment[T]{state: Present, value: v}
}

func Missing[T any]() Fragment[T] {
	return Fragment[T]{state: Absent}
}

func (f Fragment[T]) State() FragmentState { return f.state }
func (f Fragment[T]) IsUnresolved() bool   { return f.state == Unresolved }
func (f Fragment[T]) IsResolved() bool     { return f.state != Unresolved }
func (f Fragment[T]) IsAbsent() bool       { return f.state == Absent }
func (f Fragment[T]) IsPresent() bool      { return f.state == Present }

func (f Fragment[T]) Get() (T, bool) {
	return f.value, f.state == Present
}

// Value returns the present value or the zero value of T.
func (f Fragment[T]) Value() T {
	if f.state != Present {
		var zero T
		return zero
	}
	return f.value
}

// MarshalJSON encodes present fragments as their value and everything else
// as null.
func (f Fragment[T]) MarshalJSON() ([]byte, error) {
	if f.state != Present {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// DecodeFragment turns a stored raw value into a fragment. A key that has
// not been resolved stays Unresolved; null, {} and [] resolve to Absent.
func DecodeFragment[T any](raw json.RawMessage, resolved bool) (Fragment[T], error) {
	if !resolved {
		return Fragment[T]{}, nil
	}
	if IsEmptyJSON(raw) {
		return Missing[T](), nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return Missing[T](), fmt.Errorf("decode fragment: %w", err)
	}
	return Resolved(v), nil
}

// IsEmptyJSON reports whether raw is blank, null, an empty object or an
// empty array.
func IsEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "{}", "[]":
		return true
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return false
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return false
	}
	switch t := decoded.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
