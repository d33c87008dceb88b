package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SourceFileKey is the reserved record key naming the originating (client side)
// or destination (collector side) file. It is never subject to key filtering.
const SourceFileKey = "sourceFile"

// Record is an ordered string-to-string mapping parsed from one source file.
// The zero value is an empty record ready to use.
type Record struct {
	keys   []string
	values map[string]string
}

// NewRecord creates a record holding only the reserved sourceFile key.
func NewRecord(sourceFile string) *Record {
	r := &Record{}
	r.Set(SourceFileKey, sourceFile)
	return r
}

// Set stores value under key. A key that already exists keeps its position.
func (r *Record) Set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// SourceFile returns the reserved sourceFile value, or "" when absent.
func (r *Record) SourceFile() string {
	return r.values[SourceFileKey]
}

// Len returns the number of keys, including sourceFile when present.
func (r *Record) Len() int {
	return len(r.keys)
}

// Keys returns a copy of the keys in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Range calls fn for each key/value pair in insertion order until fn returns false.
func (r *Record) Range(fn func(key, value string) bool) {
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// MarshalJSON encodes the record as a flat JSON object in insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object of strings, preserving the
// object's key order. Nested values, numbers, booleans and null are rejected.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("record: read object start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("record: expected JSON object")
	}

	out := Record{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("record: read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: unexpected key token %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return fmt.Errorf("record: read value for %q: %w", key, err)
		}
		value, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: value for %q is not a string", key)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("record: read object end: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("record: trailing data after object")
	}

	*r = out
	return nil
}
