// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package schema implements the dataset schema model and its evolution
// rules. A schema is an ordered list of named, typed fields; datasets evolve
// by appending nullable columns, never by removing or retyping existing
// ones.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default schema errs class.
var Error = errs.Class("schema")

// Type enumerates the supported logical field types.
type Type string

// Supported field types.
const (
	TypeTimestamp Type = "timestamp"
	TypeString    Type = "string"
	TypeDouble    Type = "double"
	TypeInteger   Type = "integer"
	TypeBoolean   Type = "boolean"
)

// Valid returns whether the type is one of the supported logical types.
func (t Type) Valid() bool {
	switch t {
	case TypeTimestamp, TypeString, TypeDouble, TypeInteger, TypeBoolean:
		return true
	}
	return false
}

// Field is a single named column of a schema.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Fields is an ordered field list forming a schema.
type Fields []Field

// Validate checks that the schema is non-empty, has no duplicate names and
// uses only supported types.
func (fields Fields) Validate() error {
	if len(fields) == 0 {
		return Error.New("schema has no fields")
	}
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field.Name == "" {
			return Error.New("schema field has empty name")
		}
		if strings.HasPrefix(field.Name, "__") {
			return Error.New("schema field %q uses reserved prefix", field.Name)
		}
		if !field.Type.Valid() {
			return Error.New("schema field %q has unsupported type %q", field.Name, field.Type)
		}
		if _, ok := seen[field.Name]; ok {
			return Error.New("schema field %q declared twice", field.Name)
		}
		seen[field.Name] = struct{}{}
	}
	return nil
}

// ByName returns the field with the given name.
func (fields Fields) ByName(name string) (Field, bool) {
	for _, field := range fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Names returns the field names in declaration order.
func (fields Fields) Names() []string {
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		names = append(names, field.Name)
	}
	return names
}

// Canonical returns a copy of the fields sorted by name. Field order is not
// significant for schema identity.
func (fields Fields) Canonical() Fields {
	sorted := append(Fields{}, fields...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return sorted
}

// Checksum returns a stable hex digest of the canonical field list. Two
// schemas with the same fields in different declaration order share a
// checksum.
func (fields Fields) Checksum() string {
	h := sha256.New()
	for _, field := range fields.Canonical() {
		fmt.Fprintf(h, "%s:%s\n", field.Name, field.Type)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes the fields as JSON.
func (fields Fields) Encode() ([]byte, error) {
	data, err := json.Marshal(fields)
	return data, Error.Wrap(err)
}

// Decode parses a JSON serialized field list.
func Decode(data []byte) (Fields, error) {
	var fields Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, Error.Wrap(err)
	}
	return fields, nil
}
