// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package schema

import (
	"encoding/json"
	"math"
	"time"
)

// Coerce normalizes a decoded row value into the canonical Go representation
// of the field type: time.Time for timestamps, string, float64, int64 and
// bool for the rest. Nil passes through as an explicit null.
func (field Field) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch field.Type {
	case TypeTimestamp:
		return coerceTimestamp(field.Name, value)

	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, Error.New("field %q expects a string, got %T", field.Name, value)
		}
		return s, nil

	case TypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, Error.New("field %q expects a number: %v", field.Name, err)
			}
			return f, nil
		}
		return nil, Error.New("field %q expects a double, got %T", field.Name, value)

	case TypeInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case uint64:
			if v > math.MaxInt64 {
				return nil, Error.New("field %q integer out of range", field.Name)
			}
			return int64(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, Error.New("field %q expects an integer, got fractional %v", field.Name, v)
			}
			return int64(v), nil
		case json.Number:
			i, err := v.Int64()
			if err != nil {
				return nil, Error.New("field %q expects an integer: %v", field.Name, err)
			}
			return i, nil
		}
		return nil, Error.New("field %q expects an integer, got %T", field.Name, value)

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, Error.New("field %q expects a boolean, got %T", field.Name, value)
		}
		return b, nil
	}

	return nil, Error.New("field %q has unsupported type %q", field.Name, field.Type)
}

func coerceTimestamp(name string, value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, Error.New("field %q has invalid timestamp %q: %v", name, v, err)
		}
		return t.UTC(), nil
	case float64:
		if v != math.Trunc(v) {
			return time.Time{}, Error.New("field %q expects epoch milliseconds, got fractional %v", name, v)
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return time.Time{}, Error.New("field %q expects epoch milliseconds: %v", name, err)
		}
		return time.UnixMilli(i).UTC(), nil
	}
	return time.Time{}, Error.New("field %q has invalid timestamp of type %T", name, value)
}

// NormalizeRow validates a row against the schema and returns a copy with
// every value coerced to its canonical representation. Keys not declared in
// the schema are rejected; declared fields may be absent.
func (fields Fields) NormalizeRow(row map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(row))
	for key, value := range row {
		field, ok := fields.ByName(key)
		if !ok {
			return nil, Error.New("row has undeclared field %q", key)
		}
		coerced, err := field.Coerce(value)
		if err != nil {
			return nil, err
		}
		normalized[key] = coerced
	}
	return normalized, nil
}

// EventTime extracts and parses the event timestamp of a row.
func EventTime(row map[string]any, timeField string) (time.Time, error) {
	value, ok := row[timeField]
	if !ok || value == nil {
		return time.Time{}, Error.New("row is missing time field %q", timeField)
	}
	return coerceTimestamp(timeField, value)
}
