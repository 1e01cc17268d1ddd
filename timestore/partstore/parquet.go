// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package partstore

import (
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/apphub/timestore/timestore/schema"
)

// ParquetSchema maps a dataset schema to a parquet schema. All columns are
// optional so that rows written before an additive evolution decode as null.
func ParquetSchema(tableName string, fields schema.Fields) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, field := range fields {
		var node parquet.Node
		switch field.Type {
		case schema.TypeTimestamp:
			node = parquet.Timestamp(parquet.Millisecond)
		case schema.TypeString:
			node = parquet.String()
		case schema.TypeDouble:
			node = parquet.Leaf(parquet.DoubleType)
		case schema.TypeInteger:
			node = parquet.Int(64)
		case schema.TypeBoolean:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			return nil, ErrPermanent.New("field %q has unsupported type %q", field.Name, field.Type)
		}
		group[field.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema(tableName, group), nil
}

// EncodeParquet writes rows as a parquet file. Values must already be in
// their canonical representation; timestamps are stored as epoch
// milliseconds.
func EncodeParquet(w io.Writer, tableName string, fields schema.Fields, rows []map[string]any) (count int64, err error) {
	parquetSchema, err := ParquetSchema(tableName, fields)
	if err != nil {
		return 0, err
	}

	writer := parquet.NewGenericWriter[map[string]any](w, parquetSchema)

	encoded := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out := make(map[string]any, len(row))
		for _, field := range fields {
			value, ok := row[field.Name]
			if !ok || value == nil {
				continue
			}
			coerced, err := field.Coerce(value)
			if err != nil {
				return 0, ErrPermanent.Wrap(err)
			}
			if ts, ok := coerced.(time.Time); ok {
				coerced = ts.UnixMilli()
			}
			out[field.Name] = coerced
		}
		encoded = append(encoded, out)
	}

	n, err := writer.Write(encoded)
	if err != nil {
		return 0, ErrPermanent.Wrap(err)
	}
	if err := writer.Close(); err != nil {
		return 0, ErrTransient.Wrap(err)
	}
	return int64(n), nil
}

// ReadParquetFile decodes a parquet file written by EncodeParquet back into
// canonical rows.
func ReadParquetFile(path string, tableName string, fields schema.Fields) (_ []map[string]any, err error) {
	parquetSchema, err := ParquetSchema(tableName, fields)
	if err != nil {
		return nil, err
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, ErrTransient.Wrap(err)
	}
	defer func() {
		if closeErr := fh.Close(); closeErr != nil && err == nil {
			err = ErrTransient.Wrap(closeErr)
		}
	}()

	reader := parquet.NewGenericReader[map[string]any](fh, parquetSchema)
	defer func() { _ = reader.Close() }()

	var rows []map[string]any
	buffer := make([]map[string]any, 64)
	for {
		n, err := reader.Read(buffer)
		for i := 0; i < n; i++ {
			rows = append(rows, decodeRow(fields, buffer[i]))
			buffer[i] = nil
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ErrTransient.Wrap(err)
		}
	}
	return rows, nil
}

// decodeRow converts parquet values back to canonical representations.
func decodeRow(fields schema.Fields, raw map[string]any) map[string]any {
	row := make(map[string]any, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		field, ok := fields.ByName(key)
		if !ok {
			continue
		}
		switch field.Type {
		case schema.TypeTimestamp:
			switch v := value.(type) {
			case int64:
				row[key] = time.UnixMilli(v).UTC()
			case time.Time:
				row[key] = v.UTC()
			default:
				row[key] = value
			}
		case schema.TypeInteger:
			switch v := value.(type) {
			case int64:
				row[key] = v
			case int32:
				row[key] = int64(v)
			case int:
				row[key] = int64(v)
			default:
				row[key] = value
			}
		case schema.TypeString:
			switch v := value.(type) {
			case string:
				row[key] = v
			case []byte:
				row[key] = string(v)
			default:
				row[key] = value
			}
		default:
			row[key] = value
		}
	}
	return row
}
