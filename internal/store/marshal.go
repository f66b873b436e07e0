package store

import (
	"fmt"
	"time"

	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// timeLayout is how timestamps are stored. Fixed-width nanoseconds keep the
// text form sortable.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// marshalValue converts a value to a database/sql argument for a column.
// Deltas must be resolved by the caller.
func marshalValue(col model.Column, v row.Value) (any, error) {
	if row.IsNull(v) {
		return nil, nil
	}
	switch col.Type {
	case model.TypeString:
		if s, ok := v.(row.String); ok {
			return string(s), nil
		}
	case model.TypeInt:
		if i, ok := row.Resolve(v).(row.Int); ok {
			return int64(i), nil
		}
	case model.TypeBool:
		if b, ok := v.(row.Bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case model.TypeTime:
		if t, ok := v.(row.Time); ok {
			return t.UTC().Format(timeLayout), nil
		}
	}
	return nil, fmt.Errorf("column %s (%s): cannot store %s", col.Name, col.Type, row.Format(v))
}

// unmarshalValue converts a scanned column into a value.
func unmarshalValue(col model.Column, src any) (row.Value, error) {
	if src == nil {
		return row.Null{}, nil
	}
	if b, ok := src.([]byte); ok {
		src = string(b)
	}
	switch col.Type {
	case model.TypeString:
		if s, ok := src.(string); ok {
			return row.String(s), nil
		}
	case model.TypeInt, model.TypeBool:
		var n int64
		switch v := src.(type) {
		case int64:
			n = v
		case string:
			if _, err := fmt.Sscan(v, &n); err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
		default:
			return nil, fmt.Errorf("column %s: unexpected %T", col.Name, src)
		}
		if col.Type == model.TypeBool {
			return row.Bool(n != 0), nil
		}
		return row.Int(n), nil
	case model.TypeTime:
		switch v := src.(type) {
		case time.Time:
			return row.NewTime(v), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			return row.NewTime(t), nil
		}
	}
	return nil, fmt.Errorf("column %s (%s): unexpected %T", col.Name, col.Type, src)
}
