// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"strconv"
	"time"
)

// TimeLayout is the text form of every timestamp the store writes. It matches
// strftime('%Y-%m-%dT%H:%M:%fZ','now') used by the capture triggers, so
// lexical and chronological order agree.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

var parseLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the shapes the driver hands back for DATETIME columns:
// time.Time for declared types, text for expressions.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	default:
		return time.Time{}, false
	}
}

func parseTimeString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Row is one result row keyed by column name.
type Row map[string]any

// String returns the column as text, or "" for NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return FormatTime(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// NullString returns nil for NULL and a pointer to the text otherwise.
func (r Row) NullString(col string) *string {
	if r[col] == nil {
		return nil
	}
	s := r.String(col)
	return &s
}

// Int64 returns the column as an integer, or 0.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	default:
		return 0
	}
}

// Float64 returns the column as a float, or 0.
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// Bool treats any non-zero integer as true.
func (r Row) Bool(col string) bool { return r.Int64(col) != 0 }

// Time returns the column as a UTC time and whether it was set.
func (r Row) Time(col string) (time.Time, bool) { return ParseTime(r[col]) }

// TimePtr is Time as a nullable pointer.
func (r Row) TimePtr(col string) *time.Time {
	t, ok := r.Time(col)
	if !ok {
		return nil
	}
	return &t
}
