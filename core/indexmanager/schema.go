package indexmanager

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeInteger ColumnType = "INTEGER"
	TypeReal    ColumnType = "REAL"
	TypeText    ColumnType = "TEXT"
	TypeBlob    ColumnType = "BLOB"
	TypeBoolean ColumnType = "BOOLEAN"
)

// ParseColumnType accepts a type name in any case.
func ParseColumnType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypeInteger, TypeReal, TypeText, TypeBlob, TypeBoolean:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown column type %q", flushmanager.ErrSchema, s)
}

// Row maps column names to values. Stored rows come back with int64,
// float64, string, []byte, bool or nil values according to the column types.
type Row map[string]any

type Column struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	NotNull bool       `json:"not_null,omitempty"`
}

// TableSchema describes a table to create.
type TableSchema struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey string   `json:"primary_key"`
}

// IndexSchema describes a secondary index on one column.
type IndexSchema struct {
	Table  string `json:"table"`
	Name   string `json:"name"`
	Column string `json:"column"`
}

// IndexDef is an index as stored in the catalog.
type IndexDef struct {
	Name   string             `json:"name"`
	Column string             `json:"column"`
	Root   pagemanager.PageID `json:"root"`
}

// TableDef is the catalog entry of a table. Root pages are zero until the
// creating transaction commits.
type TableDef struct {
	TableSchema
	Root    pagemanager.PageID `json:"root"`
	Indexes []IndexDef         `json:"indexes,omitempty"`
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifier(kind, name string) error {
	if !identifierRe.MatchString(name) || len(name) > 128 {
		return fmt.Errorf("%w: invalid %s name %q", flushmanager.ErrSchema, kind, name)
	}
	return nil
}

// Validate checks names, types and the primary key.
func (s *TableSchema) Validate() error {
	if err := checkIdentifier("table", s.Name); err != nil {
		return err
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", flushmanager.ErrSchema, s.Name)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	pkFound := false
	for _, c := range s.Columns {
		if err := checkIdentifier("column", c.Name); err != nil {
			return err
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %s in table %s", flushmanager.ErrSchema, c.Name, s.Name)
		}
		seen[c.Name] = struct{}{}
		if _, err := ParseColumnType(string(c.Type)); err != nil {
			return err
		}
		if c.Name == s.PrimaryKey {
			pkFound = true
		}
	}
	if !pkFound {
		return fmt.Errorf("%w: primary key %q is not a column of table %s", flushmanager.ErrSchema, s.PrimaryKey, s.Name)
	}
	return nil
}

func (d *TableDef) column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (d *TableDef) index(name string) (IndexDef, bool) {
	for _, ix := range d.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexDef{}, false
}

func (d *TableDef) pkType() ColumnType {
	c, _ := d.column(d.PrimaryKey)
	return c.Type
}

// normalizeRow checks row against the table and converts every value to the
// canonical Go type of its column. Missing columns become nil.
func (d *TableDef) normalizeRow(row Row) (Row, error) {
	for name := range row {
		if _, ok := d.column(name); !ok {
			return nil, fmt.Errorf("%w: table %s has no column %s", flushmanager.ErrSchema, d.Name, name)
		}
	}
	out := make(Row, len(d.Columns))
	for _, c := range d.Columns {
		v, err := normalizeValue(c.Type, row[c.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s.%s: %w", d.Name, c.Name, err)
		}
		if v == nil && (c.NotNull || c.Name == d.PrimaryKey) {
			return nil, fmt.Errorf("%w: column %s.%s must not be NULL", flushmanager.ErrSchema, d.Name, c.Name)
		}
		out[c.Name] = v
	}
	return out, nil
}

func typeError(t ColumnType, v any) error {
	return fmt.Errorf("%w: %T value %v is not %s", flushmanager.ErrSchema, v, v, t)
}

// normalizeValue converts v to the canonical representation of t.
func normalizeValue(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInteger:
		return toInt64(v)
	case TypeReal:
		return toFloat64(v)
	case TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBlob:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, typeError(t, v)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), nil
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), nil
		}
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n), nil
		}
	case json.Number:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i, nil
		}
	}
	return 0, typeError(TypeInteger, v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, nil
		}
	default:
		if i, err := toInt64(v); err == nil {
			return float64(i), nil
		}
	}
	return 0, typeError(TypeReal, v)
}
