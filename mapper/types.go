// Package mapper translates source CQL types to destination column
// types and decides which source type changes are safe to apply.
package mapper

import (
	"fmt"
	"strings"

	"github.com/datastreamhq/cascade/cfg"
)

// ErrUnsupportedType marks a source type with no destination encoding.
type ErrUnsupportedType struct {
	SourceType  string
	Destination string
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("source type %q is not supported for destination %s", e.SourceType, e.Destination)
}

// relationalTypes maps CQL types to Postgres column types. TimescaleDB
// inherits this table with the overrides below.
var relationalTypes = map[string]string{
	"ascii":     "text",
	"bigint":    "bigint",
	"blob":      "bytea",
	"boolean":   "boolean",
	"date":      "date",
	"decimal":   "numeric",
	"double":    "double precision",
	"float":     "real",
	"inet":      "inet",
	"int":       "integer",
	"smallint":  "smallint",
	"text":      "text",
	"time":      "time",
	"timestamp": "timestamptz",
	"timeuuid":  "uuid",
	"tinyint":   "smallint",
	"uuid":      "uuid",
	"varchar":   "varchar",
	"varint":    "numeric",
}

// timescaleOverrides adjusts the inherited relational table for the
// time-series destination. Timestamps must carry a timezone so
// hypertable partitioning is unambiguous.
var timescaleOverrides = map[string]string{
	"timestamp": "timestamptz",
	"date":      "timestamptz",
}

var columnarTypes = map[string]string{
	"ascii":     "String",
	"bigint":    "Int64",
	"blob":      "String",
	"boolean":   "UInt8",
	"date":      "Date",
	"decimal":   "Decimal(38, 19)",
	"double":    "Float64",
	"float":     "Float32",
	"inet":      "String",
	"int":       "Int32",
	"smallint":  "Int16",
	"text":      "String",
	"time":      "Int64",
	"timestamp": "DateTime64(3)",
	"timeuuid":  "UUID",
	"tinyint":   "Int8",
	"uuid":      "UUID",
	"varchar":   "String",
	"varint":    "Decimal(38, 0)",
}

// Mapping is the immutable type table for one destination.
type Mapping struct {
	destination string
	types       map[string]string
	jsonType    string
}

// ForDestination returns the type mapping for a configured destination
// name (postgres, clickhouse or timescaledb).
func ForDestination(destination string) (*Mapping, error) {
	switch destination {
	case cfg.DestPostgres:
		return &Mapping{destination: destination, types: relationalTypes, jsonType: "jsonb"}, nil
	case cfg.DestTimescaleDB:
		merged := make(map[string]string, len(relationalTypes))
		for k, v := range relationalTypes {
			merged[k] = v
		}
		for k, v := range timescaleOverrides {
			merged[k] = v
		}
		return &Mapping{destination: destination, types: merged, jsonType: "jsonb"}, nil
	case cfg.DestClickHouse:
		return &Mapping{destination: destination, types: columnarTypes, jsonType: "String"}, nil
	default:
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
}

func (m *Mapping) Destination() string { return m.destination }

// DestinationType maps one CQL type. Collection and user-defined types
// serialize to the destination's JSON type; counter and tuple have no
// destination encoding.
func (m *Mapping) DestinationType(sourceType string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(sourceType))
	base := normalized
	if i := strings.IndexByte(base, '<'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "frozen")

	switch base {
	case "counter", "tuple":
		return "", &ErrUnsupportedType{SourceType: sourceType, Destination: m.destination}
	case "list", "set", "map":
		return m.jsonType, nil
	}

	if t, ok := m.types[normalized]; ok {
		return t, nil
	}
	// Anything unrecognized is a user-defined type.
	return m.jsonType, nil
}

// wideningConversions are the source type changes that every destination
// can absorb without rewriting existing rows.
var wideningConversions = map[[2]string]bool{
	{"int", "bigint"}:       true,
	{"smallint", "int"}:     true,
	{"smallint", "bigint"}:  true,
	{"tinyint", "smallint"}: true,
	{"tinyint", "int"}:      true,
	{"tinyint", "bigint"}:   true,
	{"float", "double"}:     true,
	{"decimal", "double"}:   true,
	{"text", "varchar"}:     true,
	{"varchar", "text"}:     true,
	{"ascii", "text"}:       true,
}

// Widens reports whether changing a column from oldType to newType is a
// widening (or equivalent) transform. Satisfies schema.WideningFunc.
func Widens(oldType, newType string) bool {
	old := strings.ToLower(strings.TrimSpace(oldType))
	new := strings.ToLower(strings.TrimSpace(newType))
	if old == new {
		return true
	}
	return wideningConversions[[2]string{old, new}]
}
