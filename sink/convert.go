package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/datastreamhq/cascade/event"
)

// DestinationTable maps a source (keyspace, table) to the destination
// table name. Keyspace-qualified so two keyspaces with the same table
// name cannot collide.
func DestinationTable(keyspace, table string) string {
	return keyspace + "_" + table
}

// convertValue maps a source value to its destination representation.
// Collections and user-defined types are JSON-encoded; timestamps given
// as integer microseconds become time.Time; everything else passes
// through for the driver to bind.
func convertValue(col event.Column) (interface{}, error) {
	if col.Value == nil {
		return nil, nil
	}

	base := strings.ToLower(col.Type)
	if i := strings.IndexByte(base, '<'); i >= 0 {
		base = base[:i]
	}

	switch base {
	case "list", "set", "map", "frozen":
		encoded, err := json.Marshal(col.Value)
		if err != nil {
			return nil, fmt.Errorf("column %q: failed to encode collection value: %w", col.Name, err)
		}
		return string(encoded), nil
	case "timestamp":
		switch v := col.Value.(type) {
		case int64:
			return time.UnixMicro(v).UTC(), nil
		case int:
			return time.UnixMicro(int64(v)).UTC(), nil
		case uint64:
			return time.UnixMicro(int64(v)).UTC(), nil
		case time.Time:
			return v.UTC(), nil
		}
		return col.Value, nil
	case "uuid", "timeuuid":
		return fmt.Sprintf("%v", col.Value), nil
	}

	switch col.Value.(type) {
	case string, []byte, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, time.Time:
		return col.Value, nil
	}

	// Unrecognized source type with a structured value: JSON-encode.
	encoded, err := json.Marshal(col.Value)
	if err != nil {
		return nil, fmt.Errorf("column %q: failed to encode value: %w", col.Name, err)
	}
	return string(encoded), nil
}
