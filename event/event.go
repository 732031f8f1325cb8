// Package event defines the immutable record of a single row mutation
// captured from the source commit-log, plus the schema-independent helpers
// the rest of the pipeline keys on (deterministic ids, partition hashing).
package event

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Kind of row mutation
type Kind uint8

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// ParseKind parses the string form produced by Kind.String
func ParseKind(s string) (Kind, error) {
	switch s {
	case "INSERT":
		return KindInsert, nil
	case "UPDATE":
		return KindUpdate, nil
	case "DELETE":
		return KindDelete, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Column is one named, typed cell. Type carries the source CQL type tag
// verbatim; values for collection types are preserved as decoded (maps,
// slices) and only interpreted by the masking and mapping layers.
type Column struct {
	Name  string      `msgpack:"n" json:"name"`
	Type  string      `msgpack:"t" json:"type"`
	Value interface{} `msgpack:"v" json:"value"`
}

// CaptureSkewTolerance bounds how far in the future a capture timestamp
// may be before construction rejects it (clock drift allowance).
const CaptureSkewTolerance = 5 * time.Second

// Event is one row mutation. Immutable once constructed: transforms
// produce a new Event via WithColumns and discard the original.
type Event struct {
	ID              uuid.UUID
	Kind            Kind
	Keyspace        string
	Table           string
	PartitionKey    []Column // ordered, non-empty
	ClusteringKey   []Column // ordered, may be empty
	Columns         []Column // non-empty for insert/update, empty for delete
	TimestampMicros int64    // source writetime, strictly increasing per partition
	TTLSeconds      int64    // 0 = no TTL
	CapturedAt      time.Time
}

// New validates and constructs an Event. The id must be derived up front
// (see DeriveID) so that replays of the same commit-log bytes produce the
// same Event.
func New(id uuid.UUID, kind Kind, keyspace, table string, partitionKey, clusteringKey, columns []Column, tsMicros, ttlSeconds int64, capturedAt time.Time) (*Event, error) {
	if keyspace == "" || table == "" {
		return nil, fmt.Errorf("keyspace and table are required")
	}
	if len(partitionKey) == 0 {
		return nil, fmt.Errorf("partition key must be non-empty")
	}
	if tsMicros <= 0 {
		return nil, fmt.Errorf("timestamp_micros must be positive, got %d", tsMicros)
	}
	if ttlSeconds < 0 {
		return nil, fmt.Errorf("ttl_seconds must be positive, got %d", ttlSeconds)
	}
	switch kind {
	case KindInsert, KindUpdate:
		if len(columns) == 0 {
			return nil, fmt.Errorf("columns required for %s events", kind)
		}
	case KindDelete:
		if len(columns) != 0 {
			return nil, fmt.Errorf("DELETE events must not carry column values")
		}
	default:
		return nil, fmt.Errorf("unknown event kind %d", kind)
	}
	if capturedAt.After(time.Now().Add(CaptureSkewTolerance)) {
		return nil, fmt.Errorf("captured_at %s is in the future", capturedAt)
	}

	return &Event{
		ID:              id,
		Kind:            kind,
		Keyspace:        keyspace,
		Table:           table,
		PartitionKey:    partitionKey,
		ClusteringKey:   clusteringKey,
		Columns:         columns,
		TimestampMicros: tsMicros,
		TTLSeconds:      ttlSeconds,
		CapturedAt:      capturedAt,
	}, nil
}

// idNamespace is the fixed namespace for deterministic event ids.
var idNamespace = uuid.MustParse("7b1eab16-c3a5-4adf-9f1c-5f3d8e20c9b4")

// DeriveID produces the stable event id from the commit-log file name, the
// key columns and the source timestamp. The same bytes in the same file
// always yield the same id, which is what makes replays idempotent.
func DeriveID(file string, partitionKey, clusteringKey []Column, tsMicros int64) uuid.UUID {
	var b strings.Builder
	b.WriteString(file)
	b.WriteByte(0)
	for _, c := range partitionKey {
		b.WriteString(c.Name)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", c.Value)
		b.WriteByte(0)
	}
	for _, c := range clusteringKey {
		b.WriteString(c.Name)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", c.Value)
		b.WriteByte(0)
	}
	fmt.Fprintf(&b, "%d", tsMicros)
	return uuid.NewSHA1(idNamespace, []byte(b.String()))
}

// WithColumns returns a copy of the event carrying substituted column
// values. Used by the masking transform; the receiver is left untouched
// and should be discarded by the caller.
func (e *Event) WithColumns(columns []Column) *Event {
	clone := *e
	clone.Columns = columns
	return &clone
}

// PrimaryKey returns partition key columns followed by clustering key
// columns, in declaration order. This is the destination upsert key.
func (e *Event) PrimaryKey() []Column {
	pk := make([]Column, 0, len(e.PartitionKey)+len(e.ClusteringKey))
	pk = append(pk, e.PartitionKey...)
	pk = append(pk, e.ClusteringKey...)
	return pk
}

// PartitionKeyString renders the partition key canonically for hashing
// and logging.
func (e *Event) PartitionKeyString() string {
	parts := make([]string, 0, len(e.PartitionKey))
	for _, c := range e.PartitionKey {
		parts = append(parts, fmt.Sprintf("%s=%v", c.Name, c.Value))
	}
	return e.Keyspace + "." + e.Table + ":" + strings.Join(parts, ",")
}

// PartitionID derives the signed 64-bit partition identifier used in
// offset rows. Stable across restarts and processes.
func (e *Event) PartitionID() int64 {
	return int64(xxhash.Sum64String(e.PartitionKeyString()))
}

// Column returns the named value column, if present.
func (e *Event) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// AllColumns returns key columns and value columns in write order:
// partition key, clustering key, then values.
func (e *Event) AllColumns() []Column {
	all := make([]Column, 0, len(e.PartitionKey)+len(e.ClusteringKey)+len(e.Columns))
	all = append(all, e.PartitionKey...)
	all = append(all, e.ClusteringKey...)
	all = append(all, e.Columns...)
	return all
}

// EstimateSize approximates the event's wire footprint for batch byte
// accounting. It intentionally overestimates structured values slightly;
// the bound is a flush trigger, not an exact budget.
func (e *Event) EstimateSize() int {
	size := 16 + len(e.Keyspace) + len(e.Table) + 16
	for _, c := range e.AllColumns() {
		size += len(c.Name) + len(c.Type) + valueSize(c.Value)
	}
	return size
}

func valueSize(v interface{}) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len(val)
	case []byte:
		return len(val)
	case map[string]interface{}:
		size := 0
		for k, mv := range val {
			size += len(k) + valueSize(mv)
		}
		return size
	case []interface{}:
		size := 0
		for _, sv := range val {
			size += valueSize(sv)
		}
		return size
	default:
		return 8
	}
}

// CanonicalValue renders a value deterministically: map keys sorted,
// list elements in order. Used when digesting structured values so the
// same logical value always masks to the same token.
func CanonicalValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(CanonicalValue(val[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []interface{}:
		elems := make([]string, 0, len(val))
		for _, sv := range val {
			elems = append(elems, CanonicalValue(sv))
		}
		// Sets arrive as slices; lexicographic order makes the digest
		// independent of source-side iteration order.
		sort.Strings(elems)
		return "[" + strings.Join(elems, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}
