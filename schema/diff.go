package schema

import "sort"

// ChangeKind of a per-column schema operation
type ChangeKind uint8

const (
	ChangeDropColumn ChangeKind = iota
	ChangeAddColumn
	ChangeAlterType
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeDropColumn:
		return "DROP_COLUMN"
	case ChangeAddColumn:
		return "ADD_COLUMN"
	default:
		return "ALTER_TYPE"
	}
}

// ColumnChange is one column-level operation derived from diffing two
// snapshots, with its compatibility classification.
type ColumnChange struct {
	Kind       ChangeKind
	Column     string
	OldType    string // empty for ADD
	NewType    string // empty for DROP
	Compatible bool
	Reason     string // set when incompatible
}

// Change is the full diff between two consecutive snapshot versions of
// one table.
type Change struct {
	Keyspace    string
	Table       string
	FromVersion int
	ToVersion   int
	Ops         []ColumnChange
}

// Key returns the cache key of the affected table.
func (c *Change) Key() string {
	return c.Keyspace + "." + c.Table
}

// Incompatible returns the subset of operations classified incompatible.
func (c *Change) Incompatible() []ColumnChange {
	var out []ColumnChange
	for _, op := range c.Ops {
		if !op.Compatible {
			out = append(out, op)
		}
	}
	return out
}

// WideningFunc decides whether an alter-type is a widening or equivalent
// transform for the destination family (e.g. int -> bigint). The mapper
// package supplies the implementation.
type WideningFunc func(oldType, newType string) bool

// Diff computes the ordered operations transforming old into new:
// drops first, then adds, then alter-types, each sorted by column name.
//
// Compatibility: adds are always compatible; drops are compatible unless
// the column is part of the old snapshot's partition or clustering key;
// alter-type is compatible iff widens says so.
func Diff(old, new *Snapshot, widens WideningFunc) []ColumnChange {
	var drops, adds, alters []ColumnChange

	for _, oc := range old.Columns {
		nc, exists := new.Column(oc.Name)
		if !exists {
			op := ColumnChange{
				Kind:       ChangeDropColumn,
				Column:     oc.Name,
				OldType:    oc.Type,
				Compatible: true,
			}
			if oc.IsPartitionKey || oc.IsClusteringKey {
				op.Compatible = false
				op.Reason = "dropped column is part of the primary key"
			}
			drops = append(drops, op)
			continue
		}
		if nc.Type != oc.Type {
			op := ColumnChange{
				Kind:    ChangeAlterType,
				Column:  oc.Name,
				OldType: oc.Type,
				NewType: nc.Type,
			}
			if widens != nil && widens(oc.Type, nc.Type) {
				op.Compatible = true
			} else {
				op.Reason = "type change is not a widening transform"
			}
			alters = append(alters, op)
		}
	}

	for _, nc := range new.Columns {
		if _, exists := old.Column(nc.Name); !exists {
			adds = append(adds, ColumnChange{
				Kind:       ChangeAddColumn,
				Column:     nc.Name,
				NewType:    nc.Type,
				Compatible: true,
			})
		}
	}

	byName := func(ops []ColumnChange) {
		sort.Slice(ops, func(i, j int) bool { return ops[i].Column < ops[j].Column })
	}
	byName(drops)
	byName(adds)
	byName(alters)

	ops := make([]ColumnChange, 0, len(drops)+len(adds)+len(alters))
	ops = append(ops, drops...)
	ops = append(ops, adds...)
	ops = append(ops, alters...)
	return ops
}
