package mapper

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/event"
	"github.com/datastreamhq/cascade/retry"
	"github.com/datastreamhq/cascade/schema"
)

// Validator checks events against the cached schema for one destination
// before they are queued for writing. Failures carry the
// SchemaIncompatible category so the pipeline routes the event to the
// DLQ instead of retrying it.
type Validator struct {
	cache   *schema.Cache
	mapping *Mapping
}

func NewValidator(cache *schema.Cache, mapping *Mapping) *Validator {
	return &Validator{cache: cache, mapping: mapping}
}

// Validate returns nil when the event can be written to the destination.
// Events for tables with no cached snapshot pass: the snapshot will be
// discovered on the next catalog poll, and destination-side upserts are
// keyed, so late validation cannot double-apply anything.
func (v *Validator) Validate(ev *event.Event) error {
	snap := v.cache.Get(ev.Keyspace, ev.Table)
	if snap == nil {
		log.Debug().
			Str("table", ev.Keyspace+"."+ev.Table).
			Msg("No schema cached for table yet, allowing event")
		return v.checkTypes(ev, nil)
	}

	for _, pk := range snap.PartitionKeys {
		if !hasColumn(ev.PartitionKey, pk) {
			return retry.Wrapf(retry.CategorySchemaIncompatible,
				"event for %s is missing partition key column %q", snap.Key(), pk)
		}
	}

	return v.checkTypes(ev, snap)
}

func hasColumn(cols []event.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// checkTypes verifies every column carried by the event has a
// destination encoding. Columns unknown to the snapshot are allowed
// (an add-column change may not have been observed yet) but their
// declared type must still map.
func (v *Validator) checkTypes(ev *event.Event, snap *schema.Snapshot) error {
	for _, col := range ev.AllColumns() {
		sourceType := col.Type
		if snap != nil {
			if def, ok := snap.Column(col.Name); ok {
				sourceType = def.Type
			} else {
				log.Warn().
					Str("table", ev.Keyspace+"."+ev.Table).
					Str("column", col.Name).
					Msg("Event carries column unknown to cached schema")
			}
		}

		if _, err := v.mapping.DestinationType(sourceType); err != nil {
			var unsupported *ErrUnsupportedType
			if errors.As(err, &unsupported) {
				return retry.Wrapf(retry.CategorySchemaIncompatible,
					"column %q of %s.%s: %s", col.Name, ev.Keyspace, ev.Table, err)
			}
			return retry.Wrap(retry.CategorySchemaIncompatible, err)
		}
	}
	return nil
}
