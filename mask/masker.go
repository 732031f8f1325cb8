package mask

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/event"
)

// Strategy applied to a classified column.
type Strategy string

const (
	StrategyHash  Strategy = "HASH"  // sha256(salt || value), PII
	StrategyToken Strategy = "TOKEN" // hmac-sha256(key, value), PHI
)

// Masker substitutes sensitive column values on outgoing events.
// Deterministic: the same input always yields the same token, so
// idempotent replays converge.
type Masker struct {
	rules *Rules
	salt  []byte
	keyID string
	key   []byte
}

// NewMasker builds a masker over the given rule set. salt feeds the PII
// digest; key and keyID feed the PHI MAC.
func NewMasker(rules *Rules, salt, keyID, key string) *Masker {
	return &Masker{
		rules: rules,
		salt:  []byte(salt),
		keyID: keyID,
		key:   []byte(key),
	}
}

// Apply returns a new event with sensitive column values replaced. Key
// columns and unclassified columns pass through. The input event is not
// modified. Plaintext never appears in the returned event or in logs.
func (m *Masker) Apply(ev *event.Event) *event.Event {
	if len(ev.Columns) == 0 {
		return ev
	}

	masked := make([]event.Column, len(ev.Columns))
	changed := false
	for i, col := range ev.Columns {
		masked[i] = col
		if col.Value == nil {
			continue
		}
		class := m.rules.Classify(col.Name)
		if class == ClassNone {
			continue
		}

		var token string
		var strategy Strategy
		switch class {
		case ClassPHI:
			token = m.tokenizePHI(col.Value)
			strategy = StrategyToken
		default:
			token = m.hashPII(col.Value)
			strategy = StrategyHash
		}
		masked[i].Value = token
		masked[i].Type = "text"
		changed = true

		audit := log.Info().
			Str("event_id", ev.ID.String()).
			Str("table", ev.Keyspace+"."+ev.Table).
			Str("column", col.Name).
			Str("classification", class.String()).
			Str("strategy", string(strategy))
		if strategy == StrategyToken {
			audit = audit.Str("key_id", m.keyID)
		}
		audit.Msg("Masked field")
	}

	if !changed {
		return ev
	}
	return ev.WithColumns(masked)
}

// hashPII digests the canonical byte form of the value with the
// configured salt.
func (m *Masker) hashPII(value any) string {
	h := sha256.New()
	h.Write(m.salt)
	h.Write(canonicalBytes(value))
	return hex.EncodeToString(h.Sum(nil))
}

// tokenizePHI produces a keyed MAC over the canonical byte form. The
// key id is carried in audit records for future rotation.
func (m *Masker) tokenizePHI(value any) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(canonicalBytes(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalBytes maps a value to a stable byte form: raw bytes for
// binary values, the string itself for strings, and the canonical
// sorted rendering for structured values.
func canonicalBytes(value any) []byte {
	switch v := value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return []byte(event.CanonicalValue(v))
	}
}
