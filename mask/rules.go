// Package mask classifies outgoing columns as PII or PHI by name and
// replaces their values with irreversible digests before events reach
// any destination.
package mask

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Classification of one column name.
type Classification uint8

const (
	ClassNone Classification = iota
	ClassPII
	ClassPHI
)

func (c Classification) String() string {
	switch c {
	case ClassPII:
		return "PII"
	case ClassPHI:
		return "PHI"
	default:
		return "NONE"
	}
}

// Built-in patterns used when configuration supplies none, so
// classification is always well-defined.
var (
	DefaultPIIPatterns = []string{"email", "phone", "ssn", "address", "credit_card", "ip_address"}
	DefaultPHIPatterns = []string{"medical_record", "patient_id", "diagnosis", "prescription", "medication"}
)

const classifyCacheSize = 4096

// Rules holds the ordered pattern lists. Immutable after construction;
// reloading requires a restart.
type Rules struct {
	pii  []string
	phi  []string
	memo *lru.Cache[string, Classification]
}

// NewRules lowercases and stores the pattern lists, falling back to the
// built-in defaults for any empty list.
func NewRules(piiPatterns, phiPatterns []string) *Rules {
	if len(piiPatterns) == 0 {
		piiPatterns = DefaultPIIPatterns
	}
	if len(phiPatterns) == 0 {
		phiPatterns = DefaultPHIPatterns
	}
	memo, _ := lru.New[string, Classification](classifyCacheSize)
	r := &Rules{memo: memo}
	for _, p := range piiPatterns {
		r.pii = append(r.pii, strings.ToLower(p))
	}
	for _, p := range phiPatterns {
		r.phi = append(r.phi, strings.ToLower(p))
	}
	return r
}

// Classify tests the lowercased column name against PHI patterns first,
// then PII. PHI wins when a name matches both so the column receives the
// keyed treatment. Matching is substring, in declaration order.
func (r *Rules) Classify(column string) Classification {
	if c, ok := r.memo.Get(column); ok {
		return c
	}
	lower := strings.ToLower(column)
	c := ClassNone
	for _, p := range r.phi {
		if strings.Contains(lower, p) {
			c = ClassPHI
			break
		}
	}
	if c == ClassNone {
		for _, p := range r.pii {
			if strings.Contains(lower, p) {
				c = ClassPII
				break
			}
		}
	}
	r.memo.Add(column, c)
	return c
}
