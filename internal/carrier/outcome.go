// Package carrier talks to the upstream carrier store API: it acquires
// cookie-based sessions through a proxy identity's transport and performs
// single operator lookups, classifying each raw response into a closed
// outcome type.
package carrier

import "github.com/jesus-bazan-entel/apimovil/internal/errors"

// SentinelOperator is recorded when the upstream service answers
// "Operator not found": the number belongs to the service's own network.
const SentinelOperator = "DIGI SPAIN TELECOM, S.L."

// OutcomeKind tags the result of one lookup attempt
type OutcomeKind int

const (
	// OutcomeSuccess means the upstream returned an operator name
	OutcomeSuccess OutcomeKind = iota
	// OutcomeCarrierSentinel means the number belongs to the carrier itself
	OutcomeCarrierSentinel
	// OutcomeAuthExpired means the session must be re-established
	OutcomeAuthExpired
	// OutcomeTransient means a retryable, proxy-attributable failure
	OutcomeTransient
	// OutcomeFatal means an unexpected status or body shape
	OutcomeFatal
)

// String returns the kind's name for logs and audit rows
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeCarrierSentinel:
		return "carrier_sentinel"
	case OutcomeAuthExpired:
		return "auth_expired"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one network attempt. Operator is set for
// OutcomeSuccess and OutcomeCarrierSentinel; Transient is set for
// OutcomeTransient; Detail carries diagnostics for transient and fatal
// outcomes.
type Outcome struct {
	Kind      OutcomeKind
	Operator  string
	Transient errors.TransientKind
	Detail    string
}

// Terminal reports whether this outcome ends the resolution loop with a
// usable operator.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeCarrierSentinel
}

func successOutcome(operator string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Operator: operator}
}

func sentinelOutcome() Outcome {
	return Outcome{Kind: OutcomeCarrierSentinel, Operator: SentinelOperator}
}

func authExpiredOutcome() Outcome {
	return Outcome{Kind: OutcomeAuthExpired}
}

func transientOutcome(kind errors.TransientKind, detail string) Outcome {
	return Outcome{Kind: OutcomeTransient, Transient: kind, Detail: detail}
}

func fatalOutcome(detail string) Outcome {
	return Outcome{Kind: OutcomeFatal, Detail: detail}
}
