// Package pricing implements the process-wide pricing table (C1, spec.md
// §4.1): a pure function from (provider, tokensIn, tokensOut) to a
// non-negative integer cost in cents, with ceiling rounding.
//
// The table is immutable for the process's lifetime. A pricing snapshot is
// returned alongside every cost computation so billing can persist the exact
// rates used, independent of later table changes (spec.md §3, UsageEvent).
package pricing

import "math"

// Provider identifies an upstream AI vendor.
type Provider string

const (
	VendorA Provider = "VENDOR_A"
	VendorB Provider = "VENDOR_B"
)

// Rate is a provider's price per 1000 tokens, in dollars.
type Rate struct {
	InputPerKTokens  float64
	OutputPerKTokens float64
}

// Snapshot is the pricing tuple used for a single cost computation, persisted
// verbatim on the UsageEvent so historical bills never drift when the table
// changes (spec.md §4.1).
type Snapshot struct {
	Provider         Provider `json:"provider"`
	InputPerKTokens  float64  `json:"inputPerKTokens"`
	OutputPerKTokens float64  `json:"outputPerKTokens"`
	TokensIn         int      `json:"tokensIn"`
	TokensOut        int      `json:"tokensOut"`
}

// table is the process-wide, immutable pricing table. Never mutated after
// init; read only through Lookup, CostCents and SnapshotFor, per spec.md §9
// ("Global mutable state").
var table = map[Provider]Rate{
	VendorA: {InputPerKTokens: 0.003, OutputPerKTokens: 0.015},
	VendorB: {InputPerKTokens: 0.0015, OutputPerKTokens: 0.002},
}

// Lookup returns the configured rate for provider, or false if unknown.
func Lookup(provider Provider) (Rate, bool) {
	r, ok := table[provider]
	return r, ok
}

// CostCents computes the cost, in integer cents, of tokensIn input tokens and
// tokensOut output tokens against provider's rate. Ceiling rounding ensures
// the gateway never undercharges a fractional cent. Zero tokens yields zero
// cost. Returns (0, false) for an unknown provider.
func CostCents(provider Provider, tokensIn, tokensOut int) (int, bool) {
	rate, ok := table[provider]
	if !ok {
		return 0, false
	}
	return costCents(rate, tokensIn, tokensOut), true
}

// SnapshotFor computes both the cost and the snapshot to persist for a given
// call, in one step.
func SnapshotFor(provider Provider, tokensIn, tokensOut int) (int, Snapshot, bool) {
	rate, ok := table[provider]
	if !ok {
		return 0, Snapshot{}, false
	}
	return costCents(rate, tokensIn, tokensOut), Snapshot{
		Provider:         provider,
		InputPerKTokens:  rate.InputPerKTokens,
		OutputPerKTokens: rate.OutputPerKTokens,
		TokensIn:         tokensIn,
		TokensOut:        tokensOut,
	}, true
}

func costCents(rate Rate, tokensIn, tokensOut int) int {
	if tokensIn <= 0 && tokensOut <= 0 {
		return 0
	}
	dollars := (float64(tokensIn)/1000.0)*rate.InputPerKTokens + (float64(tokensOut)/1000.0)*rate.OutputPerKTokens
	cents := math.Ceil(dollars * 100)
	if cents < 0 {
		return 0
	}
	return int(cents)
}
