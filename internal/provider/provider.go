// Package provider defines the adapter contract (C2, spec.md §4.2) shared by
// every vendor implementation: translate the neutral request/response shape
// to/from a vendor wire format, validating the raw vendor payload against a
// declared schema before translation.
package provider

import (
	"context"

	"github.com/vocalbridge/gateway/internal/model"
	"github.com/vocalbridge/gateway/internal/pricing"
)

// Adapter sends one neutral request to a single upstream vendor. Adapters
// MUST NOT retry internally; all retry policy lives in the orchestrator
// (C3). A failed call returns a *model.CallError classifying the failure.
type Adapter interface {
	// Provider identifies which vendor this adapter talks to.
	Provider() pricing.Provider

	// Send issues one call. ctx governs the per-attempt timeout; the caller
	// (the orchestrator) is responsible for bounding it.
	Send(ctx context.Context, req model.Request) (model.Response, error)
}
