// Package transport delivers envelope batches to the ingestion endpoint.
// The dispatcher only sees the Outcome classification and never inspects
// transport internals.
package transport

import (
	"context"

	"github.com/kon-rad/appinsights/contracts"
)

// Outcome classifies a delivery attempt for the dispatcher's retry policy.
type Outcome int

const (
	// OutcomeSuccess: the batch was accepted and must be discarded.
	OutcomeSuccess Outcome = iota
	// OutcomeRetriable: delivery failed in a way worth retrying (timeouts,
	// throttling, server errors).
	OutcomeRetriable
	// OutcomeFatal: the batch will never be accepted (bad request, auth)
	// and must be dropped immediately.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Transport interface {
	Send(ctx context.Context, items []*contracts.Envelope) (Outcome, error)
	Close() error
}
