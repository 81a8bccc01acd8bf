package dispatch

import (
	"log/slog"

	"github.com/kon-rad/appinsights/transport"
)

// DropReason tells a Monitor why telemetry was discarded.
type DropReason string

const (
	// DropOverflow: the buffer was full and the overflow policy discarded
	// an envelope.
	DropOverflow DropReason = "overflow"
	// DropRetriesExhausted: a batch failed retriably more times than the
	// configured retry budget.
	DropRetriesExhausted DropReason = "retries_exhausted"
	// DropFatal: the transport reported the batch can never be accepted.
	DropFatal DropReason = "fatal"
	// DropShutdown: the final flush deadline expired with the batch still
	// undelivered.
	DropShutdown DropReason = "shutdown"
)

// Monitor receives delivery failures and drop reports. Implementations must
// not block; telemetry failures are never surfaced to producer call sites.
type Monitor interface {
	EventsDropped(reason DropReason, count int)
	EventsPersisted(reason DropReason, count int)
	TransportFailure(outcome transport.Outcome, err error)
}

type logMonitor struct {
	logger *slog.Logger
}

// LogMonitor reports through a slog logger. It is the default Monitor.
func LogMonitor(logger *slog.Logger) Monitor {
	return &logMonitor{logger: logger}
}

func (m *logMonitor) EventsDropped(reason DropReason, count int) {
	m.logger.Warn("telemetry dropped", "reason", string(reason), "count", count)
}

func (m *logMonitor) EventsPersisted(reason DropReason, count int) {
	m.logger.Info("telemetry persisted for replay", "reason", string(reason), "count", count)
}

func (m *logMonitor) TransportFailure(outcome transport.Outcome, err error) {
	m.logger.Warn("transport failure", "outcome", outcome.String(), "error", err)
}

// NopMonitor discards all reports.
func NopMonitor() Monitor {
	return nopMonitor{}
}

type nopMonitor struct{}

func (nopMonitor) EventsDropped(DropReason, int) {}

func (nopMonitor) EventsPersisted(DropReason, int) {}

func (nopMonitor) TransportFailure(transport.Outcome, error) {}
