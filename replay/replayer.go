// Package replay drains the offline store back through the transport once
// connectivity returns.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kon-rad/appinsights/contracts"
	"github.com/kon-rad/appinsights/dispatch"
	"github.com/kon-rad/appinsights/persist"
	"github.com/kon-rad/appinsights/transport"
)

// Store is the slice of persist.Store the replayer needs.
type Store interface {
	FetchPending(ctx context.Context, limit, maxAttempts int) ([]persist.Pending, error)
	MarkAttempt(ctx context.Context, ids []int64, lastError string) error
	Delete(ctx context.Context, ids []int64) error
	PurgeExhausted(ctx context.Context, maxAttempts int) (int64, error)
}

type Result struct {
	EventsSent int
	Purged     int64
}

type Config struct {
	Interval time.Duration
	// BatchLimit caps how many stored envelopes one replay pass loads.
	BatchLimit int
	// MaxAttempts is the store-side cap; rows that keep failing are purged
	// and reported.
	MaxAttempts int
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

type Replayer struct {
	cfg     Config
	store   Store
	tr      transport.Transport
	logger  *slog.Logger
	monitor dispatch.Monitor
}

func New(store Store, tr transport.Transport, cfg Config, logger *slog.Logger, monitor dispatch.Monitor) *Replayer {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = dispatch.LogMonitor(logger)
	}
	return &Replayer{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		logger:  logger,
		monitor: monitor,
	}
}

// Run replays on the configured interval until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			res, err := r.ReplayOnce(passCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("replay pass failed", "error", err)
				continue
			}
			if res.EventsSent > 0 || res.Purged > 0 {
				r.logger.Info("replay pass completed", "events", res.EventsSent, "purged", res.Purged)
			}
		}
	}
}

// ReplayOnce sends one pass of pending envelopes. Successful rows are
// deleted, retriable failures bump the attempt counter, fatal failures and
// exhausted rows are purged and reported as drops.
func (r *Replayer) ReplayOnce(ctx context.Context) (Result, error) {
	var res Result

	purged, err := r.store.PurgeExhausted(ctx, r.cfg.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("purge exhausted: %w", err)
	}
	if purged > 0 {
		res.Purged = purged
		r.monitor.EventsDropped(dispatch.DropRetriesExhausted, int(purged))
	}

	pending, err := r.store.FetchPending(ctx, r.cfg.BatchLimit, r.cfg.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("fetch pending: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	items := make([]*contracts.Envelope, 0, len(pending))
	ids := make([]int64, 0, len(pending))
	for _, p := range pending {
		var env contracts.Envelope
		if err := json.Unmarshal(p.Body, &env); err != nil {
			// Unreadable rows can never be sent; drop them now.
			if delErr := r.store.Delete(ctx, []int64{p.ID}); delErr != nil {
				return res, fmt.Errorf("delete corrupt row: %w", delErr)
			}
			r.monitor.EventsDropped(dispatch.DropFatal, 1)
			continue
		}
		items = append(items, &env)
		ids = append(ids, p.ID)
	}
	if len(items) == 0 {
		return res, nil
	}

	outcome, sendErr := r.tr.Send(ctx, items)
	switch outcome {
	case transport.OutcomeSuccess:
		if err := r.store.Delete(ctx, ids); err != nil {
			return res, fmt.Errorf("delete replayed rows: %w", err)
		}
		res.EventsSent = len(items)
		return res, nil

	case transport.OutcomeFatal:
		r.monitor.TransportFailure(outcome, sendErr)
		if err := r.store.Delete(ctx, ids); err != nil {
			return res, fmt.Errorf("delete rejected rows: %w", err)
		}
		r.monitor.EventsDropped(dispatch.DropFatal, len(items))
		return res, nil

	default:
		r.monitor.TransportFailure(outcome, sendErr)
		lastError := ""
		if sendErr != nil {
			lastError = sendErr.Error()
		}
		if err := r.store.MarkAttempt(ctx, ids, lastError); err != nil {
			return res, fmt.Errorf("mark attempt: %w", err)
		}
		return res, sendErr
	}
}
