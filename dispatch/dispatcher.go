// Package dispatch drains the telemetry buffer in the background and hands
// batches to the transport, applying retry, backoff, and shutdown policy.
//
// Retry policy: a batch that fails retriably is retried in place with
// exponential backoff up to MaxRetries additional attempts; after that it
// is saved to the dead-letter store when one is configured, otherwise
// dropped and reported. Failed batches are never requeued to the buffer,
// so producer-side ordering is preserved and a poison batch cannot starve
// fresh telemetry.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/appinsights/buffer"
	"github.com/kon-rad/appinsights/contracts"
	"github.com/kon-rad/appinsights/transport"
)

// State is the dispatcher's observable position in its flush cycle.
type State int32

const (
	StateIdle State = iota
	StateFlushing
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeadLetter receives batches the dispatcher gave up on, so they can be
// replayed later.
type DeadLetter interface {
	SaveBatch(ctx context.Context, items []*contracts.Envelope, lastError string) error
}

type Config struct {
	MaxBatch      int
	FlushInterval time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	// MaxRetries is the number of retry attempts after the initial send of
	// a batch.
	MaxRetries int
}

func (c *Config) normalize() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

type Snapshot struct {
	State       State
	BufferLen   int
	EventsSent  int64
	Dropped     int64
	Persisted   int64
	LastSendErr string
}

type flushRequest struct {
	ctx  context.Context
	done chan struct{}
}

type Dispatcher struct {
	cfg        Config
	buf        *buffer.Buffer
	tr         transport.Transport
	logger     *slog.Logger
	monitor    Monitor
	deadLetter DeadLetter

	state       atomic.Int32
	eventsSent  atomic.Int64
	dropped     atomic.Int64
	persisted   atomic.Int64
	lastSendErr atomic.Value

	flushCh  chan flushRequest
	loopDone chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// pending holds a batch the loop was delivering when its context was
	// cancelled; only touched by the loop goroutine and, after wg.Wait,
	// by Close.
	pending []*contracts.Envelope
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMonitor(m Monitor) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.monitor = m
		}
	}
}

func WithDeadLetter(dl DeadLetter) Option {
	return func(d *Dispatcher) {
		d.deadLetter = dl
	}
}

func New(buf *buffer.Buffer, tr transport.Transport, cfg Config, opts ...Option) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		cfg:      cfg,
		buf:      buf,
		tr:       tr,
		logger:   slog.Default(),
		flushCh:  make(chan flushRequest),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.monitor == nil {
		d.monitor = LogMonitor(d.logger)
	}
	return d
}

// Start launches the background flush loop. It must be called once.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.loopDone)
		d.loop(ctx)
	}()
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.buf.Signal():
		case req := <-d.flushCh:
			d.flushAll(req.ctx)
			close(req.done)
			ticker.Reset(d.cfg.FlushInterval)
			continue
		}
		d.flushAll(ctx)
		ticker.Reset(d.cfg.FlushInterval)
	}
}

// flushAll drains the buffer batch by batch until it is empty or the
// context is cancelled.
func (d *Dispatcher) flushAll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := d.buf.Drain(d.cfg.MaxBatch)
		if len(batch) == 0 {
			return
		}
		if !d.deliver(ctx, batch) {
			return
		}
	}
}

// deliver sends one batch, retrying per policy. It returns false when the
// context was cancelled mid-delivery; the undelivered batch is parked in
// d.pending for the final flush.
func (d *Dispatcher) deliver(ctx context.Context, batch []*contracts.Envelope) bool {
	d.state.Store(int32(StateFlushing))
	defer d.state.Store(int32(StateIdle))

	for failures := 0; ; failures++ {
		outcome, err := d.tr.Send(ctx, batch)
		switch outcome {
		case transport.OutcomeSuccess:
			d.eventsSent.Add(int64(len(batch)))
			d.lastSendErr.Store("")
			return true

		case transport.OutcomeFatal:
			d.monitor.TransportFailure(outcome, err)
			d.recordErr(err)
			d.discard(ctx, batch, DropFatal, err)
			return true

		default: // retriable
			d.monitor.TransportFailure(outcome, err)
			d.recordErr(err)
			if ctx.Err() != nil {
				d.pending = batch
				return false
			}
			if failures >= d.cfg.MaxRetries {
				d.discard(ctx, batch, DropRetriesExhausted, err)
				return true
			}
			d.state.Store(int32(StateBackoff))
			delay := Delay(d.cfg.BackoffBase, d.cfg.BackoffCap, failures)
			select {
			case <-ctx.Done():
				d.pending = batch
				return false
			case <-time.After(delay):
			}
			d.state.Store(int32(StateFlushing))
		}
	}
}

// discard hands a failed batch to the dead-letter store when configured,
// otherwise drops it and reports the count.
func (d *Dispatcher) discard(ctx context.Context, batch []*contracts.Envelope, reason DropReason, cause error) {
	if d.deadLetter != nil {
		lastError := ""
		if cause != nil {
			lastError = cause.Error()
		}
		saveCtx := ctx
		if saveCtx.Err() != nil {
			var cancel context.CancelFunc
			saveCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
		}
		if err := d.deadLetter.SaveBatch(saveCtx, batch, lastError); err == nil {
			d.persisted.Add(int64(len(batch)))
			d.monitor.EventsPersisted(reason, len(batch))
			return
		}
		d.logger.Warn("dead-letter save failed, dropping batch", "count", len(batch))
	}
	d.dropped.Add(int64(len(batch)))
	d.monitor.EventsDropped(reason, len(batch))
}

func (d *Dispatcher) recordErr(err error) {
	if err != nil {
		d.lastSendErr.Store(err.Error())
	}
}

// ErrClosed is returned by Flush once the dispatcher has shut down.
var ErrClosed = errors.New("dispatcher closed")

// Flush forces a flush cycle and waits for it to finish or for ctx to
// expire. After Close it returns ErrClosed.
func (d *Dispatcher) Flush(ctx context.Context) error {
	req := flushRequest{ctx: ctx, done: make(chan struct{})}
	select {
	case d.flushCh <- req:
	case <-d.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-d.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and makes a final synchronous flush attempt bounded
// by ctx. Envelopes still undelivered when ctx expires are persisted when a
// dead-letter store is configured, otherwise dropped and reported.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	defer d.state.Store(int32(StateClosed))

	leftover := d.pending
	d.pending = nil
	leftover = append(leftover, d.buf.Drain(-1)...)
	if len(leftover) == 0 {
		return nil
	}

	outcome, err := d.tr.Send(ctx, leftover)
	if outcome == transport.OutcomeSuccess {
		d.eventsSent.Add(int64(len(leftover)))
		return nil
	}
	d.monitor.TransportFailure(outcome, err)
	d.recordErr(err)
	reason := DropShutdown
	if outcome == transport.OutcomeFatal {
		reason = DropFatal
	}
	d.discard(ctx, leftover, reason, err)
	return err
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) Snapshot() Snapshot {
	lastErr, _ := d.lastSendErr.Load().(string)
	return Snapshot{
		State:       d.State(),
		BufferLen:   d.buf.Len(),
		EventsSent:  d.eventsSent.Load(),
		Dropped:     d.dropped.Load(),
		Persisted:   d.persisted.Load(),
		LastSendErr: lastErr,
	}
}

// ReportOverflow counts buffer-overflow drops observed by producers. The
// buffer itself has no monitor reference, so the producer-facing client
// funnels evictions here.
func (d *Dispatcher) ReportOverflow(count int) {
	if count <= 0 {
		return
	}
	d.dropped.Add(int64(count))
	d.monitor.EventsDropped(DropOverflow, count)
}
