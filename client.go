// Package appinsights is an asynchronous telemetry client for an
// Application Insights-style ingestion backend. Producers record telemetry
// through a Client without ever blocking; a background dispatcher batches
// buffered items and delivers them with retry, backoff, and an optional
// on-disk store for batches that could not be sent.
//
// There is no package-level client; construct one explicitly and pass it
// where telemetry is produced.
package appinsights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/appinsights/buffer"
	"github.com/kon-rad/appinsights/contracts"
	"github.com/kon-rad/appinsights/dispatch"
	"github.com/kon-rad/appinsights/perfcounters"
	"github.com/kon-rad/appinsights/persist"
	"github.com/kon-rad/appinsights/replay"
	"github.com/kon-rad/appinsights/transport"
)

const sdkVersionTag = "go-appinsights:0.1.0"

type Client struct {
	cfg     Config
	logger  *slog.Logger
	monitor dispatch.Monitor

	buf      *buffer.Buffer
	disp     *dispatch.Dispatcher
	tr       transport.Transport
	store    *persist.Store
	replayer *replay.Replayer

	commonTags map[string]string

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	closed   atomic.Bool
}

type Option func(*clientOptions)

type clientOptions struct {
	logger      *slog.Logger
	monitor     dispatch.Monitor
	tr          transport.Transport
	application contracts.Application
	device      *contracts.Device
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

func WithMonitor(m dispatch.Monitor) Option {
	return func(o *clientOptions) { o.monitor = m }
}

// WithTransport substitutes the delivery transport, mainly for tests and
// for hosts with bespoke delivery paths.
func WithTransport(tr transport.Transport) Option {
	return func(o *clientOptions) { o.tr = tr }
}

// WithApplication tags every telemetry item with the application version.
func WithApplication(app contracts.Application) Option {
	return func(o *clientOptions) { o.application = app }
}

func WithDevice(d contracts.Device) Option {
	return func(o *clientOptions) { o.device = &d }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.withDefaults()
	if cfg.InstrumentationKey == "" {
		return nil, errors.New("instrumentation key cannot be empty")
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
	}
	monitor := o.monitor
	if monitor == nil {
		monitor = dispatch.LogMonitor(logger)
	}
	tr := o.tr
	if tr == nil {
		tr = transport.NewHTTP(cfg.EndpointURL, transport.WithMaxPayloadBytes(cfg.MaxPayloadBytes))
	}
	device := contracts.LocalDevice()
	if o.device != nil {
		device = *o.device
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		monitor: monitor,
		tr:      tr,
		buf:     buffer.New(cfg.BufferCapacity, buffer.ParsePolicy(cfg.OverflowPolicy)),
	}
	c.commonTags = buildCommonTags(device, o.application)

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMonitor(monitor),
	}
	if cfg.StorePath != "" {
		store, err := persist.Open(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		c.store = store
		c.replayer = replay.New(store, tr, replay.Config{
			Interval:    cfg.ReplayInterval,
			MaxAttempts: cfg.ReplayMaxAttempts,
		}, logger, monitor)
		dispatchOpts = append(dispatchOpts, dispatch.WithDeadLetter(store))
	}

	c.disp = dispatch.New(c.buf, tr, dispatch.Config{
		MaxBatch:      cfg.MaxBatchSize,
		FlushInterval: cfg.FlushInterval,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		MaxRetries:    cfg.MaxRetries,
	}, dispatchOpts...)
	c.disp.Start()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	c.bgCancel = bgCancel
	if c.replayer != nil {
		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			_ = c.replayer.Run(bgCtx)
		}()
	}
	if cfg.PerfCounterInterval > 0 {
		collector := perfcounters.New(cfg.PerfCounterInterval, c, cfg.StorePath)
		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			if err := collector.Run(bgCtx); err != nil {
				logger.Warn("performance collector stopped", "error", err)
			}
		}()
	}

	return c, nil
}

func buildCommonTags(device contracts.Device, app contracts.Application) map[string]string {
	tags := map[string]string{
		contracts.TagSDKVersion: sdkVersionTag,
	}
	for k, v := range device.Tags() {
		tags[k] = v
	}
	for k, v := range app.Tags() {
		tags[k] = v
	}
	return tags
}

// tagsFor merges the client's common tags with per-call sources. Later
// sources win on key collisions.
func (c *Client) tagsFor(sources []contracts.TagSource) map[string]string {
	tags := make(map[string]string, len(c.commonTags)+2*len(sources))
	for k, v := range c.commonTags {
		tags[k] = v
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		for k, v := range src.Tags() {
			tags[k] = v
		}
	}
	return tags
}

// Track wraps a telemetry item in an envelope and enqueues it. It never
// blocks and never fails the caller; overflow drops are reported to the
// monitor.
func (c *Client) Track(item contracts.Telemetry, tags ...contracts.TagSource) {
	if item == nil {
		return
	}
	c.TrackEnvelope(contracts.NewEnvelope(c.cfg.InstrumentationKey, item, c.tagsFor(tags)))
}

// TrackEnvelope enqueues a pre-built envelope.
func (c *Client) TrackEnvelope(env *contracts.Envelope) {
	if env == nil || c.closed.Load() {
		return
	}
	accepted, evicted := c.buf.Enqueue(env)
	if !accepted || evicted != nil {
		c.disp.ReportOverflow(1)
	}
}

func (c *Client) TrackEvent(name string, properties map[string]string, measurements map[string]float64, tags ...contracts.TagSource) {
	c.Track(contracts.EventData{
		Ver:          2,
		Name:         name,
		Properties:   properties,
		Measurements: measurements,
	}, tags...)
}

func (c *Client) TrackTrace(message string, severity contracts.SeverityLevel, properties map[string]string, tags ...contracts.TagSource) {
	c.Track(contracts.MessageData{
		Ver:           2,
		Message:       message,
		SeverityLevel: severity,
		Properties:    properties,
	}, tags...)
}

// TrackMetric records a single measurement.
func (c *Client) TrackMetric(name string, value float64) {
	c.Track(contracts.MetricData{
		Ver:     2,
		Metrics: []contracts.DataPoint{{Name: name, Kind: contracts.Measurement, Value: value}},
	})
}

// TrackAggregateMetric records a pre-aggregated data point.
func (c *Client) TrackAggregateMetric(point contracts.DataPoint, properties map[string]string, tags ...contracts.TagSource) {
	if point.Kind == 0 {
		point.Kind = contracts.Aggregation
	}
	c.Track(contracts.MetricData{
		Ver:        2,
		Metrics:    []contracts.DataPoint{point},
		Properties: properties,
	}, tags...)
}

// TrackException records err with the caller's stack.
func (c *Client) TrackException(err error, properties map[string]string, measurements map[string]float64, tags ...contracts.TagSource) {
	if err == nil {
		return
	}
	c.Track(contracts.ExceptionData{
		Ver:           2,
		HandledAt:     "UserCode",
		Exceptions:    []contracts.ExceptionDetails{contracts.DetailsFromError(err, 1)},
		SeverityLevel: contracts.SeverityError,
		Properties:    properties,
		Measurements:  measurements,
	}, tags...)
}

// Request describes one handled HTTP request for TrackRequest.
type Request struct {
	ID           string
	Name         string
	URL          string
	Method       string
	StartTime    time.Time
	Duration     time.Duration
	ResponseCode string
	Success      bool
	Properties   map[string]string
	Measurements map[string]float64
}

// TrackRequest records a handled request. A missing ID is generated, and
// when no tag source supplies operation tags the request becomes its own
// operation, so dependent telemetry can correlate to it.
func (c *Client) TrackRequest(r Request, tags ...contracts.TagSource) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}
	if len(tags) == 0 {
		tags = []contracts.TagSource{contracts.Operation{
			ID:   r.ID,
			Name: r.Method + " " + r.Name,
		}}
	}
	c.Track(contracts.RequestData{
		Ver:          2,
		ID:           r.ID,
		Name:         r.Name,
		StartTime:    contracts.FormatTime(r.StartTime),
		Duration:     contracts.FormatDuration(r.Duration),
		ResponseCode: r.ResponseCode,
		Success:      r.Success,
		HTTPMethod:   r.Method,
		URL:          r.URL,
		Properties:   r.Properties,
		Measurements: r.Measurements,
	}, tags...)
}

// Dependency describes an outbound call for TrackDependency.
type Dependency struct {
	Name         string
	ID           string
	Type         string
	Target       string
	Data         string
	ResultCode   string
	Duration     time.Duration
	Success      bool
	Properties   map[string]string
	Measurements map[string]float64
}

func (c *Client) TrackDependency(d Dependency, tags ...contracts.TagSource) {
	c.Track(contracts.RemoteDependencyData{
		Ver:          2,
		Name:         d.Name,
		ID:           d.ID,
		ResultCode:   d.ResultCode,
		Duration:     contracts.FormatDuration(d.Duration),
		Success:      d.Success,
		Data:         d.Data,
		Target:       d.Target,
		Type:         d.Type,
		Properties:   d.Properties,
		Measurements: d.Measurements,
	}, tags...)
}

// Flush forces a dispatch cycle and waits for it, bounded by ctx.
func (c *Client) Flush(ctx context.Context) error {
	return c.disp.Flush(ctx)
}

// ReplayNow runs one replay pass against the offline store. It returns an
// error when persistence is disabled.
func (c *Client) ReplayNow(ctx context.Context) (replay.Result, error) {
	if c.replayer == nil {
		return replay.Result{}, errors.New("offline store not configured")
	}
	return c.replayer.ReplayOnce(ctx)
}

// Snapshot reports the client's delivery state for health surfaces.
type Snapshot struct {
	Dispatch     dispatch.Snapshot
	StorePending int64
}

func (c *Client) Snapshot() Snapshot {
	snap := Snapshot{Dispatch: c.disp.Snapshot()}
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if n, err := c.store.Count(ctx); err == nil {
			snap.StorePending = n
		}
	}
	return snap
}

// Close performs a final bounded flush and releases all resources. The
// deadline comes from ctx when set, otherwise from ShutdownTimeout. Safe to
// call once; later Track calls are silently ignored.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
	}

	c.bgCancel()
	bgDone := make(chan struct{})
	go func() {
		c.bgWG.Wait()
		close(bgDone)
	}()

	var joined error
	select {
	case <-bgDone:
	case <-ctx.Done():
		// A worker is stuck past the deadline; abandon it rather than
		// delay shutdown.
		joined = errors.Join(joined, fmt.Errorf("background workers: %w", ctx.Err()))
	}
	if err := c.disp.Close(ctx); err != nil {
		joined = errors.Join(joined, fmt.Errorf("final flush: %w", err))
	}
	if c.replayer != nil {
		if _, err := c.replayer.ReplayOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("final replay pass failed", "error", err)
		}
	}
	if c.store != nil {
		cpCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.store.Checkpoint(cpCtx); err != nil {
			c.logger.Warn("store checkpoint failed", "error", err)
		}
		cancel()
		if err := c.store.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("store close: %w", err))
		}
	}
	if err := c.tr.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("transport close: %w", err))
	}
	return joined
}
