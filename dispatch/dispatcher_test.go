package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/appinsights/buffer"
	"github.com/kon-rad/appinsights/contracts"
	"github.com/kon-rad/appinsights/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	outcomes []transport.Outcome
	calls    int
	sent     int
}

func (f *fakeTransport) Send(_ context.Context, items []*contracts.Envelope) (transport.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome := transport.OutcomeSuccess
	if f.calls < len(f.outcomes) {
		outcome = f.outcomes[f.calls]
	}
	f.calls++
	if outcome == transport.OutcomeSuccess {
		f.sent += len(items)
		return outcome, nil
	}
	return outcome, fmt.Errorf("scripted %s", outcome)
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) stats() (calls, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.sent
}

type recordingMonitor struct {
	mu        sync.Mutex
	drops     map[DropReason]int
	persisted map[DropReason]int
	failures  int
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{
		drops:     make(map[DropReason]int),
		persisted: make(map[DropReason]int),
	}
}

func (m *recordingMonitor) EventsDropped(reason DropReason, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[reason] += count
}

func (m *recordingMonitor) EventsPersisted(reason DropReason, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted[reason] += count
}

func (m *recordingMonitor) TransportFailure(transport.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *recordingMonitor) dropped(reason DropReason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[reason]
}

type memDeadLetter struct {
	mu      sync.Mutex
	batches [][]*contracts.Envelope
}

func (d *memDeadLetter) SaveBatch(_ context.Context, items []*contracts.Envelope, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, items)
	return nil
}

func (d *memDeadLetter) saved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.batches {
		n += len(b)
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func event(name string) *contracts.Envelope {
	return contracts.NewEnvelope("ikey", contracts.EventData{Ver: 2, Name: name}, nil)
}

func fill(b *buffer.Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Enqueue(event(fmt.Sprintf("e%d", i)))
	}
}

func testConfig() Config {
	return Config{
		MaxBatch:      10,
		FlushInterval: 50 * time.Millisecond,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		MaxRetries:    2,
	}
}

func TestFlushDeliversBufferedEvents(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	tr := &fakeTransport{}
	d := New(buf, tr, testConfig(), WithLogger(quietLogger()), WithMonitor(NopMonitor()))
	d.Start()

	fill(buf, 7)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, sent := tr.stats(); sent != 7 {
		t.Fatalf("sent = %d, want 7", sent)
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer not drained")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestIntervalFlushWithoutTrigger(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	// keep high-water out of reach so only the ticker can flush
	buf.SetHighWater(100)
	tr := &fakeTransport{}
	d := New(buf, tr, testConfig(), WithLogger(quietLogger()), WithMonitor(NopMonitor()))
	d.Start()
	defer d.Close(context.Background())

	fill(buf, 3)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, sent := tr.stats(); sent == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("interval flush never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetriableFailureRetriesThenDrops(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	tr := &fakeTransport{outcomes: []transport.Outcome{
		transport.OutcomeRetriable,
		transport.OutcomeRetriable,
		transport.OutcomeRetriable,
	}}
	mon := newRecordingMonitor()
	cfg := testConfig()
	cfg.MaxRetries = 2
	d := New(buf, tr, cfg, WithLogger(quietLogger()), WithMonitor(mon))
	d.Start()

	fill(buf, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	calls, _ := tr.stats()
	if calls != 3 {
		t.Fatalf("transport calls = %d, want initial + 2 retries = 3", calls)
	}
	if got := mon.dropped(DropRetriesExhausted); got != 4 {
		t.Fatalf("dropped(retries_exhausted) = %d, want 4", got)
	}
	d.Close(context.Background())
}

func TestFatalFailureDropsImmediately(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	tr := &fakeTransport{outcomes: []transport.Outcome{transport.OutcomeFatal}}
	mon := newRecordingMonitor()
	d := New(buf, tr, testConfig(), WithLogger(quietLogger()), WithMonitor(mon))
	d.Start()

	fill(buf, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if calls, _ := tr.stats(); calls != 1 {
		t.Fatalf("transport calls = %d, want no retries after fatal", calls)
	}
	if got := mon.dropped(DropFatal); got != 2 {
		t.Fatalf("dropped(fatal) = %d, want 2", got)
	}
	d.Close(context.Background())
}

func TestExhaustedBatchGoesToDeadLetter(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	tr := &fakeTransport{outcomes: []transport.Outcome{
		transport.OutcomeRetriable,
		transport.OutcomeRetriable,
	}}
	mon := newRecordingMonitor()
	dl := &memDeadLetter{}
	cfg := testConfig()
	cfg.MaxRetries = 1
	d := New(buf, tr, cfg, WithLogger(quietLogger()), WithMonitor(mon), WithDeadLetter(dl))
	d.Start()

	fill(buf, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if dl.saved() != 3 {
		t.Fatalf("dead letter saved %d, want 3", dl.saved())
	}
	if got := mon.dropped(DropRetriesExhausted); got != 0 {
		t.Fatalf("dropped despite dead letter: %d", got)
	}
	d.Close(context.Background())
}

func TestCloseWithEmptyBufferIsImmediate(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	tr := &fakeTransport{}
	mon := newRecordingMonitor()
	d := New(buf, tr, testConfig(), WithLogger(quietLogger()), WithMonitor(mon))
	d.Start()

	start := time.Now()
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("empty close took %v", elapsed)
	}
	for reason, n := range mon.drops {
		if n != 0 {
			t.Fatalf("drops reported on empty close: %s=%d", reason, n)
		}
	}
	if d.State() != StateClosed {
		t.Fatalf("state = %v after close", d.State())
	}
}

func TestCloseFlushesRemainingEvents(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	buf.SetHighWater(100)
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // never fires; Close must do the work
	d := New(buf, tr, cfg, WithLogger(quietLogger()), WithMonitor(NopMonitor()))
	d.Start()

	fill(buf, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, sent := tr.stats(); sent != 5 {
		t.Fatalf("final flush sent %d, want 5", sent)
	}
}

func TestCloseDropsUndeliveredAndReports(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	buf.SetHighWater(100)
	tr := &fakeTransport{outcomes: []transport.Outcome{transport.OutcomeRetriable}}
	mon := newRecordingMonitor()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	d := New(buf, tr, cfg, WithLogger(quietLogger()), WithMonitor(mon))
	d.Start()

	fill(buf, 6)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err == nil {
		t.Fatalf("expected close to report delivery failure")
	}
	if got := mon.dropped(DropShutdown); got != 6 {
		t.Fatalf("dropped(shutdown) = %d, want 6", got)
	}
}

func TestHighWaterTriggersEarlyFlush(t *testing.T) {
	t.Parallel()

	buf := buffer.New(20, buffer.DropOldest)
	buf.SetHighWater(5)
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // only the signal can flush
	d := New(buf, tr, cfg, WithLogger(quietLogger()), WithMonitor(NopMonitor()))
	d.Start()
	defer d.Close(context.Background())

	fill(buf, 5)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, sent := tr.stats(); sent >= 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("high-water signal did not trigger a flush")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFlushAfterCloseReturnsErrClosed(t *testing.T) {
	t.Parallel()

	buf := buffer.New(100, buffer.DropOldest)
	d := New(buf, &fakeTransport{}, testConfig(), WithLogger(quietLogger()), WithMonitor(NopMonitor()))
	d.Start()
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	// No deadline on purpose; Flush must still return promptly.
	errCh := make(chan error, 1)
	go func() { errCh <- d.Flush(context.Background()) }()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("flush after close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("flush after close did not return")
	}
}

func TestDefaultMonitorUsesInjectedLogger(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	buf := buffer.New(100, buffer.DropOldest)
	tr := &fakeTransport{outcomes: []transport.Outcome{transport.OutcomeFatal}}
	d := New(buf, tr, testConfig(), WithLogger(logger))
	d.Start()

	fill(buf, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(logBuf.String(), "telemetry dropped") {
		t.Fatalf("drop report missing from injected logger output:\n%s", logBuf.String())
	}
}

func TestReportOverflowCountsDrops(t *testing.T) {
	t.Parallel()

	buf := buffer.New(10, buffer.DropOldest)
	mon := newRecordingMonitor()
	d := New(buf, &fakeTransport{}, testConfig(), WithLogger(quietLogger()), WithMonitor(mon))

	d.ReportOverflow(3)
	d.ReportOverflow(0)
	if got := mon.dropped(DropOverflow); got != 3 {
		t.Fatalf("dropped(overflow) = %d, want 3", got)
	}
	if snap := d.Snapshot(); snap.Dropped != 3 {
		t.Fatalf("snapshot dropped = %d, want 3", snap.Dropped)
	}
}
