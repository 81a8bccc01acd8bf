package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/appinsights/contracts"
	"github.com/kon-rad/appinsights/dispatch"
	"github.com/kon-rad/appinsights/persist"
	"github.com/kon-rad/appinsights/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	outcomes []transport.Outcome
	calls    int
	sent     []*contracts.Envelope
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
		f.sent = append(f.sent, items...)
		return outcome, nil
	}
	return outcome, fmt.Errorf("scripted %s", outcome)
}

func (f *fakeTransport) Close() error { return nil }

type countingMonitor struct {
	mu    sync.Mutex
	drops map[dispatch.DropReason]int
}

func newCountingMonitor() *countingMonitor {
	return &countingMonitor{drops: make(map[dispatch.DropReason]int)}
}

func (m *countingMonitor) EventsDropped(reason dispatch.DropReason, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[reason] += count
}

func (m *countingMonitor) EventsPersisted(dispatch.DropReason, int) {}

func (m *countingMonitor) TransportFailure(transport.Outcome, error) {}

func openStore(t *testing.T) *persist.Store {
	t.Helper()
	s, err := persist.Open(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *persist.Store, n int) {
	t.Helper()
	items := make([]*contracts.Envelope, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, contracts.NewEnvelope("ikey", contracts.EventData{
			Ver:  2,
			Name: fmt.Sprintf("stored-%d", i),
		}, nil))
	}
	if err := s.SaveBatch(context.Background(), items, "seed"); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func newReplayer(s *persist.Store, tr transport.Transport, mon dispatch.Monitor) *Replayer {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(s, tr, Config{
		Interval:    time.Minute,
		BatchLimit:  100,
		MaxAttempts: 3,
	}, logger, mon)
}

func TestReplayOnceSendsAndDeletes(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 5)
	tr := &fakeTransport{}
	r := newReplayer(s, tr, newCountingMonitor())

	res, err := r.ReplayOnce(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.EventsSent != 5 {
		t.Fatalf("events sent = %d, want 5", res.EventsSent)
	}
	count, err := s.Count(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("store count after replay = %d, %v; want 0", count, err)
	}
	if name := tr.sent[0].Item().(contracts.EventData).Name; name != "stored-0" {
		t.Fatalf("first replayed envelope = %q, want stored-0", name)
	}
}

func TestReplayOnceRetriableKeepsRows(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 2)
	tr := &fakeTransport{outcomes: []transport.Outcome{transport.OutcomeRetriable}}
	r := newReplayer(s, tr, newCountingMonitor())

	if _, err := r.ReplayOnce(context.Background()); err == nil {
		t.Fatalf("expected replay error on retriable outcome")
	}
	pending, err := s.FetchPending(context.Background(), 10, 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d after retriable, want 2", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestReplayOnceFatalDropsRows(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 3)
	tr := &fakeTransport{outcomes: []transport.Outcome{transport.OutcomeFatal}}
	mon := newCountingMonitor()
	r := newReplayer(s, tr, mon)

	if _, err := r.ReplayOnce(context.Background()); err != nil {
		t.Fatalf("fatal outcome should not fail the pass: %v", err)
	}
	count, _ := s.Count(context.Background())
	if count != 0 {
		t.Fatalf("fatal rows not deleted: %d remain", count)
	}
	if mon.drops[dispatch.DropFatal] != 3 {
		t.Fatalf("fatal drops reported = %d, want 3", mon.drops[dispatch.DropFatal])
	}
}

func TestReplayOncePurgesExhaustedRows(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 2)
	ctx := context.Background()

	pending, _ := s.FetchPending(ctx, 10, 3)
	ids := []int64{pending[0].ID, pending[1].ID}
	for i := 0; i < 3; i++ {
		if err := s.MarkAttempt(ctx, ids, "down"); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	tr := &fakeTransport{}
	mon := newCountingMonitor()
	r := newReplayer(s, tr, mon)
	res, err := r.ReplayOnce(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Purged != 2 {
		t.Fatalf("purged = %d, want 2", res.Purged)
	}
	if mon.drops[dispatch.DropRetriesExhausted] != 2 {
		t.Fatalf("exhausted drops = %d, want 2", mon.drops[dispatch.DropRetriesExhausted])
	}
}

func TestReplayOnceEmptyStoreIsNoop(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	tr := &fakeTransport{}
	r := newReplayer(s, tr, newCountingMonitor())
	res, err := r.ReplayOnce(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.EventsSent != 0 || tr.calls != 0 {
		t.Fatalf("empty store caused sends: %+v calls=%d", res, tr.calls)
	}
}
