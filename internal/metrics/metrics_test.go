package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/foxzi/leadmail/internal/queue"
)

func TestNew(t *testing.T) {
	m := New()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	// Vectors without observations are not gathered, plain metrics are
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestGlobalHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	AddEnqueued("spring", 3)
	AddEnqueued("spring", 0)
	AddFollowUps("spring", 2)
	IncSent("spring", "postmark")
	IncFailed("spring", FailPermanent)
	IncDeferred(DeferRateLimit)
	IncSkipped("spring")
	IncClaimConflict()
	IncStaleRecovered()
	IncRateLimitDenied("spring")
	ObserveSend("postmark", "delivered", 120*time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"enqueued", testutil.ToFloat64(m.EntriesEnqueuedTotal.WithLabelValues("spring")), 3},
		{"followups", testutil.ToFloat64(m.FollowUpsScheduledTotal.WithLabelValues("spring")), 2},
		{"sent", testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("spring", "postmark")), 1},
		{"failed", testutil.ToFloat64(m.MessagesFailedTotal.WithLabelValues("spring", FailPermanent)), 1},
		{"deferred", testutil.ToFloat64(m.MessagesDeferredTotal.WithLabelValues(DeferRateLimit)), 1},
		{"skipped", testutil.ToFloat64(m.MessagesSkippedTotal.WithLabelValues("spring")), 1},
		{"conflicts", testutil.ToFloat64(m.ClaimConflictsTotal), 1},
		{"stale", testutil.ToFloat64(m.StaleRecoveredTotal), 1},
		{"denied", testutil.ToFloat64(m.RateLimitDeniedTotal.WithLabelValues("spring")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	AddEnqueued("x", 1)
	IncSent("x", "y")
	IncFailed("x", FailRender)
	IncDeferred(DeferRetry)
	IncClaimConflict()
	ObserveSend("y", "transient", time.Second)
}

type fakeQueue struct {
	stats *queue.Stats
	due   []*queue.Entry
}

func (f *fakeQueue) Stats(ctx context.Context, campaignID string) (*queue.Stats, error) {
	return f.stats, nil
}

func (f *fakeQueue) Due(ctx context.Context, now time.Time, limit int) ([]*queue.Entry, error) {
	return f.due, nil
}

func TestCollectorQueueGauges(t *testing.T) {
	m := New()
	q := &fakeQueue{
		stats: &queue.Stats{Pending: 4, Sending: 1, Sent: 10, Failed: 2, Skipped: 1, Total: 18},
		due:   []*queue.Entry{{ID: "e1", ScheduledAt: time.Now().Add(-time.Minute)}},
	}

	c := NewCollector(m, q, "", time.Hour)
	c.Collect(context.Background())

	if got := testutil.ToFloat64(m.QueueEntries.WithLabelValues("pending")); got != 4 {
		t.Errorf("pending gauge = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.QueueEntries.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueOldestSeconds); got < 59 {
		t.Errorf("oldest due = %v, want about 60", got)
	}

	q.due = nil
	c.Collect(context.Background())
	if got := testutil.ToFloat64(m.QueueOldestSeconds); got != 0 {
		t.Errorf("oldest due with empty queue = %v, want 0", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(New(), nil, "", 10*time.Millisecond)
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()
}
