package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/leadmail/internal/queue"
)

func TestRunnerDrainsQueue(t *testing.T) {
	f := newFixture(t, map[string]lead{
		"ada":   {email: "ada@example.org"},
		"grace": {email: "grace@example.org"},
	})
	f.enqueue(t, "ada", "grace")

	r := NewRunner(f.proc, Options{}, 2, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		stats, err := f.store.Stats(context.Background(), "spring")
		return err == nil && stats.Sent == 2
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()

	entries, err := f.store.List(context.Background(), queue.ListFilter{CampaignID: "spring"})
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, queue.StatusSent, e.Status)
	}
	assert.Equal(t, int32(2), f.provider.calls)
}
