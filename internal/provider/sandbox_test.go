package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/leadmail/internal/sandbox"
)

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSandboxCaptures(t *testing.T) {
	storage, err := sandbox.NewStorage(openDB(t))
	require.NoError(t, err)

	p := NewSandbox("capture", storage, testLogger())
	out := p.Send(context.Background(), testMessage())
	require.Equal(t, StatusDelivered, out.Status)

	captured, err := storage.Get(context.Background(), out.MessageID)
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "entry-1", captured.EntryID)
	assert.Equal(t, "spring", captured.CampaignID)
	assert.Equal(t, "Hello Ada", captured.Subject)
	assert.Empty(t, captured.SimulatedErr)
	assert.Contains(t, string(captured.Data), "Message-ID: <entry-1@example.com>")
}

func TestSandboxSimulatedErrors(t *testing.T) {
	storage, err := sandbox.NewStorage(openDB(t))
	require.NoError(t, err)

	p := NewSandbox("capture", storage, testLogger())
	p.SetErrorSimulation(1)
	p.SetSeed(42)

	for i := 0; i < 20; i++ {
		out := p.Send(context.Background(), testMessage())
		assert.NotEqual(t, StatusDelivered, out.Status)
		if out.Reason[0] == '5' {
			assert.Equal(t, StatusPermanent, out.Status)
		} else {
			assert.Equal(t, StatusTransient, out.Status)
		}
	}

	stats, err := storage.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Total)
	assert.Equal(t, int64(20), stats.Simulated)
}

func TestRegistry(t *testing.T) {
	db := openDB(t)
	p, err := New(context.Background(), "capture", Config{Kind: KindSandbox}, Credentials{}, Deps{DB: db})
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register("capture", p)

	got, err := reg.Get("capture")
	require.NoError(t, err)
	assert.Equal(t, "capture", got.Name())
	assert.Equal(t, []string{"capture"}, reg.Names())

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = New(context.Background(), "x", Config{Kind: "carrier-pigeon"}, Credentials{}, Deps{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = New(context.Background(), "x", Config{Kind: KindSandbox}, Credentials{}, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCredentialsRedacted(t *testing.T) {
	c := Credentials{Password: "hunter2", APIKey: "re_live"}
	assert.Equal(t, "[redacted]", c.String())
	assert.Equal(t, "[redacted]", c.LogValue().String())
}
