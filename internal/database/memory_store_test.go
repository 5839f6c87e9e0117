package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/life-stream-dev/life-stream-go-fcp-server/internal/config"
)

func sampleDocument(client string, global bool, id string, start time.Time) *RequestDocument {
	return &RequestDocument{
		Client:     client,
		Global:     global,
		Identifier: id,
		Kind:       1,
		URI:        "CHK@",
		Priority:   2,
		Files:      []FileEntry{{Name: "a", DataLength: 1}},
		Failure:    &FailureEntry{Code: 13, Description: "Data not found"},
		Data:       []byte("payload"),
		StartTime:  start,
	}
}

func exerciseStore(t *testing.T, store RequestStore) {
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	require.NoError(t, store.Save(ctx, sampleDocument("alice", false, "2", t0.Add(time.Minute))))
	require.NoError(t, store.Save(ctx, sampleDocument("alice", false, "1", t0)))
	require.NoError(t, store.Save(ctx, sampleDocument("", true, "1", t0.Add(2*time.Minute))))
	assert.ErrorIs(t, store.Save(ctx, &RequestDocument{Client: "x"}), ErrEmptyIdentifier)

	docs, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "client/alice/1", docs[0].Key())
	assert.Equal(t, "client/alice/2", docs[1].Key())
	assert.Equal(t, "global/1", docs[2].Key())
	assert.Equal(t, []byte("payload"), docs[0].Data)
	require.NotNil(t, docs[0].Failure)
	assert.Equal(t, 13, docs[0].Failure.Code)

	updated := sampleDocument("alice", false, "1", t0)
	updated.Finished = true
	require.NoError(t, store.Save(ctx, updated))
	require.NoError(t, store.Delete(ctx, "alice", false, "2"))
	require.NoError(t, store.Delete(ctx, "alice", false, "missing"))

	docs, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.True(t, docs[0].Finished)
	assert.True(t, docs[1].Global)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)

	_, err := store.Get("alice", false, "2")
	assert.ErrorIs(t, err, ErrNotFound)
	doc, err := store.Get("", true, "1")
	require.NoError(t, err)
	assert.Equal(t, "global/1", doc.Key())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	store, err := OpenBolt(path)
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close(context.Background()))

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close(context.Background())
	docs, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestOpenSelectsDriver(t *testing.T) {
	cfg := c.Default()
	cfg.Database.Driver = c.DriverMemory
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	cfg.Database.Driver = "sqlite"
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}
