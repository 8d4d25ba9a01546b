package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mace/protocol"
	"mace/store"
)

// Runs against a real server only when MACE_TEST_MONGODB is set.
func TestStoreLatest(t *testing.T) {
	uri := os.Getenv("MACE_TEST_MONGODB")
	if uri == "" {
		t.Skip("MACE_TEST_MONGODB not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, uri, fmt.Sprintf("mace_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.collection.Drop(ctx)
		s.Close()
	})

	_, err = s.Latest(ctx, "site/alice", "doc1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, value := range []string{"one", "two", "three"} {
		ts := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Insert(ctx, store.Entry{
			IdentityKey: "site/alice",
			EditorID:    "doc1",
			Timestamp:   ts,
			Update: protocol.Update{
				Type: protocol.TypeUpdate, EditorID: "doc1", View: "v", SaveID: value,
				Records: []protocol.Record{protocol.NewSnapshot(value, protocol.Location{}, [2]protocol.Location{}, false, ts)},
			},
		}))
	}

	e, err := s.Latest(ctx, "site/alice", "doc1")
	require.NoError(t, err)
	value, ok := e.Update.Value()
	require.True(t, ok)
	assert.Equal(t, "three", value)
}
