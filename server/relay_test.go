package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayChannel(t *testing.T) {
	assert.Equal(t, "mace:https://site/alice", relayChannel("https://site/alice"))
}

// startRelay runs one server process's relay and local registry against mr.
func startRelay(t *testing.T, mr *miniredis.Miniredis) (*Registry, *RedisRelay) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	registry := NewRegistry()
	relay := NewRedisRelay(rdb, registry, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return registry, relay
}

func TestRedisRelayAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	regA, relayA := startRelay(t, mr)
	regB, relayB := startRelay(t, mr)
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 2 }, 2*time.Second, 5*time.Millisecond)

	onA, aliceOnB, bobOnB := &fakeSub{}, &fakeSub{}, &fakeSub{}
	regA.Subscribe("site/alice", onA)
	regB.Subscribe("site/alice", aliceOnB)
	regB.Subscribe("site/bob", bobOnB)

	ctx := context.Background()
	require.NoError(t, relayA.Publish(ctx, "site/alice", []byte("from a")))
	require.Eventually(t, func() bool { return onA.count() == 1 && aliceOnB.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, relayB.Publish(ctx, "site/alice", []byte("from b")))
	require.Eventually(t, func() bool { return onA.count() == 2 && aliceOnB.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, bobOnB.count())
	assert.Equal(t, []byte("from a"), aliceOnB.got[0])
	assert.Equal(t, []byte("from b"), onA.got[1])
}

func TestServerSessionsShareRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	regA, relayA := startRelay(t, mr)
	regB, relayB := startRelay(t, mr)
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 2 }, 2*time.Second, 5*time.Millisecond)

	a := newFixture(t, func(c *Config) { c.Registry = regA; c.Publisher = relayA })
	b := newFixture(t, func(c *Config) { c.Registry = regB; c.Publisher = relayB })
	ca := a.dial(t, "site", "alice")
	cb := b.dial(t, "site", "alice")
	other := b.dial(t, "site", "bob")

	send(t, ca, snapshotUpdate("doc1", "s1", "hello", 1))
	got := readUpdate(t, cb)
	assert.Equal(t, "s1", got.SaveID)
	value, ok := got.Value()
	require.True(t, ok)
	assert.Equal(t, "hello", value)
	expectSilence(t, other)
}
