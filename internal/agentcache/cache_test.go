package agentcache

import (
	"context"
	"testing"
	"time"

	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(time.Minute)
	_, ok := c.Get(context.Background(), "nope")
	assert.False(t, ok)
}

func TestSetThenGetHit(t *testing.T) {
	c := New(time.Minute)
	rec := &mgmtapi.AgentRecord{ID: "a1", Name: "Agent One"}
	c.Set(context.Background(), "a1", rec)

	got, ok := c.Get(context.Background(), "a1")
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestExpiredEntryIsEvictedLazily(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Set(context.Background(), "a1", &mgmtapi.AgentRecord{ID: "a1"})

	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(context.Background(), "a1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSweepEvictsExpiredOnly(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Set(context.Background(), "stale", &mgmtapi.AgentRecord{ID: "stale"})
	time.Sleep(30 * time.Millisecond)
	c.Set(context.Background(), "fresh", &mgmtapi.AgentRecord{ID: "fresh"})

	evicted := c.Sweep()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get(context.Background(), "fresh")
	assert.True(t, ok)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New(time.Minute)
	c.Set(context.Background(), "a1", &mgmtapi.AgentRecord{ID: "a1"})
	c.Invalidate("a1")

	_, ok := c.Get(context.Background(), "a1")
	assert.False(t, ok)
}
