package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/bus"
	"codelens/internal/config"
)

func newHybridService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := New(config.CacheConfig{
		Strategy: config.CacheHybrid,
		Memory:   config.MemoryTierConfig{MaxEntries: 10, TTLSeconds: 60},
		Remote:   &config.RemoteTierConfig{Host: mr.Addr(), TTLSeconds: 120},
	}, bus.New())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, mr
}

func TestHybridSetWritesBothTiers(t *testing.T) {
	svc, mr := newHybridService(t)
	ctx := context.Background()

	svc.Set(ctx, "k", map[string]string{"v": "1"}, 0)

	_, ok := svc.memory.get("k")
	assert.True(t, ok, "memory tier must hold the value")
	assert.True(t, mr.Exists("codelens:cache:k"), "remote tier must hold the value")
}

func TestHybridRemoteHitPopulatesMemory(t *testing.T) {
	svc, _ := newHybridService(t)
	ctx := context.Background()

	svc.Set(ctx, "k", map[string]string{"v": "1"}, 0)
	// Simulate a cold memory tier (fresh process, warm Redis).
	svc.memory.clear()

	v, ok := svc.Get(ctx, "k")
	require.True(t, ok)

	raw, isRaw := v.(json.RawMessage)
	require.True(t, isRaw, "remote values surface as raw JSON")
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1", decoded["v"])

	_, ok = svc.memory.get("k")
	assert.True(t, ok, "remote hit must repopulate memory")
}

func TestRemoteFailureDoesNotAbortMemoryWrite(t *testing.T) {
	svc, mr := newHybridService(t)
	ctx := context.Background()

	mr.Close()

	svc.Set(ctx, "k", "v", 0)
	v, ok := svc.memory.get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestRemoteOnlyStrategySkipsMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := New(config.CacheConfig{
		Strategy: config.CacheRemote,
		Memory:   config.MemoryTierConfig{MaxEntries: 10, TTLSeconds: 60},
		Remote:   &config.RemoteTierConfig{Host: mr.Addr(), TTLSeconds: 120},
	}, bus.New())
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	svc.Set(ctx, "k", "v", 0)
	assert.Equal(t, 0, svc.memory.len())

	v, ok := svc.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(v.(json.RawMessage)))
}

func TestRemoteTTLApplied(t *testing.T) {
	svc, mr := newHybridService(t)
	ctx := context.Background()

	svc.Set(ctx, "k", "v", 30*time.Second)
	ttl := mr.TTL("codelens:cache:k")
	assert.Equal(t, 30*time.Second, ttl)
}

func TestNewFailsWhenRemoteUnreachable(t *testing.T) {
	_, err := New(config.CacheConfig{
		Strategy: config.CacheRemote,
		Memory:   config.MemoryTierConfig{MaxEntries: 10, TTLSeconds: 60},
		Remote:   &config.RemoteTierConfig{Host: "127.0.0.1:1", TTLSeconds: 60},
	}, bus.New())
	assert.Error(t, err)
}
