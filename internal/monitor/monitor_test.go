package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCloser struct {
	mu     sync.Mutex
	ports  []int
	closed []int
}

func (f *fakeCloser) Ports() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.ports))
	copy(out, f.ports)
	return out
}

func (f *fakeCloser) CloseByPort(port int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, port)
}

type fakeHangupStore struct {
	mu   sync.Mutex
	flag map[int]bool
}

func (f *fakeHangupStore) GetHangup(ctx context.Context, port int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flag[port], nil
}

func TestHangupPollerClosesFlaggedPortOnly(t *testing.T) {
	closer := &fakeCloser{ports: []int{5000, 5002}}
	store := &fakeHangupStore{flag: map[int]bool{5002: true}}

	p := NewHangupPoller(store, closer, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	closer.mu.Lock()
	defer closer.mu.Unlock()
	assert.Contains(t, closer.closed, 5002)
	assert.NotContains(t, closer.closed, 5000)
}

func TestStaleConnectionSweeperRunsUntilCancelled(t *testing.T) {
	var calls int
	var mu sync.Mutex
	manager := cleanupStaleFunc(func(maxIdle time.Duration) int {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 0
	})

	sweeper := NewStaleConnectionSweeper(manager, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, calls, 0)
}

type cleanupStaleFunc func(maxIdle time.Duration) int

func (f cleanupStaleFunc) CleanupStale(maxIdle time.Duration) int { return f(maxIdle) }

func TestAgentCacheSweeperInvokesSweep(t *testing.T) {
	var calls int
	var mu sync.Mutex
	cache := sweepFunc(func() int {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 0
	})

	sweeper := NewAgentCacheSweeper(cache, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, calls, 0)
}

type sweepFunc func() int

func (f sweepFunc) Sweep() int { return f() }
