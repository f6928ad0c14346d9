package monitor

import (
	"context"
	"log/slog"
	"time"
)

// AgentCacheSweeper periodically evicts expired Agent Config cache entries
// (§4.10) so a config change in the management API is eventually reflected
// even for agents that aren't actively being looked up.
type AgentCacheSweeper struct {
	cache    interface{ Sweep() int }
	interval time.Duration
}

// NewAgentCacheSweeper sweeps cache once per interval.
func NewAgentCacheSweeper(cache interface{ Sweep() int }, interval time.Duration) *AgentCacheSweeper {
	return &AgentCacheSweeper{cache: cache, interval: interval}
}

// Run blocks, sweeping until ctx is cancelled.
func (s *AgentCacheSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.Sweep(); n > 0 {
				slog.Debug("[AgentCacheSweeper] evicted expired entries", "count", n)
			}
		}
	}
}
