package monitor

import (
	"context"
	"log/slog"
	"time"
)

// StaleConnectionSweeper periodically evicts connections whose Ledger has
// recorded no activity (caller RTP, audio toward the caller, or a provider
// cost update) for longer than maxIdle (§4.10). A hung-up caller whose
// side-channel flag never arrives, or a PBX leg that silently vanishes
// without a BYE equivalent, is reclaimed here instead of leaking forever.
type StaleConnectionSweeper struct {
	manager  interface{ CleanupStale(maxIdle time.Duration) int }
	maxIdle  time.Duration
	interval time.Duration
}

// NewStaleConnectionSweeper sweeps for connections idle past maxIdle, once
// per interval.
func NewStaleConnectionSweeper(manager interface{ CleanupStale(maxIdle time.Duration) int }, maxIdle, interval time.Duration) *StaleConnectionSweeper {
	return &StaleConnectionSweeper{manager: manager, maxIdle: maxIdle, interval: interval}
}

// Run blocks, sweeping until ctx is cancelled.
func (s *StaleConnectionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.manager.CleanupStale(s.maxIdle); n > 0 {
				slog.Info("[StaleConnectionSweeper] evicted idle connections", "count", n)
			}
		}
	}
}
