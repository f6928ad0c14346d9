// Package billing implements the Session Ledger (per-call cost counters and
// accumulators) and the pre-call credit gate (§3 Session Ledger, §4.9).
//
// Plain struct fields behind a mutex accumulate cost monotonically through
// the call, with a single finalize step at teardown (§3, §4.9). Rates are
// driven entirely by config.ProviderPrice rather than any hard-coded
// constant.
package billing

import (
	"fmt"
	"sync"
	"time"

	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/provider"
)

// Ledger accumulates a single call's usage counters and derives cost from
// them. Counters are monotonically non-decreasing until Finalize freezes
// them (§3 invariant).
type Ledger struct {
	mu sync.Mutex

	price config.ProviderPrice
	margin float64 // fraction, e.g. 0.20 for 20%

	startedAt time.Time
	lastActivity time.Time

	audioInputSeconds  float64
	audioOutputSeconds float64
	textInputTokens    int64
	textOutputTokens   int64
	cachedInputTokens  int64
	sessionMinutes     float64

	finalized bool
	baseCost  float64
	profit    float64
	finalCost float64
}

// NewLedger starts a Ledger for a call billed at price, with margin as a
// fraction (0.20 == 20%, matching §6.4's PROFIT_MARGIN_PERCENT / 100).
func NewLedger(price config.ProviderPrice, margin float64) *Ledger {
	now := time.Now()
	return &Ledger{
		price:        price,
		margin:       margin,
		startedAt:    now,
		lastActivity: now,
	}
}

// Apply folds a provider CostDelta into the ledger's running counters.
// Deltas are always added, never replace, keeping counters monotonic.
func (l *Ledger) Apply(delta provider.CostDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return
	}
	l.audioInputSeconds += delta.AudioInputSeconds
	l.audioOutputSeconds += delta.AudioOutputSeconds
	l.textInputTokens += delta.TextInputTokens
	l.textOutputTokens += delta.TextOutputTokens
	l.cachedInputTokens += delta.CachedInputTokens
	l.sessionMinutes += delta.SessionMinutes
	l.lastActivity = time.Now()
}

// Touch records activity without changing any counter, so a silent audio
// passthrough still resets the stale-sweeper clock.
func (l *Ledger) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = time.Now()
}

// IdleSince returns how long has elapsed since the last counter update or
// Touch call (§4.10 stale sweeper).
func (l *Ledger) IdleSince() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastActivity)
}

// DurationSeconds returns wall-clock elapsed time since the ledger started.
func (l *Ledger) DurationSeconds() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.startedAt).Seconds()
}

// Snapshot is a point-in-time, finalize-independent read of the ledger's
// counters and derived costs, safe to embed in a call-log update.
type Snapshot struct {
	AudioInputSeconds  float64
	AudioOutputSeconds float64
	TextInputTokens    int64
	TextOutputTokens   int64
	CachedInputTokens  int64
	SessionMinutes     float64
	BaseCost           float64
	ProfitAmount       float64
	FinalCost          float64
}

// baseCostLocked derives base_cost from the current counters and price
// table. Must be called with mu held.
func (l *Ledger) baseCostLocked() float64 {
	cost := l.audioInputSeconds / 60 * l.price.PerAudioMinuteUSD
	cost += l.audioOutputSeconds / 60 * l.price.PerAudioMinuteUSD
	cost += l.sessionMinutes * l.price.PerAudioMinuteUSD
	cost += float64(l.textInputTokens) / 1_000_000 * l.price.PerMillionInputTokens
	cost += float64(l.textOutputTokens) / 1_000_000 * l.price.PerMillionOutputTokens
	cost += float64(l.cachedInputTokens) / 1_000_000 * l.price.PerMillionCachedTokens
	return cost
}

// Snapshot reads the ledger's current counters and derives base/profit/final
// cost from them without freezing anything: Apply keeps accepting deltas
// after this returns. Used for mid-call CostUpdate observer notifications,
// where Finalize's teardown freeze would otherwise drop every later
// counter update (§3 "counters monotonically non-decreasing during a call").
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.baseCostLocked()
	profit := base * l.margin
	return Snapshot{
		AudioInputSeconds:  l.audioInputSeconds,
		AudioOutputSeconds: l.audioOutputSeconds,
		TextInputTokens:    l.textInputTokens,
		TextOutputTokens:   l.textOutputTokens,
		CachedInputTokens:  l.cachedInputTokens,
		SessionMinutes:     l.sessionMinutes,
		BaseCost:           base,
		ProfitAmount:       profit,
		FinalCost:          base + profit,
	}
}

// Finalize freezes the ledger and computes final_cost = base_cost * (1 +
// margin) exactly (§8 invariant 2). Calling Finalize more than once is a
// no-op returning the first snapshot (idempotence); it must only be called
// once a call has actually ended (Close), never for a mid-call read.
func (l *Ledger) Finalize() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.finalized {
		l.baseCost = l.baseCostLocked()
		l.profit = l.baseCost * l.margin
		l.finalCost = l.baseCost + l.profit
		l.finalized = true
	}

	return Snapshot{
		AudioInputSeconds:  l.audioInputSeconds,
		AudioOutputSeconds: l.audioOutputSeconds,
		TextInputTokens:    l.textInputTokens,
		TextOutputTokens:   l.textOutputTokens,
		CachedInputTokens:  l.cachedInputTokens,
		SessionMinutes:     l.sessionMinutes,
		BaseCost:           l.baseCost,
		ProfitAmount:       l.profit,
		FinalCost:          l.finalCost,
	}
}

// LookupPrice resolves a provider variant's price entry, returning an error
// rather than a zero-valued fallback so a missing rate is a configuration
// error, never a silent free ride (§4.9).
func LookupPrice(prices map[string]config.ProviderPrice, variant string) (config.ProviderPrice, error) {
	p, ok := prices[variant]
	if !ok {
		return config.ProviderPrice{}, fmt.Errorf("billing: no price entry configured for provider variant %q", variant)
	}
	return p, nil
}
