package billing

import (
	"testing"

	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/provider"
	"github.com/stretchr/testify/assert"
)

func TestFinalCostIsBaseCostTimesOnePlusMargin(t *testing.T) {
	price := config.ProviderPrice{PerAudioMinuteUSD: 0.06}
	l := NewLedger(price, 0.20)
	l.Apply(provider.CostDelta{AudioInputSeconds: 60})

	snap := l.Finalize()
	assert.InDelta(t, 0.06, snap.BaseCost, 1e-9)
	assert.InDelta(t, 0.012, snap.ProfitAmount, 1e-9)
	assert.InDelta(t, 0.072, snap.FinalCost, 1e-9)
	assert.InDelta(t, snap.BaseCost*1.20, snap.FinalCost, 1e-9)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	price := config.ProviderPrice{PerAudioMinuteUSD: 0.06}
	l := NewLedger(price, 0.20)
	l.Apply(provider.CostDelta{AudioInputSeconds: 30})

	first := l.Finalize()
	l.Apply(provider.CostDelta{AudioInputSeconds: 300}) // should be ignored post-finalize
	second := l.Finalize()

	assert.Equal(t, first, second)
}

func TestCountersAreMonotonic(t *testing.T) {
	l := NewLedger(config.ProviderPrice{}, 0.20)
	l.Apply(provider.CostDelta{TextInputTokens: 10})
	l.Apply(provider.CostDelta{TextInputTokens: 5})

	snap := l.Finalize()
	assert.EqualValues(t, 15, snap.TextInputTokens)
}

func TestSnapshotDoesNotFreezeTheLedger(t *testing.T) {
	price := config.ProviderPrice{PerAudioMinuteUSD: 0.06}
	l := NewLedger(price, 0.20)
	l.Apply(provider.CostDelta{AudioInputSeconds: 60})

	mid := l.Snapshot()
	assert.InDelta(t, 0.06, mid.BaseCost, 1e-9)

	l.Apply(provider.CostDelta{AudioInputSeconds: 60})
	final := l.Finalize()
	assert.InDelta(t, 0.12, final.BaseCost, 1e-9)
}

func TestLookupPriceMissingVariantErrors(t *testing.T) {
	_, err := LookupPrice(map[string]config.ProviderPrice{}, "openai-realtime")
	assert.Error(t, err)
}

func TestLookupPriceFound(t *testing.T) {
	prices := map[string]config.ProviderPrice{
		"openai-realtime": {PerAudioMinuteUSD: 0.10},
	}
	p, err := LookupPrice(prices, "openai-realtime")
	assert.NoError(t, err)
	assert.Equal(t, 0.10, p.PerAudioMinuteUSD)
}
