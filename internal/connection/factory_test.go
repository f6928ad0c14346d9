package connection

import (
	"context"
	"testing"

	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
)

func TestProviderRatesMatchForDuplexVariants(t *testing.T) {
	for _, variant := range []string{VariantOpenAIRealtime, VariantDeepgram} {
		in, out := ProviderRates(variant)
		if in != 16000 || out != 16000 {
			t.Errorf("variant %s: got (%d, %d), want (16000, 16000)", variant, in, out)
		}
	}
}

func TestProviderRatesDifferForComposite(t *testing.T) {
	in, out := ProviderRates(VariantComposite)
	if in != 16000 {
		t.Errorf("composite input rate: got %d, want 16000", in)
	}
	if out != compositeTTSRateHz {
		t.Errorf("composite output rate: got %d, want %d", out, compositeTTSRateHz)
	}
}

func TestDialProviderRejectsUnknownVariant(t *testing.T) {
	agent := &mgmtapi.AgentRecord{Variant: "carrier-pigeon"}
	_, err := DialProvider(context.Background(), "sess-1", agent, &config.Config{})
	if err == nil {
		t.Fatal("expected an error for an unknown provider variant")
	}
}
