package connection

import (
	"strings"
	"testing"
	"time"

	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
)

func TestComposeInstructionsIncludesCallerAndCustomData(t *testing.T) {
	agent := &mgmtapi.AgentRecord{Instructions: "You are a helpful support agent."}
	startedAt := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	got := ComposeInstructions(agent, "sess-123", "+15551234567", map[string]string{"order_id": "A100"}, startedAt)

	for _, want := range []string{
		"Caller: +15551234567",
		"Session: sess-123",
		"order_id: A100",
		"You are a helpful support agent.",
		"transfer_to_agent",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q, got:\n%s", want, got)
		}
	}
}

func TestComposeInstructionsOmitsCustomDataBlockWhenEmpty(t *testing.T) {
	agent := &mgmtapi.AgentRecord{Instructions: "Answer billing questions only."}
	got := ComposeInstructions(agent, "sess-1", "caller-1", nil, time.Now())

	if strings.Count(got, "\n\n\n") > 0 {
		t.Errorf("expected no doubled blank line when custom data is empty, got:\n%s", got)
	}
}
