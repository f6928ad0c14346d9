package billing

import (
	"context"
	"log/slog"

	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
)

// CreditGate performs the pre-call admission check against the management
// API's credit balance endpoint (§4.9). On transport failure it fails open:
// admitting the call is judged less harmful than refusing service because
// billing happened to be unreachable.
type CreditGate struct {
	client    *mgmtapi.Client
	minimum   float64
}

// NewCreditGate returns a CreditGate enforcing minimumUSD as the admission
// floor (§6.4 DEFAULT_MIN_CREDIT_USD).
func NewCreditGate(client *mgmtapi.Client, minimumUSD float64) *CreditGate {
	return &CreditGate{client: client, minimum: minimumUSD}
}

// Admit reports whether tenantID may start a new call. A balance at or
// above the configured minimum admits; below it rejects. A credit-service
// transport error admits anyway, logging a warning (§4.9 fail-open).
func (g *CreditGate) Admit(ctx context.Context, tenantID string) bool {
	balance, err := g.client.GetCreditBalance(ctx, tenantID)
	if err != nil {
		slog.Warn("[CreditGate] credit service unreachable, failing open", "tenant_id", tenantID, "error", err)
		return true
	}
	return balance >= g.minimum
}

// Deduct charges the finalized cost of a completed call.
func (g *CreditGate) Deduct(ctx context.Context, tenantID string, amount float64, callLogID string) (float64, error) {
	return g.client.DeductCredit(ctx, tenantID, amount, callLogID)
}
