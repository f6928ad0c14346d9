package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiva-labs/voicebridge/internal/functions"
)

type orderStatusArgs struct {
	OrderID string `json:"order_id"`
}

// NewOrderStatusHandler builds the check_order_status inline handler
// (§4.5): a third built-in, registered only when an agent's Function Specs
// reference it, that looks an order up on an external lookup endpoint
// distinct from the management API's own routes.
func NewOrderStatusHandler(client *http.Client, baseURL string) functions.Handler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, fctx functions.Context, arguments json.RawMessage) (functions.Result, error) {
		var args orderStatusArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return functions.Result{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		if args.OrderID == "" {
			return functions.Result{Success: false, Error: "order_id is required"}, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/"+args.OrderID, nil)
		if err != nil {
			return functions.Result{Success: false, Error: fmt.Sprintf("build request: %v", err)}, nil
		}

		resp, err := client.Do(req)
		if err != nil {
			return functions.Result{Success: false, Error: fmt.Sprintf("order lookup failed: %v", err)}, nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return functions.Result{Success: false, Error: fmt.Sprintf("read response: %v", err)}, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return functions.Result{Success: false, Error: fmt.Sprintf("order lookup returned status %d", resp.StatusCode)}, nil
		}

		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			data = string(body)
		}
		return functions.Result{Success: true, Data: data}, nil
	}
}
