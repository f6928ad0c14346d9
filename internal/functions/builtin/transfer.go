// Package builtin provides the two handlers every agent gets for free,
// regardless of Function Spec configuration: transfer_to_agent (§4.7) and
// search_knowledge (§4.8); plus check_order_status, registered only for
// agents whose Function Specs name it.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/sidechannel"
)

type transferArgs struct {
	QueueName string `json:"queue_name"`
	Reason    string `json:"reason"`
}

// NewTransferHandler builds the transfer_to_agent handler. It publishes a
// transfer notice on the call's side-channel and returns a spoken-phrase
// template result without closing the Connection (§4.7): the PBX, not the
// bridge, tears the call down once it observes the transfer notice.
func NewTransferHandler(store *sidechannel.Store, asteriskPort int) functions.Handler {
	return func(ctx context.Context, fctx functions.Context, arguments json.RawMessage) (functions.Result, error) {
		var args transferArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return functions.Result{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		if args.QueueName == "" {
			return functions.Result{Success: false, Error: "queue_name is required"}, nil
		}

		notice := sidechannel.TransferNotice{
			SessionID: fctx.SessionID,
			QueueName: args.QueueName,
			Reason:    args.Reason,
		}
		if err := store.PublishTransfer(ctx, asteriskPort, notice); err != nil {
			return functions.Result{Success: false, Error: fmt.Sprintf("transfer failed: %v", err)}, nil
		}

		return functions.Result{
			Success: true,
			Data: map[string]any{
				"spoken":     fmt.Sprintf("Transferring you to the %s queue now", args.QueueName),
				"queue_name": args.QueueName,
			},
		}, nil
	}
}
