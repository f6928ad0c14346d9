package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
)

const defaultTopK = 5
const maxTopK = 10

type knowledgeArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// NewKnowledgeHandler builds the search_knowledge handler: a single,
// non-retrying call to the management API's knowledge search endpoint with
// its own 15s timeout (§4.8, §6.3). top_k is capped at 10 regardless of
// what the model requests.
func NewKnowledgeHandler(client *mgmtapi.Client) functions.Handler {
	return func(ctx context.Context, fctx functions.Context, arguments json.RawMessage) (functions.Result, error) {
		if fctx.KnowledgeBaseID == "" {
			return functions.Result{Success: false, Error: "agent has no knowledge base configured"}, nil
		}

		var args knowledgeArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return functions.Result{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		if args.Query == "" {
			return functions.Result{Success: false, Error: "query is required"}, nil
		}
		topK := args.TopK
		if topK <= 0 {
			topK = defaultTopK
		}
		if topK > maxTopK {
			topK = maxTopK
		}

		result, err := client.SearchKnowledge(ctx, fctx.KnowledgeBaseID, args.Query, topK)
		if err != nil {
			return functions.Result{Success: false, Error: fmt.Sprintf("knowledge search failed: %v", err)}, nil
		}

		chunks := make([]map[string]any, 0, len(result.Chunks))
		for _, c := range result.Chunks {
			chunks = append(chunks, map[string]any{
				"text":   c.Text,
				"source": c.Source,
				"score":  c.Score,
			})
		}

		data := map[string]any{"chunks": chunks}
		if len(result.Images) > 0 {
			data["images"] = result.Images
		}
		return functions.Result{Success: true, Data: data}, nil
	}
}
