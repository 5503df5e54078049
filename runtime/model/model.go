// Package model defines the provider-agnostic contract for invoking AI
// agents. Concrete adapters live under features/model; the agent executor
// depends only on the Provider interface.
package model

import "context"

// Request describes a single completion call.
type Request struct {
	// Model is the provider-specific model or agent identifier.
	Model string
	// System carries the node's system instructions. Optional.
	System string
	// Prompt is the user-facing input extracted from the upstream node.
	Prompt string
	// Temperature overrides the provider default when non-nil.
	Temperature *float64
	// JSONMode requests a JSON object response when the provider supports it.
	JSONMode bool
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the provider result.
type Response struct {
	Output string
	Model  string
	Usage  Usage
}

// Provider invokes an AI model. Implementations must be safe for concurrent
// use; calls run inside activity workers across many executions.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// pricing holds per-million-token prices in USD.
type pricing struct {
	in  float64
	out float64
}

// modelPrices maps model identifiers to their token prices. Unknown models
// cost zero; scoring still records latency and reliability for them.
var modelPrices = map[string]pricing{
	"gpt-4o":        {in: 2.50, out: 10.00},
	"gpt-4o-mini":   {in: 0.15, out: 0.60},
	"gpt-4-turbo":   {in: 10.00, out: 30.00},
	"gpt-3.5-turbo": {in: 0.50, out: 1.50},
	"o3-mini":       {in: 1.10, out: 4.40},
}

// Cost computes the dollar cost of a completion from its token usage.
func Cost(model string, usage Usage) float64 {
	p, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return (float64(usage.PromptTokens)*p.in + float64(usage.CompletionTokens)*p.out) / 1e6
}
