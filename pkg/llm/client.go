// Package llm provides the drafting-model clients used by the drafter step.
// The engine treats the model as a black box: one Complete call per draft,
// retried by the orchestrator on transient failures.
package llm

import (
	"context"
	"fmt"

	"mailflow/pkg/config"
)

// CompletionRequest is a single drafting request.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// CompletionResponse carries the drafted text.
type CompletionResponse struct {
	Text string
}

// Client is the drafting interface implemented by each provider.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// NewClient builds the configured provider client.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg.APIKey(), cfg.Model), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.APIKey(), cfg.Model), nil
	case config.ProviderMock:
		return NewMockClient(nil), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
