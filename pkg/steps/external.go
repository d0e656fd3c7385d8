package steps

import (
	"context"
	"errors"
	"time"

	"mailflow/pkg/proto"
	"mailflow/pkg/tools"
)

const externalTimeout = 15 * time.Second

// Confidence assigned to external enrichment results. The router never
// branches on these (the external tool is fallback enrichment, not a second
// gate), but they are recorded for audit and replay.
const (
	externalHitConfidence  = 0.7
	externalMissConfidence = 0.3
)

// ExternalToolStep enriches low-confidence runs with a whitelisted external
// lookup.
type ExternalToolStep struct {
	registry *tools.Registry
	toolName string
}

// NewExternalToolStep creates the step bound to one registered tool.
func NewExternalToolStep(registry *tools.Registry, toolName string) *ExternalToolStep {
	return &ExternalToolStep{registry: registry, toolName: toolName}
}

func (s *ExternalToolStep) Name() proto.StepName {
	return proto.StepExternalTool
}

func (s *ExternalToolStep) Timeout() time.Duration {
	return externalTimeout
}

// Execute implements the Step interface. Rate limits and transient tool
// failures are retryable; whitelist violations and malformed responses are
// fatal.
func (s *ExternalToolStep) Execute(ctx context.Context, run *proto.Run) (Result, error) {
	args := map[string]string{
		tools.ArgQuery:  run.Task.TaskDescription,
		tools.ArgIntent: run.Context.String(proto.KeyIntentLabel),
	}

	result, err := s.registry.Invoke(ctx, s.toolName, args)
	if err != nil {
		if errors.Is(err, proto.ErrRateLimit) {
			return Result{}, proto.NewRetryableStepError(proto.StepExternalTool, err)
		}
		var toolErr *tools.ToolError
		if errors.As(err, &toolErr) && toolErr.Transient {
			return Result{}, proto.NewRetryableStepError(proto.StepExternalTool, err)
		}
		return Result{}, proto.NewFatalStepError(proto.StepExternalTool, err)
	}

	confidence := externalMissConfidence
	var snippets []string
	if result != "" {
		confidence = externalHitConfidence
		snippets = []string{result}
	}

	return Result{
		Updates: proto.Context{
			proto.KeyExternalSnippets:   snippets,
			proto.KeyExternalConfidence: confidence,
		},
		Signals: proto.Signals{ExternalConfidence: confidence},
	}, nil
}
