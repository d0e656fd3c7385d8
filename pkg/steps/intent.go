package steps

import (
	"context"
	"strings"
	"time"

	"mailflow/pkg/proto"
)

const intentTimeout = 5 * time.Second

// Intent labels produced by classification.
const (
	IntentFollowUp       = "follow_up"
	IntentThankYou       = "thank_you"
	IntentPricingRequest = "pricing_request"
	IntentGeneral        = "general"
)

// IntentStep classifies the task description into an intent label and the
// signals later stages need. Classification is keyword-based and fully
// deterministic.
type IntentStep struct{}

// NewIntentStep creates the intent classifier.
func NewIntentStep() *IntentStep {
	return &IntentStep{}
}

func (s *IntentStep) Name() proto.StepName {
	return proto.StepIntent
}

func (s *IntentStep) Timeout() time.Duration {
	return intentTimeout
}

// Execute implements the Step interface.
func (s *IntentStep) Execute(_ context.Context, run *proto.Run) (Result, error) {
	text := strings.ToLower(run.Task.TaskDescription)

	label := IntentGeneral
	switch {
	case strings.Contains(text, "follow up") || strings.Contains(text, "follow-up") || strings.Contains(text, "relance"):
		label = IntentFollowUp
	case strings.Contains(text, "thank you") || strings.Contains(text, "merci"):
		label = IntentThankYou
	case containsAny(text, "pricing", "price", "quote", "tarif", "prix"):
		label = IntentPricingRequest
	}

	urgency := "normal"
	if containsAny(text, "urgent", "asap") {
		urgency = "high"
	}

	needsExternal := containsAny(text, "market", "news", "marché")
	needsPriorThread := label == IntentFollowUp

	return Result{
		Updates: proto.Context{
			proto.KeyIntentLabel: label,
			proto.KeyNeededSignals: map[string]any{
				"urgency":            urgency,
				"needs_prior_thread": needsPriorThread,
				"needs_external":     needsExternal,
			},
		},
		Signals: proto.Signals{NeedsExternal: needsExternal},
	}, nil
}

func containsAny(text string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
