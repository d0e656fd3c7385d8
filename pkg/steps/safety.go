package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailflow/pkg/proto"
)

const safetyTimeout = 5 * time.Second

// SafetyStep reviews the draft against two term lists. Block terms hard-fail
// the run; revise terms are redacted and send the draft back to the drafter
// for another pass. Matching is case-insensitive and deterministic.
type SafetyStep struct {
	blockTerms  []string
	reviseTerms []string
}

// NewSafetyStep creates the reviewer with the given policy term lists.
func NewSafetyStep(blockTerms, reviseTerms []string) *SafetyStep {
	return &SafetyStep{blockTerms: blockTerms, reviseTerms: reviseTerms}
}

func (s *SafetyStep) Name() proto.StepName {
	return proto.StepSafety
}

func (s *SafetyStep) Timeout() time.Duration {
	return safetyTimeout
}

// Execute implements the Step interface.
func (s *SafetyStep) Execute(_ context.Context, run *proto.Run) (Result, error) {
	draft := run.Context.String(proto.KeyDraftText)
	lower := strings.ToLower(draft)

	for _, term := range s.blockTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			flags := []string{fmt.Sprintf("blocked term present: %s", term)}
			return Result{
				Updates: proto.Context{
					proto.KeySafetyFlags:    flags,
					proto.KeyRedactedText:   "",
					proto.KeySafetyDecision: string(proto.SafetyBlock),
				},
				Signals: proto.Signals{SafetyDecision: proto.SafetyBlock, Redactions: flags},
			}, nil
		}
	}

	redacted := draft
	var flags []string
	for _, term := range s.reviseTerms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			redacted = replaceFold(redacted, term, "[REDACTED]")
			flags = append(flags, fmt.Sprintf("sensitive term detected: %s", term))
		}
	}

	decision := proto.SafetyOK
	if len(flags) > 0 {
		decision = proto.SafetyRevise
	}

	return Result{
		Updates: proto.Context{
			proto.KeySafetyFlags:    flags,
			proto.KeyRedactedText:   redacted,
			proto.KeySafetyDecision: string(decision),
		},
		Signals: proto.Signals{SafetyDecision: decision, Redactions: flags},
	}, nil
}

// replaceFold replaces every case-insensitive occurrence of term in text.
func replaceFold(text, term, replacement string) string {
	if term == "" {
		return text
	}
	var b strings.Builder
	lowerText := strings.ToLower(text)
	lowerTerm := strings.ToLower(term)
	for {
		idx := strings.Index(lowerText, lowerTerm)
		if idx < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:idx])
		b.WriteString(replacement)
		text = text[idx+len(term):]
		lowerText = lowerText[idx+len(lowerTerm):]
	}
}
