// Package router decides what the orchestration engine does next after each
// completed step. Routing is a pure function of the run's context and history
// plus static configuration; it performs no I/O and keeps no state, so the
// same run always routes the same way.
package router

import (
	"fmt"

	"mailflow/pkg/proto"
)

// Config holds the routing thresholds. Values come from the engine's
// configuration and never change during a run.
type Config struct {
	// ConfidenceThreshold gates the external enrichment branch after
	// retrieval.
	ConfidenceThreshold float64
	// MaxRevisionCycles bounds the safety-driven drafter loop before the
	// run escalates to a human with a warning.
	MaxRevisionCycles int
}

// Route returns the next decision for a run that has just completed the step
// recorded at the tail of its history. An empty history routes to intent
// classification.
func Route(run *proto.Run, cfg Config) proto.Decision {
	switch run.LastStep() {
	case "":
		return proto.NextStep(proto.StepIntent)

	case proto.StepIntent:
		return proto.NextStep(proto.StepRetriever)

	case proto.StepRetriever:
		if run.Context.Confidence() < cfg.ConfidenceThreshold {
			return proto.NextStep(proto.StepExternalTool)
		}
		return proto.NextStep(proto.StepDrafter)

	case proto.StepExternalTool:
		// External enrichment is a one-shot fallback: its outcome never
		// re-gates, the draft proceeds regardless.
		return proto.NextStep(proto.StepDrafter)

	case proto.StepDrafter:
		return proto.NextStep(proto.StepSafety)

	case proto.StepSafety:
		return routeAfterSafety(run, cfg)

	case proto.StepSend:
		return proto.FailRun("send step must not re-enter routing")

	default:
		return proto.FailRun(fmt.Sprintf("unknown step in history: %s", run.LastStep()))
	}
}

func routeAfterSafety(run *proto.Run, cfg Config) proto.Decision {
	switch run.Context.SafetyDecision() {
	case proto.SafetyBlock:
		return proto.FailRun("draft blocked by policy review")

	case proto.SafetyRevise:
		// The revise counter includes the cycle that just completed.
		if run.ReviseCount() <= cfg.MaxRevisionCycles {
			return proto.NextStep(proto.StepDrafter)
		}
		return proto.Suspend(true)

	case proto.SafetyOK:
		return proto.Suspend(false)

	default:
		return proto.FailRun("safety review recorded no decision")
	}
}
