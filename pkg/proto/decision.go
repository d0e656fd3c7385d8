package proto

import "fmt"

// SafetyDecision is the verdict of the safety step.
type SafetyDecision string

const (
	SafetyOK     SafetyDecision = "OK"
	SafetyRevise SafetyDecision = "REVISE"
	SafetyBlock  SafetyDecision = "BLOCK"
)

// DecisionKind classifies a routing decision.
type DecisionKind string

const (
	// DecisionStep selects the next step to execute.
	DecisionStep DecisionKind = "step"

	// DecisionSuspend pauses the run at the human-approval boundary.
	DecisionSuspend DecisionKind = "suspend"

	// DecisionFail terminates the run with a reason.
	DecisionFail DecisionKind = "fail"
)

// Decision is the closed set of outcomes the router can produce. The router
// returns decisions by value and never mutates the run it inspected.
type Decision struct {
	Kind      DecisionKind
	Step      StepName // set when Kind == DecisionStep
	Reason    string   // set when Kind == DecisionFail
	Escalated bool     // suspend forced by the revise-cycle cap
}

// NextStep builds a step decision.
func NextStep(step StepName) Decision {
	return Decision{Kind: DecisionStep, Step: step}
}

// Suspend builds a suspension decision for the approval boundary.
func Suspend(escalated bool) Decision {
	return Decision{Kind: DecisionSuspend, Escalated: escalated}
}

// FailRun builds a terminal failure decision.
func FailRun(reason string) Decision {
	return Decision{Kind: DecisionFail, Reason: reason}
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionStep:
		return fmt.Sprintf("next=%s", d.Step)
	case DecisionSuspend:
		if d.Escalated {
			return "suspend(escalated)"
		}
		return "suspend"
	case DecisionFail:
		return fmt.Sprintf("fail: %s", d.Reason)
	}
	return "unknown"
}

// ApprovalDecision is the external event that resumes a suspended run.
type ApprovalDecision struct {
	Approve    bool   `json:"approve"`
	EditedText string `json:"edited_text,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (d ApprovalDecision) String() string {
	if d.Approve {
		if d.EditedText != "" {
			return "approve(edited)"
		}
		return "approve"
	}
	return fmt.Sprintf("reject: %s", d.Reason)
}
