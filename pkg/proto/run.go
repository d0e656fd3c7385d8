// Package proto defines the shared vocabulary of the mailflow engine: runs,
// statuses, step names, context ownership, routing decisions, and the audit
// trail entry format exchanged between the orchestrator, the router, and the
// agent steps.
package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
	StatusSent             Status = "SENT"
	StatusFailed           Status = "FAILED"
)

// validStatusTransitions is the only source of truth for status changes.
// Send is reachable from APPROVED alone, which keeps the human-approval
// boundary structural: nothing transitions CREATED/IN_PROGRESS straight
// to SENT.
var validStatusTransitions = map[Status][]Status{
	StatusCreated:          {StatusInProgress, StatusFailed},
	StatusInProgress:       {StatusAwaitingApproval, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved:         {StatusSent, StatusFailed},
	StatusRejected:         {},
	StatusSent:             {},
	StatusFailed:           {},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusRejected || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// StepName identifies one pipeline stage.
type StepName string

const (
	StepIntent       StepName = "intent"
	StepRetriever    StepName = "retriever"
	StepExternalTool StepName = "external_tool"
	StepDrafter      StepName = "drafter"
	StepSafety       StepName = "safety"
	StepSend         StepName = "send"
)

func (s StepName) String() string {
	return string(s)
}

// Context keys written by steps. Each key belongs to exactly one writer;
// the ownership table below is enforced by the orchestrator when merging
// step results.
const (
	KeyIntentLabel        = "intent_label"
	KeyNeededSignals      = "needed_signals"
	KeyContextConfidence  = "context_confidence"
	KeyRetrievedSnippets  = "retrieved_snippets"
	KeyExternalSnippets   = "external_snippets"
	KeyExternalConfidence = "external_confidence"
	KeyDraftText          = "draft_text"
	KeyCitations          = "citations"
	KeySafetyFlags        = "safety_flags"
	KeyRedactedText       = "redacted_text"
	KeySafetyDecision     = "safety_decision"

	// Orchestrator-owned keys. No step may write these.
	KeyApprovalWarning = "approval_warning"
	KeyEditedByHuman   = "edited_by_human"
)

// stepOwnedKeys maps each step to the context keys it may write.
var stepOwnedKeys = map[StepName]map[string]bool{
	StepIntent:       {KeyIntentLabel: true, KeyNeededSignals: true},
	StepRetriever:    {KeyContextConfidence: true, KeyRetrievedSnippets: true},
	StepExternalTool: {KeyExternalSnippets: true, KeyExternalConfidence: true},
	StepDrafter:      {KeyDraftText: true, KeyCitations: true},
	StepSafety:       {KeySafetyFlags: true, KeyRedactedText: true, KeySafetyDecision: true},
}

// StepOwnsKey reports whether the given step is allowed to write key.
func StepOwnsKey(step StepName, key string) bool {
	return stepOwnedKeys[step][key]
}

// Context is the named-signal map carried by a run. Keys are
// append-or-overwrite; writes are restricted by the ownership table.
type Context map[string]any

// Clone returns a shallow copy of the context.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// SnapshotHash returns a stable hash of the context for audit records.
// encoding/json sorts map keys, so the serialization is canonical.
func (c Context) SnapshotHash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Confidence returns the retriever confidence, or 0 if not yet set.
func (c Context) Confidence() float64 {
	return c.Float(KeyContextConfidence)
}

// SafetyDecision returns the safety verdict, or empty if the safety step
// has not run.
func (c Context) SafetyDecision() SafetyDecision {
	if v, ok := c[KeySafetyDecision].(string); ok {
		return SafetyDecision(v)
	}
	if v, ok := c[KeySafetyDecision].(SafetyDecision); ok {
		return v
	}
	return ""
}

// String returns the string value for key, or empty.
func (c Context) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Float returns the float value for key, or 0.
func (c Context) Float(key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns the bool value for key, or false.
func (c Context) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// Strings returns the string-slice value for key. JSON round-trips turn
// slices into []any, so both representations are accepted.
func (c Context) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// EmailTask is the immutable intake request a run works on.
type EmailTask struct {
	Recipient       string `json:"recipient"`
	SubjectHint     string `json:"subject_hint,omitempty"`
	BodyHint        string `json:"body_hint,omitempty"`
	TaskDescription string `json:"task_description"`
}

// Validate checks the intake fields before any run is created.
func (t *EmailTask) Validate() error {
	if strings.TrimSpace(t.TaskDescription) == "" {
		return &ValidationError{Field: "task_description", Reason: "must not be empty"}
	}
	if !strings.Contains(t.Recipient, "@") {
		return &ValidationError{Field: "recipient", Reason: "must be an email address"}
	}
	return nil
}

// StepRecord is one entry in a run's history: the in-memory mirror of the
// audit trail for this run.
type StepRecord struct {
	Step      StepName      `json:"step"`
	InputHash string        `json:"input_hash"`
	Updates   Context       `json:"updates,omitempty"`
	Signals   Signals       `json:"signals"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Signals is the typed record a step hands to the router alongside its
// context updates.
type Signals struct {
	NeedsExternal      bool           `json:"needs_external,omitempty"`
	ContextConfidence  float64        `json:"context_confidence,omitempty"`
	ExternalConfidence float64        `json:"external_confidence,omitempty"`
	SafetyDecision     SafetyDecision `json:"safety_decision,omitempty"`
	Redactions         []string       `json:"redactions,omitempty"`
}

// Run is one in-flight email-drafting task tracked end to end.
type Run struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Task      EmailTask    `json:"task"`
	Context   Context      `json:"context"`
	History   []StepRecord `json:"history"`
	Revision  int64        `json:"revision"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewRun creates a run in CREATED at revision zero.
func NewRun(task EmailTask) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New().String(),
		Status:    StatusCreated,
		Task:      task,
		Context:   make(Context),
		History:   nil,
		Revision:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LastStep returns the most recent successfully executed step, or empty if
// no step has completed yet.
func (r *Run) LastStep() StepName {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Outcome == OutcomeSuccess {
			return r.History[i].Step
		}
	}
	return ""
}

// ReviseCount returns how many times the safety step has asked for a
// revision so far.
func (r *Run) ReviseCount() int {
	n := 0
	for i := range r.History {
		if r.History[i].Step == StepSafety && r.History[i].Signals.SafetyDecision == SafetyRevise {
			n++
		}
	}
	return n
}

// FinalText returns the text that would be sent: the safety-redacted body
// when present, otherwise the raw draft.
func (r *Run) FinalText() string {
	if text := r.Context.String(KeyRedactedText); text != "" {
		return text
	}
	return r.Context.String(KeyDraftText)
}
