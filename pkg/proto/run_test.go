package proto

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"created to in_progress", StatusCreated, StatusInProgress, true},
		{"created to failed", StatusCreated, StatusFailed, true},
		{"created to sent", StatusCreated, StatusSent, false},
		{"in_progress to awaiting", StatusInProgress, StatusAwaitingApproval, true},
		{"in_progress to sent", StatusInProgress, StatusSent, false},
		{"awaiting to approved", StatusAwaitingApproval, StatusApproved, true},
		{"awaiting to rejected", StatusAwaitingApproval, StatusRejected, true},
		{"awaiting to sent", StatusAwaitingApproval, StatusSent, false},
		{"approved to sent", StatusApproved, StatusSent, true},
		{"sent is terminal", StatusSent, StatusFailed, false},
		{"rejected is terminal", StatusRejected, StatusApproved, false},
		{"failed is terminal", StatusFailed, StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestSendOnlyReachableFromApproved(t *testing.T) {
	for from := range validStatusTransitions {
		if from == StatusApproved {
			continue
		}
		if from.CanTransitionTo(StatusSent) {
			t.Errorf("status %s must not transition directly to SENT", from)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminal := []Status{StatusSent, StatusRejected, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusInProgress, StatusAwaitingApproval, StatusApproved} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStepOwnsKey(t *testing.T) {
	if !StepOwnsKey(StepIntent, KeyIntentLabel) {
		t.Error("intent step should own intent_label")
	}
	if StepOwnsKey(StepIntent, KeyDraftText) {
		t.Error("intent step must not own draft_text")
	}
	if StepOwnsKey(StepDrafter, KeySafetyDecision) {
		t.Error("drafter must not own safety_decision")
	}
	for _, step := range []StepName{StepIntent, StepRetriever, StepExternalTool, StepDrafter, StepSafety} {
		if StepOwnsKey(step, KeyApprovalWarning) {
			t.Errorf("step %s must not own orchestrator key %s", step, KeyApprovalWarning)
		}
	}
}

func TestTaskValidate(t *testing.T) {
	task := EmailTask{Recipient: "ops@example.com", TaskDescription: "follow up on Q3"}
	if err := task.Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	var validationErr *ValidationError
	bad := EmailTask{Recipient: "not-an-address", TaskDescription: "x"}
	if err := bad.Validate(); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for recipient, got %v", err)
	}

	empty := EmailTask{Recipient: "ops@example.com", TaskDescription: "   "}
	if err := empty.Validate(); !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for description, got %v", err)
	}
}

func TestContextSnapshotHashStable(t *testing.T) {
	c := Context{KeyIntentLabel: "general", KeyContextConfidence: 0.5}
	h1 := c.SnapshotHash()
	h2 := c.Clone().SnapshotHash()
	if h1 == "" || h1 != h2 {
		t.Fatalf("snapshot hash not stable: %q vs %q", h1, h2)
	}

	c[KeyDraftText] = "hello"
	if c.SnapshotHash() == h1 {
		t.Error("hash should change when context changes")
	}
}

func TestContextStringsAcceptsJSONRoundTrip(t *testing.T) {
	c := Context{KeyRetrievedSnippets: []string{"a", "b"}}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Context
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	got := decoded.Strings(KeyRetrievedSnippets)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Strings after round trip = %v", got)
	}
}

func TestRunReviseCountAndFinalText(t *testing.T) {
	run := NewRun(EmailTask{Recipient: "a@b.c", TaskDescription: "hi"})
	if run.Status != StatusCreated || run.Revision != 0 {
		t.Fatalf("new run = %s rev %d, want CREATED rev 0", run.Status, run.Revision)
	}
	if run.LastStep() != "" {
		t.Errorf("new run LastStep = %q, want empty", run.LastStep())
	}

	run.History = append(run.History,
		StepRecord{Step: StepSafety, Outcome: OutcomeSuccess, Signals: Signals{SafetyDecision: SafetyRevise}},
		StepRecord{Step: StepDrafter, Outcome: OutcomeSuccess},
		StepRecord{Step: StepSafety, Outcome: OutcomeSuccess, Signals: Signals{SafetyDecision: SafetyOK}},
	)
	if got := run.ReviseCount(); got != 1 {
		t.Errorf("ReviseCount = %d, want 1", got)
	}
	if got := run.LastStep(); got != StepSafety {
		t.Errorf("LastStep = %s, want safety", got)
	}

	run.Context = Context{KeyDraftText: "raw"}
	if run.FinalText() != "raw" {
		t.Errorf("FinalText without redaction = %q", run.FinalText())
	}
	run.Context[KeyRedactedText] = "clean"
	if run.FinalText() != "clean" {
		t.Errorf("FinalText with redaction = %q", run.FinalText())
	}
}

func TestReplay(t *testing.T) {
	runID := "run-1"
	entries := []*AuditEntry{
		{ID: "e1", RunID: runID, Kind: AuditTransition, Status: StatusCreated, RevisionBefore: 0, RevisionAfter: 1},
		{ID: "e2", RunID: runID, Kind: AuditStep, Step: StepIntent, Status: StatusInProgress,
			RevisionBefore: 1, RevisionAfter: 2, Diff: Context{KeyIntentLabel: "general"}},
		{ID: "e3", RunID: runID, Kind: AuditTransition, Status: StatusAwaitingApproval,
			RevisionBefore: 2, RevisionAfter: 3},
	}

	snap, err := Replay(entries)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if snap.Status != StatusAwaitingApproval {
		t.Errorf("replayed status = %s", snap.Status)
	}
	if snap.Revision != 3 {
		t.Errorf("replayed revision = %d", snap.Revision)
	}
	if snap.Context.String(KeyIntentLabel) != "general" {
		t.Errorf("replayed context = %v", snap.Context)
	}
}

func TestReplayRejectsGaps(t *testing.T) {
	entries := []*AuditEntry{
		{ID: "e1", Status: StatusCreated, RevisionBefore: 0, RevisionAfter: 1},
		{ID: "e3", Status: StatusInProgress, RevisionBefore: 2, RevisionAfter: 3},
	}
	if _, err := Replay(entries); err == nil {
		t.Fatal("expected error for revision gap")
	}

	skipping := []*AuditEntry{
		{ID: "e1", Status: StatusCreated, RevisionBefore: 0, RevisionAfter: 2},
	}
	if _, err := Replay(skipping); err == nil {
		t.Fatal("expected error for revision skip")
	}
}

func TestStepEntries(t *testing.T) {
	entries := []*AuditEntry{
		{Kind: AuditTransition},
		{Kind: AuditStep, Step: StepIntent},
		{Kind: AuditTransition},
		{Kind: AuditStep, Step: StepSend},
	}
	got := StepEntries(entries)
	if len(got) != 2 || got[0].Step != StepIntent || got[1].Step != StepSend {
		t.Errorf("StepEntries = %v", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewRetryableStepError(StepDrafter, errors.New("boom"))) {
		t.Error("retryable step error should be retryable")
	}
	if IsRetryable(NewFatalStepError(StepDrafter, errors.New("boom"))) {
		t.Error("fatal step error should not be retryable")
	}
	if !IsRetryable(ErrRateLimit) {
		t.Error("rate limit should be retryable")
	}
	if !IsRetryable(ErrStepTimeout) {
		t.Error("timeout should be retryable")
	}
	if IsRetryable(errors.New("random")) {
		t.Error("arbitrary errors should not be retryable")
	}
}

func TestAuditEntryTimestamps(t *testing.T) {
	entry := NewAuditEntry("run-1", AuditStep)
	if entry.ID == "" || entry.RunID != "run-1" {
		t.Fatalf("bad entry: %+v", entry)
	}
	if time.Since(entry.Timestamp) > time.Minute {
		t.Errorf("timestamp not recent: %v", entry.Timestamp)
	}
}
