package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditKind classifies audit entries: step executions versus pure status
// transitions (created, suspended, approved, rejected).
type AuditKind string

const (
	AuditStep       AuditKind = "step"
	AuditTransition AuditKind = "transition"
)

// Outcome records whether a step execution or transition succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// AuditEntry is the immutable record of one persisted run mutation. Entries
// are append-only and ordered by (RunID, RevisionAfter); they are never
// mutated or deleted.
type AuditEntry struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Kind           AuditKind `json:"kind"`
	Step           StepName  `json:"step,omitempty"`
	Decision       string    `json:"decision,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	Status         Status    `json:"status"`
	RevisionBefore int64     `json:"revision_before"`
	RevisionAfter  int64     `json:"revision_after"`
	Diff           Context   `json:"diff,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewAuditEntry creates an entry for the given run mutation. The diff holds
// exactly the context keys written by this mutation so the trail can be
// replayed from revision zero.
func NewAuditEntry(runID string, kind AuditKind) *AuditEntry {
	return &AuditEntry{
		ID:        uuid.New().String(),
		RunID:     runID,
		Kind:      kind,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}
}

// Snapshot is the run state reconstructed by replaying an audit trail.
type Snapshot struct {
	Status   Status
	Context  Context
	Revision int64
}

// Replay folds an ordered audit trail into the run state it produced.
// Revisions must increase by exactly one per entry starting from zero;
// a gap means trail and state diverged.
func Replay(entries []*AuditEntry) (*Snapshot, error) {
	snap := &Snapshot{
		Status:  StatusCreated,
		Context: make(Context),
	}
	for _, entry := range entries {
		if entry.RevisionBefore != snap.Revision {
			return nil, fmt.Errorf("audit gap: have revision %d, entry starts at %d", snap.Revision, entry.RevisionBefore)
		}
		if entry.RevisionAfter != entry.RevisionBefore+1 {
			return nil, fmt.Errorf("audit entry %s skips revisions: %d -> %d", entry.ID, entry.RevisionBefore, entry.RevisionAfter)
		}
		for k, v := range entry.Diff {
			snap.Context[k] = v
		}
		snap.Status = entry.Status
		snap.Revision = entry.RevisionAfter
	}
	return snap, nil
}

// StepEntries filters a trail down to step-execution entries, preserving
// order. Useful for asserting pipeline order independent of transition
// bookkeeping.
func StepEntries(entries []*AuditEntry) []*AuditEntry {
	out := make([]*AuditEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind == AuditStep {
			out = append(out, entry)
		}
	}
	return out
}
