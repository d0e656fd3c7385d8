package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"mailflow/pkg/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRun() *proto.Run {
	return proto.NewRun(proto.EmailTask{Recipient: "ops@example.com", TaskDescription: "follow up on Q3"})
}

// stampEntry builds an audit entry and bumps the run revision the way the
// engine does.
func stampEntry(run *proto.Run, kind proto.AuditKind) *proto.AuditEntry {
	entry := proto.NewAuditEntry(run.ID, kind)
	entry.RevisionBefore = run.Revision
	run.Revision++
	entry.RevisionAfter = run.Revision
	entry.Status = run.Status
	return entry
}

func TestCreateAndLoadRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := newTestRun()
	run.Context[proto.KeyIntentLabel] = "follow_up"
	if err := store.CreateRun(ctx, run, stampEntry(run, proto.AuditTransition)); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	loaded, err := store.LoadRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.ID != run.ID || loaded.Status != proto.StatusCreated || loaded.Revision != 1 {
		t.Errorf("loaded run = %s/%s/rev%d", loaded.ID, loaded.Status, loaded.Revision)
	}
	if loaded.Context.String(proto.KeyIntentLabel) != "follow_up" {
		t.Errorf("context not persisted: %v", loaded.Context)
	}
	if loaded.Task.Recipient != "ops@example.com" {
		t.Errorf("task not persisted: %+v", loaded.Task)
	}
}

func TestLoadRunNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.LoadRun(context.Background(), "missing"); !errors.Is(err, proto.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSaveRunRevisionConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := newTestRun()
	if err := store.CreateRun(ctx, run, stampEntry(run, proto.AuditTransition)); err != nil {
		t.Fatal(err)
	}

	// Two copies at the same revision simulate two concurrent resumers.
	copy1, _ := store.LoadRun(ctx, run.ID)
	copy2, _ := store.LoadRun(ctx, run.ID)

	copy1.Status = proto.StatusInProgress
	if err := store.SaveRun(ctx, copy1, stampEntry(copy1, proto.AuditTransition)); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	copy2.Status = proto.StatusFailed
	err := store.SaveRun(ctx, copy2, stampEntry(copy2, proto.AuditTransition))
	if !errors.Is(err, proto.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// The loser's write must not be visible.
	final, _ := store.LoadRun(ctx, run.ID)
	if final.Status != proto.StatusInProgress || final.Revision != 2 {
		t.Errorf("final run = %s rev %d, want IN_PROGRESS rev 2", final.Status, final.Revision)
	}
}

func TestSaveRunUnknownRun(t *testing.T) {
	store := openTestStore(t)
	run := newTestRun()
	run.Revision = 1
	entry := proto.NewAuditEntry(run.ID, proto.AuditTransition)
	entry.RevisionBefore = 1
	entry.RevisionAfter = 2
	run.Revision = 2
	entry.Status = run.Status

	if err := store.SaveRun(context.Background(), run, entry); !errors.Is(err, proto.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSaveRunRejectsBadEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := newTestRun()
	if err := store.CreateRun(ctx, run, stampEntry(run, proto.AuditTransition)); err != nil {
		t.Fatal(err)
	}

	if err := store.SaveRun(ctx, run, nil); err == nil {
		t.Fatal("save without audit entry must fail")
	}

	entry := proto.NewAuditEntry(run.ID, proto.AuditTransition)
	entry.RevisionBefore = run.Revision
	entry.RevisionAfter = run.Revision + 2 // skips a revision
	if err := store.SaveRun(ctx, run, entry); err == nil {
		t.Fatal("save with revision skip must fail")
	}
}

func TestAuditTrailOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := newTestRun()
	if err := store.CreateRun(ctx, run, stampEntry(run, proto.AuditTransition)); err != nil {
		t.Fatal(err)
	}

	run.Status = proto.StatusInProgress
	for _, step := range []proto.StepName{proto.StepIntent, proto.StepRetriever, proto.StepDrafter} {
		entry := stampEntry(run, proto.AuditStep)
		entry.Step = step
		entry.Diff = proto.Context{proto.KeyIntentLabel: string(step)}
		if err := store.SaveRun(ctx, run, entry); err != nil {
			t.Fatalf("save for step %s failed: %v", step, err)
		}
	}

	trail, err := store.AuditTrail(ctx, run.ID)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	if len(trail) != 4 {
		t.Fatalf("trail has %d entries, want 4", len(trail))
	}
	for i, entry := range trail {
		if entry.RevisionAfter != int64(i+1) {
			t.Errorf("entry %d has revision_after %d", i, entry.RevisionAfter)
		}
	}

	snap, err := proto.Replay(trail)
	if err != nil {
		t.Fatalf("Replay of persisted trail failed: %v", err)
	}
	if snap.Revision != run.Revision || snap.Status != run.Status {
		t.Errorf("replayed %s rev %d, run is %s rev %d", snap.Status, snap.Revision, run.Status, run.Revision)
	}
}

func TestMarkSentIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := newTestRun()
	if err := store.CreateRun(ctx, run, stampEntry(run, proto.AuditTransition)); err != nil {
		t.Fatal(err)
	}

	if _, sent, err := store.SendReceipt(ctx, run.ID); err != nil || sent {
		t.Fatalf("unexpected receipt before send: sent=%v err=%v", sent, err)
	}

	if err := store.MarkSent(ctx, run.ID, "msg-1"); err != nil {
		t.Fatalf("first MarkSent failed: %v", err)
	}
	if err := store.MarkSent(ctx, run.ID, "msg-2"); !errors.Is(err, proto.ErrAlreadySent) {
		t.Fatalf("second MarkSent = %v, want ErrAlreadySent", err)
	}

	messageID, sent, err := store.SendReceipt(ctx, run.ID)
	if err != nil || !sent {
		t.Fatalf("receipt lookup failed: sent=%v err=%v", sent, err)
	}
	if messageID != "msg-1" {
		t.Errorf("receipt message ID = %q, want first writer's msg-1", messageID)
	}
}

func TestListRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := newTestRun()
		if err := store.CreateRun(ctx, run, stampEntry(run, proto.AuditTransition)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("listed %d runs, want 3", len(runs))
	}
}
