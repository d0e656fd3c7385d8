// Package engine orchestrates email-drafting runs: it owns the status
// machine, executes pipeline steps chosen by the router, persists every
// mutation with its audit entry, suspends runs for human approval, and
// performs the at-most-once send after approval.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailflow/pkg/config"
	"mailflow/pkg/eventlog"
	"mailflow/pkg/logx"
	"mailflow/pkg/mail"
	"mailflow/pkg/metrics"
	"mailflow/pkg/observe"
	"mailflow/pkg/persistence"
	"mailflow/pkg/proto"
	"mailflow/pkg/router"
	"mailflow/pkg/steps"
)

// Engine drives runs from intake through send. All mutations go through the
// store's revision compare-and-swap, so concurrent callers on the same run
// serialize; the loser receives ErrConcurrentModification.
type Engine struct {
	cfg    config.Config
	store  *persistence.Store
	steps  steps.Registry
	sender mail.Sender
	events *eventlog.Writer
	logger *logx.Logger
}

// New wires an engine from its collaborators. events may be nil to disable
// the JSONL event journal.
func New(cfg config.Config, store *persistence.Store, registry steps.Registry, sender mail.Sender, events *eventlog.Writer) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		steps:  registry,
		sender: sender,
		events: events,
		logger: logx.NewLogger("engine"),
	}
}

func (e *Engine) routerConfig() router.Config {
	return router.Config{
		ConfidenceThreshold: e.cfg.ConfidenceThreshold,
		MaxRevisionCycles:   e.cfg.MaxRevisionCycles,
	}
}

// Intake validates the task, creates the run, and drives the pipeline until
// it suspends for approval or fails. The returned run reflects the persisted
// state at the moment the call returns.
func (e *Engine) Intake(ctx context.Context, task proto.EmailTask) (*proto.Run, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	run := proto.NewRun(task)
	ctx, span := observe.StartRunSpan(ctx, "intake", run.ID)
	defer span.End()

	entry := e.newTransitionEntry(run, "created")
	if err := e.store.CreateRun(ctx, run, entry); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindRunCreated, Status: run.Status})
	e.logger.Info("run %s created for %s", run.ID, task.Recipient)

	return e.advance(ctx, run)
}

// Get returns a run by ID.
func (e *Engine) Get(ctx context.Context, runID string) (*proto.Run, error) {
	return e.store.LoadRun(ctx, runID)
}

// List returns all runs, newest first.
func (e *Engine) List(ctx context.Context) ([]*proto.Run, error) {
	return e.store.ListRuns(ctx)
}

// Trail returns a run's complete ordered audit trail.
func (e *Engine) Trail(ctx context.Context, runID string) ([]*proto.AuditEntry, error) {
	if _, err := e.store.LoadRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.AuditTrail(ctx, runID)
}

// Resume applies a human approval decision to a suspended run. Approval
// transitions the run to APPROVED and immediately performs the send; a
// rejection is terminal. Concurrent resumes on the same run serialize via
// the revision check: exactly one wins, the rest get
// ErrConcurrentModification.
func (e *Engine) Resume(ctx context.Context, runID string, decision proto.ApprovalDecision) (*proto.Run, error) {
	ctx, span := observe.StartRunSpan(ctx, "resume", runID)
	defer span.End()

	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, proto.ErrRunTerminal
	}
	if run.Status != proto.StatusAwaitingApproval {
		return run, proto.ErrNotAwaitingApproval
	}

	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindResumed, Decision: decision.String()})

	if !decision.Approve {
		if err := transition(run, proto.StatusRejected); err != nil {
			return nil, err
		}
		run.Reason = decision.Reason
		entry := e.newTransitionEntry(run, decision.String())
		if err := e.store.SaveRun(ctx, run, entry); err != nil {
			return nil, err
		}
		metrics.RecordTerminal(run.Status)
		e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindTerminal, Status: run.Status, Detail: run.Reason})
		e.logger.Info("run %s rejected: %s", run.ID, run.Reason)
		return run, nil
	}

	if err := transition(run, proto.StatusApproved); err != nil {
		return nil, err
	}
	entry := e.newTransitionEntry(run, decision.String())
	if decision.EditedText != "" {
		// The human's edit supersedes both the draft and any redaction.
		diff := proto.Context{
			proto.KeyDraftText:     decision.EditedText,
			proto.KeyRedactedText:  decision.EditedText,
			proto.KeyEditedByHuman: true,
		}
		for k, v := range diff {
			run.Context[k] = v
		}
		entry.Diff = diff
	}
	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		return nil, err
	}
	e.logger.Info("run %s approved", run.ID)

	return e.send(ctx, run)
}

// Cancel terminates a non-terminal run. A run whose message already left the
// transport cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*proto.Run, error) {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, proto.ErrRunTerminal
	}
	if _, sent, err := e.store.SendReceipt(ctx, runID); err != nil {
		return nil, err
	} else if sent {
		return run, proto.ErrAlreadySent
	}

	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	return e.failRun(ctx, run, reason)
}

// advance executes steps chosen by the router until the run suspends or
// terminates.
func (e *Engine) advance(ctx context.Context, run *proto.Run) (*proto.Run, error) {
	metrics.RunStarted()
	defer metrics.RunStopped()

	if run.Status == proto.StatusCreated {
		// Folded into the first step's save below; the audit entry for
		// that step carries the new status.
		if err := transition(run, proto.StatusInProgress); err != nil {
			return nil, err
		}
	}

	for {
		decision := router.Route(run, e.routerConfig())

		switch decision.Kind {
		case proto.DecisionStep:
			if err := e.runStep(ctx, run, decision); err != nil {
				if errors.Is(err, proto.ErrConcurrentModification) {
					return nil, err
				}
				return e.failRun(ctx, run, err.Error())
			}

		case proto.DecisionSuspend:
			return e.suspend(ctx, run, decision)

		case proto.DecisionFail:
			return e.failRun(ctx, run, decision.Reason)

		default:
			return e.failRun(ctx, run, fmt.Sprintf("unknown routing decision %q", decision.Kind))
		}
	}
}

// runStep executes one step with retries and persists its outcome.
func (e *Engine) runStep(ctx context.Context, run *proto.Run, decision proto.Decision) error {
	step, ok := e.steps[decision.Step]
	if !ok {
		return fmt.Errorf("no implementation registered for step %s", decision.Step)
	}

	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindStepStarted, Step: step.Name()})

	started := time.Now().UTC()
	inputHash := run.Context.SnapshotHash()

	result, err := e.executeWithRetry(ctx, run, step)
	duration := time.Since(started)
	if err != nil {
		metrics.RecordStep(step.Name(), proto.OutcomeError, duration)
		e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindStepFinished, Step: step.Name(), Detail: err.Error()})
		return err
	}

	for key := range result.Updates {
		if !proto.StepOwnsKey(step.Name(), key) {
			return fmt.Errorf("step %s wrote context key %q it does not own", step.Name(), key)
		}
	}
	for k, v := range result.Updates {
		run.Context[k] = v
	}

	run.History = append(run.History, proto.StepRecord{
		Step:      step.Name(),
		InputHash: inputHash,
		Updates:   result.Updates,
		Signals:   result.Signals,
		StartedAt: started,
		Duration:  duration,
		Outcome:   proto.OutcomeSuccess,
	})

	entry := e.newStepEntry(run, step.Name(), decision.String())
	entry.Diff = result.Updates
	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		return err
	}

	metrics.RecordStep(step.Name(), proto.OutcomeSuccess, duration)
	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindStepFinished, Step: step.Name(), Status: run.Status})
	e.logger.Debug("run %s step %s done in %s", run.ID, step.Name(), duration)
	return nil
}

// executeWithRetry runs one step attempt-by-attempt under the step's
// timeout, backing off exponentially on retryable failures.
func (e *Engine) executeWithRetry(ctx context.Context, run *proto.Run, step steps.Step) (steps.Result, error) {
	timeout := step.Timeout()
	if timeout <= 0 || timeout > e.cfg.StepTimeout {
		timeout = e.cfg.StepTimeout
	}

	backoff := e.cfg.RetryInitialBackoff
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxStepRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordStepRetry(step.Name())
			e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindStepRetried, Step: step.Name(), Detail: lastErr.Error()})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return steps.Result{}, ctx.Err()
			}
			backoff *= 2
			if backoff > e.cfg.RetryMaxBackoff {
				backoff = e.cfg.RetryMaxBackoff
			}
		}

		stepCtx, span := observe.StartStepSpan(ctx, run.ID, step.Name(), attempt)
		stepCtx, cancel := context.WithTimeout(stepCtx, timeout)
		result, err := step.Execute(stepCtx, run)
		cancel()

		if err == nil {
			observe.EndSpan(span, nil)
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = proto.NewRetryableStepError(step.Name(), proto.ErrStepTimeout)
		}
		observe.EndSpan(span, err)

		lastErr = err
		if !proto.IsRetryable(err) {
			return steps.Result{}, err
		}
		e.logger.Warn("run %s step %s attempt %d failed: %v", run.ID, step.Name(), attempt+1, err)
	}

	return steps.Result{}, fmt.Errorf("step %s failed after %d attempts: %w", step.Name(), e.cfg.MaxStepRetries+1, lastErr)
}

// suspend parks the run at the human-approval boundary.
func (e *Engine) suspend(ctx context.Context, run *proto.Run, decision proto.Decision) (*proto.Run, error) {
	if err := transition(run, proto.StatusAwaitingApproval); err != nil {
		return nil, err
	}
	entry := e.newTransitionEntry(run, decision.String())
	if decision.Escalated {
		warning := fmt.Sprintf("revision limit of %d reached; draft contains redactions", e.cfg.MaxRevisionCycles)
		run.Context[proto.KeyApprovalWarning] = warning
		entry.Diff = proto.Context{proto.KeyApprovalWarning: warning}
	}
	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		return nil, err
	}

	metrics.RecordSuspended()
	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindSuspended, Status: run.Status, Decision: decision.String()})
	e.logger.Info("run %s awaiting approval (escalated=%v)", run.ID, decision.Escalated)
	return run, nil
}

// send performs the at-most-once delivery for an APPROVED run. The persisted
// receipt is the idempotency marker: once it exists the transport is never
// invoked again for this run, only the status transition is completed.
func (e *Engine) send(ctx context.Context, run *proto.Run) (*proto.Run, error) {
	started := time.Now().UTC()
	inputHash := run.Context.SnapshotHash()

	messageID, alreadySent, err := e.store.SendReceipt(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	if !alreadySent {
		messageID, err = e.sender.Send(ctx, mail.Message{
			To:      run.Task.Recipient,
			Subject: e.subject(run),
			Body:    run.FinalText(),
		})
		if err != nil {
			metrics.RecordSend(proto.OutcomeError)
			return e.failRun(ctx, run, fmt.Sprintf("%v: %v", proto.ErrSendFailed, err))
		}
		if err := e.store.MarkSent(ctx, run.ID, messageID); err != nil && !errors.Is(err, proto.ErrAlreadySent) {
			return nil, err
		}
	}

	if err := transition(run, proto.StatusSent); err != nil {
		return nil, err
	}
	run.History = append(run.History, proto.StepRecord{
		Step:      proto.StepSend,
		InputHash: inputHash,
		StartedAt: started,
		Duration:  time.Since(started),
		Outcome:   proto.OutcomeSuccess,
	})
	entry := e.newStepEntry(run, proto.StepSend, "sent")
	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		return nil, err
	}

	metrics.RecordSend(proto.OutcomeSuccess)
	metrics.RecordTerminal(run.Status)
	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindSent, Status: run.Status, Detail: messageID})
	e.logger.Info("run %s sent, message_id=%s", run.ID, messageID)
	return run, nil
}

func (e *Engine) subject(run *proto.Run) string {
	if run.Task.SubjectHint != "" {
		return run.Task.SubjectHint
	}
	return "Following up"
}

// failRun transitions the run to FAILED with the given reason. The reason is
// recorded verbatim in run state and the audit trail.
func (e *Engine) failRun(ctx context.Context, run *proto.Run, reason string) (*proto.Run, error) {
	if err := transition(run, proto.StatusFailed); err != nil {
		return nil, err
	}
	run.Reason = reason
	entry := e.newTransitionEntry(run, "failed")
	entry.Outcome = proto.OutcomeError
	entry.Error = reason
	if err := e.store.SaveRun(ctx, run, entry); err != nil {
		return nil, err
	}

	metrics.RecordTerminal(run.Status)
	e.emit(eventlog.Event{RunID: run.ID, Kind: eventlog.KindTerminal, Status: run.Status, Detail: reason})
	e.logger.Warn("run %s failed: %s", run.ID, reason)
	return run, nil
}

// newStepEntry builds the audit entry for a step mutation and bumps the
// run's revision. Must be called after the run's state reflects the
// mutation and before SaveRun.
func (e *Engine) newStepEntry(run *proto.Run, step proto.StepName, decision string) *proto.AuditEntry {
	entry := proto.NewAuditEntry(run.ID, proto.AuditStep)
	entry.Step = step
	entry.Decision = decision
	e.stamp(run, entry)
	return entry
}

// newTransitionEntry builds the audit entry for a pure status transition and
// bumps the run's revision.
func (e *Engine) newTransitionEntry(run *proto.Run, decision string) *proto.AuditEntry {
	entry := proto.NewAuditEntry(run.ID, proto.AuditTransition)
	entry.Decision = decision
	e.stamp(run, entry)
	return entry
}

// transition moves the run to next, enforcing the status machine.
func transition(run *proto.Run, next proto.Status) error {
	if !run.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s", run.Status, next)
	}
	run.Status = next
	return nil
}

func (e *Engine) stamp(run *proto.Run, entry *proto.AuditEntry) {
	entry.RevisionBefore = run.Revision
	run.Revision++
	run.UpdatedAt = time.Now().UTC()
	entry.RevisionAfter = run.Revision
	entry.Status = run.Status
}

func (e *Engine) emit(event eventlog.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Write(event); err != nil {
		e.logger.Warn("event log write failed: %v", err)
	}
}
