package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailflow/pkg/logx"
	"mailflow/pkg/proto"
)

// Store is the run state store and audit trail writer.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// CreateRun persists a new run together with its first audit entry in one
// transaction.
func (s *Store) CreateRun(ctx context.Context, run *proto.Run, entry *proto.AuditEntry) error {
	if err := validateEntry(run, entry); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		taskJSON, contextJSON, historyJSON, err := marshalRun(run)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (id, status, reason, task_json, context_json, history_json, revision, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, string(run.Status), run.Reason, taskJSON, contextJSON, historyJSON,
			run.Revision, formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
		}

		return insertAuditEntry(ctx, tx, entry)
	})
}

// SaveRun persists a run mutation with optimistic concurrency: the update
// only applies if the stored revision still equals entry.RevisionBefore.
// The audit entry is written in the same transaction (atomic-write
// discipline: state and trail advance together or not at all).
func (s *Store) SaveRun(ctx context.Context, run *proto.Run, entry *proto.AuditEntry) error {
	if err := validateEntry(run, entry); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		taskJSON, contextJSON, historyJSON, err := marshalRun(run)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, reason = ?, task_json = ?, context_json = ?, history_json = ?, revision = ?, updated_at = ?
			 WHERE id = ? AND revision = ?`,
			string(run.Status), run.Reason, taskJSON, contextJSON, historyJSON,
			run.Revision, formatTime(run.UpdatedAt),
			run.ID, entry.RevisionBefore,
		)
		if err != nil {
			return fmt.Errorf("failed to update run %s: %w", run.ID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check update result: %w", err)
		}
		if affected == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = ?", run.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check run existence: %w", err)
			}
			if exists == 0 {
				return proto.ErrRunNotFound
			}
			return proto.ErrConcurrentModification
		}

		return insertAuditEntry(ctx, tx, entry)
	})
}

// LoadRun retrieves a run by ID.
func (s *Store) LoadRun(ctx context.Context, runID string) (*proto.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, reason, task_json, context_json, history_json, revision, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proto.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*proto.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, reason, task_json, context_json, history_json, revision, created_at, updated_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*proto.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// AuditTrail returns the complete ordered audit trail for a run.
func (s *Store) AuditTrail(ctx context.Context, runID string) ([]*proto.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, step, decision, outcome, error, status, revision_before, revision_after, diff_json, timestamp
		 FROM audit_entries WHERE run_id = ? ORDER BY revision_after ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*proto.AuditEntry
	for rows.Next() {
		var entry proto.AuditEntry
		var kind, step, outcome, status, diffJSON, timestamp string
		if err := rows.Scan(&entry.ID, &entry.RunID, &kind, &step, &entry.Decision, &outcome,
			&entry.Error, &status, &entry.RevisionBefore, &entry.RevisionAfter, &diffJSON, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Kind = proto.AuditKind(kind)
		entry.Step = proto.StepName(step)
		entry.Outcome = proto.Outcome(outcome)
		entry.Status = proto.Status(status)
		if diffJSON != "" {
			if err := json.Unmarshal([]byte(diffJSON), &entry.Diff); err != nil {
				return nil, fmt.Errorf("failed to decode audit diff: %w", err)
			}
		}
		if ts, err := parseTime(timestamp); err == nil {
			entry.Timestamp = ts
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit trail: %w", err)
	}
	return entries, nil
}

// MarkSent durably records the send idempotency marker for a run. A second
// call for the same run returns ErrAlreadySent.
func (s *Store) MarkSent(ctx context.Context, runID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO send_receipts (run_id, message_id, sent_at) VALUES (?, ?, ?)",
		runID, messageID, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to record send receipt for %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check send receipt result: %w", err)
	}
	if affected == 0 {
		return proto.ErrAlreadySent
	}
	return nil
}

// SendReceipt returns the recorded message ID for a run, if any.
func (s *Store) SendReceipt(ctx context.Context, runID string) (string, bool, error) {
	var messageID string
	err := s.db.QueryRowContext(ctx,
		"SELECT message_id FROM send_receipts WHERE run_id = ?", runID).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query send receipt: %w", err)
	}
	return messageID, true, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertAuditEntry(ctx context.Context, tx *sql.Tx, entry *proto.AuditEntry) error {
	diffJSON := "{}"
	if entry.Diff != nil {
		data, err := json.Marshal(entry.Diff)
		if err != nil {
			return fmt.Errorf("failed to encode audit diff: %w", err)
		}
		diffJSON = string(data)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, run_id, kind, step, decision, outcome, error, status, revision_before, revision_after, diff_json, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, string(entry.Kind), string(entry.Step), entry.Decision,
		string(entry.Outcome), entry.Error, string(entry.Status),
		entry.RevisionBefore, entry.RevisionAfter, diffJSON, formatTime(entry.Timestamp),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return proto.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func validateEntry(run *proto.Run, entry *proto.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required for every run mutation")
	}
	if entry.RunID != run.ID {
		return fmt.Errorf("audit entry run %s does not match run %s", entry.RunID, run.ID)
	}
	if entry.RevisionAfter != run.Revision || entry.RevisionAfter != entry.RevisionBefore+1 {
		return fmt.Errorf("audit entry revisions %d->%d do not match run revision %d",
			entry.RevisionBefore, entry.RevisionAfter, run.Revision)
	}
	return nil
}

func marshalRun(run *proto.Run) (task, contextJSON, history string, err error) {
	taskData, err := json.Marshal(run.Task)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode task: %w", err)
	}
	contextData, err := json.Marshal(run.Context)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode context: %w", err)
	}
	historyData, err := json.Marshal(run.History)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode history: %w", err)
	}
	return string(taskData), string(contextData), string(historyData), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*proto.Run, error) {
	var run proto.Run
	var status, taskJSON, contextJSON, historyJSON, createdAt, updatedAt string
	if err := row.Scan(&run.ID, &status, &run.Reason, &taskJSON, &contextJSON, &historyJSON,
		&run.Revision, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = proto.Status(status)
	if err := json.Unmarshal([]byte(taskJSON), &run.Task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &run.Context); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &run.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	if ts, err := parseTime(createdAt); err == nil {
		run.CreatedAt = ts
	}
	if ts, err := parseTime(updatedAt); err == nil {
		run.UpdatedAt = ts
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
