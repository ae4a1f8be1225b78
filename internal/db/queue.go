package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

const queueColumns = `id, recipient, subject, body, template, data, command, order_id, reason,
	status, priority, attempts, max_attempts, scheduled_for, last_error,
	created_at, last_attempt_at, sent_at`

// Enqueue validates and persists a draft. It never drops an entry silently:
// either the id of the stored row or an error is returned.
func (s *Store) Enqueue(ctx context.Context, draft models.QueueEntryDraft) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.insertEntry(ctx, s.DB, draft, time.Now())
}

func (s *Store) validateDraft(draft models.QueueEntryDraft) error {
	if err := s.validate.Struct(draft); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	if models.IsSentinel(draft.Recipient) {
		if draft.Command == nil {
			if _, err := models.ParseSystemCommand(draft.Recipient, draft.Body); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
			}
		}
		return nil
	}
	if draft.Command != nil {
		return fmt.Errorf("%w: command set on direct recipient %q", ErrInvalidDraft, draft.Recipient)
	}
	if strings.TrimSpace(draft.Body) == "" && strings.TrimSpace(draft.Template) == "" {
		return fmt.Errorf("%w: body or template is required", ErrInvalidDraft)
	}
	return nil
}

func (s *Store) insertEntry(ctx context.Context, qx querier, draft models.QueueEntryDraft, now time.Time) (int64, error) {
	if err := s.validateDraft(draft); err != nil {
		return 0, err
	}

	maxAttempts := draft.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	dataJSON := ""
	if len(draft.Data) > 0 {
		b, err := json.Marshal(draft.Data)
		if err != nil {
			return 0, fmt.Errorf("encode entry data: %w", err)
		}
		dataJSON = string(b)
	}

	var (
		command string
		orderID *uuid.UUID
		reason  string
	)
	if draft.Command != nil {
		command = string(draft.Command.Command)
		id := draft.Command.OrderID
		orderID = &id
		reason = draft.Command.Reason
	}

	var id int64
	err := qx.QueryRowContext(ctx, s.q(
		`INSERT INTO notification_queue
		 (recipient, subject, body, template, data, command, order_id, reason,
		  status, priority, attempts, max_attempts, scheduled_for, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 RETURNING id`),
		draft.Recipient,
		draft.Subject,
		draft.Body,
		draft.Template,
		dataJSON,
		command,
		orderID,
		reason,
		models.StatusPending,
		draft.Priority,
		maxAttempts,
		nullTime(draft.ScheduledFor),
		now.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert queue entry: %w", err)
	}
	return id, nil
}

// FetchPending returns due pending entries, highest priority first.
func (s *Store) FetchPending(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT `+queueColumns+`
		 FROM notification_queue
		 WHERE status = ?
		   AND attempts < max_attempts
		   AND (scheduled_for IS NULL OR scheduled_for <= ?)
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT ?`),
		models.StatusPending,
		now.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending entries: %w", err)
	}
	return scanEntries(rows)
}

// MarkSending claims a pending entry. It reports false when another
// dispatcher claimed it first.
func (s *Store) MarkSending(ctx context.Context, id int64, now time.Time) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE notification_queue
		 SET status = ?, last_attempt_at = ?
		 WHERE id = ? AND status = ? AND attempts < max_attempts`),
		models.StatusSending,
		now.UTC(),
		id,
		models.StatusPending,
	)
	return affectedOne(res, err)
}

// MarkSent completes a claimed entry.
func (s *Store) MarkSent(ctx context.Context, id int64, now time.Time) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE notification_queue
		 SET status = ?, sent_at = ?, last_error = ''
		 WHERE id = ? AND status = ?`),
		models.StatusSent,
		now.UTC(),
		id,
		models.StatusSending,
	)
	return affectedOne(res, err)
}

// MarkFailed records a failed attempt on a claimed entry. The entry goes back
// to pending (due at retryAt) unless the failure is permanent or the attempt
// budget is spent. The resulting status is returned; ok is false when the
// entry was not in sending.
func (s *Store) MarkFailed(
	ctx context.Context,
	id int64,
	now time.Time,
	errText string,
	permanent bool,
	retryAt *time.Time,
) (status models.QueueStatus, ok bool, err error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if len(errText) > 2000 {
		errText = errText[:2000]
	}

	var got string
	err = s.DB.QueryRowContext(ctx, s.q(
		`UPDATE notification_queue
		 SET attempts = attempts + 1,
		     last_error = ?,
		     last_attempt_at = ?,
		     scheduled_for = ?,
		     status = CASE WHEN ? OR attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		 WHERE id = ? AND status = ?
		 RETURNING status`),
		errText,
		now.UTC(),
		nullTime(retryAt),
		permanent,
		id,
		models.StatusSending,
	).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mark entry %d failed: %w", id, err)
	}
	return models.QueueStatus(got), true, nil
}

// RequeueStale returns entries stuck in sending since before the cutoff to
// pending. A dispatcher that crashed mid-send leaves such rows behind.
func (s *Store) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE notification_queue
		 SET status = ?
		 WHERE status = ? AND last_attempt_at < ?`),
		models.StatusPending,
		models.StatusSending,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetEntry(ctx context.Context, id int64) (models.QueueEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT `+queueColumns+` FROM notification_queue WHERE id = ?`), id)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// EntriesForOrder lists the system entries queued for an order.
func (s *Store) EntriesForOrder(ctx context.Context, orderID uuid.UUID) ([]models.QueueEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT `+queueColumns+`
		 FROM notification_queue
		 WHERE order_id = ?
		 ORDER BY id ASC`), orderID)
	if err != nil {
		return nil, fmt.Errorf("list entries for order: %w", err)
	}
	return scanEntries(rows)
}

func (s *Store) CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var (
			e             models.QueueEntry
			data          string
			command       string
			orderID       uuid.NullUUID
			reason        string
			status        string
			scheduledFor  sql.NullTime
			lastAttemptAt sql.NullTime
			sentAt        sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.Recipient, &e.Subject, &e.Body, &e.Template, &data,
			&command, &orderID, &reason,
			&status, &e.Priority, &e.Attempts, &e.MaxAttempts, &scheduledFor, &e.LastError,
			&e.CreatedAt, &lastAttemptAt, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}

		e.Status = models.QueueStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		e.ScheduledFor = timePtr(scheduledFor)
		e.LastAttemptAt = timePtr(lastAttemptAt)
		e.SentAt = timePtr(sentAt)

		if data != "" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("decode data of entry %d: %w", e.ID, err)
			}
		}
		if command != "" && orderID.Valid {
			e.Command = &models.SystemCommand{
				Command: models.Command(command),
				OrderID: orderID.UUID,
				Reason:  reason,
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
