package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"grantvault/native/escrow"
	"grantvault/native/escrow/release"
)

// CreateJournalEntry records a new release attempt.
func (s *Store) CreateJournalEntry(ctx context.Context, entry *release.JournalEntry) error {
	const stmt = `INSERT INTO release_journal(id, project_id, milestone_id, status, spent_tx_id, spent_index, settlement_tx_id, tranche, final, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	final := 0
	if entry.Final {
		final = 1
	}
	_, err := s.db.ExecContext(ctx, stmt,
		entry.ID, entry.ProjectID, entry.MilestoneID, entry.Status.String(),
		entry.SpentEscrow.TxID, entry.SpentEscrow.Index, entry.SettlementTxID,
		entry.Tranche, final, entry.CreatedAt, entry.UpdatedAt)
	return err
}

// UpdateJournalEntry rewrites the mutable journal columns.
func (s *Store) UpdateJournalEntry(ctx context.Context, entry *release.JournalEntry) error {
	res, err := s.db.ExecContext(ctx, updateJournalStmt,
		entry.Status.String(), entry.SettlementTxID, entry.UpdatedAt, entry.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "journal entry", entry.ID)
}

const updateJournalStmt = `UPDATE release_journal SET status = ?, settlement_tx_id = ?, updated_at = ? WHERE id = ?`

// ListJournalEntries returns entries in the given status, oldest first.
func (s *Store) ListJournalEntries(ctx context.Context, status release.JournalStatus) ([]*release.JournalEntry, error) {
	const query = `SELECT id, project_id, milestone_id, status, spent_tx_id, spent_index, settlement_tx_id, tranche, final, created_at, updated_at
        FROM release_journal WHERE status = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, status.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*release.JournalEntry
	for rows.Next() {
		var (
			entry     release.JournalEntry
			rawStatus string
			final     int
		)
		if err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.MilestoneID, &rawStatus,
			&entry.SpentEscrow.TxID, &entry.SpentEscrow.Index, &entry.SettlementTxID,
			&entry.Tranche, &final, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		if entry.Status, err = release.ParseJournalStatus(rawStatus); err != nil {
			return nil, err
		}
		entry.Final = final == 1
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// CompleteRelease commits a settled release: the project row, every milestone
// row, and the journal entry update in a single transaction. Either all of it
// lands or none of it does.
func (s *Store) CompleteRelease(ctx context.Context, project *escrow.Project, entry *release.JournalEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const updateProject = `UPDATE projects SET funding_released = ?, escrow_tx_id = ?, escrow_index = ?, status = ?, updated_at = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, updateProject,
		project.FundingReleased, project.EscrowTxID, project.EscrowIndex,
		project.Status.String(), project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}
	if err := requireRow(res, "project", project.ID); err != nil {
		return err
	}
	for _, m := range project.Milestones {
		res, err := tx.ExecContext(ctx, updateMilestoneStmt,
			m.Status.String(), m.StartedAt, m.SubmittedAt, m.ApprovedAt, m.ReleasedAt, m.SettlementTxID, m.ID)
		if err != nil {
			return err
		}
		if err := requireRow(res, "milestone", m.ID); err != nil {
			return err
		}
	}
	res, err = tx.ExecContext(ctx, updateJournalStmt,
		entry.Status.String(), entry.SettlementTxID, entry.UpdatedAt, entry.ID)
	if err != nil {
		return err
	}
	if err := requireRow(res, "journal entry", entry.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// StoredResponse is a cached idempotent response.
type StoredResponse struct {
	Status int
	Body   []byte
}

// ErrIdempotencyMismatch is returned when an idempotency key is reused with a
// different request payload.
var ErrIdempotencyMismatch = errors.New("escrowdb: idempotency key reuse with different request body")

// LookupIdempotency returns the cached response for a key, nil when the key
// is unseen.
func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	var (
		status     int
		body       []byte
		storedHash string
	)
	err := s.db.QueryRowContext(ctx, query, apiKey, key).Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency caches a response under the key.
func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC().Unix())
	return err
}

// Notification is one row of the outbox consumed by the notifier.
type Notification struct {
	ID        int64
	Kind      string
	SubjectID string
	Payload   string
	CreatedAt int64
}

// EnqueueNotification appends a row to the notification outbox.
func (s *Store) EnqueueNotification(ctx context.Context, kind, subjectID, payload string, createdAt int64) error {
	const stmt = `INSERT INTO notifications(kind, subject_id, payload, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, kind, subjectID, payload, createdAt)
	return err
}

// ListPendingNotifications returns unsent outbox rows, oldest first.
func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, kind, subject_id, payload, created_at FROM notifications WHERE sent = 0 ORDER BY id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.SubjectID, &n.Payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationSent flips an outbox row to sent.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET sent = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "notification", fmt.Sprintf("%d", id))
}
