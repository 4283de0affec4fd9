// Package escrowdb persists the funding database of record on SQLite. The
// store is the single writer for projects, milestones, votes, and the release
// journal; the escrow engines see it through their backend interfaces.
package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"grantvault/native/escrow"
)

// Store manages all relational state for the escrow service.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema. Use
// ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver serialises writes; a single connection avoids table locks
	// between the API handlers and the release worker.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS projects (
            id TEXT PRIMARY KEY,
            org_id TEXT NOT NULL,
            researcher_id TEXT NOT NULL,
            title TEXT NOT NULL,
            total_funding INTEGER NOT NULL,
            funding_released INTEGER NOT NULL DEFAULT 0,
            contract_address TEXT NOT NULL,
            escrow_tx_id TEXT NOT NULL DEFAULT '',
            escrow_index INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS milestones (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL,
            stage_index INTEGER NOT NULL,
            title TEXT NOT NULL,
            description TEXT,
            percent INTEGER NOT NULL,
            status TEXT NOT NULL,
            started_at INTEGER NOT NULL DEFAULT 0,
            submitted_at INTEGER NOT NULL DEFAULT 0,
            approved_at INTEGER NOT NULL DEFAULT 0,
            released_at INTEGER NOT NULL DEFAULT 0,
            settlement_tx_id TEXT NOT NULL DEFAULT '',
            UNIQUE(project_id, stage_index)
        );`,
		`CREATE TABLE IF NOT EXISTS evidence (
            id TEXT PRIMARY KEY,
            milestone_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            title TEXT NOT NULL,
            description TEXT,
            uri TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS votes (
            id TEXT PRIMARY KEY,
            milestone_id TEXT NOT NULL,
            voter_id TEXT NOT NULL,
            approve INTEGER NOT NULL,
            weight INTEGER NOT NULL,
            comment TEXT,
            created_at INTEGER NOT NULL,
            UNIQUE(milestone_id, voter_id)
        );`,
		`CREATE TABLE IF NOT EXISTS members (
            id TEXT PRIMARY KEY,
            org_id TEXT NOT NULL,
            name TEXT NOT NULL,
            key_hash BLOB,
            voting_power INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS researchers (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            payout_address TEXT NOT NULL DEFAULT '',
            key_hash BLOB,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS release_journal (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL,
            milestone_id TEXT NOT NULL,
            status TEXT NOT NULL,
            spent_tx_id TEXT NOT NULL,
            spent_index INTEGER NOT NULL,
            settlement_tx_id TEXT NOT NULL DEFAULT '',
            tranche INTEGER NOT NULL,
            final INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at INTEGER NOT NULL,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            subject_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            sent INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_milestones_project ON milestones(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_milestone ON evidence(milestone_id);`,
		`CREATE INDEX IF NOT EXISTS idx_votes_milestone ON votes(milestone_id);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_status ON release_journal(status);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProject persists a project and its milestones atomically. The project
// must already validate.
func (s *Store) CreateProject(ctx context.Context, project *escrow.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insertProject = `INSERT INTO projects(id, org_id, researcher_id, title, total_funding, funding_released, contract_address, escrow_tx_id, escrow_index, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertProject,
		project.ID, project.OrgID, project.ResearcherID, project.Title,
		project.TotalFunding, project.FundingReleased, project.ContractAddress,
		project.EscrowTxID, project.EscrowIndex, project.Status.String(),
		project.CreatedAt, project.UpdatedAt); err != nil {
		return err
	}
	for _, m := range project.Milestones {
		if err := insertMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMilestone(ctx context.Context, tx *sql.Tx, m *escrow.Milestone) error {
	const stmt = `INSERT INTO milestones(id, project_id, stage_index, title, description, percent, status, started_at, submitted_at, approved_at, released_at, settlement_tx_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, stmt,
		m.ID, m.ProjectID, m.StageIndex, m.Title, m.Description, m.Percent,
		m.Status.String(), m.StartedAt, m.SubmittedAt, m.ApprovedAt, m.ReleasedAt, m.SettlementTxID)
	return err
}

// DeleteProject removes a project and all dependent rows. Used as the
// compensating action when the lock transaction fails after onboarding.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	statements := []string{
		`DELETE FROM evidence WHERE milestone_id IN (SELECT id FROM milestones WHERE project_id = ?)`,
		`DELETE FROM votes WHERE milestone_id IN (SELECT id FROM milestones WHERE project_id = ?)`,
		`DELETE FROM milestones WHERE project_id = ?`,
		`DELETE FROM release_journal WHERE project_id = ?`,
		`DELETE FROM projects WHERE id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetProject loads the full aggregate: project, milestones in stage order,
// and each milestone's evidence and votes.
func (s *Store) GetProject(ctx context.Context, id string) (*escrow.Project, error) {
	const query = `SELECT id, org_id, researcher_id, title, total_funding, funding_released, contract_address, escrow_tx_id, escrow_index, status, created_at, updated_at
        FROM projects WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	project, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	milestones, err := s.listMilestones(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	project.Milestones = milestones
	return project, nil
}

// ListProjects returns all projects for an organization, newest first,
// without milestone detail.
func (s *Store) ListProjects(ctx context.Context, orgID string) ([]*escrow.Project, error) {
	const query = `SELECT id, org_id, researcher_id, title, total_funding, funding_released, contract_address, escrow_tx_id, escrow_index, status, created_at, updated_at
        FROM projects WHERE org_id = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []*escrow.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ActivateProject rewrites the project row and every milestone row in one
// transaction. Used when the lock transaction confirms and stage 0 starts.
func (s *Store) ActivateProject(ctx context.Context, project *escrow.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	const stmt = `UPDATE projects SET funding_released = ?, escrow_tx_id = ?, escrow_index = ?, status = ?, updated_at = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, stmt,
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
	return tx.Commit()
}

// UpdateProject rewrites the mutable project columns.
func (s *Store) UpdateProject(ctx context.Context, project *escrow.Project) error {
	const stmt = `UPDATE projects SET funding_released = ?, escrow_tx_id = ?, escrow_index = ?, status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		project.FundingReleased, project.EscrowTxID, project.EscrowIndex,
		project.Status.String(), project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "project", project.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*escrow.Project, error) {
	var (
		project escrow.Project
		status  string
	)
	err := row.Scan(&project.ID, &project.OrgID, &project.ResearcherID, &project.Title,
		&project.TotalFunding, &project.FundingReleased, &project.ContractAddress,
		&project.EscrowTxID, &project.EscrowIndex, &status, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project", escrow.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	project.Status, err = escrow.ParseProjectStatus(status)
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *Store) listMilestones(ctx context.Context, projectID string) ([]*escrow.Milestone, error) {
	const query = `SELECT id, project_id, stage_index, title, description, percent, status, started_at, submitted_at, approved_at, released_at, settlement_tx_id
        FROM milestones WHERE project_id = ? ORDER BY stage_index ASC`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var milestones []*escrow.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range milestones {
		if m.Evidence, err = s.listEvidence(ctx, m.ID); err != nil {
			return nil, err
		}
		if m.Votes, err = s.ListVotes(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return milestones, nil
}

// GetMilestone loads one milestone with its evidence and votes.
func (s *Store) GetMilestone(ctx context.Context, id string) (*escrow.Milestone, error) {
	const query = `SELECT id, project_id, stage_index, title, description, percent, status, started_at, submitted_at, approved_at, released_at, settlement_tx_id
        FROM milestones WHERE id = ?`
	m, err := scanMilestone(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if m.Evidence, err = s.listEvidence(ctx, m.ID); err != nil {
		return nil, err
	}
	if m.Votes, err = s.ListVotes(ctx, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// PutMilestone rewrites the mutable milestone columns.
func (s *Store) PutMilestone(ctx context.Context, m *escrow.Milestone) error {
	res, err := s.db.ExecContext(ctx, updateMilestoneStmt,
		m.Status.String(), m.StartedAt, m.SubmittedAt, m.ApprovedAt, m.ReleasedAt, m.SettlementTxID, m.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "milestone", m.ID)
}

const updateMilestoneStmt = `UPDATE milestones SET status = ?, started_at = ?, submitted_at = ?, approved_at = ?, released_at = ?, settlement_tx_id = ? WHERE id = ?`

func scanMilestone(row rowScanner) (*escrow.Milestone, error) {
	var (
		m      escrow.Milestone
		status string
	)
	err := row.Scan(&m.ID, &m.ProjectID, &m.StageIndex, &m.Title, &m.Description, &m.Percent,
		&status, &m.StartedAt, &m.SubmittedAt, &m.ApprovedAt, &m.ReleasedAt, &m.SettlementTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: milestone", escrow.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.Status, err = escrow.ParseMilestoneStatus(status)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AddEvidence appends an evidence record to a milestone. Evidence is
// append-only; there is no update or delete path.
func (s *Store) AddEvidence(ctx context.Context, ev *escrow.Evidence) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	const stmt = `INSERT INTO evidence(id, milestone_id, kind, title, description, uri, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, ev.ID, ev.MilestoneID, ev.Kind, ev.Title, ev.Description, ev.URI, ev.CreatedAt)
	return err
}

func (s *Store) listEvidence(ctx context.Context, milestoneID string) ([]*escrow.Evidence, error) {
	const query = `SELECT id, milestone_id, kind, title, description, uri, created_at FROM evidence WHERE milestone_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*escrow.Evidence
	for rows.Next() {
		var ev escrow.Evidence
		if err := rows.Scan(&ev.ID, &ev.MilestoneID, &ev.Kind, &ev.Title, &ev.Description, &ev.URI, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s", escrow.ErrNotFound, kind, id)
	}
	return nil
}

// isUniqueViolation sniffs the driver error for a UNIQUE constraint failure.
// modernc.org/sqlite does not export a typed error for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
