package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"grantvault/native/escrow"
)

// PutVote inserts a ballot. The UNIQUE(milestone_id, voter_id) constraint is
// the durable backstop behind the tally engine's in-process duplicate check.
func (s *Store) PutVote(ctx context.Context, vote *escrow.Vote) error {
	const stmt = `INSERT INTO votes(id, milestone_id, voter_id, approve, weight, comment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	approve := 0
	if vote.Approve {
		approve = 1
	}
	_, err := s.db.ExecContext(ctx, stmt, vote.ID, vote.MilestoneID, vote.VoterID, approve, vote.Weight, vote.Comment, vote.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: voter %s on milestone %s", escrow.ErrDuplicateVote, vote.VoterID, vote.MilestoneID)
	}
	return err
}

// ListVotes returns all ballots for a milestone in cast order.
func (s *Store) ListVotes(ctx context.Context, milestoneID string) ([]*escrow.Vote, error) {
	const query = `SELECT id, milestone_id, voter_id, approve, weight, comment, created_at FROM votes WHERE milestone_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var votes []*escrow.Vote
	for rows.Next() {
		var (
			vote    escrow.Vote
			approve int
		)
		if err := rows.Scan(&vote.ID, &vote.MilestoneID, &vote.VoterID, &approve, &vote.Weight, &vote.Comment, &vote.CreatedAt); err != nil {
			return nil, err
		}
		vote.Approve = approve == 1
		votes = append(votes, &vote)
	}
	return votes, rows.Err()
}

// PutMember inserts or updates an organization member.
func (s *Store) PutMember(ctx context.Context, member *escrow.Member) error {
	if err := member.Validate(); err != nil {
		return err
	}
	const stmt = `INSERT INTO members(id, org_id, name, key_hash, voting_power, created_at) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, key_hash = excluded.key_hash, voting_power = excluded.voting_power`
	_, err := s.db.ExecContext(ctx, stmt, member.ID, member.OrgID, member.Name, member.KeyHash, member.VotingPower, member.CreatedAt)
	return err
}

// GetMember loads one member.
func (s *Store) GetMember(ctx context.Context, id string) (*escrow.Member, error) {
	const query = `SELECT id, org_id, name, key_hash, voting_power, created_at FROM members WHERE id = ?`
	var member escrow.Member
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&member.ID, &member.OrgID, &member.Name, &member.KeyHash, &member.VotingPower, &member.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: member %s", escrow.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// ListMembers returns every member of an organization.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]*escrow.Member, error) {
	const query = `SELECT id, org_id, name, key_hash, voting_power, created_at FROM members WHERE org_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []*escrow.Member
	for rows.Next() {
		var member escrow.Member
		if err := rows.Scan(&member.ID, &member.OrgID, &member.Name, &member.KeyHash, &member.VotingPower, &member.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, &member)
	}
	return members, rows.Err()
}

// PutResearcher inserts or updates a researcher record.
func (s *Store) PutResearcher(ctx context.Context, researcher *escrow.Researcher) error {
	const stmt = `INSERT INTO researchers(id, name, payout_address, key_hash, created_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, payout_address = excluded.payout_address, key_hash = excluded.key_hash`
	_, err := s.db.ExecContext(ctx, stmt, researcher.ID, researcher.Name, researcher.PayoutAddress, researcher.KeyHash, researcher.CreatedAt)
	return err
}

// GetResearcher loads one researcher.
func (s *Store) GetResearcher(ctx context.Context, id string) (*escrow.Researcher, error) {
	const query = `SELECT id, name, payout_address, key_hash, created_at FROM researchers WHERE id = ?`
	var researcher escrow.Researcher
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&researcher.ID, &researcher.Name, &researcher.PayoutAddress, &researcher.KeyHash, &researcher.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: researcher %s", escrow.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &researcher, nil
}

// TallyState adapts the store to the tally engine's backend contract, which
// distinguishes absence from failure with an ok flag.
func (s *Store) TallyState() escrow.TallyState {
	return &tallyState{store: s}
}

type tallyState struct {
	store *Store
}

func (t *tallyState) GetMilestone(ctx context.Context, id string) (*escrow.Milestone, bool, error) {
	m, err := t.store.GetMilestone(ctx, id)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (t *tallyState) GetProject(ctx context.Context, id string) (*escrow.Project, bool, error) {
	p, err := t.store.GetProject(ctx, id)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *tallyState) GetMember(ctx context.Context, id string) (*escrow.Member, bool, error) {
	m, err := t.store.GetMember(ctx, id)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (t *tallyState) ListMembers(ctx context.Context, orgID string) ([]*escrow.Member, error) {
	return t.store.ListMembers(ctx, orgID)
}

func (t *tallyState) ListVotes(ctx context.Context, milestoneID string) ([]*escrow.Vote, error) {
	return t.store.ListVotes(ctx, milestoneID)
}

func (t *tallyState) PutVote(ctx context.Context, vote *escrow.Vote) error {
	return t.store.PutVote(ctx, vote)
}

func (t *tallyState) PutMilestone(ctx context.Context, m *escrow.Milestone) error {
	return t.store.PutMilestone(ctx, m)
}
