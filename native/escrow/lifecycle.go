package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Lifecycle drives milestone status transitions. Every transition guards the
// exact current status atomically with the mutation, so re-entrant calls and
// orchestration retries surface as ErrInvalidState instead of silently
// re-applying side effects.
type Lifecycle struct {
	now func() time.Time
	// minEvidence gates the in_progress -> voting transition. Zero keeps the
	// permissive reference behaviour.
	minEvidence int
}

// NewLifecycle initialises a lifecycle engine using the supplied clock.
func NewLifecycle(now func() time.Time) *Lifecycle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Lifecycle{now: now}
}

// SetMinEvidence configures the minimum number of evidence items required
// before a milestone may enter voting. Negative values are treated as zero.
func (l *Lifecycle) SetMinEvidence(n int) {
	if n < 0 {
		n = 0
	}
	l.minEvidence = n
}

// Start moves a pending milestone into in_progress. Stage 0 starts when the
// project's lock transaction confirms; later stages start when their
// predecessor is released.
func (l *Lifecycle) Start(m *Milestone) error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	if m.Status != MilestoneStatusPending {
		return fmt.Errorf("%w: milestone %s is %s, want pending", ErrInvalidState, m.ID, m.Status)
	}
	m.Status = MilestoneStatusInProgress
	m.StartedAt = l.now().Unix()
	return nil
}

// OpenVoting moves an in-progress milestone into voting once evidence has been
// submitted. The attached evidence set is frozen for the voting round by the
// caller; this engine only enforces the minimum count policy.
func (l *Lifecycle) OpenVoting(m *Milestone) error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	if m.Status != MilestoneStatusInProgress {
		return fmt.Errorf("%w: milestone %s is %s, want in_progress", ErrInvalidState, m.ID, m.Status)
	}
	if len(m.Evidence) < l.minEvidence {
		return fmt.Errorf("%w: milestone %s has %d evidence items, policy requires %d", ErrValidation, m.ID, len(m.Evidence), l.minEvidence)
	}
	m.Status = MilestoneStatusVoting
	m.SubmittedAt = l.now().Unix()
	return nil
}

// Approve moves a voting milestone into approved. Only the vote tally engine
// calls this, after the approval threshold has been crossed.
func (l *Lifecycle) Approve(m *Milestone) error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	if m.Status != MilestoneStatusVoting {
		return fmt.Errorf("%w: milestone %s is %s, want voting", ErrInvalidState, m.ID, m.Status)
	}
	m.Status = MilestoneStatusApproved
	m.ApprovedAt = l.now().Unix()
	return nil
}

// Release moves an approved milestone into released and records the settlement
// transaction. Only the release orchestrator calls this, after the on-chain
// submission succeeded.
func (l *Lifecycle) Release(m *Milestone, settlementTxID string) error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	txID := strings.TrimSpace(settlementTxID)
	if txID == "" {
		return fmt.Errorf("%w: settlement transaction id required", ErrValidation)
	}
	if m.Status != MilestoneStatusApproved {
		return fmt.Errorf("%w: milestone %s is %s, want approved", ErrInvalidState, m.ID, m.Status)
	}
	m.Status = MilestoneStatusReleased
	m.ReleasedAt = l.now().Unix()
	m.SettlementTxID = txID
	return nil
}

// Reject marks a voting milestone as rejected. There is deliberately no
// automatic path here: reject-weight crossing a threshold never triggers this,
// only an explicit operator decision does.
func (l *Lifecycle) Reject(m *Milestone) error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	if m.Status != MilestoneStatusVoting {
		return fmt.Errorf("%w: milestone %s is %s, want voting", ErrInvalidState, m.ID, m.Status)
	}
	m.Status = MilestoneStatusRejected
	return nil
}
