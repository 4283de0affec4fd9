package escrow

import (
	"fmt"
	"strings"
)

// All monetary values are denominated in lovelace, the ledger's integer base
// unit. Amount arithmetic never touches floating point.

// ProjectStatus represents the lifecycle of a funded project.
type ProjectStatus uint8

const (
	// ProjectStatusPendingLock marks projects created off-chain whose lock
	// transaction has not confirmed yet.
	ProjectStatusPendingLock ProjectStatus = iota
	// ProjectStatusActive marks projects whose funds are locked in the
	// escrow contract.
	ProjectStatusActive
	// ProjectStatusCompleted marks projects whose final milestone has been
	// released.
	ProjectStatusCompleted
)

// String renders the status for storage and API payloads.
func (s ProjectStatus) String() string {
	switch s {
	case ProjectStatusPendingLock:
		return "pending_lock"
	case ProjectStatusActive:
		return "active"
	case ProjectStatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ParseProjectStatus converts a stored status string back to the enum.
func ParseProjectStatus(raw string) (ProjectStatus, error) {
	switch strings.TrimSpace(raw) {
	case "pending_lock":
		return ProjectStatusPendingLock, nil
	case "active":
		return ProjectStatusActive, nil
	case "completed":
		return ProjectStatusCompleted, nil
	default:
		return 0, fmt.Errorf("%w: unknown project status %q", ErrValidation, raw)
	}
}

// MilestoneStatus represents the lifecycle of a single milestone.
type MilestoneStatus uint8

const (
	// MilestoneStatusPending marks milestones waiting on their predecessor.
	MilestoneStatusPending MilestoneStatus = iota
	// MilestoneStatusInProgress marks the milestone currently being worked.
	MilestoneStatusInProgress
	// MilestoneStatusVoting marks milestones whose evidence is under review
	// by the organization's voters.
	MilestoneStatusVoting
	// MilestoneStatusApproved marks milestones that crossed the approval
	// threshold and are awaiting settlement.
	MilestoneStatusApproved
	// MilestoneStatusReleased marks milestones whose tranche has been paid
	// out on-chain.
	MilestoneStatusReleased
	// MilestoneStatusRejected is a terminal state reachable only through an
	// explicit operator decision; no vote tally triggers it.
	MilestoneStatusRejected
)

// String renders the status for storage and API payloads.
func (s MilestoneStatus) String() string {
	switch s {
	case MilestoneStatusPending:
		return "pending"
	case MilestoneStatusInProgress:
		return "in_progress"
	case MilestoneStatusVoting:
		return "voting"
	case MilestoneStatusApproved:
		return "approved"
	case MilestoneStatusReleased:
		return "released"
	case MilestoneStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseMilestoneStatus converts a stored status string back to the enum.
func ParseMilestoneStatus(raw string) (MilestoneStatus, error) {
	switch strings.TrimSpace(raw) {
	case "pending":
		return MilestoneStatusPending, nil
	case "in_progress":
		return MilestoneStatusInProgress, nil
	case "voting":
		return MilestoneStatusVoting, nil
	case "approved":
		return MilestoneStatusApproved, nil
	case "released":
		return MilestoneStatusReleased, nil
	case "rejected":
		return MilestoneStatusRejected, nil
	default:
		return 0, fmt.Errorf("%w: unknown milestone status %q", ErrValidation, raw)
	}
}

// Project aggregates the milestones funded from a single escrow output.
type Project struct {
	ID              string
	OrgID           string
	ResearcherID    string
	Title           string
	TotalFunding    int64
	FundingReleased int64
	ContractAddress string
	// EscrowTxID and EscrowIndex identify the current unspent contract
	// output holding TotalFunding - FundingReleased. They form the
	// optimistic-concurrency token every release attempt must read-verify.
	EscrowTxID  string
	EscrowIndex uint32
	Status      ProjectStatus
	Milestones  []*Milestone
	CreatedAt   int64
	UpdatedAt   int64
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// Validate ensures the project fields are sane prior to persistence.
func (p *Project) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: project must not be nil", ErrValidation)
	}
	if strings.TrimSpace(p.OrgID) == "" {
		return fmt.Errorf("%w: organization id required", ErrValidation)
	}
	if strings.TrimSpace(p.ResearcherID) == "" {
		return fmt.Errorf("%w: researcher id required", ErrValidation)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title required", ErrValidation)
	}
	if p.TotalFunding <= 0 {
		return fmt.Errorf("%w: total funding must be positive", ErrValidation)
	}
	if p.FundingReleased < 0 || p.FundingReleased > p.TotalFunding {
		return fmt.Errorf("%w: funding released %d outside [0, %d]", ErrValidation, p.FundingReleased, p.TotalFunding)
	}
	if len(p.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrValidation)
	}
	var pctTotal uint32
	for i, m := range p.Milestones {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.StageIndex != i {
			return fmt.Errorf("%w: milestone %d has stage index %d", ErrValidation, i, m.StageIndex)
		}
		pctTotal += m.Percent
	}
	if pctTotal != 100 {
		return fmt.Errorf("%w: milestone percentages sum to %d, want 100", ErrValidation, pctTotal)
	}
	return nil
}

// FindMilestone returns the milestone with the supplied identifier.
func (p *Project) FindMilestone(id string) *Milestone {
	if p == nil {
		return nil
	}
	for _, m := range p.Milestones {
		if m != nil && m.ID == id {
			return m
		}
	}
	return nil
}

// MilestoneAt returns the milestone with the supplied stage index.
func (p *Project) MilestoneAt(stage int) *Milestone {
	if p == nil {
		return nil
	}
	for _, m := range p.Milestones {
		if m != nil && m.StageIndex == stage {
			return m
		}
	}
	return nil
}

// FinalStage reports the highest stage index on the project.
func (p *Project) FinalStage() int {
	return len(p.Milestones) - 1
}

// Milestone captures one tranche of a project's funding.
type Milestone struct {
	ID          string
	ProjectID   string
	StageIndex  int
	Title       string
	Description string
	// Percent is the whole-number share of the project's total funding
	// released when this milestone settles. Shares across a project sum to
	// exactly 100; the same values are encoded into the on-chain datum.
	Percent        uint32
	Status         MilestoneStatus
	StartedAt      int64
	SubmittedAt    int64
	ApprovedAt     int64
	ReleasedAt     int64
	SettlementTxID string
	Evidence       []*Evidence
	Votes          []*Vote
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.Evidence) > 0 {
		clone.Evidence = make([]*Evidence, len(m.Evidence))
		for i, ev := range m.Evidence {
			clone.Evidence[i] = ev.Clone()
		}
	}
	if len(m.Votes) > 0 {
		clone.Votes = make([]*Vote, len(m.Votes))
		for i, v := range m.Votes {
			clone.Votes[i] = v.Clone()
		}
	}
	return &clone
}

// Validate ensures the milestone fields are sane prior to persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: milestone title required", ErrValidation)
	}
	if m.StageIndex < 0 {
		return fmt.Errorf("%w: stage index must not be negative", ErrValidation)
	}
	if m.Percent == 0 || m.Percent > 100 {
		return fmt.Errorf("%w: milestone percent %d outside (0, 100]", ErrValidation, m.Percent)
	}
	return nil
}

// TrancheAmount computes the lovelace released for this milestone against the
// supplied project total. Division truncates; the final stage sweeps any
// residual, so tranches always reconcile with the on-chain amounts.
func (m *Milestone) TrancheAmount(totalFunding int64) int64 {
	return totalFunding * int64(m.Percent) / 100
}

// Evidence is an immutable attestation attached to a milestone.
type Evidence struct {
	ID          string
	MilestoneID string
	Kind        string
	Title       string
	Description string
	URI         string
	CreatedAt   int64
}

// Clone returns a copy safe for modification.
func (e *Evidence) Clone() *Evidence {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Validate ensures the evidence fields are sane prior to persistence.
func (e *Evidence) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: evidence must not be nil", ErrValidation)
	}
	if strings.TrimSpace(e.MilestoneID) == "" {
		return fmt.Errorf("%w: evidence milestone id required", ErrValidation)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: evidence title required", ErrValidation)
	}
	return nil
}

// maxVotingPower bounds individual member weights so tally sums stay far from
// uint64 overflow even with the bps scaling factor applied.
const maxVotingPower = 1_000_000

// Member is an organization member holding voting power over milestone
// approvals.
type Member struct {
	ID    string
	OrgID string
	Name  string
	// KeyHash is the member's 28-byte payment verification key hash as
	// recorded in the on-chain datum's voter list.
	KeyHash []byte
	// VotingPower weights the member's ballots. Snapshots are taken at vote
	// time; later changes never retroactively reweight cast ballots.
	VotingPower uint64
	CreatedAt   int64
}

// Clone returns a copy safe for modification.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.KeyHash) > 0 {
		clone.KeyHash = append([]byte(nil), m.KeyHash...)
	}
	return &clone
}

// Validate ensures the member fields are sane prior to persistence.
func (m *Member) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: member must not be nil", ErrValidation)
	}
	if strings.TrimSpace(m.OrgID) == "" {
		return fmt.Errorf("%w: member organization id required", ErrValidation)
	}
	if m.VotingPower == 0 || m.VotingPower > maxVotingPower {
		return fmt.Errorf("%w: voting power %d outside (0, %d]", ErrValidation, m.VotingPower, uint64(maxVotingPower))
	}
	if len(m.KeyHash) != 0 && len(m.KeyHash) != 28 {
		return fmt.Errorf("%w: member key hash must be 28 bytes", ErrValidation)
	}
	return nil
}

// Researcher receives milestone tranches at a registered payout address.
type Researcher struct {
	ID            string
	Name          string
	PayoutAddress string
	// KeyHash is the researcher's 28-byte payment key hash encoded into the
	// escrow datum.
	KeyHash   []byte
	CreatedAt int64
}

// Clone returns a copy safe for modification.
func (r *Researcher) Clone() *Researcher {
	if r == nil {
		return nil
	}
	clone := *r
	if len(r.KeyHash) > 0 {
		clone.KeyHash = append([]byte(nil), r.KeyHash...)
	}
	return &clone
}

// Vote records one member's ballot on a milestone. Weight is snapshotted from
// the member record at cast time.
type Vote struct {
	ID          string
	MilestoneID string
	VoterID     string
	Approve     bool
	Weight      uint64
	Comment     string
	CreatedAt   int64
}

// Clone returns a copy safe for modification.
func (v *Vote) Clone() *Vote {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}
