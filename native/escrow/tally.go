package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultThresholdBps is the approval fraction, in basis points, required to
// move a milestone from voting to approved.
const DefaultThresholdBps = 7_500

var errTallyStateNotConfigured = errors.New("escrow: tally state not configured")

// TallyState provides the persistence hooks the tally engine needs. The
// storage layer implements it; tests supply an in-memory mock.
type TallyState interface {
	GetMilestone(ctx context.Context, id string) (*Milestone, bool, error)
	GetProject(ctx context.Context, id string) (*Project, bool, error)
	GetMember(ctx context.Context, id string) (*Member, bool, error)
	ListMembers(ctx context.Context, orgID string) ([]*Member, error)
	ListVotes(ctx context.Context, milestoneID string) ([]*Vote, error)
	PutVote(ctx context.Context, vote *Vote) error
	PutMilestone(ctx context.Context, m *Milestone) error
}

// TallyResult summarises the weighted vote standing for a milestone after a
// recomputation from the full vote set.
type TallyResult struct {
	MilestoneID      string `json:"milestoneId"`
	ApprovePower     uint64 `json:"approvePower"`
	RejectPower      uint64 `json:"rejectPower"`
	TotalPower       uint64 `json:"totalPower"`
	RatioBps         uint64 `json:"ratioBps"`
	ThresholdBps     uint64 `json:"thresholdBps"`
	ThresholdReached bool   `json:"thresholdReached"`
	Ballots          int    `json:"ballots"`
	Approved         bool   `json:"approved"`
}

// Tally accumulates weighted votes per milestone and decides threshold
// crossing. The tally is recomputed from scratch after every ballot so it
// stays correct when membership or weights change between votes.
type Tally struct {
	state        TallyState
	lifecycle    *Lifecycle
	thresholdBps uint64
	nowFn        func() time.Time

	// locks serialises the read-tally -> decide -> transition sequence per
	// milestone so two concurrent votes cannot both observe a pre-threshold
	// tally and race the approval.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTally constructs a tally engine over the supplied state backend.
func NewTally(state TallyState, lifecycle *Lifecycle) *Tally {
	if lifecycle == nil {
		lifecycle = NewLifecycle(nil)
	}
	return &Tally{
		state:        state,
		lifecycle:    lifecycle,
		thresholdBps: DefaultThresholdBps,
		nowFn:        func() time.Time { return time.Now().UTC() },
		locks:        make(map[string]*sync.Mutex),
	}
}

// SetThresholdBps overrides the approval threshold. Zero restores the default.
func (t *Tally) SetThresholdBps(bps uint64) {
	if bps == 0 || bps > 10_000 {
		bps = DefaultThresholdBps
	}
	t.thresholdBps = bps
}

// SetNowFunc overrides the time source used to stamp votes. Nil restores the
// default UTC clock.
func (t *Tally) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	t.nowFn = now
}

func (t *Tally) milestoneLock(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[id] = lock
	}
	return lock
}

// SubmitVote records the voter's ballot with a snapshot of their current
// weight, recomputes the tally, and transitions the milestone to approved when
// the threshold is crossed. The whole sequence holds the per-milestone lock.
func (t *Tally) SubmitVote(ctx context.Context, milestoneID, voterID string, approve bool, comment string) (*TallyResult, error) {
	if t.state == nil {
		return nil, errTallyStateNotConfigured
	}
	milestoneID = strings.TrimSpace(milestoneID)
	voterID = strings.TrimSpace(voterID)
	if milestoneID == "" || voterID == "" {
		return nil, fmt.Errorf("%w: milestone id and voter id required", ErrValidation)
	}

	lock := t.milestoneLock(milestoneID)
	lock.Lock()
	defer lock.Unlock()

	milestone, ok, err := t.state.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !ok || milestone == nil {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
	}
	if milestone.Status != MilestoneStatusVoting {
		return nil, fmt.Errorf("%w: milestone %s is %s, want voting", ErrInvalidState, milestoneID, milestone.Status)
	}
	project, ok, err := t.state.GetProject(ctx, milestone.ProjectID)
	if err != nil {
		return nil, err
	}
	if !ok || project == nil {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, milestone.ProjectID)
	}
	voter, ok, err := t.state.GetMember(ctx, voterID)
	if err != nil {
		return nil, err
	}
	if !ok || voter == nil {
		return nil, fmt.Errorf("%w: voter %s", ErrNotFound, voterID)
	}
	if voter.OrgID != project.OrgID {
		return nil, fmt.Errorf("%w: voter %s is not a member of organization %s", ErrValidation, voterID, project.OrgID)
	}

	votes, err := t.state.ListVotes(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	for _, existing := range votes {
		if existing != nil && existing.VoterID == voterID {
			return nil, fmt.Errorf("%w: voter %s already voted on milestone %s", ErrDuplicateVote, voterID, milestoneID)
		}
	}

	vote := &Vote{
		ID:          uuid.NewString(),
		MilestoneID: milestoneID,
		VoterID:     voterID,
		Approve:     approve,
		Weight:      voter.VotingPower,
		Comment:     strings.TrimSpace(comment),
		CreatedAt:   t.nowFn().Unix(),
	}
	if err := t.state.PutVote(ctx, vote); err != nil {
		return nil, err
	}
	votes = append(votes, vote)

	result, err := t.compute(ctx, milestone, project, votes)
	if err != nil {
		return nil, err
	}
	if result.ThresholdReached {
		if err := t.lifecycle.Approve(milestone); err != nil {
			return nil, err
		}
		if err := t.state.PutMilestone(ctx, milestone); err != nil {
			return nil, err
		}
		result.Approved = true
	}
	return result, nil
}

// Summary recomputes the tally for a milestone without casting a ballot.
func (t *Tally) Summary(ctx context.Context, milestoneID string) (*TallyResult, error) {
	if t.state == nil {
		return nil, errTallyStateNotConfigured
	}
	milestone, ok, err := t.state.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !ok || milestone == nil {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
	}
	project, ok, err := t.state.GetProject(ctx, milestone.ProjectID)
	if err != nil {
		return nil, err
	}
	if !ok || project == nil {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, milestone.ProjectID)
	}
	votes, err := t.state.ListVotes(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	return t.compute(ctx, milestone, project, votes)
}

// compute derives the weighted tally. Total voting power sums the weights of
// all current organization members, not just those who voted; ballot weights
// use the snapshot taken at cast time.
func (t *Tally) compute(ctx context.Context, milestone *Milestone, project *Project, votes []*Vote) (*TallyResult, error) {
	members, err := t.state.ListMembers(ctx, project.OrgID)
	if err != nil {
		return nil, err
	}
	var totalPower uint64
	for _, member := range members {
		if member == nil {
			continue
		}
		if math.MaxUint64-totalPower < member.VotingPower {
			return nil, fmt.Errorf("%w: total voting power overflow", ErrValidation)
		}
		totalPower += member.VotingPower
	}

	var approvePower, rejectPower uint64
	for _, vote := range votes {
		if vote == nil {
			continue
		}
		if vote.Approve {
			if math.MaxUint64-approvePower < vote.Weight {
				return nil, fmt.Errorf("%w: approve tally overflow", ErrValidation)
			}
			approvePower += vote.Weight
		} else {
			if math.MaxUint64-rejectPower < vote.Weight {
				return nil, fmt.Errorf("%w: reject tally overflow", ErrValidation)
			}
			rejectPower += vote.Weight
		}
	}

	var ratioBps uint64
	if totalPower > 0 {
		ratioBps = (approvePower * 10_000) / totalPower
	}
	// Exact integer comparison: 30/40 at 7500 bps must cross, so the decision
	// cross-multiplies instead of comparing the truncated ratio.
	reached := totalPower > 0 && approvePower*10_000 >= t.thresholdBps*totalPower

	return &TallyResult{
		MilestoneID:      milestone.ID,
		ApprovePower:     approvePower,
		RejectPower:      rejectPower,
		TotalPower:       totalPower,
		RatioBps:         ratioBps,
		ThresholdBps:     t.thresholdBps,
		ThresholdReached: reached,
		Ballots:          len(votes),
	}, nil
}
