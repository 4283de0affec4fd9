package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type mockState struct {
	mu         sync.Mutex
	projects   map[string]*Project
	milestones map[string]*Milestone
	members    map[string]*Member
	votes      map[string][]*Vote
}

func newMockState() *mockState {
	return &mockState{
		projects:   make(map[string]*Project),
		milestones: make(map[string]*Milestone),
		members:    make(map[string]*Member),
		votes:      make(map[string][]*Vote),
	}
}

func (m *mockState) GetMilestone(_ context.Context, id string) (*Milestone, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[id]
	if !ok {
		return nil, false, nil
	}
	return ms.Clone(), true, nil
}

func (m *mockState) GetProject(_ context.Context, id string) (*Project, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) GetMember(_ context.Context, id string) (*Member, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return nil, false, nil
	}
	return member.Clone(), true, nil
}

func (m *mockState) ListMembers(_ context.Context, orgID string) ([]*Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Member
	for _, member := range m.members {
		if member.OrgID == orgID {
			out = append(out, member.Clone())
		}
	}
	return out, nil
}

func (m *mockState) ListVotes(_ context.Context, milestoneID string) ([]*Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Vote
	for _, v := range m.votes[milestoneID] {
		out = append(out, v.Clone())
	}
	return out, nil
}

func (m *mockState) PutVote(_ context.Context, vote *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.votes[vote.MilestoneID] {
		if existing.VoterID == vote.VoterID {
			return fmt.Errorf("%w: voter %s", ErrDuplicateVote, vote.VoterID)
		}
	}
	m.votes[vote.MilestoneID] = append(m.votes[vote.MilestoneID], vote.Clone())
	return nil
}

func (m *mockState) PutMilestone(_ context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.milestones[ms.ID] = ms.Clone()
	return nil
}

func (m *mockState) voteCount(milestoneID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes[milestoneID])
}

// seedVotingFixture installs a project with one voting milestone and four
// equal-weight voters.
func seedVotingFixture(state *mockState) {
	state.projects["proj-1"] = &Project{
		ID:           "proj-1",
		OrgID:        "org-1",
		ResearcherID: "res-1",
		Title:        "Protein folding study",
		TotalFunding: 10_000_000,
		Status:       ProjectStatusActive,
	}
	state.milestones["ms-1"] = &Milestone{
		ID:         "ms-1",
		ProjectID:  "proj-1",
		StageIndex: 0,
		Title:      "Phase 1",
		Percent:    50,
		Status:     MilestoneStatusVoting,
	}
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("member-%d", i)
		state.members[id] = &Member{ID: id, OrgID: "org-1", VotingPower: 10}
	}
}

func TestTallyThresholdCrossingAtSeventyFivePercent(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	tally := NewTally(state, NewLifecycle(fixedClock()))
	ctx := context.Background()

	// Two approvals: 20/40 = 50%, below threshold.
	for _, voter := range []string{"member-1", "member-2"} {
		result, err := tally.SubmitVote(ctx, "ms-1", voter, true, "")
		if err != nil {
			t.Fatalf("vote %s: %v", voter, err)
		}
		if result.ThresholdReached {
			t.Fatalf("threshold reached early at %d/%d", result.ApprovePower, result.TotalPower)
		}
	}
	ms, _, _ := state.GetMilestone(ctx, "ms-1")
	if ms.Status != MilestoneStatusVoting {
		t.Fatalf("milestone left voting early: %s", ms.Status)
	}

	// Third approval: 30/40 = exactly 75%, crosses.
	result, err := tally.SubmitVote(ctx, "ms-1", "member-3", true, "looks solid")
	if err != nil {
		t.Fatalf("third vote: %v", err)
	}
	if !result.ThresholdReached || !result.Approved {
		t.Fatalf("expected threshold crossing at 30/40: %+v", result)
	}
	if result.RatioBps != 7_500 {
		t.Fatalf("ratio = %d bps, want 7500", result.RatioBps)
	}
	ms, _, _ = state.GetMilestone(ctx, "ms-1")
	if ms.Status != MilestoneStatusApproved {
		t.Fatalf("milestone not approved: %s", ms.Status)
	}
}

func TestTallyDuplicateVoteRejectedWithoutTallyChange(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	tally := NewTally(state, NewLifecycle(fixedClock()))
	ctx := context.Background()

	if _, err := tally.SubmitVote(ctx, "ms-1", "member-1", true, ""); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	before := state.voteCount("ms-1")
	if _, err := tally.SubmitVote(ctx, "ms-1", "member-1", false, "changed my mind"); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("got %v, want ErrDuplicateVote", err)
	}
	if state.voteCount("ms-1") != before {
		t.Fatalf("duplicate vote mutated the tally")
	}
	summary, err := tally.Summary(ctx, "ms-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ApprovePower != 10 || summary.RejectPower != 0 {
		t.Fatalf("tally changed after duplicate: %+v", summary)
	}
}

func TestTallyRequiresVotingStatus(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	state.milestones["ms-1"].Status = MilestoneStatusInProgress
	tally := NewTally(state, NewLifecycle(fixedClock()))

	if _, err := tally.SubmitVote(context.Background(), "ms-1", "member-1", true, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestTallyUnknownMilestoneAndVoter(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	tally := NewTally(state, NewLifecycle(fixedClock()))
	ctx := context.Background()

	if _, err := tally.SubmitVote(ctx, "ms-missing", "member-1", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing milestone: got %v, want ErrNotFound", err)
	}
	if _, err := tally.SubmitVote(ctx, "ms-1", "member-missing", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing voter: got %v, want ErrNotFound", err)
	}
}

func TestTallyRejectsVoterFromAnotherOrganization(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	state.members["outsider"] = &Member{ID: "outsider", OrgID: "org-2", VotingPower: 100}
	tally := NewTally(state, NewLifecycle(fixedClock()))

	if _, err := tally.SubmitVote(context.Background(), "ms-1", "outsider", true, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestTallyTotalPowerCountsNonVoters(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	// A fifth member who never votes dilutes every ratio.
	state.members["member-5"] = &Member{ID: "member-5", OrgID: "org-1", VotingPower: 10}
	tally := NewTally(state, NewLifecycle(fixedClock()))
	ctx := context.Background()

	for _, voter := range []string{"member-1", "member-2", "member-3"} {
		if _, err := tally.SubmitVote(ctx, "ms-1", voter, true, ""); err != nil {
			t.Fatalf("vote %s: %v", voter, err)
		}
	}
	summary, err := tally.Summary(ctx, "ms-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalPower != 50 {
		t.Fatalf("total power = %d, want 50", summary.TotalPower)
	}
	if summary.ThresholdReached {
		t.Fatalf("30/50 should not cross 75%%")
	}
}

func TestTallyZeroTotalPower(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	for id := range state.members {
		delete(state.members, id)
	}
	tally := NewTally(state, NewLifecycle(fixedClock()))

	summary, err := tally.Summary(context.Background(), "ms-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.RatioBps != 0 || summary.ThresholdReached {
		t.Fatalf("zero-power tally must never cross: %+v", summary)
	}
}

func TestTallyWeightSnapshotSurvivesMemberChanges(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	tally := NewTally(state, NewLifecycle(fixedClock()))
	ctx := context.Background()

	if _, err := tally.SubmitVote(ctx, "ms-1", "member-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	// Member weight changes after the ballot was cast.
	state.mu.Lock()
	state.members["member-1"].VotingPower = 1
	state.mu.Unlock()

	summary, err := tally.Summary(ctx, "ms-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ApprovePower != 10 {
		t.Fatalf("ballot weight changed retroactively: %d", summary.ApprovePower)
	}
	// The live member list still drives total power.
	if summary.TotalPower != 31 {
		t.Fatalf("total power = %d, want 31", summary.TotalPower)
	}
}

func TestTallyConcurrentVotesApproveExactlyOnce(t *testing.T) {
	state := newMockState()
	seedVotingFixture(state)
	tally := NewTally(state, NewLifecycle(fixedClock()))
	ctx := context.Background()

	var wg sync.WaitGroup
	approvals := make(chan bool, 4)
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(voter string) {
			defer wg.Done()
			result, err := tally.SubmitVote(ctx, "ms-1", voter, true, "")
			if err != nil {
				// Votes after the approval transition fail InvalidState;
				// that is the single-writer discipline working.
				if !errors.Is(err, ErrInvalidState) {
					t.Errorf("vote %s: %v", voter, err)
				}
				return
			}
			approvals <- result.Approved
		}(fmt.Sprintf("member-%d", i))
	}
	wg.Wait()
	close(approvals)

	approvedCount := 0
	for approved := range approvals {
		if approved {
			approvedCount++
		}
	}
	if approvedCount != 1 {
		t.Fatalf("approval transition fired %d times, want exactly 1", approvedCount)
	}
	ms, _, _ := state.GetMilestone(ctx, "ms-1")
	if ms.Status != MilestoneStatusApproved {
		t.Fatalf("milestone status = %s, want approved", ms.Status)
	}
}
