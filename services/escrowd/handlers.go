package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
	"grantvault/native/escrow/release"
	"grantvault/native/escrow/txbuilder"
)

type milestoneRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Percent     uint32 `json:"percent"`
}

type createProjectRequest struct {
	OrgID        string             `json:"orgId"`
	ResearcherID string             `json:"researcherId"`
	Title        string             `json:"title"`
	TotalFunding int64              `json:"totalFunding"`
	OrgKeyHash   string             `json:"orgKeyHash"`
	Milestones   []milestoneRequest `json:"milestones"`
}

type projectResponse struct {
	ID              string              `json:"id"`
	OrgID           string              `json:"orgId"`
	ResearcherID    string              `json:"researcherId"`
	Title           string              `json:"title"`
	TotalFunding    int64               `json:"totalFunding"`
	FundingReleased int64               `json:"fundingReleased"`
	ContractAddress string              `json:"contractAddress"`
	EscrowTxID      string              `json:"escrowTxId,omitempty"`
	EscrowIndex     uint32              `json:"escrowIndex"`
	Status          string              `json:"status"`
	Milestones      []milestoneResponse `json:"milestones,omitempty"`
}

type milestoneResponse struct {
	ID             string `json:"id"`
	StageIndex     int    `json:"stageIndex"`
	Title          string `json:"title"`
	Percent        uint32 `json:"percent"`
	Tranche        int64  `json:"tranche"`
	Status         string `json:"status"`
	EvidenceCount  int    `json:"evidenceCount"`
	BallotCount    int    `json:"ballotCount"`
	SettlementTxID string `json:"settlementTxId,omitempty"`
}

func projectView(p *escrow.Project) projectResponse {
	resp := projectResponse{
		ID:              p.ID,
		OrgID:           p.OrgID,
		ResearcherID:    p.ResearcherID,
		Title:           p.Title,
		TotalFunding:    p.TotalFunding,
		FundingReleased: p.FundingReleased,
		ContractAddress: p.ContractAddress,
		EscrowTxID:      p.EscrowTxID,
		EscrowIndex:     p.EscrowIndex,
		Status:          p.Status.String(),
	}
	for _, m := range p.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneResponse{
			ID:             m.ID,
			StageIndex:     m.StageIndex,
			Title:          m.Title,
			Percent:        m.Percent,
			Tranche:        m.TrancheAmount(p.TotalFunding),
			Status:         m.Status.String(),
			EvidenceCount:  len(m.Evidence),
			BallotCount:    len(m.Votes),
			SettlementTxID: m.SettlementTxID,
		})
	}
	return resp
}

// handleCreateProject onboards a project and locks its funding in the escrow
// contract. The database rows are written first and rolled back if the lock
// transaction cannot be placed on-chain.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	orgKeyHash, err := hex.DecodeString(strings.TrimSpace(req.OrgKeyHash))
	if err != nil || len(orgKeyHash) != 28 {
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", "orgKeyHash must be 28 bytes of hex")
		return
	}
	researcher, err := s.store.GetResearcher(r.Context(), strings.TrimSpace(req.ResearcherID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(researcher.KeyHash) != 28 {
		s.writeError(w, r, http.StatusUnprocessableEntity, "unprocessable", "researcher has no registered key hash")
		return
	}
	members, err := s.store.ListMembers(r.Context(), strings.TrimSpace(req.OrgID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var voterHashes [][]byte
	for _, member := range members {
		if len(member.KeyHash) == 28 {
			voterHashes = append(voterHashes, member.KeyHash)
		}
	}

	now := s.now().Unix()
	project := &escrow.Project{
		ID:              uuid.NewString(),
		OrgID:           strings.TrimSpace(req.OrgID),
		ResearcherID:    researcher.ID,
		Title:           strings.TrimSpace(req.Title),
		TotalFunding:    req.TotalFunding,
		ContractAddress: s.builder.ContractAddress(),
		Status:          escrow.ProjectStatusPendingLock,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	percents := make([]uint32, 0, len(req.Milestones))
	for i, m := range req.Milestones {
		project.Milestones = append(project.Milestones, &escrow.Milestone{
			ID:          uuid.NewString(),
			ProjectID:   project.ID,
			StageIndex:  i,
			Title:       strings.TrimSpace(m.Title),
			Description: strings.TrimSpace(m.Description),
			Percent:     m.Percent,
			Status:      escrow.MilestoneStatusPending,
		})
		percents = append(percents, m.Percent)
	}
	if err := project.Validate(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	state := datum.State{
		OrgKeyHash:        orgKeyHash,
		ResearcherKeyHash: researcher.KeyHash,
		VoterKeyHashes:    voterHashes,
		TotalFunds:        project.TotalFunding,
		MilestonePercents: percents,
		CurrentMilestone:  0,
	}
	txID, index, err := s.placeLock(r.Context(), state)
	if err != nil {
		// Compensate: the project never existed as far as callers can tell.
		if delErr := s.store.DeleteProject(context.WithoutCancel(r.Context()), project.ID); delErr != nil {
			s.logger.Error("lock compensation failed, orphaned project row",
				"project", project.ID, "err", delErr)
		}
		s.writeDomainError(w, r, err)
		return
	}

	project.EscrowTxID = txID
	project.EscrowIndex = index
	project.Status = escrow.ProjectStatusActive
	project.UpdatedAt = s.now().Unix()
	if err := s.lifecycle.Start(project.Milestones[0]); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.store.ActivateProject(r.Context(), project); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.notifier.Emit(r.Context(), "project.funded", project.ID, map[string]any{
		"projectId": project.ID, "lockTxId": txID, "totalFunding": project.TotalFunding,
	})
	s.logger.Info("project funded", "project", project.ID, "lock_tx", txID)
	s.writeJSON(w, r, http.StatusCreated, projectView(project))
}

// placeLock builds, signs, and submits the lock transaction and returns the
// contract output reference.
func (s *Server) placeLock(ctx context.Context, state datum.State) (string, uint32, error) {
	payer, err := s.gateway.SigningAddress(ctx)
	if err != nil {
		return "", 0, err
	}
	spendable, err := s.gateway.UnspentOutputs(ctx, payer)
	if err != nil {
		return "", 0, err
	}
	fctx := txbuilder.FundingContext{
		PayerAddress:  payer,
		Spendable:     spendable,
		Fee:           s.cfg.Policy.FeeLovelace,
		DustThreshold: s.cfg.Policy.DustThreshold,
		CollateralMin: s.cfg.Policy.CollateralMin,
	}
	tx, err := s.builder.Lock(state, fctx)
	if err != nil {
		return "", 0, err
	}
	signed, err := s.gateway.Sign(ctx, tx)
	if err != nil {
		return "", 0, fmt.Errorf("%w: signing failed: %v", escrow.ErrSubmissionFailure, err)
	}
	txID, err := s.gateway.Submit(ctx, signed)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", escrow.ErrSubmissionFailure, err)
	}
	for i, out := range tx.Outputs {
		if out.Address == s.builder.ContractAddress() {
			return txID, uint32(i), nil
		}
	}
	return "", 0, fmt.Errorf("%w: lock transaction has no contract output", escrow.ErrValidation)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, projectView(project))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	views := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		views = append(views, projectView(p))
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"projects": views})
}

type putResearcherRequest struct {
	Name          string `json:"name"`
	PayoutAddress string `json:"payoutAddress,omitempty"`
	KeyHash       string `json:"keyHash,omitempty"`
}

func (s *Server) handlePutResearcher(w http.ResponseWriter, r *http.Request) {
	var req putResearcherRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	researcher := &escrow.Researcher{
		ID:            chi.URLParam(r, "researcherID"),
		Name:          strings.TrimSpace(req.Name),
		PayoutAddress: strings.TrimSpace(req.PayoutAddress),
		CreatedAt:     s.now().Unix(),
	}
	if researcher.PayoutAddress != "" {
		if err := datum.ValidateAddress(researcher.PayoutAddress, s.network); err != nil {
			s.writeDomainError(w, r, fmt.Errorf("%w: %v", escrow.ErrInvalidAddressFormat, err))
			return
		}
	}
	if raw := strings.TrimSpace(req.KeyHash); raw != "" {
		hash, err := hex.DecodeString(raw)
		if err != nil || len(hash) != 28 {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", "keyHash must be 28 bytes of hex")
			return
		}
		researcher.KeyHash = hash
	}
	if err := s.store.PutResearcher(r.Context(), researcher); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"id": researcher.ID})
}

type putMemberRequest struct {
	Name        string `json:"name"`
	VotingPower uint64 `json:"votingPower"`
	KeyHash     string `json:"keyHash,omitempty"`
}

func (s *Server) handlePutMember(w http.ResponseWriter, r *http.Request) {
	var req putMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	member := &escrow.Member{
		ID:          chi.URLParam(r, "memberID"),
		OrgID:       chi.URLParam(r, "orgID"),
		Name:        strings.TrimSpace(req.Name),
		VotingPower: req.VotingPower,
		CreatedAt:   s.now().Unix(),
	}
	if raw := strings.TrimSpace(req.KeyHash); raw != "" {
		hash, err := hex.DecodeString(raw)
		if err != nil || len(hash) != 28 {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", "keyHash must be 28 bytes of hex")
			return
		}
		member.KeyHash = hash
	}
	if err := s.store.PutMember(r.Context(), member); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"id": member.ID})
}

type evidenceRequest struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// handleAddEvidence attaches evidence to an in-progress milestone. Evidence
// is append-only.
func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	var req evidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	milestone, err := s.store.GetMilestone(r.Context(), milestoneID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if milestone.Status != escrow.MilestoneStatusInProgress {
		s.writeDomainError(w, r, fmt.Errorf("%w: milestone %s is %s, evidence requires in_progress",
			escrow.ErrInvalidState, milestoneID, milestone.Status))
		return
	}
	ev := &escrow.Evidence{
		ID:          uuid.NewString(),
		MilestoneID: milestoneID,
		Kind:        strings.TrimSpace(req.Kind),
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		URI:         strings.TrimSpace(req.URI),
		CreatedAt:   s.now().Unix(),
	}
	if err := s.store.AddEvidence(r.Context(), ev); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, map[string]string{"id": ev.ID})
}

// handleOpenVoting moves an in-progress milestone into its voting round.
func (s *Server) handleOpenVoting(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	milestone, err := s.store.GetMilestone(r.Context(), milestoneID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.lifecycle.OpenVoting(milestone); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.store.PutMilestone(r.Context(), milestone); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.notifier.Emit(r.Context(), "milestone.voting", milestoneID, map[string]any{"milestoneId": milestoneID})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": milestone.Status.String()})
}

type voteRequest struct {
	VoterID string `json:"voterId"`
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	result, err := s.tally.SubmitVote(r.Context(), milestoneID, req.VoterID, req.Approve, req.Comment)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	direction := "reject"
	if req.Approve {
		direction = "approve"
	}
	s.metrics.Votes.WithLabelValues(direction).Inc()
	if result.Approved {
		s.notifier.Emit(r.Context(), "milestone.approved", milestoneID, map[string]any{
			"milestoneId": milestoneID, "ratioBps": result.RatioBps,
		})
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleVotingSummary(w http.ResponseWriter, r *http.Request) {
	result, err := s.tally.Summary(r.Context(), chi.URLParam(r, "milestoneID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

// handleReject records the explicit operator decision to reject a voting
// milestone. No tally outcome triggers this path.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	milestone, err := s.store.GetMilestone(r.Context(), milestoneID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.lifecycle.Reject(milestone); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.store.PutMilestone(r.Context(), milestone); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.notifier.Emit(r.Context(), "milestone.rejected", milestoneID, map[string]any{"milestoneId": milestoneID})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": milestone.Status.String()})
}

type releaseRequest struct {
	// Sync opts into inline settlement, holding the connection until the saga
	// finishes. Meant for operator tooling; API clients should take the queued
	// default and poll.
	Sync bool `json:"sync,omitempty"`
}

// handleRelease starts settlement of an approved milestone. The saga runs on
// the release worker, off the request path, so a slow or failing node never
// holds the client connection; the call returns 202 once the work is queued.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	milestone, err := s.store.GetMilestone(r.Context(), milestoneID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if !req.Sync {
		if err := s.orchestrator.Enqueue(release.Request{ProjectID: milestone.ProjectID, MilestoneID: milestoneID}); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	start := s.now()
	result, err := s.orchestrator.Release(r.Context(), milestone.ProjectID, milestoneID)
	s.metrics.ReleaseDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		s.metrics.Releases.WithLabelValues("failure").Inc()
		s.writeDomainError(w, r, err)
		return
	}
	outcome := "success"
	if result.AlreadySettled {
		outcome = "already_settled"
	} else {
		s.notifier.Emit(r.Context(), "milestone.released", milestoneID, map[string]any{
			"milestoneId": milestoneID, "settlementTxId": result.SettlementTxID, "tranche": result.Tranche,
		})
	}
	s.metrics.Releases.WithLabelValues(outcome).Inc()
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.orchestrator.Status())
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Pause()
	s.writeJSON(w, r, http.StatusOK, s.orchestrator.Status())
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Resume()
	s.writeJSON(w, r, http.StatusOK, s.orchestrator.Status())
}

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.orchestrator.Reconcile(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]int{"resolved": resolved})
}
