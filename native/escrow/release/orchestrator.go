// Package release coordinates milestone settlement across the database of
// record and the UTXO ledger. Releases run as a journaled saga: the attempt is
// recorded before the transaction is broadcast, so a crash at any point leaves
// either a harmless entry or a reconcilable trail, never a silent double
// spend.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grantvault/ledger"
	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
	"grantvault/native/escrow/txbuilder"
)

// ErrPaused is returned when a release is attempted while the orchestrator is
// paused.
var ErrPaused = errors.New("release: orchestrator paused")

// ErrInFlight is returned when a release for the same milestone is already
// running in this process.
var ErrInFlight = errors.New("release: settlement already in flight")

// Store is the persistence surface the orchestrator needs. Implementations
// must make CompleteRelease atomic: the project aggregate and the journal
// entry commit together or not at all.
type Store interface {
	GetProject(ctx context.Context, id string) (*escrow.Project, error)
	GetResearcher(ctx context.Context, id string) (*escrow.Researcher, error)
	CreateJournalEntry(ctx context.Context, entry *JournalEntry) error
	UpdateJournalEntry(ctx context.Context, entry *JournalEntry) error
	ListJournalEntries(ctx context.Context, status JournalStatus) ([]*JournalEntry, error)
	CompleteRelease(ctx context.Context, project *escrow.Project, entry *JournalEntry) error
}

// Result summarises a settled release.
type Result struct {
	ProjectID      string `json:"projectId"`
	MilestoneID    string `json:"milestoneId"`
	SettlementTxID string `json:"settlementTxId"`
	Tranche        int64  `json:"tranche"`
	Final          bool   `json:"final"`
	// AlreadySettled reports an idempotent retry: the milestone was released
	// earlier and the recorded settlement is returned unchanged.
	AlreadySettled bool `json:"alreadySettled"`
}

// Orchestrator drives approved milestones through on-chain settlement.
type Orchestrator struct {
	store     Store
	gateway   ledger.Gateway
	builder   *txbuilder.Builder
	lifecycle *escrow.Lifecycle
	network   datum.Network
	funding   txbuilder.FundingContext
	logger    *slog.Logger

	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	queue     chan Request
	onSettled func(Result)

	mu       sync.Mutex
	paused   bool
	inFlight map[string]struct{}
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
			o.lifecycle = escrow.NewLifecycle(clock)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy bounds submission retries. Only failures the gateway
// classifies as transient are retried; backoff grows linearly per attempt.
func WithRetryPolicy(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
		if backoff > 0 {
			o.backoff = backoff
		}
	}
}

// WithNetwork selects the address network payout addresses are validated
// against.
func WithNetwork(network datum.Network) Option {
	return func(o *Orchestrator) { o.network = network }
}

// WithFundingPolicy sets the fee, dust, and collateral knobs applied to every
// build. Payer address and spendable set are always resolved per release.
func WithFundingPolicy(fctx txbuilder.FundingContext) Option {
	return func(o *Orchestrator) {
		o.funding.Fee = fctx.Fee
		o.funding.DustThreshold = fctx.DustThreshold
		o.funding.CollateralMin = fctx.CollateralMin
	}
}

// WithQueueSize bounds the asynchronous release queue.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queue = make(chan Request, n)
		}
	}
}

// WithSettlementHook registers a callback invoked after the queue worker
// settles a release. Callers that settle inline observe the Result directly
// and are not notified through the hook.
func WithSettlementHook(fn func(Result)) Option {
	return func(o *Orchestrator) { o.onSettled = fn }
}

// NewOrchestrator constructs a release orchestrator.
func NewOrchestrator(store Store, gateway ledger.Gateway, builder *txbuilder.Builder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		gateway:     gateway,
		builder:     builder,
		lifecycle:   escrow.NewLifecycle(nil),
		logger:      slog.Default(),
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
		queue:       make(chan Request, 64),
		inFlight:    make(map[string]struct{}),
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pause halts new release processing. In-flight releases finish.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
}

// Resume re-enables release processing.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
}

// Status summarises orchestrator state for administrative endpoints.
type Status struct {
	Paused   bool `json:"paused"`
	InFlight int  `json:"inFlight"`
	Queued   int  `json:"queued"`
}

// Status reports the current orchestrator snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Paused:   o.paused,
		InFlight: len(o.inFlight),
		Queued:   len(o.queue),
	}
}

func (o *Orchestrator) begin(milestoneID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused {
		return ErrPaused
	}
	if _, exists := o.inFlight[milestoneID]; exists {
		return ErrInFlight
	}
	o.inFlight[milestoneID] = struct{}{}
	return nil
}

func (o *Orchestrator) finish(milestoneID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, milestoneID)
}

// Release settles one approved milestone: it builds the continuation
// transaction, submits it through the gateway, and applies the database
// effects atomically. Retrying a released milestone returns the recorded
// settlement instead of paying twice.
func (o *Orchestrator) Release(ctx context.Context, projectID, milestoneID string) (*Result, error) {
	projectID = strings.TrimSpace(projectID)
	milestoneID = strings.TrimSpace(milestoneID)
	if projectID == "" || milestoneID == "" {
		return nil, fmt.Errorf("%w: project and milestone ids required", escrow.ErrValidation)
	}
	if err := o.begin(milestoneID); err != nil {
		return nil, err
	}
	defer o.finish(milestoneID)

	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	milestone := project.FindMilestone(milestoneID)
	if milestone == nil {
		return nil, fmt.Errorf("%w: milestone %s", escrow.ErrNotFound, milestoneID)
	}
	if milestone.Status == escrow.MilestoneStatusReleased {
		return &Result{
			ProjectID:      projectID,
			MilestoneID:    milestoneID,
			SettlementTxID: milestone.SettlementTxID,
			Tranche:        milestone.TrancheAmount(project.TotalFunding),
			Final:          milestone.StageIndex == project.FinalStage(),
			AlreadySettled: true,
		}, nil
	}
	if milestone.Status != escrow.MilestoneStatusApproved {
		return nil, fmt.Errorf("%w: milestone %s is %s, want approved", escrow.ErrInvalidState, milestoneID, milestone.Status)
	}

	payoutAddress, err := o.payoutAddress(ctx, project)
	if err != nil {
		return nil, err
	}
	fctx, err := o.fundingContext(ctx)
	if err != nil {
		return nil, err
	}
	escrowOut, state, err := o.resolveEscrowOutput(ctx, project, milestone)
	if err != nil {
		return nil, err
	}
	if err := checkConsistency(project, milestone, state); err != nil {
		return nil, err
	}

	final := milestone.StageIndex == project.FinalStage()
	var tx *ledger.UnsignedTx
	if final {
		tx, err = o.builder.FinalPay(escrowOut, payoutAddress, fctx)
	} else {
		tx, err = o.builder.ContinueAndPay(escrowOut, payoutAddress, fctx)
	}
	if err != nil {
		return nil, err
	}
	tranche := milestone.TrancheAmount(project.TotalFunding)

	entry := &JournalEntry{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		MilestoneID: milestoneID,
		Status:      JournalStatusBuilding,
		SpentEscrow: escrowOut.Ref,
		Tranche:     tranche,
		Final:       final,
		CreatedAt:   o.now().Unix(),
		UpdatedAt:   o.now().Unix(),
	}
	if err := o.store.CreateJournalEntry(ctx, entry); err != nil {
		return nil, err
	}

	signed, err := o.gateway.Sign(ctx, tx)
	if err != nil {
		// Nothing was broadcast; the attempt is definitively dead.
		o.updateJournal(ctx, entry, JournalStatusFailed)
		return nil, fmt.Errorf("%w: signing failed: %v", escrow.ErrSubmissionFailure, err)
	}

	// Flip to submitted before the broadcast so a crash mid-submit leaves an
	// entry reconciliation can resolve.
	if err := o.updateJournal(ctx, entry, JournalStatusSubmitted); err != nil {
		return nil, err
	}
	txID, err := o.submitWithRetry(ctx, signed)
	if err != nil {
		if ledger.IsAmbiguous(err) {
			// The transaction may have landed. Leave the journal submitted;
			// Reconcile resolves it against chain state.
			o.logger.Warn("release outcome ambiguous",
				"project", projectID, "milestone", milestoneID, "err", err)
			return nil, fmt.Errorf("%w: outcome unknown, pending reconciliation: %v", escrow.ErrSubmissionFailure, err)
		}
		o.updateJournal(ctx, entry, JournalStatusFailed)
		return nil, fmt.Errorf("%w: %v", escrow.ErrSubmissionFailure, err)
	}
	entry.SettlementTxID = txID
	// Record the settlement id while still submitted so reconciliation can
	// finish a final release even if the completion below never commits.
	o.updateJournal(ctx, entry, JournalStatusSubmitted)

	newRef := relockRef(tx, txID, o.builder.ContractAddress())
	if err := o.applyCompletion(ctx, project, milestone.ID, entry, newRef); err != nil {
		// Submission succeeded but the database update did not. The journal
		// stays submitted with the settlement id; Reconcile replays it.
		o.logger.Error("release settled on-chain but database update failed",
			"project", projectID, "milestone", milestoneID, "tx", txID, "err", err)
		return nil, err
	}

	o.logger.Info("milestone released",
		"project", projectID, "milestone", milestoneID, "tx", txID,
		"tranche", tranche, "final", final)
	return &Result{
		ProjectID:      projectID,
		MilestoneID:    milestoneID,
		SettlementTxID: txID,
		Tranche:        tranche,
		Final:          final,
	}, nil
}

func (o *Orchestrator) payoutAddress(ctx context.Context, project *escrow.Project) (string, error) {
	researcher, err := o.store.GetResearcher(ctx, project.ResearcherID)
	if err != nil {
		return "", err
	}
	address := strings.TrimSpace(researcher.PayoutAddress)
	if address == "" {
		return "", fmt.Errorf("%w: researcher %s", escrow.ErrNoPayoutAddress, researcher.ID)
	}
	if err := datum.ValidateAddress(address, o.network); err != nil {
		return "", fmt.Errorf("%w: %v", escrow.ErrInvalidAddressFormat, err)
	}
	return address, nil
}

func (o *Orchestrator) fundingContext(ctx context.Context) (txbuilder.FundingContext, error) {
	payer, err := o.gateway.SigningAddress(ctx)
	if err != nil {
		return txbuilder.FundingContext{}, err
	}
	spendable, err := o.gateway.UnspentOutputs(ctx, payer)
	if err != nil {
		return txbuilder.FundingContext{}, err
	}
	fctx := o.funding
	fctx.PayerAddress = payer
	fctx.Spendable = spendable
	return fctx, nil
}

// resolveEscrowOutput locates the project's contract output. The stored
// reference is authoritative; when it is missing from the unspent set, a
// single output whose decoded state matches the project is accepted as the
// continuation, anything else demands operator reconciliation.
func (o *Orchestrator) resolveEscrowOutput(ctx context.Context, project *escrow.Project, milestone *escrow.Milestone) (ledger.UTXO, datum.State, error) {
	utxos, err := o.gateway.UnspentOutputs(ctx, o.builder.ContractAddress())
	if err != nil {
		return ledger.UTXO{}, datum.State{}, err
	}

	stored := ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex}
	if strings.TrimSpace(project.EscrowTxID) != "" {
		for _, utxo := range utxos {
			if !utxo.Ref.Equal(stored) {
				continue
			}
			state, err := datum.Decode(utxo.Datum)
			if err != nil {
				return ledger.UTXO{}, datum.State{}, fmt.Errorf("%w: stored escrow output carries undecodable state: %v",
					escrow.ErrReconciliationRequired, err)
			}
			return utxo, state, nil
		}
	}

	var (
		match      ledger.UTXO
		matchState datum.State
		found      int
	)
	for _, utxo := range utxos {
		state, err := datum.Decode(utxo.Datum)
		if err != nil {
			continue
		}
		if state.TotalFunds != project.TotalFunding {
			continue
		}
		if int(state.CurrentMilestone) != milestone.StageIndex {
			continue
		}
		match, matchState = utxo, state
		found++
	}
	if found == 1 {
		return match, matchState, nil
	}
	return ledger.UTXO{}, datum.State{}, fmt.Errorf("%w: stored escrow output %s:%d not found and %d candidates match",
		escrow.ErrReconciliationRequired, project.EscrowTxID, project.EscrowIndex, found)
}

// checkConsistency cross-checks the decoded on-chain state against the
// database before any money moves.
func checkConsistency(project *escrow.Project, milestone *escrow.Milestone, state datum.State) error {
	if state.TotalFunds != project.TotalFunding {
		return fmt.Errorf("%w: datum total %d, database total %d",
			escrow.ErrReconciliationRequired, state.TotalFunds, project.TotalFunding)
	}
	if int(state.CurrentMilestone) != milestone.StageIndex {
		return fmt.Errorf("%w: datum points at milestone %d, releasing stage %d",
			escrow.ErrReconciliationRequired, state.CurrentMilestone, milestone.StageIndex)
	}
	if len(state.MilestonePercents) != len(project.Milestones) {
		return fmt.Errorf("%w: datum has %d milestones, database has %d",
			escrow.ErrReconciliationRequired, len(state.MilestonePercents), len(project.Milestones))
	}
	if state.MilestonePercents[state.CurrentMilestone] != milestone.Percent {
		return fmt.Errorf("%w: datum share %d%%, database share %d%%",
			escrow.ErrReconciliationRequired, state.MilestonePercents[state.CurrentMilestone], milestone.Percent)
	}
	return nil
}

func (o *Orchestrator) submitWithRetry(ctx context.Context, signed *ledger.SignedTx) (string, error) {
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, time.Duration(attempt)*o.backoff); err != nil {
				return "", fmt.Errorf("%w: %v", ledger.ErrAmbiguous, err)
			}
		}
		txID, err := o.gateway.Submit(ctx, signed)
		if err == nil {
			return txID, nil
		}
		lastErr = err
		if !ledger.IsTransient(err) {
			return "", err
		}
		o.logger.Warn("transient submission failure, retrying", "attempt", attempt+1, "err", err)
	}
	return "", lastErr
}

func (o *Orchestrator) updateJournal(ctx context.Context, entry *JournalEntry, status JournalStatus) error {
	entry.Status = status
	entry.UpdatedAt = o.now().Unix()
	if err := o.store.UpdateJournalEntry(ctx, entry); err != nil {
		o.logger.Error("journal update failed", "entry", entry.ID, "status", status.String(), "err", err)
		return err
	}
	return nil
}

// relockRef returns the reference of the transaction's re-lock output, nil
// when the transaction left nothing at the contract address.
func relockRef(tx *ledger.UnsignedTx, txID, contractAddress string) *ledger.OutputRef {
	for i, out := range tx.Outputs {
		if out.Address == contractAddress {
			return &ledger.OutputRef{TxID: txID, Index: uint32(i)}
		}
	}
	return nil
}

// applyCompletion mutates the aggregate for a settled release and persists it
// together with the completed journal entry.
func (o *Orchestrator) applyCompletion(ctx context.Context, project *escrow.Project, milestoneID string, entry *JournalEntry, newRef *ledger.OutputRef) error {
	mutated := project.Clone()
	milestone := mutated.FindMilestone(milestoneID)
	if milestone == nil {
		return fmt.Errorf("%w: milestone %s", escrow.ErrNotFound, milestoneID)
	}
	if err := o.lifecycle.Release(milestone, entry.SettlementTxID); err != nil {
		return err
	}
	mutated.FundingReleased += entry.Tranche
	if newRef != nil {
		mutated.EscrowTxID = newRef.TxID
		mutated.EscrowIndex = newRef.Index
	} else {
		mutated.EscrowTxID = ""
		mutated.EscrowIndex = 0
	}
	if entry.Final {
		mutated.Status = escrow.ProjectStatusCompleted
	} else if next := mutated.MilestoneAt(milestone.StageIndex + 1); next != nil && next.Status == escrow.MilestoneStatusPending {
		if err := o.lifecycle.Start(next); err != nil {
			return err
		}
	}
	mutated.UpdatedAt = o.now().Unix()

	entry.Status = JournalStatusCompleted
	entry.UpdatedAt = o.now().Unix()
	return o.store.CompleteRelease(ctx, mutated, entry)
}
