package release

import (
	"context"
	"errors"
	"fmt"

	"grantvault/ledger"
	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
)

// Reconcile replays journal entries left in the submitted state by a crash or
// an ambiguous gateway response. For each entry it inspects chain state: if
// the spent escrow output is still unspent the submission never landed and
// the entry is failed; if it was spent the release is completed from the
// on-chain continuation. Returns the number of entries resolved.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	entries, err := o.store.ListJournalEntries(ctx, JournalStatusSubmitted)
	if err != nil {
		return 0, err
	}
	resolved := 0
	var firstErr error
	for _, entry := range entries {
		if err := o.reconcileEntry(ctx, entry); err != nil {
			o.logger.Error("journal entry unresolved",
				"entry", entry.ID, "project", entry.ProjectID, "milestone", entry.MilestoneID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resolved++
	}
	return resolved, firstErr
}

func (o *Orchestrator) reconcileEntry(ctx context.Context, entry *JournalEntry) error {
	project, err := o.store.GetProject(ctx, entry.ProjectID)
	if err != nil {
		return err
	}
	milestone := project.FindMilestone(entry.MilestoneID)
	if milestone == nil {
		return fmt.Errorf("%w: milestone %s", escrow.ErrNotFound, entry.MilestoneID)
	}
	// The database already reflects the release: only the journal is behind.
	if milestone.Status == escrow.MilestoneStatusReleased {
		return o.updateJournal(ctx, entry, JournalStatusCompleted)
	}

	utxos, err := o.gateway.UnspentOutputs(ctx, o.builder.ContractAddress())
	if err != nil {
		return err
	}
	for _, utxo := range utxos {
		if utxo.Ref.Equal(entry.SpentEscrow) {
			// The escrow output was never consumed: the submission did not
			// land. The milestone stays approved and can be retried.
			o.logger.Info("submission never landed, journal entry failed",
				"entry", entry.ID, "milestone", entry.MilestoneID)
			return o.updateJournal(ctx, entry, JournalStatusFailed)
		}
	}

	// The escrow output is gone: the transaction settled. Recover the
	// settlement id and the continuation output.
	if entry.Final {
		if entry.SettlementTxID == "" {
			return fmt.Errorf("%w: final release settled but settlement id unknown",
				escrow.ErrReconciliationRequired)
		}
		return o.applyCompletion(ctx, project, milestone.ID, entry, nil)
	}

	successor, found := findSuccessor(utxos, project, milestone)
	switch {
	case found == 1:
		if entry.SettlementTxID == "" {
			entry.SettlementTxID = successor.TxID
		} else if entry.SettlementTxID != successor.TxID {
			return fmt.Errorf("%w: journal records settlement %s, chain shows %s",
				escrow.ErrReconciliationRequired, entry.SettlementTxID, successor.TxID)
		}
		return o.applyCompletion(ctx, project, milestone.ID, entry, &successor)
	case found == 0 && entry.SettlementTxID != "":
		// The remainder was at or below the dust threshold, so the builder
		// swept it instead of re-locking: there is no continuation output.
		// The recorded settlement id is enough to complete.
		return o.applyCompletion(ctx, project, milestone.ID, entry, nil)
	default:
		return fmt.Errorf("%w: expected one continuation output, found %d",
			escrow.ErrReconciliationRequired, found)
	}
}

// findSuccessor scans the contract's unspent set for an output whose decoded
// state is the released milestone's continuation, reporting how many matched.
func findSuccessor(utxos []ledger.UTXO, project *escrow.Project, milestone *escrow.Milestone) (ledger.OutputRef, int) {
	var (
		match ledger.OutputRef
		found int
	)
	for _, utxo := range utxos {
		state, err := datum.Decode(utxo.Datum)
		if err != nil {
			continue
		}
		if state.TotalFunds != project.TotalFunding {
			continue
		}
		if int(state.CurrentMilestone) != milestone.StageIndex+1 {
			continue
		}
		match = utxo.Ref
		found++
	}
	return match, found
}

// IsRetryable reports whether a release error permits another attempt without
// operator intervention.
func IsRetryable(err error) bool {
	if errors.Is(err, escrow.ErrReconciliationRequired) {
		return false
	}
	return errors.Is(err, escrow.ErrSubmissionFailure) || errors.Is(err, ErrPaused) || errors.Is(err, ErrInFlight)
}
