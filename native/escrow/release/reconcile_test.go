package release

import (
	"context"
	"errors"
	"testing"

	"grantvault/ledger"
	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
)

func seedJournal(store *mockStore, entry *JournalEntry) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.journal[entry.ID] = entry.Clone()
}

func TestReconcileFailsEntryWhenEscrowUnspent(t *testing.T) {
	store, gateway, project, _ := fixture(t, 0)
	seedJournal(store, &JournalEntry{
		ID:          "j1",
		ProjectID:   project.ID,
		MilestoneID: "m0",
		Status:      JournalStatusSubmitted,
		SpentEscrow: ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex},
		Tranche:     40_000_000,
	})
	o := newTestOrchestrator(store, gateway)

	resolved, err := o.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	if failed := store.journalByStatus(JournalStatusFailed); len(failed) != 1 {
		t.Fatalf("failed entries = %d, want 1", len(failed))
	}
	stored := store.project(t, project.ID)
	if m0 := stored.FindMilestone("m0"); m0.Status != escrow.MilestoneStatusApproved {
		t.Fatalf("milestone status = %s, want approved", m0.Status)
	}
}

func TestReconcileCompletesFromContinuationOutput(t *testing.T) {
	store, gateway, project, state := fixture(t, 0)
	// The escrow output was spent; the continuation sits at the contract with
	// the milestone pointer advanced.
	next, err := datum.Encode(state.Advanced())
	if err != nil {
		t.Fatalf("encode continuation: %v", err)
	}
	gateway.utxos[testContract] = []ledger.UTXO{
		{Ref: ledger.OutputRef{TxID: "chain-settlement", Index: 1}, Address: testContract, Value: 60_000_000, Datum: next},
	}
	seedJournal(store, &JournalEntry{
		ID:          "j1",
		ProjectID:   project.ID,
		MilestoneID: "m0",
		Status:      JournalStatusSubmitted,
		SpentEscrow: ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex},
		Tranche:     40_000_000,
	})
	o := newTestOrchestrator(store, gateway)

	resolved, err := o.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	stored := store.project(t, project.ID)
	m0 := stored.FindMilestone("m0")
	if m0.Status != escrow.MilestoneStatusReleased {
		t.Fatalf("milestone status = %s, want released", m0.Status)
	}
	if m0.SettlementTxID != "chain-settlement" {
		t.Fatalf("settlement tx = %q, want chain-settlement", m0.SettlementTxID)
	}
	if stored.EscrowTxID != "chain-settlement" || stored.EscrowIndex != 1 {
		t.Fatalf("escrow ref = %s:%d", stored.EscrowTxID, stored.EscrowIndex)
	}
	if stored.FundingReleased != 40_000_000 {
		t.Fatalf("funding released = %d", stored.FundingReleased)
	}
	if m1 := stored.FindMilestone("m1"); m1.Status != escrow.MilestoneStatusInProgress {
		t.Fatalf("next milestone status = %s", m1.Status)
	}
}

func TestReconcileCompletesDustSweptReleaseFromJournal(t *testing.T) {
	store, gateway, project, _ := fixture(t, 1)
	// Non-final release whose remainder fell under the dust threshold: the
	// builder swept it into change, so no continuation output exists.
	gateway.utxos[testContract] = nil
	seedJournal(store, &JournalEntry{
		ID:             "j1",
		ProjectID:      project.ID,
		MilestoneID:    "m1",
		Status:         JournalStatusSubmitted,
		SpentEscrow:    ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex},
		SettlementTxID: "swept-settlement",
		Tranche:        30_000_000,
	})
	o := newTestOrchestrator(store, gateway)

	resolved, err := o.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	stored := store.project(t, project.ID)
	m1 := stored.FindMilestone("m1")
	if m1.Status != escrow.MilestoneStatusReleased {
		t.Fatalf("milestone status = %s, want released", m1.Status)
	}
	if m1.SettlementTxID != "swept-settlement" {
		t.Fatalf("settlement tx = %q, want swept-settlement", m1.SettlementTxID)
	}
	if stored.EscrowTxID != "" {
		t.Fatalf("escrow ref = %s:%d, want cleared", stored.EscrowTxID, stored.EscrowIndex)
	}
	if m2 := stored.FindMilestone("m2"); m2.Status != escrow.MilestoneStatusInProgress {
		t.Fatalf("next milestone status = %s", m2.Status)
	}
	if completed := store.journalByStatus(JournalStatusCompleted); len(completed) != 1 {
		t.Fatalf("completed entries = %d, want 1", len(completed))
	}
}

func TestReconcileWithoutContinuationOrSettlementIDNeedsOperator(t *testing.T) {
	store, gateway, project, _ := fixture(t, 1)
	gateway.utxos[testContract] = nil
	seedJournal(store, &JournalEntry{
		ID:          "j1",
		ProjectID:   project.ID,
		MilestoneID: "m1",
		Status:      JournalStatusSubmitted,
		SpentEscrow: ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex},
		Tranche:     30_000_000,
	})
	o := newTestOrchestrator(store, gateway)

	resolved, err := o.Reconcile(context.Background())
	if !errors.Is(err, escrow.ErrReconciliationRequired) {
		t.Fatalf("got %v, want ErrReconciliationRequired", err)
	}
	if resolved != 0 {
		t.Fatalf("resolved = %d, want 0", resolved)
	}
	if submitted := store.journalByStatus(JournalStatusSubmitted); len(submitted) != 1 {
		t.Fatalf("entry must stay submitted for the operator")
	}
}

func TestReconcileCompletesFinalReleaseFromJournal(t *testing.T) {
	store, gateway, project, _ := fixture(t, 2)
	gateway.utxos[testContract] = nil // escrow fully spent, nothing re-locked
	seedJournal(store, &JournalEntry{
		ID:             "j1",
		ProjectID:      project.ID,
		MilestoneID:    "m2",
		Status:         JournalStatusSubmitted,
		SpentEscrow:    ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex},
		SettlementTxID: "final-settlement",
		Tranche:        30_000_000,
		Final:          true,
	})
	o := newTestOrchestrator(store, gateway)

	if _, err := o.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	stored := store.project(t, project.ID)
	if stored.Status != escrow.ProjectStatusCompleted {
		t.Fatalf("project status = %s, want completed", stored.Status)
	}
	if m2 := stored.FindMilestone("m2"); m2.SettlementTxID != "final-settlement" {
		t.Fatalf("settlement tx = %q", m2.SettlementTxID)
	}
}

func TestReconcileFinalWithoutSettlementIDNeedsOperator(t *testing.T) {
	store, gateway, project, _ := fixture(t, 2)
	gateway.utxos[testContract] = nil
	seedJournal(store, &JournalEntry{
		ID:          "j1",
		ProjectID:   project.ID,
		MilestoneID: "m2",
		Status:      JournalStatusSubmitted,
		SpentEscrow: ledger.OutputRef{TxID: project.EscrowTxID, Index: project.EscrowIndex},
		Tranche:     30_000_000,
		Final:       true,
	})
	o := newTestOrchestrator(store, gateway)

	resolved, err := o.Reconcile(context.Background())
	if !errors.Is(err, escrow.ErrReconciliationRequired) {
		t.Fatalf("got %v, want ErrReconciliationRequired", err)
	}
	if resolved != 0 {
		t.Fatalf("resolved = %d, want 0", resolved)
	}
	if submitted := store.journalByStatus(JournalStatusSubmitted); len(submitted) != 1 {
		t.Fatalf("entry must stay submitted for the operator")
	}
}

func TestReconcileCompletesJournalWhenDatabaseAlreadyReleased(t *testing.T) {
	store, gateway, project, _ := fixture(t, 1)
	seedJournal(store, &JournalEntry{
		ID:             "j1",
		ProjectID:      project.ID,
		MilestoneID:    "m0",
		Status:         JournalStatusSubmitted,
		SpentEscrow:    ledger.OutputRef{TxID: "locktx", Index: 0},
		SettlementTxID: "settled-0",
		Tranche:        40_000_000,
	})
	o := newTestOrchestrator(store, gateway)

	resolved, err := o.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	if completed := store.journalByStatus(JournalStatusCompleted); len(completed) != 1 {
		t.Fatalf("completed entries = %d, want 1", len(completed))
	}
}
