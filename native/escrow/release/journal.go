package release

import (
	"fmt"
	"strings"

	"grantvault/ledger"
	"grantvault/native/escrow"
)

// JournalStatus tracks a release attempt through the submission saga.
type JournalStatus uint8

const (
	// JournalStatusBuilding marks entries created before the transaction was
	// handed to the gateway. A crash here is harmless: nothing was broadcast.
	JournalStatusBuilding JournalStatus = iota
	// JournalStatusSubmitted marks entries whose transaction may have reached
	// the network. Reconciliation resolves them by inspecting chain state.
	JournalStatusSubmitted
	// JournalStatusCompleted marks entries whose database effects were
	// applied. Terminal.
	JournalStatusCompleted
	// JournalStatusFailed marks entries whose submission definitively did not
	// happen. Terminal; the milestone stays approved and retryable.
	JournalStatusFailed
)

// String renders the status for storage.
func (s JournalStatus) String() string {
	switch s {
	case JournalStatusBuilding:
		return "building"
	case JournalStatusSubmitted:
		return "submitted"
	case JournalStatusCompleted:
		return "completed"
	case JournalStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseJournalStatus converts a stored status string back to the enum.
func ParseJournalStatus(raw string) (JournalStatus, error) {
	switch strings.TrimSpace(raw) {
	case "building":
		return JournalStatusBuilding, nil
	case "submitted":
		return JournalStatusSubmitted, nil
	case "completed":
		return JournalStatusCompleted, nil
	case "failed":
		return JournalStatusFailed, nil
	default:
		return 0, fmt.Errorf("%w: unknown journal status %q", escrow.ErrValidation, raw)
	}
}

// JournalEntry records one release attempt. The entry is written before the
// transaction leaves the process so that a crash between submission and the
// database update leaves a reconcilable trail instead of a double spend.
type JournalEntry struct {
	ID          string
	ProjectID   string
	MilestoneID string
	Status      JournalStatus
	// SpentEscrow is the contract output this attempt consumes. Reconciliation
	// checks whether it is still unspent to learn the submission outcome.
	SpentEscrow ledger.OutputRef
	// SettlementTxID is set once the gateway returns a transaction id. It can
	// be empty on submitted entries whose outcome is ambiguous.
	SettlementTxID string
	Tranche        int64
	Final          bool
	CreatedAt      int64
	UpdatedAt      int64
}

// Clone returns a copy safe for modification.
func (e *JournalEntry) Clone() *JournalEntry {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}
