package escrow

import "errors"

// Sentinel errors shared across the escrow engines. Callers branch with
// errors.Is; the wrapped message carries the offending identifiers.
var (
	// ErrNotFound is returned when a project, milestone, voter, or vote
	// cannot be located.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState marks an operation that is illegal for the record's
	// current lifecycle status.
	ErrInvalidState = errors.New("escrow: invalid lifecycle state")
	// ErrDuplicateVote is returned when a voter submits a second ballot for
	// the same milestone. The original ballot is never overwritten.
	ErrDuplicateVote = errors.New("escrow: duplicate vote")
	// ErrValidation describes malformed input rejected before any state
	// mutation.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrNoPayoutAddress is returned when a release is attempted for a
	// researcher without a registered payout address.
	ErrNoPayoutAddress = errors.New("escrow: researcher payout address missing")
	// ErrInvalidAddressFormat marks payout addresses that fail bech32
	// validation.
	ErrInvalidAddressFormat = errors.New("escrow: invalid address format")
	// ErrInsufficientFunds is surfaced when the funding wallet cannot cover
	// the requested amount plus fees.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrNoSpendableOutputs is surfaced when the funding wallet holds no
	// unspent outputs at all.
	ErrNoSpendableOutputs = errors.New("escrow: no spendable outputs")
	// ErrSubmissionFailure wraps ledger submission failures that exhausted
	// the orchestrator's retry budget. The milestone stays approved and the
	// release is retryable.
	ErrSubmissionFailure = errors.New("escrow: transaction submission failed")
	// ErrReconciliationRequired signals divergence between the database of
	// record and the on-chain escrow output. It is never retried
	// automatically; an operator must intervene.
	ErrReconciliationRequired = errors.New("escrow: on-chain and off-chain state diverged")
)
