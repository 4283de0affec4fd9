// Package ledger defines the contract between the escrow core and the
// UTXO-based settlement layer. The core never talks to the chain directly; it
// builds transactions and hands them to a Gateway for signing and submission.
package ledger

import (
	"context"
	"errors"
)

// OutputRef identifies a single transaction output on the ledger. A project's
// stored reference doubles as the optimistic-concurrency token for its escrow
// output.
type OutputRef struct {
	TxID  string `json:"txId"`
	Index uint32 `json:"index"`
}

// Equal reports whether two references point at the same output.
func (r OutputRef) Equal(other OutputRef) bool {
	return r.TxID == other.TxID && r.Index == other.Index
}

// UTXO is an unspent output as reported by the gateway.
type UTXO struct {
	Ref     OutputRef `json:"ref"`
	Address string    `json:"address"`
	// Value is in lovelace.
	Value int64 `json:"value"`
	// Datum carries the inline structured data, nil for plain outputs.
	Datum []byte `json:"datum,omitempty"`
}

// TxOutput is an output under construction.
type TxOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
	Datum   []byte `json:"datum,omitempty"`
}

// UnsignedTx is the builder's product: a balanced transaction plus the key
// hashes that must co-sign before submission.
type UnsignedTx struct {
	Inputs          []OutputRef `json:"inputs"`
	Outputs         []TxOutput  `json:"outputs"`
	Collateral      []OutputRef `json:"collateral,omitempty"`
	RequiredSigners [][]byte    `json:"requiredSigners,omitempty"`
	Fee             int64       `json:"fee"`
	// Redeemer authorises spending the contract-guarded input, when present.
	Redeemer []byte `json:"redeemer,omitempty"`
}

// InputValue sums the values of resolved inputs. Callers supply the UTXOs the
// inputs refer to; unknown references are an error.
func (tx *UnsignedTx) InputValue(resolved map[OutputRef]UTXO) (int64, error) {
	var total int64
	for _, in := range tx.Inputs {
		utxo, ok := resolved[in]
		if !ok {
			return 0, errors.New("ledger: unresolved input " + in.TxID)
		}
		total += utxo.Value
	}
	return total, nil
}

// OutputValue sums all output values.
func (tx *UnsignedTx) OutputValue() int64 {
	var total int64
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

// SignedTx is an opaque, fully witnessed transaction ready for broadcast.
type SignedTx struct {
	Payload []byte `json:"payload"`
}

var (
	// ErrTransient marks gateway failures where the transaction was
	// definitively not accepted and a retry is safe.
	ErrTransient = errors.New("ledger: transient gateway failure")
	// ErrAmbiguous marks failures where the gateway cannot say whether the
	// transaction reached the network. Retrying blindly risks a double
	// spend; callers must reconcile against chain state first.
	ErrAmbiguous = errors.New("ledger: submission outcome unknown")
)

// IsTransient reports whether the error permits a safe retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsAmbiguous reports whether the submission outcome is unknown.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

// Gateway is the external ledger collaborator. Key custody stays behind it;
// the core only sees addresses, unspent outputs, and transaction identifiers.
type Gateway interface {
	// UnspentOutputs lists the spendable outputs currently sitting at the
	// address.
	UnspentOutputs(ctx context.Context, address string) ([]UTXO, error)
	// SigningAddress returns the organization wallet address the gateway
	// signs from, used to source fees, collateral, and change.
	SigningAddress(ctx context.Context) (string, error)
	// Sign collects witnesses for the transaction's required signers.
	Sign(ctx context.Context, tx *UnsignedTx) (*SignedTx, error)
	// Submit broadcasts a signed transaction and returns its identifier.
	// Failures are classified as ErrTransient, ErrAmbiguous, or permanent.
	Submit(ctx context.Context, tx *SignedTx) (string, error)
}
