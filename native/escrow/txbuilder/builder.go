// Package txbuilder constructs the three transaction shapes the escrow
// protocol needs: the initial lock, the continue-and-pay release, and the
// final-pay release. Every builder takes an explicit FundingContext instead of
// reaching for ambient wallet state.
package txbuilder

import (
	"bytes"
	"fmt"
	"strings"

	"grantvault/ledger"
	"grantvault/native/escrow"
	"grantvault/native/escrow/datum"
)

// Defaults applied when the caller leaves the corresponding knob zero.
const (
	defaultFee             = 200_000
	defaultDustThreshold   = 1_000_000
	defaultCollateralMin   = 5_000_000
	defaultMaxVoterSigners = 3
)

// FundingContext carries the wallet view a single build runs against: the
// paying address, its spendable outputs, and the fee policy. Builders never
// mutate it.
type FundingContext struct {
	PayerAddress string
	Spendable    []ledger.UTXO
	// Fee is the flat transaction fee in lovelace.
	Fee int64
	// DustThreshold is the minimum remainder worth re-locking; anything
	// smaller is swept to the payer's change instead.
	DustThreshold int64
	// CollateralMin is the minimum value a collateral input must hold.
	CollateralMin int64
}

func (f FundingContext) normalized() FundingContext {
	if f.Fee <= 0 {
		f.Fee = defaultFee
	}
	if f.DustThreshold <= 0 {
		f.DustThreshold = defaultDustThreshold
	}
	if f.CollateralMin <= 0 {
		f.CollateralMin = defaultCollateralMin
	}
	return f
}

// Builder produces unsigned escrow transactions for one contract address.
type Builder struct {
	contractAddress string
	maxVoterSigners int
}

// Option customises a Builder.
type Option func(*Builder)

// WithMaxVoterSigners caps how many voter key hashes are attached as required
// signers on release transactions, bounding transaction size.
func WithMaxVoterSigners(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxVoterSigners = n
		}
	}
}

// NewBuilder constructs a builder for the supplied contract address.
func NewBuilder(contractAddress string, opts ...Option) *Builder {
	b := &Builder{
		contractAddress: strings.TrimSpace(contractAddress),
		maxVoterSigners: defaultMaxVoterSigners,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ContractAddress returns the address the builder locks funds at.
func (b *Builder) ContractAddress() string {
	return b.contractAddress
}

// Lock builds the initial deposit: one output at the contract address carrying
// the full funding amount with the encoded state attached, funded from the
// organization wallet with change returned to it.
func (b *Builder) Lock(state datum.State, fctx FundingContext) (*ledger.UnsignedTx, error) {
	if state.CurrentMilestone != 0 {
		return nil, fmt.Errorf("%w: lock state must start at milestone 0", escrow.ErrValidation)
	}
	encoded, err := datum.Encode(state)
	if err != nil {
		return nil, err
	}
	fctx = fctx.normalized()
	if strings.TrimSpace(fctx.PayerAddress) == "" {
		return nil, fmt.Errorf("%w: payer address required", escrow.ErrValidation)
	}

	need := state.TotalFunds + fctx.Fee
	inputs, selected, err := selectInputs(fctx.Spendable, need, nil)
	if err != nil {
		return nil, err
	}

	tx := &ledger.UnsignedTx{
		Inputs: inputs,
		Outputs: []ledger.TxOutput{
			{Address: b.contractAddress, Value: state.TotalFunds, Datum: encoded},
		},
		RequiredSigners: [][]byte{append([]byte(nil), state.OrgKeyHash...)},
		Fee:             fctx.Fee,
	}
	if change := selected - need; change > 0 {
		tx.Outputs = append(tx.Outputs, ledger.TxOutput{Address: fctx.PayerAddress, Value: change})
	}
	return tx, nil
}

// ContinueAndPay builds a release for a non-final milestone: it consumes the
// current contract output, pays the researcher exactly the milestone tranche,
// and re-locks the remainder with the milestone pointer advanced. Remainders
// at or below the dust threshold are swept to the payer instead of re-locked.
func (b *Builder) ContinueAndPay(escrowOut ledger.UTXO, payoutAddress string, fctx FundingContext) (*ledger.UnsignedTx, error) {
	state, err := b.verifyEscrowOutput(escrowOut)
	if err != nil {
		return nil, err
	}
	if int(state.CurrentMilestone) == len(state.MilestonePercents)-1 {
		return nil, fmt.Errorf("%w: milestone %d is final, use FinalPay", escrow.ErrValidation, state.CurrentMilestone)
	}
	return b.buildRelease(escrowOut, state, payoutAddress, fctx, false)
}

// FinalPay builds the release of the last milestone. It never produces a
// re-lock output; any residual value is swept back to the paying organization
// as change.
func (b *Builder) FinalPay(escrowOut ledger.UTXO, payoutAddress string, fctx FundingContext) (*ledger.UnsignedTx, error) {
	state, err := b.verifyEscrowOutput(escrowOut)
	if err != nil {
		return nil, err
	}
	if int(state.CurrentMilestone) != len(state.MilestonePercents)-1 {
		return nil, fmt.Errorf("%w: milestone %d is not final", escrow.ErrValidation, state.CurrentMilestone)
	}
	return b.buildRelease(escrowOut, state, payoutAddress, fctx, true)
}

func (b *Builder) verifyEscrowOutput(escrowOut ledger.UTXO) (datum.State, error) {
	if escrowOut.Address != b.contractAddress {
		return datum.State{}, fmt.Errorf("%w: output %s:%d is not at the contract address",
			escrow.ErrValidation, escrowOut.Ref.TxID, escrowOut.Ref.Index)
	}
	state, err := datum.Decode(escrowOut.Datum)
	if err != nil {
		return datum.State{}, fmt.Errorf("%w: escrow output carries undecodable state: %v",
			escrow.ErrReconciliationRequired, err)
	}
	return state, nil
}

func (b *Builder) buildRelease(escrowOut ledger.UTXO, state datum.State, payoutAddress string, fctx FundingContext, final bool) (*ledger.UnsignedTx, error) {
	fctx = fctx.normalized()
	if strings.TrimSpace(fctx.PayerAddress) == "" {
		return nil, fmt.Errorf("%w: payer address required", escrow.ErrValidation)
	}
	if strings.TrimSpace(payoutAddress) == "" {
		return nil, fmt.Errorf("%w", escrow.ErrNoPayoutAddress)
	}

	idx := state.CurrentMilestone
	tranche := state.TotalFunds * int64(state.MilestonePercents[idx]) / 100
	if tranche <= 0 {
		return nil, fmt.Errorf("%w: milestone %d tranche is zero", escrow.ErrValidation, idx)
	}
	if tranche > escrowOut.Value {
		return nil, fmt.Errorf("%w: escrow output holds %d, tranche needs %d",
			escrow.ErrReconciliationRequired, escrowOut.Value, tranche)
	}
	remainder := escrowOut.Value - tranche

	feeInputs, feeSelected, err := selectInputs(fctx.Spendable, fctx.Fee, []ledger.OutputRef{escrowOut.Ref})
	if err != nil {
		return nil, err
	}
	collateral, err := selectCollateral(fctx.Spendable, fctx.CollateralMin, append(feeInputs, escrowOut.Ref))
	if err != nil {
		return nil, err
	}

	redeemer, err := datum.ReleaseRedeemer(idx)
	if err != nil {
		return nil, err
	}

	tx := &ledger.UnsignedTx{
		Inputs: append([]ledger.OutputRef{escrowOut.Ref}, feeInputs...),
		Outputs: []ledger.TxOutput{
			{Address: payoutAddress, Value: tranche},
		},
		Collateral:      []ledger.OutputRef{collateral},
		RequiredSigners: b.requiredSigners(state),
		Fee:             fctx.Fee,
		Redeemer:        redeemer,
	}

	change := feeSelected - fctx.Fee
	if final || remainder <= fctx.DustThreshold {
		// No re-lock: residual escrow value returns to the organization.
		change += remainder
	} else {
		next, err := datum.Encode(state.Advanced())
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, ledger.TxOutput{
			Address: b.contractAddress,
			Value:   remainder,
			Datum:   next,
		})
	}
	if change > 0 {
		tx.Outputs = append(tx.Outputs, ledger.TxOutput{Address: fctx.PayerAddress, Value: change})
	}

	// No value may be created or destroyed: inputs must equal outputs + fee.
	if escrowOut.Value+feeSelected != tx.OutputValue()+tx.Fee {
		return nil, fmt.Errorf("%w: unbalanced release transaction", escrow.ErrValidation)
	}
	return tx, nil
}

// requiredSigners returns the organization key hash plus up to the configured
// cap of voter key hashes, deduplicated, in datum order.
func (b *Builder) requiredSigners(state datum.State) [][]byte {
	signers := [][]byte{append([]byte(nil), state.OrgKeyHash...)}
	added := 0
	for _, voter := range state.VoterKeyHashes {
		if added >= b.maxVoterSigners {
			break
		}
		if bytes.Equal(voter, state.OrgKeyHash) {
			continue
		}
		signers = append(signers, append([]byte(nil), voter...))
		added++
	}
	return signers
}
