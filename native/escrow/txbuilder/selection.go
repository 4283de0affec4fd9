package txbuilder

import (
	"fmt"
	"sort"

	"grantvault/ledger"
	"grantvault/native/escrow"
)

// selectInputs picks spendable outputs covering the target value, largest
// first for a small input set, with deterministic tie-breaking so repeated
// builds over the same wallet view select the same inputs. Outputs listed in
// exclude are skipped.
func selectInputs(spendable []ledger.UTXO, target int64, exclude []ledger.OutputRef) ([]ledger.OutputRef, int64, error) {
	candidates := usable(spendable, exclude)
	if len(candidates) == 0 {
		return nil, 0, fmt.Errorf("%w", escrow.ErrNoSpendableOutputs)
	}
	sortByValueDesc(candidates)

	var (
		refs     []ledger.OutputRef
		selected int64
	)
	for _, utxo := range candidates {
		refs = append(refs, utxo.Ref)
		selected += utxo.Value
		if selected >= target {
			return refs, selected, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: wallet holds %d, need %d", escrow.ErrInsufficientFunds, selected, target)
}

// selectCollateral returns the smallest excluded-free output that meets the
// collateral minimum. Collateral must not overlap the spending inputs because
// both would consume the same output.
func selectCollateral(spendable []ledger.UTXO, minValue int64, exclude []ledger.OutputRef) (ledger.OutputRef, error) {
	candidates := usable(spendable, exclude)
	sortByValueDesc(candidates)
	// Walk from the small end so collateral ties up as little value as
	// possible.
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Value >= minValue {
			return candidates[i].Ref, nil
		}
	}
	return ledger.OutputRef{}, fmt.Errorf("%w: no collateral input with at least %d lovelace", escrow.ErrInsufficientFunds, minValue)
}

func usable(spendable []ledger.UTXO, exclude []ledger.OutputRef) []ledger.UTXO {
	out := make([]ledger.UTXO, 0, len(spendable))
	for _, utxo := range spendable {
		if utxo.Value <= 0 || excluded(utxo.Ref, exclude) {
			continue
		}
		out = append(out, utxo)
	}
	return out
}

func excluded(ref ledger.OutputRef, exclude []ledger.OutputRef) bool {
	for _, ex := range exclude {
		if ref.Equal(ex) {
			return true
		}
	}
	return false
}

func sortByValueDesc(utxos []ledger.UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Value != utxos[j].Value {
			return utxos[i].Value > utxos[j].Value
		}
		if utxos[i].Ref.TxID != utxos[j].Ref.TxID {
			return utxos[i].Ref.TxID < utxos[j].Ref.TxID
		}
		return utxos[i].Ref.Index < utxos[j].Ref.Index
	})
}
