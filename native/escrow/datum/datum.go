// Package datum encodes the escrow contract's on-chain state. The layout is a
// fixed positional structure the validator script pattern-matches on, so field
// order and types here are part of the contract interface and must not change.
package datum

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// constrTagBase is the CBOR tag for the ledger's constructor alternative 0.
// The escrow datum and redeemer both use alternative 0.
const constrTagBase = 121

// keyHashLen is the length of a payment verification key or script hash.
const keyHashLen = 28

// ErrMalformed describes datum bytes that do not match the contract layout.
var ErrMalformed = errors.New("datum: malformed escrow datum")

// State is the contract's persistent state: the only information the on-chain
// validator can see. The off-chain project record must always be derivable as
// a consistent superset of it.
type State struct {
	OrgKeyHash        []byte
	ResearcherKeyHash []byte
	VoterKeyHashes    [][]byte
	// TotalFunds is the full locked amount in lovelace. It never changes
	// across continuations; the output value shrinks instead.
	TotalFunds int64
	// MilestonePercents are whole-number shares summing to 100, in release
	// order.
	MilestonePercents []uint32
	// CurrentMilestone is the index of the next releasable milestone.
	CurrentMilestone uint32
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	clone := s
	clone.OrgKeyHash = append([]byte(nil), s.OrgKeyHash...)
	clone.ResearcherKeyHash = append([]byte(nil), s.ResearcherKeyHash...)
	if len(s.VoterKeyHashes) > 0 {
		clone.VoterKeyHashes = make([][]byte, len(s.VoterKeyHashes))
		for i, h := range s.VoterKeyHashes {
			clone.VoterKeyHashes[i] = append([]byte(nil), h...)
		}
	}
	clone.MilestonePercents = append([]uint32(nil), s.MilestonePercents...)
	return clone
}

// Equal reports whether two states are identical field for field.
func (s State) Equal(other State) bool {
	if !bytes.Equal(s.OrgKeyHash, other.OrgKeyHash) ||
		!bytes.Equal(s.ResearcherKeyHash, other.ResearcherKeyHash) ||
		s.TotalFunds != other.TotalFunds ||
		s.CurrentMilestone != other.CurrentMilestone ||
		len(s.VoterKeyHashes) != len(other.VoterKeyHashes) ||
		len(s.MilestonePercents) != len(other.MilestonePercents) {
		return false
	}
	for i, h := range s.VoterKeyHashes {
		if !bytes.Equal(h, other.VoterKeyHashes[i]) {
			return false
		}
	}
	for i, p := range s.MilestonePercents {
		if p != other.MilestonePercents[i] {
			return false
		}
	}
	return true
}

// Validate ensures the state satisfies the contract invariants.
func (s State) Validate() error {
	if len(s.OrgKeyHash) != keyHashLen {
		return fmt.Errorf("%w: organization key hash must be %d bytes", ErrMalformed, keyHashLen)
	}
	if len(s.ResearcherKeyHash) != keyHashLen {
		return fmt.Errorf("%w: researcher key hash must be %d bytes", ErrMalformed, keyHashLen)
	}
	if len(s.VoterKeyHashes) == 0 {
		return fmt.Errorf("%w: at least one voter key hash required", ErrMalformed)
	}
	for i, h := range s.VoterKeyHashes {
		if len(h) != keyHashLen {
			return fmt.Errorf("%w: voter key hash %d must be %d bytes", ErrMalformed, i, keyHashLen)
		}
	}
	if s.TotalFunds <= 0 {
		return fmt.Errorf("%w: total funds must be positive", ErrMalformed)
	}
	if len(s.MilestonePercents) == 0 {
		return fmt.Errorf("%w: milestone percentages required", ErrMalformed)
	}
	var sum uint32
	for i, p := range s.MilestonePercents {
		if p == 0 || p > 100 {
			return fmt.Errorf("%w: milestone percent %d outside (0, 100]", ErrMalformed, i)
		}
		sum += p
	}
	if sum != 100 {
		return fmt.Errorf("%w: milestone percentages sum to %d, want 100", ErrMalformed, sum)
	}
	if int(s.CurrentMilestone) >= len(s.MilestonePercents) {
		return fmt.Errorf("%w: current milestone %d out of range", ErrMalformed, s.CurrentMilestone)
	}
	return nil
}

// Advanced returns a copy of the state with the current milestone pointer
// moved forward by one, as encoded into every re-lock output.
func (s State) Advanced() State {
	next := s.Clone()
	next.CurrentMilestone++
	return next
}

// Encode serialises the state as constructor 0 with six positional fields.
func Encode(s State) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	voters := make([]interface{}, len(s.VoterKeyHashes))
	for i, h := range s.VoterKeyHashes {
		voters[i] = h
	}
	percents := make([]interface{}, len(s.MilestonePercents))
	for i, p := range s.MilestonePercents {
		percents[i] = uint64(p)
	}
	fields := []interface{}{
		s.OrgKeyHash,
		s.ResearcherKeyHash,
		voters,
		uint64(s.TotalFunds),
		percents,
		uint64(s.CurrentMilestone),
	}
	return cbor.Marshal(cbor.Tag{Number: constrTagBase, Content: fields})
}

// Decode parses datum bytes back into a State and validates the result.
func Decode(data []byte) (State, error) {
	var raw cbor.RawTag
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Number != constrTagBase {
		return State{}, fmt.Errorf("%w: unexpected constructor tag %d", ErrMalformed, raw.Number)
	}
	var fields []cbor.RawMessage
	if err := cbor.Unmarshal(raw.Content, &fields); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(fields) != 6 {
		return State{}, fmt.Errorf("%w: expected 6 fields, found %d", ErrMalformed, len(fields))
	}

	var s State
	if err := cbor.Unmarshal(fields[0], &s.OrgKeyHash); err != nil {
		return State{}, fmt.Errorf("%w: organization key hash: %v", ErrMalformed, err)
	}
	if err := cbor.Unmarshal(fields[1], &s.ResearcherKeyHash); err != nil {
		return State{}, fmt.Errorf("%w: researcher key hash: %v", ErrMalformed, err)
	}
	if err := cbor.Unmarshal(fields[2], &s.VoterKeyHashes); err != nil {
		return State{}, fmt.Errorf("%w: voter key hashes: %v", ErrMalformed, err)
	}
	var total uint64
	if err := cbor.Unmarshal(fields[3], &total); err != nil {
		return State{}, fmt.Errorf("%w: total funds: %v", ErrMalformed, err)
	}
	s.TotalFunds = int64(total)
	var percents []uint64
	if err := cbor.Unmarshal(fields[4], &percents); err != nil {
		return State{}, fmt.Errorf("%w: milestone percentages: %v", ErrMalformed, err)
	}
	s.MilestonePercents = make([]uint32, len(percents))
	for i, p := range percents {
		if p > 100 {
			return State{}, fmt.Errorf("%w: milestone percent %d out of range", ErrMalformed, i)
		}
		s.MilestonePercents[i] = uint32(p)
	}
	var current uint64
	if err := cbor.Unmarshal(fields[5], &current); err != nil {
		return State{}, fmt.Errorf("%w: current milestone: %v", ErrMalformed, err)
	}
	s.CurrentMilestone = uint32(current)

	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

// ReleaseRedeemer builds the redeemer authorising the release of the supplied
// milestone index: constructor 0 wrapping the index.
func ReleaseRedeemer(milestoneIndex uint32) ([]byte, error) {
	return cbor.Marshal(cbor.Tag{Number: constrTagBase, Content: []interface{}{uint64(milestoneIndex)}})
}
