package validator

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"QuorumStore/internal/bls"
)

var (
	// ErrUnknownAuthor is returned for a peer that is not in the validator set.
	ErrUnknownAuthor = errors.New("unknown author")

	// ErrTooLittleVotingPower is returned when signers do not reach the quorum.
	ErrTooLittleVotingPower = errors.New("too little voting power")

	// ErrInvalidSignature is returned when a validator's signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// PeerID identifies a node by its ed25519 public key.
type PeerID [32]byte

// String returns the hex encoding of the id.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 4 bytes in hex, for logs.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

// PeerIDFromBytes copies a 32-byte slice into a PeerID.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID

	if len(b) != len(id) {
		return id, fmt.Errorf("peer id is %d bytes, want %d", len(b), len(id))
	}

	copy(id[:], b)

	return id, nil
}

// PeerIDFromHex decodes a hex-encoded PeerID.
func PeerIDFromHex(s string) (PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("decode peer id:\n%w", err)
	}

	return PeerIDFromBytes(raw)
}

// ValidatorInfo describes one member of the validator set.
type ValidatorInfo struct {
	ID          PeerID                  // ID is the validator's network identity
	BLSPubkey   [bls.PublicKeySize]byte // BLSPubkey verifies the validator's digest signatures
	VotingPower uint64                  // VotingPower is the validator's weight in quorums
}

// Verifier holds the validator set of one epoch and answers quorum questions.
// It is immutable after construction and safe for concurrent use.
type Verifier struct {
	validators []ValidatorInfo // sorted by ID
	index      map[PeerID]int
	total      uint64
	quorum     uint64
}

// NewVerifier builds a verifier; validators are ordered by ID so indices are deterministic.
func NewVerifier(infos []ValidatorInfo) (*Verifier, error) {
	if len(infos) == 0 {
		return nil, fmt.Errorf("validator set is empty")
	}

	validators := make([]ValidatorInfo, len(infos))
	copy(validators, infos)

	sort.Slice(validators, func(i, j int) bool {
		return bytes.Compare(validators[i].ID[:], validators[j].ID[:]) < 0
	})

	v := &Verifier{
		validators: validators,
		index:      make(map[PeerID]int, len(validators)),
	}

	for i, info := range validators {
		if _, exists := v.index[info.ID]; exists {
			return nil, fmt.Errorf("duplicate validator %s", info.ID.Short())
		}

		if err := bls.ValidatePublicKey(info.BLSPubkey[:]); err != nil {
			return nil, fmt.Errorf("validator %s:\n%w", info.ID.Short(), err)
		}

		total, carry := bits.Add64(v.total, info.VotingPower, 0)
		if carry != 0 {
			return nil, fmt.Errorf("total voting power overflows at validator %s", info.ID.Short())
		}

		v.index[info.ID] = i
		v.total = total
	}

	if v.total == 0 {
		return nil, fmt.Errorf("total voting power is zero")
	}

	// total*2 is computed on 128 bits; the quotient is below total.
	hi, lo := bits.Mul64(v.total, 2)
	twoThirds, _ := bits.Div64(hi, lo, 3)
	v.quorum = twoThirds + 1

	return v, nil
}

// Len returns the number of validators.
func (v *Verifier) Len() int {
	return len(v.validators)
}

// Validators returns a copy of the validator set in index order.
func (v *Verifier) Validators() []ValidatorInfo {
	result := make([]ValidatorInfo, len(v.validators))
	copy(result, v.validators)

	return result
}

// Index returns the position of a validator, or -1 if not found.
func (v *Verifier) Index(id PeerID) int {
	if idx, exists := v.index[id]; exists {
		return idx
	}

	return -1
}

// Get returns the validator info, or nil if not found.
func (v *Verifier) Get(id PeerID) *ValidatorInfo {
	idx, exists := v.index[id]
	if !exists {
		return nil
	}

	info := v.validators[idx]

	return &info
}

// VotingPower returns the weight of a validator and whether it is in the set.
func (v *Verifier) VotingPower(id PeerID) (uint64, bool) {
	idx, exists := v.index[id]
	if !exists {
		return 0, false
	}

	return v.validators[idx].VotingPower, true
}

// TotalVotingPower returns the sum of all voting power.
func (v *Verifier) TotalVotingPower() uint64 {
	return v.total
}

// QuorumVotingPower returns the minimum power for a quorum: total*2/3 + 1.
func (v *Verifier) QuorumVotingPower() uint64 {
	return v.quorum
}

// SumVotingPower adds up the power of the given signers.
// Each id must be unique and a member of the set.
func (v *Verifier) SumVotingPower(ids []PeerID) (uint64, error) {
	var sum uint64

	for _, id := range ids {
		power, ok := v.VotingPower(id)
		if !ok {
			return 0, fmt.Errorf("signer %s: %w", id.Short(), ErrUnknownAuthor)
		}

		var carry uint64
		sum, carry = bits.Add64(sum, power, 0)
		if carry != 0 {
			return 0, fmt.Errorf("voting power sum overflows")
		}
	}

	return sum, nil
}

// CheckVotingPower returns nil if the signers reach the quorum.
func (v *Verifier) CheckVotingPower(ids []PeerID) error {
	sum, err := v.SumVotingPower(ids)
	if err != nil {
		return err
	}

	if sum < v.quorum {
		return fmt.Errorf("voting power %d, need %d: %w", sum, v.quorum, ErrTooLittleVotingPower)
	}

	return nil
}

// Verify checks a validator's BLS signature over message.
func (v *Verifier) Verify(id PeerID, message, signature []byte) error {
	info := v.Get(id)
	if info == nil {
		return fmt.Errorf("signer %s: %w", id.Short(), ErrUnknownAuthor)
	}

	if !bls.Verify(signature, message, info.BLSPubkey[:]) {
		return fmt.Errorf("signer %s: %w", id.Short(), ErrInvalidSignature)
	}

	return nil
}

// VerifyAggregated checks an aggregated signature produced by the validators set in bitmap.
func (v *Verifier) VerifyAggregated(message, signature, bitmap []byte) ([]PeerID, error) {
	indices := bls.ParseSignerBitmap(bitmap)
	if len(indices) == 0 {
		return nil, fmt.Errorf("no signers in bitmap")
	}

	signers := make([]PeerID, 0, len(indices))
	keys := make([][]byte, 0, len(indices))

	for _, idx := range indices {
		if idx >= len(v.validators) {
			return nil, fmt.Errorf("signer index %d out of range", idx)
		}

		signers = append(signers, v.validators[idx].ID)
		keys = append(keys, v.validators[idx].BLSPubkey[:])
	}

	if !bls.VerifyAggregated(signature, message, keys) {
		return nil, ErrInvalidSignature
	}

	return signers, nil
}
