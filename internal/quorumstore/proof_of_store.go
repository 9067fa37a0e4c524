package quorumstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"QuorumStore/internal/bls"
)

// signingDomain separates digest signatures from any other BLS message.
const signingDomain = "quorumstore-signed-digest-v1"

// ValidatorVerifier answers quorum and signature questions about the validator set.
// *validator.Verifier implements it.
type ValidatorVerifier interface {
	VotingPower(id PeerID) (uint64, bool)
	CheckVotingPower(ids []PeerID) error
	Verify(id PeerID, message, signature []byte) error
	VerifyAggregated(message, signature, bitmap []byte) ([]PeerID, error)
	Index(id PeerID) int
	Len() int
}

// LogicalTime is a point in consensus time.
type LogicalTime struct {
	Epoch uint64
	Round uint64
}

// Before reports whether t is strictly earlier than other.
func (t LogicalTime) Before(other LogicalTime) bool {
	if t.Epoch != other.Epoch {
		return t.Epoch < other.Epoch
	}

	return t.Round < other.Round
}

func (t LogicalTime) String() string {
	return fmt.Sprintf("(%d, %d)", t.Epoch, t.Round)
}

// SignedDigestInfo is what validators sign to attest they stored a batch.
type SignedDigestInfo struct {
	Digest     HashValue
	Expiration LogicalTime
	NumTxns    uint64
	NumBytes   uint64
}

// SigningBytes returns the canonical message signed by validators.
func (i SignedDigestInfo) SigningBytes() []byte {
	buf := make([]byte, 0, len(signingDomain)+len(i.Digest)+4*8)

	buf = append(buf, signingDomain...)
	buf = append(buf, i.Digest[:]...)
	buf = binary.BigEndian.AppendUint64(buf, i.Expiration.Epoch)
	buf = binary.BigEndian.AppendUint64(buf, i.Expiration.Round)
	buf = binary.BigEndian.AppendUint64(buf, i.NumTxns)
	buf = binary.BigEndian.AppendUint64(buf, i.NumBytes)

	return buf
}

// SignedDigest is one validator's attestation over a SignedDigestInfo.
type SignedDigest struct {
	Epoch     uint64
	PeerID    PeerID
	Info      SignedDigestInfo
	Signature []byte
}

// NewSignedDigest signs info with the validator's BLS key.
func NewSignedDigest(epoch uint64, peerID PeerID, info SignedDigestInfo, key *bls.KeyPair) *SignedDigest {
	return &SignedDigest{
		Epoch:     epoch,
		PeerID:    peerID,
		Info:      info,
		Signature: key.Sign(info.SigningBytes()),
	}
}

// Digest returns the digest being attested.
func (sd *SignedDigest) Digest() HashValue {
	return sd.Info.Digest
}

// Verify checks the signature against the signer's registered key.
func (sd *SignedDigest) Verify(verifier ValidatorVerifier) error {
	if err := verifier.Verify(sd.PeerID, sd.Info.SigningBytes(), sd.Signature); err != nil {
		return fmt.Errorf("signed digest %s:\n%w", sd.Info.Digest.Short(), err)
	}

	return nil
}

// ProofOfStore accumulates signatures over one SignedDigestInfo.
// It is owned by a single goroutine and is not safe for concurrent use.
type ProofOfStore struct {
	info       SignedDigestInfo
	signatures map[PeerID][]byte
}

// NewProofOfStore starts an empty proof for info.
func NewProofOfStore(info SignedDigestInfo) *ProofOfStore {
	return &ProofOfStore{
		info:       info,
		signatures: make(map[PeerID][]byte),
	}
}

// Info returns the attested digest info.
func (p *ProofOfStore) Info() SignedDigestInfo {
	return p.info
}

// Digest returns the attested digest.
func (p *ProofOfStore) Digest() HashValue {
	return p.info.Digest
}

// AddSignature folds one signature in. On error the proof is unchanged.
func (p *ProofOfStore) AddSignature(signer PeerID, info SignedDigestInfo, signature []byte) error {
	if info != p.info {
		return fmt.Errorf("signer %s, digest %s: %w", signer.Short(), info.Digest.Short(), ErrWrongInfo)
	}

	if _, exists := p.signatures[signer]; exists {
		return fmt.Errorf("signer %s, digest %s: %w", signer.Short(), info.Digest.Short(), ErrDuplicatedSignature)
	}

	p.signatures[signer] = signature

	return nil
}

// Len returns the number of signatures collected.
func (p *ProofOfStore) Len() int {
	return len(p.signatures)
}

// Signers returns the signers sorted by id.
func (p *ProofOfStore) Signers() []PeerID {
	signers := make([]PeerID, 0, len(p.signatures))
	for id := range p.signatures {
		signers = append(signers, id)
	}

	sort.Slice(signers, func(i, j int) bool {
		return bytes.Compare(signers[i][:], signers[j][:]) < 0
	})

	return signers
}

// Signatures returns a copy of the signer to signature map.
func (p *ProofOfStore) Signatures() map[PeerID][]byte {
	result := make(map[PeerID][]byte, len(p.signatures))
	for id, sig := range p.signatures {
		result[id] = sig
	}

	return result
}

// VotingPower sums the power of signers that belong to the validator set.
func (p *ProofOfStore) VotingPower(verifier ValidatorVerifier) uint64 {
	var sum uint64

	for id := range p.signatures {
		if power, ok := verifier.VotingPower(id); ok {
			sum += power
		}
	}

	return sum
}

// Ready reports whether the proof is a quorum certificate.
// A validator in the set only accepts a proof that includes its own signature.
func (p *ProofOfStore) Ready(verifier ValidatorVerifier, self PeerID) bool {
	if _, isValidator := verifier.VotingPower(self); isValidator {
		if _, signed := p.signatures[self]; !signed {
			return false
		}
	}

	known := make([]PeerID, 0, len(p.signatures))
	for _, id := range p.Signers() {
		if _, ok := verifier.VotingPower(id); ok {
			known = append(known, id)
		}
	}

	return verifier.CheckVotingPower(known) == nil
}

// Aggregate compresses the proof into one BLS signature and a signer bitmap.
// Signers outside the validator set are left out.
func (p *ProofOfStore) Aggregate(verifier ValidatorVerifier) (*AggregatedProof, error) {
	indices := make([]int, 0, len(p.signatures))
	byIndex := make(map[int][]byte, len(p.signatures))

	for id, sig := range p.signatures {
		idx := verifier.Index(id)
		if idx < 0 {
			continue
		}

		indices = append(indices, idx)
		byIndex[idx] = sig
	}

	if len(indices) == 0 {
		return nil, fmt.Errorf("proof %s has no validator signatures", p.info.Digest.Short())
	}

	sort.Ints(indices)

	sigs := make([][]byte, len(indices))
	for i, idx := range indices {
		sigs[i] = byIndex[idx]
	}

	aggregated, err := bls.Aggregate(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate proof %s:\n%w", p.info.Digest.Short(), err)
	}

	return &AggregatedProof{
		Info:         p.info,
		Signature:    aggregated,
		SignerBitmap: bls.BuildSignerBitmap(indices, verifier.Len()),
	}, nil
}

// AggregatedProof is the compact, persisted form of a completed ProofOfStore.
type AggregatedProof struct {
	Info         SignedDigestInfo
	Signature    []byte
	SignerBitmap []byte
}

// Digest returns the attested digest.
func (a *AggregatedProof) Digest() HashValue {
	return a.Info.Digest
}

// Verify checks the aggregated signature and that the signers reach quorum.
func (a *AggregatedProof) Verify(verifier ValidatorVerifier) error {
	signers, err := verifier.VerifyAggregated(a.Info.SigningBytes(), a.Signature, a.SignerBitmap)
	if err != nil {
		return fmt.Errorf("proof %s:\n%w", a.Info.Digest.Short(), err)
	}

	if err := verifier.CheckVotingPower(signers); err != nil {
		return fmt.Errorf("proof %s:\n%w", a.Info.Digest.Short(), err)
	}

	return nil
}
