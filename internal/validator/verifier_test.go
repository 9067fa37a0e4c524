package validator

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"QuorumStore/internal/bls"
)

// testSet creates n validators with the given voting powers and their BLS keys.
func testSet(t *testing.T, powers ...uint64) ([]ValidatorInfo, map[PeerID]*bls.KeyPair) {
	t.Helper()

	infos := make([]ValidatorInfo, len(powers))
	keys := make(map[PeerID]*bls.KeyPair, len(powers))

	for i, p := range powers {
		key, err := bls.Generate()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		var id PeerID
		id[0] = byte(i + 1)

		infos[i] = ValidatorInfo{ID: id, BLSPubkey: key.PublicKey(), VotingPower: p}
		keys[id] = key
	}

	return infos, keys
}

func TestQuorumVotingPower(t *testing.T) {
	tests := []struct {
		powers []uint64
		quorum uint64
	}{
		{[]uint64{1, 1, 1, 1}, 3},
		{[]uint64{1, 1, 1}, 3},
		{[]uint64{10, 10, 10, 10, 10, 10, 10}, 47},
		{[]uint64{100}, 67},
		{[]uint64{math.MaxUint64}, math.MaxUint64/3*2 + 1},
	}

	for _, tc := range tests {
		infos, _ := testSet(t, tc.powers...)

		v, err := NewVerifier(infos)
		if err != nil {
			t.Fatalf("new verifier: %v", err)
		}

		if got := v.QuorumVotingPower(); got != tc.quorum {
			t.Errorf("powers %v: quorum = %d, want %d", tc.powers, got, tc.quorum)
		}
	}
}

func TestCheckVotingPower(t *testing.T) {
	infos, _ := testSet(t, 1, 1, 1, 1)

	v, err := NewVerifier(infos)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	two := []PeerID{infos[0].ID, infos[1].ID}
	if err := v.CheckVotingPower(two); !errors.Is(err, ErrTooLittleVotingPower) {
		t.Errorf("two of four: got %v, want ErrTooLittleVotingPower", err)
	}

	three := append(two, infos[2].ID)
	if err := v.CheckVotingPower(three); err != nil {
		t.Errorf("three of four: %v", err)
	}

	var stranger PeerID
	stranger[31] = 0xEE

	if err := v.CheckVotingPower([]PeerID{stranger}); !errors.Is(err, ErrUnknownAuthor) {
		t.Errorf("stranger: got %v, want ErrUnknownAuthor", err)
	}
}

func TestNewVerifierRejects(t *testing.T) {
	if _, err := NewVerifier(nil); err == nil {
		t.Error("empty set should be rejected")
	}

	infos, _ := testSet(t, 1, 1)
	infos[1].ID = infos[0].ID

	if _, err := NewVerifier(infos); err == nil {
		t.Error("duplicate validator should be rejected")
	}

	zero, _ := testSet(t, 0, 0)
	if _, err := NewVerifier(zero); err == nil {
		t.Error("zero total voting power should be rejected")
	}

	huge, _ := testSet(t, math.MaxUint64, 1)
	if _, err := NewVerifier(huge); err == nil {
		t.Error("overflowing total voting power should be rejected")
	}
}

func TestVerifySignature(t *testing.T) {
	infos, keys := testSet(t, 1, 1, 1)

	v, err := NewVerifier(infos)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	msg := []byte("digest bytes")
	signer := infos[0].ID
	sig := keys[signer].Sign(msg)

	if err := v.Verify(signer, msg, sig); err != nil {
		t.Errorf("valid signature: %v", err)
	}

	if err := v.Verify(infos[1].ID, msg, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("wrong signer: got %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyAggregated(t *testing.T) {
	infos, keys := testSet(t, 1, 1, 1, 1)

	v, err := NewVerifier(infos)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	msg := []byte("aggregate me")
	ordered := v.Validators()

	var sigs [][]byte
	var indices []int

	for i := 0; i < 3; i++ {
		sigs = append(sigs, keys[ordered[i].ID].Sign(msg))
		indices = append(indices, i)
	}

	agg, err := bls.Aggregate(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	signers, err := v.VerifyAggregated(msg, agg, bls.BuildSignerBitmap(indices, v.Len()))
	if err != nil {
		t.Fatalf("verify aggregated: %v", err)
	}

	if len(signers) != 3 {
		t.Errorf("got %d signers, want 3", len(signers))
	}

	wrongBitmap := bls.BuildSignerBitmap([]int{0, 1, 3}, v.Len())
	if _, err := v.VerifyAggregated(msg, agg, wrongBitmap); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("wrong bitmap: got %v, want ErrInvalidSignature", err)
	}
}

func TestLoadFile(t *testing.T) {
	infos, _ := testSet(t, 5, 7)

	data, err := MarshalJSON(infos)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "validators.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if v.TotalVotingPower() != 12 {
		t.Errorf("total = %d, want 12", v.TotalVotingPower())
	}

	if power, ok := v.VotingPower(infos[1].ID); !ok || power != 7 {
		t.Errorf("voting power = %d/%v, want 7/true", power, ok)
	}
}
