package quorumstore

import (
	"sync"
	"testing"
	"time"

	"QuorumStore/internal/bls"
	"QuorumStore/internal/storage"
	"QuorumStore/internal/validator"
)

// testCommittee is a validator set with its signing keys.
// ids are in validator index order.
type testCommittee struct {
	verifier *validator.Verifier
	ids      []PeerID
	keys     map[PeerID]*bls.KeyPair
}

// newTestCommittee creates one validator per voting power.
func newTestCommittee(t *testing.T, powers ...uint64) *testCommittee {
	t.Helper()

	c := &testCommittee{keys: make(map[PeerID]*bls.KeyPair, len(powers))}
	infos := make([]validator.ValidatorInfo, len(powers))

	for i, p := range powers {
		key, err := bls.Generate()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		var id PeerID
		id[0] = byte(i + 1)

		infos[i] = validator.ValidatorInfo{ID: id, BLSPubkey: key.PublicKey(), VotingPower: p}
		c.ids = append(c.ids, id)
		c.keys[id] = key
	}

	v, err := validator.NewVerifier(infos)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	c.verifier = v

	return c
}

// sign returns id's signed digest over info in epoch 1.
func (c *testCommittee) sign(id PeerID, info SignedDigestInfo) *SignedDigest {
	return NewSignedDigest(1, id, info, c.keys[id])
}

// testInfo returns digest info whose digest starts with b.
func testInfo(b byte) SignedDigestInfo {
	var digest HashValue
	digest[0] = b

	return SignedDigestInfo{
		Digest:     digest,
		Expiration: LogicalTime{Epoch: 1, Round: 10},
		NumTxns:    2,
		NumBytes:   64,
	}
}

// testTxns returns n transactions of size bytes each.
func testTxns(n, size int) []SerializedTransaction {
	txns := make([]SerializedTransaction, n)
	for i := range txns {
		b := make([]byte, size)
		for j := range b {
			b[j] = byte(i + j)
		}

		txns[i] = NewSerializedTransaction(b)
	}

	return txns
}

// newTestStore opens a batch store in a temp dir, closed at test end.
func newTestStore(t *testing.T) *BatchStore {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return NewBatchStore(db, nil)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Set moves the clock to origin+offset.
func (c *fakeClock) Set(origin time.Time, offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = origin.Add(offset)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
