package quorumstore

import (
	"fmt"
	"sync"

	"QuorumStore/internal/bls"
)

// DefaultMaxBatchBytes bounds the payload of one reassembled batch.
const DefaultMaxBatchBytes = 4 << 20

// partialKey identifies a batch being streamed.
type partialKey struct {
	source  PeerID
	batchID BatchID
}

// partialBatch is a batch whose last fragment has not arrived yet.
type partialBatch struct {
	nextFragment uint64
	txns         []SerializedTransaction
	bytes        int
}

// Reassembler rebuilds batches from verified fragments and signs their digests.
// It is safe for concurrent use.
type Reassembler struct {
	mu            sync.Mutex
	epoch         uint64
	self          PeerID
	key           *bls.KeyPair
	store         *BatchStore
	maxBatchBytes int
	partial       map[partialKey]*partialBatch
}

// NewReassembler creates a reassembler for epoch signing with key as self.
func NewReassembler(epoch uint64, self PeerID, key *bls.KeyPair, store *BatchStore, maxBatchBytes int) *Reassembler {
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultMaxBatchBytes
	}

	return &Reassembler{
		epoch:         epoch,
		self:          self,
		key:           key,
		store:         store,
		maxBatchBytes: maxBatchBytes,
		partial:       make(map[partialKey]*partialBatch),
	}
}

// AddFragment appends a fragment that already passed Fragment.Verify.
// It returns a signed digest when the fragment completes its batch, nil otherwise.
// Fragment ids start at 0 and must be consecutive; a gap drops the partial batch.
func (r *Reassembler) AddFragment(f *Fragment) (*SignedDigest, error) {
	if f.Epoch() != r.epoch {
		return nil, fmt.Errorf("%w: fragment epoch %d, current epoch %d", ErrInvalidFragment, f.Epoch(), r.epoch)
	}

	key := partialKey{source: f.Source(), batchID: f.BatchID()}

	r.mu.Lock()

	pb, exists := r.partial[key]

	switch {
	case f.FragmentID() == 0:
		pb = &partialBatch{}
		r.partial[key] = pb

	case !exists || pb.nextFragment != f.FragmentID():
		delete(r.partial, key)
		r.mu.Unlock()

		return nil, fmt.Errorf("batch %d from %s, fragment %d: %w",
			f.BatchID(), f.Source().Short(), f.FragmentID(), ErrFragmentOutOfOrder)
	}

	txns := f.TakeTransactions()
	pb.bytes += PayloadBytes(txns)

	if pb.bytes > r.maxBatchBytes {
		delete(r.partial, key)
		r.mu.Unlock()

		return nil, fmt.Errorf("batch %d from %s: %d bytes, max %d: %w",
			f.BatchID(), f.Source().Short(), pb.bytes, r.maxBatchBytes, ErrBatchTooLarge)
	}

	pb.txns = append(pb.txns, txns...)
	pb.nextFragment++

	expiration, last := f.Expiration()
	if !last {
		r.mu.Unlock()
		return nil, nil
	}

	delete(r.partial, key)
	r.mu.Unlock()

	return r.complete(pb, expiration)
}

// complete persists a finished batch and signs its digest.
func (r *Reassembler) complete(pb *partialBatch, expiration LogicalTime) (*SignedDigest, error) {
	digest := ComputeDigest(pb.txns)

	if err := r.store.SaveBatch(BatchInfo{Epoch: r.epoch, Digest: digest}, pb.txns); err != nil {
		return nil, err
	}

	info := SignedDigestInfo{
		Digest:     digest,
		Expiration: expiration,
		NumTxns:    uint64(len(pb.txns)),
		NumBytes:   uint64(pb.bytes),
	}

	return NewSignedDigest(r.epoch, r.self, info, r.key), nil
}

// Pending returns the number of batches still missing fragments.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.partial)
}

// DropSource discards every partial batch from source, for example when its connection closes.
func (r *Reassembler) DropSource(source PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.partial {
		if key.source == source {
			delete(r.partial, key)
		}
	}
}
