package quorumstore

import (
	"encoding/binary"
	"fmt"

	"QuorumStore/internal/storage"
)

// Storage key prefixes.
var (
	prefixBatch = []byte("b:")
	prefixProof = []byte("p:")
)

// BatchStore persists batch payloads and completed proofs.
type BatchStore struct {
	db      *storage.Storage
	metrics *Metrics
}

// NewBatchStore wraps db. A nil metrics records into unregistered collectors.
func NewBatchStore(db *storage.Storage, metrics *Metrics) *BatchStore {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &BatchStore{db: db, metrics: metrics}
}

// SaveBatch stores the payload of a batch, compressed.
// Value layout: epoch (8 bytes big-endian) followed by the zstd payload.
func (s *BatchStore) SaveBatch(info BatchInfo, payload []SerializedTransaction) error {
	compressed, err := CompressTransactions(payload)
	if err != nil {
		return fmt.Errorf("save batch %s:\n%w", info.Digest.Short(), err)
	}

	value := make([]byte, 8+len(compressed))
	binary.BigEndian.PutUint64(value, info.Epoch)
	copy(value[8:], compressed)

	if err := s.db.Set(batchKey(info.Digest), value); err != nil {
		return fmt.Errorf("save batch %s:\n%w", info.Digest.Short(), err)
	}

	s.metrics.batchesStored.Inc()

	return nil
}

// GetBatch returns the stored payload of digest and its epoch.
func (s *BatchStore) GetBatch(digest HashValue) (uint64, []SerializedTransaction, error) {
	value, err := s.db.Get(batchKey(digest))
	if err != nil {
		return 0, nil, fmt.Errorf("get batch %s:\n%w", digest.Short(), err)
	}

	if value == nil {
		return 0, nil, fmt.Errorf("batch %s: %w", digest.Short(), ErrNotFound)
	}

	if len(value) < 8 {
		return 0, nil, fmt.Errorf("batch %s: corrupt record of %d bytes", digest.Short(), len(value))
	}

	payload, err := DecompressTransactions(value[8:])
	if err != nil {
		return 0, nil, fmt.Errorf("batch %s:\n%w", digest.Short(), err)
	}

	return binary.BigEndian.Uint64(value), payload, nil
}

// HasBatch reports whether the payload of digest is stored.
func (s *BatchStore) HasBatch(digest HashValue) (bool, error) {
	return s.db.Has(batchKey(digest))
}

// DeleteBatch removes a stored payload.
func (s *BatchStore) DeleteBatch(digest HashValue) error {
	return s.db.Delete(batchKey(digest))
}

// SaveProof stores a completed proof.
func (s *BatchStore) SaveProof(p *AggregatedProof) error {
	if err := s.db.Set(proofKey(p.Info.Digest), EncodeProof(p)); err != nil {
		return fmt.Errorf("save proof %s:\n%w", p.Info.Digest.Short(), err)
	}

	return nil
}

// GetProof returns the stored proof for digest.
func (s *BatchStore) GetProof(digest HashValue) (*AggregatedProof, error) {
	value, err := s.db.Get(proofKey(digest))
	if err != nil {
		return nil, fmt.Errorf("get proof %s:\n%w", digest.Short(), err)
	}

	if value == nil {
		return nil, fmt.Errorf("proof %s: %w", digest.Short(), ErrNotFound)
	}

	return DecodeProof(value)
}

// Proofs calls fn for every stored proof in digest order.
func (s *BatchStore) Proofs(fn func(*AggregatedProof) error) error {
	return s.db.IteratePrefix(prefixProof, func(_, value []byte) error {
		p, err := DecodeProof(value)
		if err != nil {
			return err
		}

		return fn(p)
	})
}

// PruneExpired deletes proofs that expired before now, together with their batches.
// It returns the number of proofs removed.
func (s *BatchStore) PruneExpired(now LogicalTime) (int, error) {
	var ops []storage.Op

	err := s.Proofs(func(p *AggregatedProof) error {
		if p.Info.Expiration.Before(now) {
			ops = append(ops,
				storage.Op{Key: proofKey(p.Info.Digest)},
				storage.Op{Key: batchKey(p.Info.Digest)},
			)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan proofs:\n%w", err)
	}

	if len(ops) == 0 {
		return 0, nil
	}

	if err := s.db.Apply(ops); err != nil {
		return 0, fmt.Errorf("prune proofs:\n%w", err)
	}

	return len(ops) / 2, nil
}

func batchKey(digest HashValue) []byte {
	return append(append([]byte{}, prefixBatch...), digest[:]...)
}

func proofKey(digest HashValue) []byte {
	return append(append([]byte{}, prefixProof...), digest[:]...)
}
