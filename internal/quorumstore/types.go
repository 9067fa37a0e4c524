package quorumstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"QuorumStore/internal/validator"
)

// PeerID identifies a validator on the network.
type PeerID = validator.PeerID

// BatchID is assigned by the batch producer; unique per producer and epoch.
type BatchID uint64

// HashValue is a 32-byte batch digest.
type HashValue [32]byte

// String returns the hex encoding of the digest.
func (h HashValue) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 4 bytes in hex, for logs.
func (h HashValue) Short() string {
	return hex.EncodeToString(h[:4])
}

// HashValueFromBytes copies a 32-byte slice into a HashValue.
func HashValueFromBytes(b []byte) (HashValue, error) {
	var h HashValue

	if len(b) != len(h) {
		return h, fmt.Errorf("digest is %d bytes, want %d", len(b), len(h))
	}

	copy(h[:], b)

	return h, nil
}

// HashValueFromHex decodes a hex-encoded digest.
func HashValueFromHex(s string) (HashValue, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return HashValue{}, fmt.Errorf("decode digest:\n%w", err)
	}

	return HashValueFromBytes(raw)
}

// ComputeDigest hashes a transaction list.
// Each transaction is length-prefixed so that splitting bytes differently changes the digest.
func ComputeDigest(txns []SerializedTransaction) HashValue {
	h := blake3.New()

	var lenBuf [4]byte
	for _, txn := range txns {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(txn.bytes)))
		h.Write(lenBuf[:])
		h.Write(txn.bytes)
	}

	var digest HashValue
	copy(digest[:], h.Sum(nil))

	return digest
}

// SerializedTransaction is an opaque transaction in its wire form.
type SerializedTransaction struct {
	bytes []byte
}

// NewSerializedTransaction wraps raw transaction bytes without copying.
func NewSerializedTransaction(b []byte) SerializedTransaction {
	return SerializedTransaction{bytes: b}
}

// Len returns the encoded size.
func (t SerializedTransaction) Len() int {
	return len(t.bytes)
}

// Bytes returns the raw bytes. The caller must not modify them.
func (t SerializedTransaction) Bytes() []byte {
	return t.bytes
}

// TakeBytes moves the bytes out, leaving the transaction empty.
func (t *SerializedTransaction) TakeBytes() []byte {
	b := t.bytes
	t.bytes = nil

	return b
}

// PayloadBytes returns the summed size of a transaction list.
func PayloadBytes(txns []SerializedTransaction) int {
	total := 0
	for _, txn := range txns {
		total += txn.Len()
	}

	return total
}

// FragmentInfo is the content of a fragment.
// Only the last fragment of a batch carries an expiration.
type FragmentInfo struct {
	epoch      uint64
	batchID    BatchID
	fragmentID uint64
	payload    []SerializedTransaction
	expiration *LogicalTime
}

// Fragment is one piece of a batch being streamed from its producer.
type Fragment struct {
	source PeerID
	info   FragmentInfo
}

// NewFragment builds a fragment. Pass a nil expiration for every fragment but the last.
func NewFragment(epoch uint64, batchID BatchID, fragmentID uint64, payload []SerializedTransaction, expiration *LogicalTime, source PeerID) *Fragment {
	return &Fragment{
		source: source,
		info: FragmentInfo{
			epoch:      epoch,
			batchID:    batchID,
			fragmentID: fragmentID,
			payload:    payload,
			expiration: expiration,
		},
	}
}

func (f *Fragment) Epoch() uint64 { return f.info.epoch }
func (f *Fragment) BatchID() BatchID { return f.info.batchID }
func (f *Fragment) FragmentID() uint64 { return f.info.fragmentID }
func (f *Fragment) Source() PeerID { return f.source }
func (f *Fragment) Transactions() []SerializedTransaction { return f.info.payload }

// Expiration returns the batch expiration; ok is false for non-final fragments.
func (f *Fragment) Expiration() (LogicalTime, bool) {
	if f.info.expiration == nil {
		return LogicalTime{}, false
	}

	return *f.info.expiration, true
}

// IsLast reports whether this fragment closes its batch.
func (f *Fragment) IsLast() bool {
	return f.info.expiration != nil
}

// TakeTransactions moves the payload out of the fragment.
func (f *Fragment) TakeTransactions() []SerializedTransaction {
	txns := f.info.payload
	f.info.payload = nil

	return txns
}

// Verify checks a received fragment against the transport-attested sender.
func (f *Fragment) Verify(sender PeerID, quorumStoreEnabled bool) error {
	if !quorumStoreEnabled {
		return fmt.Errorf("%w: %w: fragment from %s", ErrInvalidFragment, ErrQuorumStoreDisabled, sender.Short())
	}

	if f.info.expiration != nil && f.info.expiration.Epoch != f.info.epoch {
		return fmt.Errorf("%w: epoch mismatch: expiration epoch %d, fragment epoch %d",
			ErrInvalidFragment, f.info.expiration.Epoch, f.info.epoch)
	}

	if f.source != sender {
		return fmt.Errorf("%w: sender mismatch: source %s, sender %s",
			ErrInvalidFragment, f.source.Short(), sender.Short())
	}

	return nil
}

// BatchInfo identifies a batch.
type BatchInfo struct {
	Epoch  uint64
	Digest HashValue
}

// Batch is either a request for a batch payload or the response carrying it.
type Batch struct {
	source     PeerID
	payload    []SerializedTransaction
	isResponse bool
	info       BatchInfo
}

// NewBatchRequest asks a peer for the payload of digest.
func NewBatchRequest(epoch uint64, source PeerID, digest HashValue) *Batch {
	return &Batch{
		source: source,
		info:   BatchInfo{Epoch: epoch, Digest: digest},
	}
}

// NewBatchResponse answers a request with the batch payload.
func NewBatchResponse(epoch uint64, source PeerID, digest HashValue, payload []SerializedTransaction) *Batch {
	return &Batch{
		source:     source,
		payload:    payload,
		isResponse: true,
		info:       BatchInfo{Epoch: epoch, Digest: digest},
	}
}

func (b *Batch) Epoch() uint64 { return b.info.Epoch }
func (b *Batch) Digest() HashValue { return b.info.Digest }
func (b *Batch) Source() PeerID { return b.source }
func (b *Batch) Info() BatchInfo { return b.info }

// IsRequest reports whether the batch carries no payload.
func (b *Batch) IsRequest() bool {
	return !b.isResponse
}

// Payload returns the transactions of a response.
func (b *Batch) Payload() ([]SerializedTransaction, error) {
	if !b.isResponse {
		return nil, fmt.Errorf("%w: batch %s contains no payload", ErrInvalidBatch, b.info.Digest.Short())
	}

	return b.payload, nil
}

// Verify checks the feature gate and the transport-attested sender.
// It does not hash the payload; callers that need it use VerifyDigest.
func (b *Batch) Verify(sender PeerID, quorumStoreEnabled bool) error {
	if !quorumStoreEnabled {
		return fmt.Errorf("%w: %w: batch from %s", ErrInvalidBatch, ErrQuorumStoreDisabled, sender.Short())
	}

	if b.source != sender {
		return fmt.Errorf("%w: sender mismatch: source %s, sender %s",
			ErrInvalidBatch, b.source.Short(), sender.Short())
	}

	return nil
}

// VerifyDigest checks that the payload of a response hashes to its digest.
func (b *Batch) VerifyDigest() error {
	payload, err := b.Payload()
	if err != nil {
		return err
	}

	if got := ComputeDigest(payload); got != b.info.Digest {
		return fmt.Errorf("%w: digest mismatch: payload %s, claimed %s",
			ErrInvalidBatch, got.Short(), b.info.Digest.Short())
	}

	return nil
}
