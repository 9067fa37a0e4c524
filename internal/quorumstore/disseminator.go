package quorumstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"QuorumStore/internal/bls"
	"QuorumStore/internal/logger"
)

// DefaultMaxFragmentBytes bounds the transaction bytes carried by one fragment.
const DefaultMaxFragmentBytes = 256 << 10

// Broadcaster sends a message to every connected peer.
type Broadcaster interface {
	Broadcast(data []byte) error
}

// DisseminatorConfig configures a Disseminator.
type DisseminatorConfig struct {
	Epoch            uint64
	Self             PeerID
	Key              *bls.KeyPair
	MaxFragmentBytes int
}

// Disseminator streams local batches to the validators and collects their proof of store.
// A digest has at most one proof in flight; resubmitting it joins the running one.
type Disseminator struct {
	cfg         DisseminatorConfig
	builder     *ProofBuilderHandle
	store       *BatchStore
	net         Broadcaster
	verifier    ValidatorVerifier
	nextBatchID atomic.Uint64
	log         *slog.Logger

	mu       sync.Mutex
	inFlight map[HashValue]*Pending
}

// NewDisseminator creates a disseminator. Batch ids start from the current time in
// microseconds so a restarted node does not reuse ids within an epoch.
func NewDisseminator(cfg DisseminatorConfig, builder *ProofBuilderHandle, store *BatchStore, net Broadcaster, verifier ValidatorVerifier) *Disseminator {
	if cfg.MaxFragmentBytes <= 0 {
		cfg.MaxFragmentBytes = DefaultMaxFragmentBytes
	}

	d := &Disseminator{
		cfg:      cfg,
		builder:  builder,
		store:    store,
		net:      net,
		verifier: verifier,
		log:      logger.With("component", "disseminator"),
		inFlight: make(map[HashValue]*Pending),
	}

	d.nextBatchID.Store(uint64(time.Now().UnixMicro()))

	return d
}

// Pending is a disseminated batch waiting for its proof.
// Any number of callers may Await the same Pending.
type Pending struct {
	BatchID BatchID
	Info    SignedDigestInfo

	done  chan struct{}
	proof *AggregatedProof
	err   error
}

// InFlight returns the number of digests whose proof is still being collected.
func (d *Disseminator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.inFlight)
}

// Disseminate stores txns, streams them to all peers and registers the proof.
// If the same digest is already in flight, its Pending is returned unchanged.
// When the own signature cannot be appended, the registered Pending is returned
// with the error; it resolves to a timeout or ErrBuilderStopped.
func (d *Disseminator) Disseminate(ctx context.Context, txns []SerializedTransaction, expiration LogicalTime) (*Pending, error) {
	if len(txns) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}

	if expiration.Epoch != d.cfg.Epoch {
		return nil, fmt.Errorf("%w: expiration epoch %d, current epoch %d", ErrInvalidBatch, expiration.Epoch, d.cfg.Epoch)
	}

	digest := ComputeDigest(txns)

	d.mu.Lock()
	if p, exists := d.inFlight[digest]; exists {
		d.mu.Unlock()
		d.log.Debug("batch already in flight", "batch_id", p.BatchID, "digest", digest.Short())
		return p, nil
	}

	info := SignedDigestInfo{
		Digest:     digest,
		Expiration: expiration,
		NumTxns:    uint64(len(txns)),
		NumBytes:   uint64(PayloadBytes(txns)),
	}

	batchID := BatchID(d.nextBatchID.Add(1))
	p := &Pending{BatchID: batchID, Info: info, done: make(chan struct{})}
	d.inFlight[digest] = p
	d.mu.Unlock()

	if err := d.store.SaveBatch(BatchInfo{Epoch: d.cfg.Epoch, Digest: digest}, txns); err != nil {
		d.finish(p, nil, err)
		return nil, err
	}

	// Register before any peer can answer so early signatures are not dropped.
	result, err := d.builder.InitProof(ctx, info, batchID)
	if err != nil {
		d.finish(p, nil, err)
		return nil, err
	}

	go d.collect(p, result)

	fragments := SplitFragments(d.cfg.Epoch, batchID, txns, d.cfg.MaxFragmentBytes, expiration, d.cfg.Self)

	for _, f := range fragments {
		if err := d.net.Broadcast(EncodeFragment(f)); err != nil {
			d.log.Warn("fragment broadcast incomplete",
				"batch_id", batchID,
				"fragment_id", f.FragmentID(),
				"error", err,
			)
		}
	}

	own := NewSignedDigest(d.cfg.Epoch, d.cfg.Self, info, d.cfg.Key)
	if err := d.builder.AppendSignature(ctx, own); err != nil {
		return p, fmt.Errorf("append own signature for batch %d:\n%w", batchID, err)
	}

	d.log.Debug("batch disseminated",
		"batch_id", batchID,
		"digest", digest.Short(),
		"txns", len(txns),
		"fragments", len(fragments),
	)

	return p, nil
}

// collect waits for the builder's single reply, then aggregates and persists the proof.
func (d *Disseminator) collect(p *Pending, result <-chan ProofResult) {
	res, ok := <-result

	switch {
	case !ok:
		d.finish(p, nil, fmt.Errorf("batch %d:\n%w", p.BatchID, ErrBuilderStopped))
	case res.Err != nil:
		d.finish(p, nil, res.Err)
	default:
		proof, err := res.Proof.Aggregate(d.verifier)
		if err == nil {
			err = d.store.SaveProof(proof)
		}

		d.finish(p, proof, err)
	}
}

// finish resolves p and releases its digest.
func (d *Disseminator) finish(p *Pending, proof *AggregatedProof, err error) {
	if err != nil {
		proof = nil
	}

	p.proof = proof
	p.err = err

	d.mu.Lock()
	delete(d.inFlight, p.Info.Digest)
	d.mu.Unlock()

	close(p.done)
}

// Await waits for the proof of a disseminated batch.
func (d *Disseminator) Await(ctx context.Context, p *Pending) (*AggregatedProof, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}

		return p.proof, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SplitFragments cuts txns into fragments of at most maxBytes transaction bytes.
// A transaction larger than maxBytes travels alone. The last fragment carries expiration.
func SplitFragments(epoch uint64, batchID BatchID, txns []SerializedTransaction, maxBytes int, expiration LogicalTime, source PeerID) []*Fragment {
	var (
		fragments []*Fragment
		current   []SerializedTransaction
		size      int
	)

	flush := func() {
		fragments = append(fragments, NewFragment(epoch, batchID, uint64(len(fragments)), current, nil, source))
		current = nil
		size = 0
	}

	for _, txn := range txns {
		if len(current) > 0 && size+txn.Len() > maxBytes {
			flush()
		}

		current = append(current, txn)
		size += txn.Len()
	}

	flush()

	exp := expiration
	fragments[len(fragments)-1].info.expiration = &exp

	return fragments
}
