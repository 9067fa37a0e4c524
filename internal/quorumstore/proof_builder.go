package quorumstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"QuorumStore/internal/logger"
)

// DefaultCommandBuffer is the capacity of the proof builder command channel.
const DefaultCommandBuffer = 100

// ProofResult is delivered once per InitProof: either a completed proof or a timeout.
type ProofResult struct {
	Proof   *ProofOfStore
	BatchID BatchID
	Err     error
}

// Command is a message processed by the proof builder loop.
type Command interface {
	isCommand()
}

// InitProof starts aggregating signatures for Info.
// Reply must be buffered; the builder sends at most one value on it, or closes it on shutdown.
type InitProof struct {
	Info    SignedDigestInfo
	BatchID BatchID
	Reply   chan<- ProofResult
}

// AppendSignature folds a signed digest into its proof.
// The outcome is sent on Result when it is not nil; Result must be buffered.
type AppendSignature struct {
	Signed *SignedDigest
	Result chan<- error
}

// Shutdown stops the loop after acknowledging on Ack.
type Shutdown struct {
	Ack chan<- struct{}
}

func (InitProof) isCommand()       {}
func (AppendSignature) isCommand() {}
func (Shutdown) isCommand()        {}

// pendingProof is one proof in progress.
type pendingProof struct {
	proof    *ProofOfStore
	batchID  BatchID
	reply    chan<- ProofResult
	deadline time.Time
	started  time.Time
}

// ProofBuilder aggregates signed digests into proofs of store.
// All state is owned by the goroutine running Run.
type ProofBuilder struct {
	peerID        PeerID
	proofTimeout  time.Duration
	digestToProof map[HashValue]*pendingProof
	timeouts      *DigestTimeouts
	verifier      ValidatorVerifier
	metrics       *Metrics
	clock         func() time.Time
	tick          time.Duration
	log           *slog.Logger
}

// NewProofBuilder creates a builder for the validator peerID.
// A nil metrics records into unregistered collectors.
func NewProofBuilder(proofTimeout time.Duration, peerID PeerID, verifier ValidatorVerifier, metrics *Metrics) *ProofBuilder {
	return newProofBuilder(proofTimeout, peerID, verifier, metrics, ExpireInterval, time.Now)
}

func newProofBuilder(proofTimeout time.Duration, peerID PeerID, verifier ValidatorVerifier, metrics *Metrics, tick time.Duration, clock func() time.Time) *ProofBuilder {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &ProofBuilder{
		peerID:        peerID,
		proofTimeout:  proofTimeout,
		digestToProof: make(map[HashValue]*pendingProof),
		timeouts:      newDigestTimeouts(tick, clock),
		verifier:      verifier,
		metrics:       metrics,
		clock:         clock,
		tick:          tick,
		log:           logger.With("component", "proof_builder", "peer", peerID.Short()),
	}
}

// Run processes commands until a Shutdown command arrives or ctx is canceled.
// A closed commands channel stops command intake but expirations keep running.
func (b *ProofBuilder) Run(ctx context.Context, commands <-chan Command) {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Debug("proof builder canceled", "pending", len(b.digestToProof))
			b.abandonAll()
			return

		case cmd, ok := <-commands:
			if !ok {
				b.log.Debug("command channel closed")
				commands = nil
				continue
			}

			if b.handle(cmd) {
				return
			}

		case <-ticker.C:
			b.expire()
		}
	}
}

// Start runs the builder on a new goroutine and returns its handle.
func (b *ProofBuilder) Start(ctx context.Context, buffer int) *ProofBuilderHandle {
	if buffer <= 0 {
		buffer = DefaultCommandBuffer
	}

	h := &ProofBuilderHandle{
		commands: make(chan Command, buffer),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		b.Run(ctx, h.commands)
	}()

	return h
}

// handle applies one command and reports whether the loop must exit.
func (b *ProofBuilder) handle(cmd Command) bool {
	switch c := cmd.(type) {
	case InitProof:
		b.initProof(c.Info, c.BatchID, c.Reply)

	case AppendSignature:
		err := b.appendSignature(c.Signed)

		if c.Result != nil {
			select {
			case c.Result <- err:
			default:
				b.log.Warn("signature result dropped", "error", ErrChannelClosed)
			}
		}

	case Shutdown:
		b.log.Info("proof builder shutting down", "pending", len(b.digestToProof))

		if c.Ack != nil {
			select {
			case c.Ack <- struct{}{}:
			default:
				b.log.Warn("shutdown ack dropped", "error", ErrChannelClosed)
			}
		}

		b.abandonAll()

		return true

	default:
		b.log.Warn("unknown command", "type", fmt.Sprintf("%T", cmd))
	}

	return false
}

// initProof registers a new proof in progress.
func (b *ProofBuilder) initProof(info SignedDigestInfo, batchID BatchID, reply chan<- ProofResult) {
	if old, exists := b.digestToProof[info.Digest]; exists {
		b.log.Warn("proof re-initialized",
			"digest", info.Digest.Short(),
			"old_batch_id", old.batchID,
			"batch_id", batchID,
		)
		b.abandon(old)
	}

	deadline := b.timeouts.AddDigest(info.Digest, b.proofTimeout)

	b.digestToProof[info.Digest] = &pendingProof{
		proof:    NewProofOfStore(info),
		batchID:  batchID,
		reply:    reply,
		deadline: deadline,
		started:  b.clock(),
	}

	b.metrics.proofsInitialized.Inc()
	b.metrics.pendingProofs.Set(float64(len(b.digestToProof)))

	b.log.Debug("proof initialized", "digest", info.Digest.Short(), "batch_id", batchID)
}

// appendSignature folds signed into its proof and completes the proof on quorum.
func (b *ProofBuilder) appendSignature(signed *SignedDigest) error {
	err := b.fold(signed)
	if err != nil {
		b.metrics.signaturesRejected.WithLabelValues(rejectReason(err)).Inc()

		if signed != nil && signed.PeerID == b.peerID {
			b.log.Info("failed to append own signature", "error", err)
		} else {
			b.log.Debug("failed to append signature", "error", err)
		}
	}

	return err
}

func (b *ProofBuilder) fold(signed *SignedDigest) error {
	if signed == nil {
		return fmt.Errorf("%w: nil signed digest", ErrWrongDigest)
	}

	digest := signed.Info.Digest

	entry, exists := b.digestToProof[digest]
	if !exists {
		return fmt.Errorf("digest %s from %s: %w", digest.Short(), signed.PeerID.Short(), ErrWrongDigest)
	}

	if err := entry.proof.AddSignature(signed.PeerID, signed.Info, signed.Signature); err != nil {
		return err
	}

	if !entry.proof.Ready(b.verifier, b.peerID) {
		return nil
	}

	delete(b.digestToProof, digest)

	b.metrics.proofsCompleted.Inc()
	b.metrics.pendingProofs.Set(float64(len(b.digestToProof)))
	b.metrics.proofLatency.Observe(b.clock().Sub(entry.started).Seconds())

	b.log.Debug("proof completed",
		"digest", digest.Short(),
		"batch_id", entry.batchID,
		"signers", entry.proof.Len(),
	)

	b.deliver(entry, ProofResult{Proof: entry.proof, BatchID: entry.batchID})

	return nil
}

// expire times out proofs whose tracked deadline has passed.
// Only the tracker reads the clock here.
func (b *ProofBuilder) expire() {
	for _, e := range b.timeouts.expireEntries() {
		digest := e.digest

		entry, exists := b.digestToProof[digest]
		if !exists {
			continue
		}

		// A re-registered digest is owned by its newer record.
		if !entry.deadline.Equal(e.deadline) {
			continue
		}

		delete(b.digestToProof, digest)

		b.metrics.proofsTimedOut.Inc()
		b.metrics.pendingProofs.Set(float64(len(b.digestToProof)))

		b.log.Debug("proof timed out",
			"digest", digest.Short(),
			"batch_id", entry.batchID,
			"signers", entry.proof.Len(),
		)

		b.deliver(entry, ProofResult{
			BatchID: entry.batchID,
			Err:     &TimeoutError{BatchID: entry.batchID},
		})
	}
}

// deliver sends the single result of an entry without blocking.
func (b *ProofBuilder) deliver(entry *pendingProof, result ProofResult) {
	defer func() {
		// The receiver closed a channel it does not own.
		if recover() != nil {
			b.log.Warn("proof result dropped", "batch_id", entry.batchID, "error", ErrChannelClosed)
		}
	}()

	select {
	case entry.reply <- result:
	default:
		b.log.Warn("proof result dropped", "batch_id", entry.batchID, "error", ErrChannelClosed)
	}
}

// abandonAll closes the reply channel of every pending proof.
func (b *ProofBuilder) abandonAll() {
	for digest, entry := range b.digestToProof {
		delete(b.digestToProof, digest)
		b.abandon(entry)
	}

	b.metrics.pendingProofs.Set(0)
}

// abandon closes an entry's reply channel without a value.
func (b *ProofBuilder) abandon(entry *pendingProof) {
	if entry.reply == nil {
		return
	}

	defer func() {
		if recover() != nil {
			b.log.Debug("reply channel already closed", "batch_id", entry.batchID)
		}
	}()

	close(entry.reply)
}

// ProofBuilderHandle submits commands to a running ProofBuilder.
// It is safe for concurrent use.
type ProofBuilderHandle struct {
	commands chan Command
	done     chan struct{}
}

// send enqueues cmd, blocking while the channel is full.
func (h *ProofBuilderHandle) send(ctx context.Context, cmd Command) error {
	select {
	case <-h.done:
		return ErrBuilderStopped
	default:
	}

	select {
	case h.commands <- cmd:
		return nil
	case <-h.done:
		return ErrBuilderStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitProof registers info and returns the channel that will carry its single result.
// The channel is closed without a value if the builder shuts down first.
func (h *ProofBuilderHandle) InitProof(ctx context.Context, info SignedDigestInfo, batchID BatchID) (<-chan ProofResult, error) {
	reply := make(chan ProofResult, 1)

	if err := h.send(ctx, InitProof{Info: info, BatchID: batchID, Reply: reply}); err != nil {
		return nil, fmt.Errorf("init proof for batch %d:\n%w", batchID, err)
	}

	return reply, nil
}

// AppendSignature submits signed and waits for the fold outcome.
func (h *ProofBuilderHandle) AppendSignature(ctx context.Context, signed *SignedDigest) error {
	result := make(chan error, 1)

	if err := h.send(ctx, AppendSignature{Signed: signed, Result: result}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-h.done:
		// The command may have been processed right before exit.
		select {
		case err := <-result:
			return err
		default:
			return ErrBuilderStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendSignatureAsync submits signed without waiting for the outcome.
func (h *ProofBuilderHandle) AppendSignatureAsync(ctx context.Context, signed *SignedDigest) error {
	return h.send(ctx, AppendSignature{Signed: signed})
}

// Shutdown stops the builder and waits for its goroutine to exit.
func (h *ProofBuilderHandle) Shutdown(ctx context.Context) error {
	ack := make(chan struct{}, 1)

	if err := h.send(ctx, Shutdown{Ack: ack}); err != nil {
		if errors.Is(err, ErrBuilderStopped) {
			return nil
		}

		return err
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the builder goroutine has exited.
func (h *ProofBuilderHandle) Done() <-chan struct{} {
	return h.done
}
