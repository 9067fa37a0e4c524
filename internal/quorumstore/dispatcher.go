package quorumstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"QuorumStore/internal/logger"
	"QuorumStore/internal/validator"
)

// commandTimeout bounds how long a network handler waits for room in the builder queue.
const commandTimeout = time.Second

// Peer is the transport view of a connected validator.
// Its ID is attested by the transport, not taken from message contents.
type Peer interface {
	ID() PeerID
	Send(data []byte) error
}

// Requester is a peer that answers request/response exchanges.
type Requester interface {
	ID() PeerID
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Epoch              uint64
	Self               PeerID
	QuorumStoreEnabled bool
}

// Dispatcher routes quorum store network messages.
type Dispatcher struct {
	cfg         DispatcherConfig
	verifier    ValidatorVerifier
	reassembler *Reassembler
	builder     *ProofBuilderHandle
	store       *BatchStore
	metrics     *Metrics
	log         *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil metrics records into unregistered collectors.
func NewDispatcher(cfg DispatcherConfig, verifier ValidatorVerifier, reassembler *Reassembler, builder *ProofBuilderHandle, store *BatchStore, metrics *Metrics) *Dispatcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Dispatcher{
		cfg:         cfg,
		verifier:    verifier,
		reassembler: reassembler,
		builder:     builder,
		store:       store,
		metrics:     metrics,
		log:         logger.With("component", "dispatcher"),
	}
}

// HandleMessage processes a one-way message from peer.
// Invalid messages are logged and dropped.
func (d *Dispatcher) HandleMessage(peer Peer, data []byte) {
	msgType, err := MessageType(data)
	if err != nil {
		d.reject(peer, reasonOther, err)
		return
	}

	switch msgType {
	case MsgFragment:
		err = d.handleFragment(peer, data)
	case MsgSignedDigest:
		err = d.handleSignedDigest(peer, data)
	default:
		err = fmt.Errorf("unexpected one-way message type 0x%02x", msgType)
	}

	if err != nil {
		d.reject(peer, classify(err), err)
	}
}

// HandleRequest answers a batch request from peer with the stored payload.
func (d *Dispatcher) HandleRequest(peer Peer, data []byte) ([]byte, error) {
	req, err := DecodeBatch(data)
	if err != nil {
		d.reject(peer, reasonBadBatch, err)
		return nil, fmt.Errorf("%w:\n%w", ErrInvalidBatch, err)
	}

	if err := req.Verify(peer.ID(), d.cfg.QuorumStoreEnabled); err != nil {
		d.reject(peer, reasonBadBatch, err)
		return nil, err
	}

	if !req.IsRequest() {
		err := fmt.Errorf("%w: unsolicited batch response", ErrInvalidBatch)
		d.reject(peer, reasonBadBatch, err)

		return nil, err
	}

	epoch, payload, err := d.store.GetBatch(req.Digest())
	if err != nil {
		d.log.Debug("batch request not served", "peer", peer.ID().Short(), "digest", req.Digest().Short(), "error", err)
		return nil, err
	}

	return EncodeBatch(NewBatchResponse(epoch, d.cfg.Self, req.Digest(), payload))
}

// FetchBatch asks peer for the payload of digest, checks it and stores it locally.
func (d *Dispatcher) FetchBatch(ctx context.Context, peer Requester, digest HashValue) ([]SerializedTransaction, error) {
	data, err := EncodeBatch(NewBatchRequest(d.cfg.Epoch, d.cfg.Self, digest))
	if err != nil {
		return nil, err
	}

	raw, err := peer.Request(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("request batch %s from %s:\n%w", digest.Short(), peer.ID().Short(), err)
	}

	resp, err := DecodeBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrInvalidBatch, err)
	}

	if err := resp.Verify(peer.ID(), d.cfg.QuorumStoreEnabled); err != nil {
		return nil, err
	}

	if resp.Digest() != digest {
		return nil, fmt.Errorf("%w: asked for %s, got %s", ErrInvalidBatch, digest.Short(), resp.Digest().Short())
	}

	if err := resp.VerifyDigest(); err != nil {
		return nil, err
	}

	payload, _ := resp.Payload()

	if err := d.store.SaveBatch(resp.Info(), payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// handleFragment verifies and reassembles a fragment, answering with a signed digest
// once the batch is complete.
func (d *Dispatcher) handleFragment(peer Peer, data []byte) error {
	f, err := DecodeFragment(data)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrInvalidFragment, err)
	}

	if err := f.Verify(peer.ID(), d.cfg.QuorumStoreEnabled); err != nil {
		return err
	}

	signed, err := d.reassembler.AddFragment(f)
	if err != nil || signed == nil {
		return err
	}

	if err := peer.Send(EncodeSignedDigest(signed)); err != nil {
		d.log.Warn("failed to return signed digest",
			"peer", peer.ID().Short(),
			"digest", signed.Info.Digest.Short(),
			"error", err,
		)
	}

	return nil
}

// handleSignedDigest verifies a signed digest and hands it to the proof builder.
func (d *Dispatcher) handleSignedDigest(peer Peer, data []byte) error {
	if !d.cfg.QuorumStoreEnabled {
		return fmt.Errorf("signed digest from %s: %w", peer.ID().Short(), ErrQuorumStoreDisabled)
	}

	sd, err := DecodeSignedDigest(data)
	if err != nil {
		return err
	}

	if sd.PeerID != peer.ID() {
		return fmt.Errorf("signed digest from %s claims signer %s: %w",
			peer.ID().Short(), sd.PeerID.Short(), errSignerMismatch)
	}

	if sd.Epoch != d.cfg.Epoch {
		return fmt.Errorf("signed digest epoch %d, current epoch %d: %w", sd.Epoch, d.cfg.Epoch, errWrongEpoch)
	}

	if err := sd.Verify(d.verifier); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	return d.builder.AppendSignatureAsync(ctx, sd)
}

var (
	errSignerMismatch = errors.New("signer does not match sender")
	errWrongEpoch     = errors.New("wrong epoch")
)

// reject counts and logs a dropped message.
func (d *Dispatcher) reject(peer Peer, reason string, err error) {
	d.metrics.messagesRejected.WithLabelValues(reason).Inc()
	d.log.Debug("message rejected", "peer", peer.ID().Short(), "reason", reason, "error", err)
}

// classify maps a handling error to a metrics reason.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFragment), errors.Is(err, ErrFragmentOutOfOrder), errors.Is(err, ErrBatchTooLarge):
		return reasonBadFragment
	case errors.Is(err, ErrInvalidBatch):
		return reasonBadBatch
	case errors.Is(err, errSignerMismatch),
		errors.Is(err, validator.ErrInvalidSignature),
		errors.Is(err, validator.ErrUnknownAuthor):
		return reasonBadSig
	default:
		return reasonOther
	}
}
