package quorumstore

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongDigest is returned when a signature targets a digest with no proof in progress.
	ErrWrongDigest = errors.New("wrong digest")

	// ErrDuplicatedSignature is returned when a signer already contributed to a proof.
	ErrDuplicatedSignature = errors.New("duplicated signature")

	// ErrWrongInfo is returned when a signature covers different digest info than the proof.
	ErrWrongInfo = errors.New("signed digest info mismatch")

	// ErrTimeout is wrapped by TimeoutError.
	ErrTimeout = errors.New("proof of store timed out")

	// ErrChannelClosed is reported when a reply cannot be delivered.
	ErrChannelClosed = errors.New("reply channel closed")

	// ErrBuilderStopped is returned by handle calls once the proof builder has exited.
	ErrBuilderStopped = errors.New("proof builder stopped")

	// ErrInvalidFragment is wrapped by every fragment validation failure.
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrInvalidBatch is wrapped by every batch validation failure.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrQuorumStoreDisabled is returned when a quorum store message arrives with the feature off.
	ErrQuorumStoreDisabled = errors.New("quorum store is not enabled locally")

	// ErrFragmentOutOfOrder is returned when a fragment id does not follow the previous one.
	ErrFragmentOutOfOrder = errors.New("fragment out of order")

	// ErrBatchTooLarge is returned when a reassembled batch exceeds the configured limit.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrNotFound is returned when a batch or proof is not stored locally.
	ErrNotFound = errors.New("not found")
)

// TimeoutError is delivered to the registrant when its proof did not reach quorum in time.
type TimeoutError struct {
	BatchID BatchID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("proof of store for batch %d timed out", e.BatchID)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
