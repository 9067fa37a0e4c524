package quorumstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"QuorumStore/internal/types"
	"QuorumStore/internal/validator"
)

// Message types, sent as the first byte of every quorum store message.
const (
	MsgFragment     byte = 0x01
	MsgSignedDigest byte = 0x02
	MsgBatch        byte = 0x03
)

const (
	// maxDecodedPayload bounds the decompressed size of a batch payload.
	maxDecodedPayload = 64 << 20

	// maxTxnCount bounds the number of transactions in a decoded payload.
	maxTxnCount = 1 << 20
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// codecs returns the shared zstd encoder and decoder.
// EncodeAll and DecodeAll are safe for concurrent use.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}

		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedPayload))
	})

	return zstdEncoder, zstdDecoder, zstdErr
}

// MessageType returns the type byte of an encoded message.
func MessageType(data []byte) (byte, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("message too short: %d bytes", len(data))
	}

	return data[0], nil
}

// EncodeFragment serializes a fragment with its type byte.
func EncodeFragment(f *Fragment) []byte {
	builder := flatbuffers.NewBuilder(1024 + PayloadBytes(f.info.payload))

	txnOffsets := make([]flatbuffers.UOffsetT, len(f.info.payload))
	for i, txn := range f.info.payload {
		bytesVec := builder.CreateByteVector(txn.bytes)

		types.SerializedTxnStart(builder)
		types.SerializedTxnAddBytes(builder, bytesVec)
		txnOffsets[i] = types.SerializedTxnEnd(builder)
	}

	types.FragmentStartPayloadVector(builder, len(txnOffsets))
	for i := len(txnOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(txnOffsets[i])
	}
	payloadVec := builder.EndVector(len(txnOffsets))

	var expiration flatbuffers.UOffsetT
	if f.info.expiration != nil {
		expiration = buildLogicalTime(builder, *f.info.expiration)
	}

	sourceVec := builder.CreateByteVector(f.source[:])

	types.FragmentStart(builder)
	types.FragmentAddEpoch(builder, f.info.epoch)
	types.FragmentAddBatchId(builder, uint64(f.info.batchID))
	types.FragmentAddFragmentId(builder, f.info.fragmentID)
	types.FragmentAddPayload(builder, payloadVec)
	if f.info.expiration != nil {
		types.FragmentAddExpiration(builder, expiration)
	}
	types.FragmentAddSource(builder, sourceVec)
	offset := types.FragmentEnd(builder)

	return finish(builder, offset, MsgFragment)
}

// DecodeFragment parses a message produced by EncodeFragment.
func DecodeFragment(data []byte) (f *Fragment, err error) {
	body, err := messageBody(data, MsgFragment)
	if err != nil {
		return nil, err
	}

	defer recoverMalformed("fragment", &err)

	fb := types.GetRootAsFragment(body, 0)

	source, err := validator.PeerIDFromBytes(fb.SourceBytes())
	if err != nil {
		return nil, fmt.Errorf("fragment source:\n%w", err)
	}

	n := fb.PayloadLength()
	if n > maxTxnCount {
		return nil, fmt.Errorf("fragment has %d transactions, max %d", n, maxTxnCount)
	}

	payload := make([]SerializedTransaction, n)

	var txn types.SerializedTxn
	for i := 0; i < n; i++ {
		if !fb.Payload(&txn, i) {
			return nil, fmt.Errorf("fragment transaction %d missing", i)
		}

		payload[i] = NewSerializedTransaction(copyBytes(txn.BytesBytes()))
	}

	var expiration *LogicalTime
	if lt := fb.Expiration(nil); lt != nil {
		expiration = &LogicalTime{Epoch: lt.Epoch(), Round: lt.Round()}
	}

	return NewFragment(fb.Epoch(), BatchID(fb.BatchId()), fb.FragmentId(), payload, expiration, source), nil
}

// EncodeBatch serializes a batch request or response with its type byte.
// Response payloads are zstd-compressed.
func EncodeBatch(b *Batch) ([]byte, error) {
	var compressed []byte

	if b.isResponse {
		var err error

		compressed, err = CompressTransactions(b.payload)
		if err != nil {
			return nil, fmt.Errorf("encode batch %s:\n%w", b.info.Digest.Short(), err)
		}
	}

	builder := flatbuffers.NewBuilder(256 + len(compressed))

	digestVec := builder.CreateByteVector(b.info.Digest[:])
	sourceVec := builder.CreateByteVector(b.source[:])

	var payloadVec flatbuffers.UOffsetT
	if b.isResponse {
		payloadVec = builder.CreateByteVector(compressed)
	}

	types.BatchStart(builder)
	types.BatchAddEpoch(builder, b.info.Epoch)
	types.BatchAddDigest(builder, digestVec)
	types.BatchAddSource(builder, sourceVec)
	types.BatchAddIsResponse(builder, b.isResponse)
	if b.isResponse {
		types.BatchAddPayload(builder, payloadVec)
	}
	offset := types.BatchEnd(builder)

	return finish(builder, offset, MsgBatch), nil
}

// DecodeBatch parses a message produced by EncodeBatch.
func DecodeBatch(data []byte) (b *Batch, err error) {
	body, err := messageBody(data, MsgBatch)
	if err != nil {
		return nil, err
	}

	defer recoverMalformed("batch", &err)

	fb := types.GetRootAsBatch(body, 0)

	source, err := validator.PeerIDFromBytes(fb.SourceBytes())
	if err != nil {
		return nil, fmt.Errorf("batch source:\n%w", err)
	}

	digest, err := HashValueFromBytes(fb.DigestBytes())
	if err != nil {
		return nil, fmt.Errorf("batch digest:\n%w", err)
	}

	if !fb.IsResponse() {
		return NewBatchRequest(fb.Epoch(), source, digest), nil
	}

	payload, err := DecompressTransactions(fb.PayloadBytes())
	if err != nil {
		return nil, fmt.Errorf("batch %s payload:\n%w", digest.Short(), err)
	}

	return NewBatchResponse(fb.Epoch(), source, digest, payload), nil
}

// EncodeSignedDigest serializes a signed digest with its type byte.
func EncodeSignedDigest(sd *SignedDigest) []byte {
	builder := flatbuffers.NewBuilder(256)

	peerVec := builder.CreateByteVector(sd.PeerID[:])
	digestVec := builder.CreateByteVector(sd.Info.Digest[:])
	sigVec := builder.CreateByteVector(sd.Signature)
	expiration := buildLogicalTime(builder, sd.Info.Expiration)

	types.SignedDigestStart(builder)
	types.SignedDigestAddEpoch(builder, sd.Epoch)
	types.SignedDigestAddPeerId(builder, peerVec)
	types.SignedDigestAddDigest(builder, digestVec)
	types.SignedDigestAddExpiration(builder, expiration)
	types.SignedDigestAddNumTxns(builder, sd.Info.NumTxns)
	types.SignedDigestAddNumBytes(builder, sd.Info.NumBytes)
	types.SignedDigestAddSignature(builder, sigVec)
	offset := types.SignedDigestEnd(builder)

	return finish(builder, offset, MsgSignedDigest)
}

// DecodeSignedDigest parses a message produced by EncodeSignedDigest.
func DecodeSignedDigest(data []byte) (sd *SignedDigest, err error) {
	body, err := messageBody(data, MsgSignedDigest)
	if err != nil {
		return nil, err
	}

	defer recoverMalformed("signed digest", &err)

	fb := types.GetRootAsSignedDigest(body, 0)

	peerID, err := validator.PeerIDFromBytes(fb.PeerIdBytes())
	if err != nil {
		return nil, fmt.Errorf("signed digest peer:\n%w", err)
	}

	digest, err := HashValueFromBytes(fb.DigestBytes())
	if err != nil {
		return nil, fmt.Errorf("signed digest:\n%w", err)
	}

	lt := fb.Expiration(nil)
	if lt == nil {
		return nil, fmt.Errorf("signed digest %s has no expiration", digest.Short())
	}

	return &SignedDigest{
		Epoch:  fb.Epoch(),
		PeerID: peerID,
		Info: SignedDigestInfo{
			Digest:     digest,
			Expiration: LogicalTime{Epoch: lt.Epoch(), Round: lt.Round()},
			NumTxns:    fb.NumTxns(),
			NumBytes:   fb.NumBytes(),
		},
		Signature: copyBytes(fb.SignatureBytes()),
	}, nil
}

// EncodeProof serializes an aggregated proof. Proofs are stored, not sent, so there is no type byte.
func EncodeProof(p *AggregatedProof) []byte {
	builder := flatbuffers.NewBuilder(256)

	digestVec := builder.CreateByteVector(p.Info.Digest[:])
	sigVec := builder.CreateByteVector(p.Signature)
	bitmapVec := builder.CreateByteVector(p.SignerBitmap)
	expiration := buildLogicalTime(builder, p.Info.Expiration)

	types.ProofOfStoreStart(builder)
	types.ProofOfStoreAddDigest(builder, digestVec)
	types.ProofOfStoreAddExpiration(builder, expiration)
	types.ProofOfStoreAddNumTxns(builder, p.Info.NumTxns)
	types.ProofOfStoreAddNumBytes(builder, p.Info.NumBytes)
	types.ProofOfStoreAddSignature(builder, sigVec)
	types.ProofOfStoreAddSignerBitmap(builder, bitmapVec)
	offset := types.ProofOfStoreEnd(builder)

	builder.Finish(offset)

	return builder.FinishedBytes()
}

// DecodeProof parses bytes produced by EncodeProof.
func DecodeProof(data []byte) (p *AggregatedProof, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty proof")
	}

	defer recoverMalformed("proof", &err)

	fb := types.GetRootAsProofOfStore(data, 0)

	digest, err := HashValueFromBytes(fb.DigestBytes())
	if err != nil {
		return nil, fmt.Errorf("proof digest:\n%w", err)
	}

	var expiration LogicalTime
	if lt := fb.Expiration(nil); lt != nil {
		expiration = LogicalTime{Epoch: lt.Epoch(), Round: lt.Round()}
	}

	return &AggregatedProof{
		Info: SignedDigestInfo{
			Digest:     digest,
			Expiration: expiration,
			NumTxns:    fb.NumTxns(),
			NumBytes:   fb.NumBytes(),
		},
		Signature:    copyBytes(fb.SignatureBytes()),
		SignerBitmap: copyBytes(fb.SignerBitmapBytes()),
	}, nil
}

// CompressTransactions encodes a transaction list as uvarint-prefixed entries and compresses it.
func CompressTransactions(txns []SerializedTransaction) ([]byte, error) {
	encoder, _, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("zstd:\n%w", err)
	}

	raw := make([]byte, 0, binary.MaxVarintLen64*(len(txns)+1)+PayloadBytes(txns))
	raw = binary.AppendUvarint(raw, uint64(len(txns)))

	for _, txn := range txns {
		raw = binary.AppendUvarint(raw, uint64(len(txn.bytes)))
		raw = append(raw, txn.bytes...)
	}

	return encoder.EncodeAll(raw, nil), nil
}

// DecompressTransactions reverses CompressTransactions.
func DecompressTransactions(data []byte) ([]SerializedTransaction, error) {
	_, decoder, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("zstd:\n%w", err)
	}

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress:\n%w", err)
	}

	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("invalid transaction count")
	}
	if count > maxTxnCount {
		return nil, fmt.Errorf("%d transactions, max %d", count, maxTxnCount)
	}

	raw = raw[n:]
	txns := make([]SerializedTransaction, 0, count)

	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(raw)
		if n <= 0 || size > uint64(len(raw)-n) {
			return nil, fmt.Errorf("transaction %d truncated", i)
		}

		raw = raw[n:]
		txns = append(txns, NewSerializedTransaction(raw[:size:size]))
		raw = raw[size:]
	}

	if len(raw) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after transactions", len(raw))
	}

	return txns, nil
}

// buildLogicalTime writes a LogicalTime table; it must be called before the parent table starts.
func buildLogicalTime(builder *flatbuffers.Builder, t LogicalTime) flatbuffers.UOffsetT {
	types.LogicalTimeStart(builder)
	types.LogicalTimeAddEpoch(builder, t.Epoch)
	types.LogicalTimeAddRound(builder, t.Round)

	return types.LogicalTimeEnd(builder)
}

// finish completes the buffer and prefixes the message type.
func finish(builder *flatbuffers.Builder, offset flatbuffers.UOffsetT, msgType byte) []byte {
	builder.Finish(offset)
	body := builder.FinishedBytes()

	msg := make([]byte, 1+len(body))
	msg[0] = msgType
	copy(msg[1:], body)

	return msg
}

// messageBody strips and checks the type byte.
func messageBody(data []byte, want byte) ([]byte, error) {
	got, err := MessageType(data)
	if err != nil {
		return nil, err
	}

	if got != want {
		return nil, fmt.Errorf("message type 0x%02x, want 0x%02x", got, want)
	}

	return data[1:], nil
}

// recoverMalformed turns a panic from reading a corrupt flatbuffer into an error.
func recoverMalformed(what string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed %s: %v", what, r)
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	result := make([]byte, len(b))
	copy(result, b)

	return result
}
