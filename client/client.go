// Package client talks to a quorum store node over its HTTP API.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"QuorumStore/internal/quorumstore"
)

// defaultTimeout covers a batch submission, which waits for its proof.
const defaultTimeout = 60 * time.Second

// Client is an HTTP client for one node.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the node at addr ("host:port" or a full URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Certified is a proof of store returned by the node.
type Certified struct {
	BatchID uint64
	Proof   *quorumstore.AggregatedProof
}

// proofJSON mirrors the node's proof response.
type proofJSON struct {
	BatchID      uint64 `json:"batch_id"`
	Digest       string `json:"digest"`
	Epoch        uint64 `json:"expiration_epoch"`
	Round        uint64 `json:"expiration_round"`
	NumTxns      uint64 `json:"num_txns"`
	NumBytes     uint64 `json:"num_bytes"`
	Signature    string `json:"signature"`
	SignerBitmap string `json:"signer_bitmap"`
}

// SubmitBatch sends txns as one batch and returns its proof of store.
func (c *Client) SubmitBatch(ctx context.Context, txns [][]byte) (*Certified, error) {
	encoded := make([]string, len(txns))
	for i, tx := range txns {
		encoded[i] = hex.EncodeToString(tx)
	}

	var resp proofJSON
	if err := c.httpPostJSON(ctx, "/batch", map[string]any{"transactions": encoded}, &resp); err != nil {
		return nil, err
	}

	proof, err := resp.decode()
	if err != nil {
		return nil, err
	}

	return &Certified{BatchID: resp.BatchID, Proof: proof}, nil
}

// GetProof returns the stored proof of digest.
func (c *Client) GetProof(ctx context.Context, digest quorumstore.HashValue) (*quorumstore.AggregatedProof, error) {
	var resp proofJSON
	if err := c.httpGet(ctx, "/proof/"+digest.String(), &resp); err != nil {
		return nil, err
	}

	return resp.decode()
}

// GetBatch returns the transactions of digest and checks them against it.
func (c *Client) GetBatch(ctx context.Context, digest quorumstore.HashValue) ([][]byte, error) {
	var resp struct {
		Transactions []string `json:"transactions"`
	}

	if err := c.httpGet(ctx, "/batch/"+digest.String(), &resp); err != nil {
		return nil, err
	}

	txns := make([][]byte, len(resp.Transactions))
	payload := make([]quorumstore.SerializedTransaction, len(resp.Transactions))

	for i, s := range resp.Transactions {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("transaction %d:\n%w", i, err)
		}

		txns[i] = raw
		payload[i] = quorumstore.NewSerializedTransaction(raw)
	}

	if got := quorumstore.ComputeDigest(payload); got != digest {
		return nil, fmt.Errorf("%w: asked for %s, got %s", quorumstore.ErrInvalidBatch, digest.Short(), got.Short())
	}

	return txns, nil
}

// Health returns nil if the node answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string
	return c.httpGet(ctx, "/health", &resp)
}

// decode converts the JSON proof back to an AggregatedProof.
func (p proofJSON) decode() (*quorumstore.AggregatedProof, error) {
	digest, err := quorumstore.HashValueFromHex(p.Digest)
	if err != nil {
		return nil, fmt.Errorf("decode digest:\n%w", err)
	}

	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature:\n%w", err)
	}

	bitmap, err := hex.DecodeString(p.SignerBitmap)
	if err != nil {
		return nil, fmt.Errorf("decode signer bitmap:\n%w", err)
	}

	return &quorumstore.AggregatedProof{
		Info: quorumstore.SignedDigestInfo{
			Digest:     digest,
			Expiration: quorumstore.LogicalTime{Epoch: p.Epoch, Round: p.Round},
			NumTxns:    p.NumTxns,
			NumBytes:   p.NumBytes,
		},
		Signature:    sig,
		SignerBitmap: bitmap,
	}, nil
}
