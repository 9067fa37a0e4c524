package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// maxBodySize bounds a POST /batch body.
	maxBodySize = 16 << 20

	// maxTxSize is the maximum size of one decoded transaction.
	maxTxSize = 1 << 20

	// maxBatchTxns is the maximum number of transactions per submitted batch.
	maxBatchTxns = 10_000
)

// submitRequest is the POST /batch body.
type submitRequest struct {
	Transactions []string `json:"transactions"`
}

// parseSubmitRequest decodes and checks a POST /batch body.
func parseSubmitRequest(body []byte) ([][]byte, error) {
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid json: %v", err)
	}

	if len(req.Transactions) == 0 {
		return nil, fmt.Errorf("no transactions")
	}

	if len(req.Transactions) > maxBatchTxns {
		return nil, fmt.Errorf("too many transactions: %d > %d", len(req.Transactions), maxBatchTxns)
	}

	txns := make([][]byte, len(req.Transactions))

	for i, encoded := range req.Transactions {
		raw, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid hex", i)
		}

		if len(raw) == 0 {
			return nil, fmt.Errorf("transaction %d: empty", i)
		}

		if len(raw) > maxTxSize {
			return nil, fmt.Errorf("transaction %d: %d bytes exceeds %d", i, len(raw), maxTxSize)
		}

		txns[i] = raw
	}

	return txns, nil
}
