package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"QuorumStore/internal/logger"
	"QuorumStore/internal/quorumstore"
)

const (
	// writeTimeout covers POST /batch, which waits for the proof of store.
	writeTimeout = 60 * time.Second
)

// BatchSubmitter disseminates a batch and waits for its proof of store.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, txns [][]byte) (quorumstore.BatchID, *quorumstore.AggregatedProof, error)
}

// ProofProvider returns stored proofs.
type ProofProvider interface {
	GetProof(digest quorumstore.HashValue) (*quorumstore.AggregatedProof, error)
}

// BatchProvider returns batch payloads, locally or from peers.
type BatchProvider interface {
	GetBatch(ctx context.Context, digest quorumstore.HashValue) ([]quorumstore.SerializedTransaction, error)
}

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	Epoch() uint64
	PeerCount() int
	ValidatorCount() int
	QuorumStoreEnabled() bool
}

// Server is the HTTP API server.
type Server struct {
	addr      string              // addr is the HTTP listen address
	submitter BatchSubmitter      // submitter runs dissemination for POST /batch
	proofs    ProofProvider       // proofs serves GET /proof
	batches   BatchProvider       // batches serves GET /batch
	status    StatusProvider      // status serves GET /status
	gatherer  prometheus.Gatherer // gatherer serves GET /metrics
	server    *http.Server
}

// New creates a new HTTP API server. Any provider may be nil; its routes then answer 503.
func New(addr string, submitter BatchSubmitter, proofs ProofProvider, batches BatchProvider, status StatusProvider, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:      addr,
		submitter: submitter,
		proofs:    proofs,
		batches:   batches,
		status:    status,
		gatherer:  gatherer,
	}
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /batch/{digest}", s.handleGetBatch)
	mux.HandleFunc("GET /proof/{digest}", s.handleGetProof)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleSubmitBatch handles POST /batch.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "batch submission not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	txns, err := parseSubmitRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batchID, proof, err := s.submitter.SubmitBatch(r.Context(), txns)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}

	logger.Debug("batch certified", "batch_id", batchID, "digest", proof.Digest().Short())

	resp := proofJSON(proof)
	resp.BatchID = uint64(batchID)

	writeJSON(w, http.StatusOK, resp)
}

// handleGetProof handles GET /proof/{digest}.
func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	if s.proofs == nil {
		writeError(w, http.StatusServiceUnavailable, "proofs not available")
		return
	}

	digest, err := quorumstore.HashValueFromHex(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest")
		return
	}

	proof, err := s.proofs.GetProof(digest)
	if errors.Is(err, quorumstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "proof not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, proofJSON(proof))
}

// handleGetBatch handles GET /batch/{digest}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "batches not available")
		return
	}

	digest, err := quorumstore.HashValueFromHex(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest")
		return
	}

	txns, err := s.batches.GetBatch(r.Context(), digest)
	if errors.Is(err, quorumstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	encoded := make([]string, len(txns))
	for i, txn := range txns {
		encoded[i] = hex.EncodeToString(txn.Bytes())
	}

	writeJSON(w, http.StatusOK, batchResponse{
		Digest:       digest.String(),
		Transactions: encoded,
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":       s.status.Epoch(),
		"peers":       s.status.PeerCount(),
		"validators":  s.status.ValidatorCount(),
		"quorumStore": s.status.QuorumStoreEnabled(),
	})
}

// submitStatus maps a dissemination error to an HTTP status.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, quorumstore.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, quorumstore.ErrQuorumStoreDisabled), errors.Is(err, quorumstore.ErrBuilderStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, quorumstore.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// proofResponse is the JSON form of a proof of store.
type proofResponse struct {
	BatchID      uint64 `json:"batch_id,omitempty"`
	Digest       string `json:"digest"`
	Epoch        uint64 `json:"expiration_epoch"`
	Round        uint64 `json:"expiration_round"`
	NumTxns      uint64 `json:"num_txns"`
	NumBytes     uint64 `json:"num_bytes"`
	Signature    string `json:"signature"`
	SignerBitmap string `json:"signer_bitmap"`
}

// batchResponse is the JSON form of a batch payload.
type batchResponse struct {
	Digest       string   `json:"digest"`
	Transactions []string `json:"transactions"`
}

func proofJSON(p *quorumstore.AggregatedProof) proofResponse {
	return proofResponse{
		Digest:       p.Info.Digest.String(),
		Epoch:        p.Info.Expiration.Epoch,
		Round:        p.Info.Expiration.Round,
		NumTxns:      p.Info.NumTxns,
		NumBytes:     p.Info.NumBytes,
		Signature:    hex.EncodeToString(p.Signature),
		SignerBitmap: hex.EncodeToString(p.SignerBitmap),
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

