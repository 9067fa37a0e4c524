package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"QuorumStore/internal/api"
	"QuorumStore/internal/bls"
	"QuorumStore/internal/logger"
	"QuorumStore/internal/network"
	"QuorumStore/internal/quorumstore"
	"QuorumStore/internal/storage"
	"QuorumStore/internal/validator"
)

const (
	// shutdownTimeout bounds the proof builder shutdown handshake.
	shutdownTimeout = 5 * time.Second

	// connectRetryDelay is the delay between attempts to reach a configured peer.
	connectRetryDelay = 2 * time.Second

	// fetchTimeout bounds a batch fetch from one peer.
	fetchTimeout = 5 * time.Second
)

// Node represents a running quorum store node.
type Node struct {
	cfg      *Config
	storage  *storage.Storage
	registry *prometheus.Registry
	metrics  *quorumstore.Metrics
	verifier *validator.Verifier
	blsKey   *bls.KeyPair
	network  *network.Node
	api      *api.Server

	store        *quorumstore.BatchStore
	builder      *quorumstore.ProofBuilderHandle
	reassembler  *quorumstore.Reassembler
	dispatcher   *quorumstore.Dispatcher
	disseminator *quorumstore.Disseminator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates and wires all components of a node.
func NewNode(cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = quorumstore.NewMetrics(n.registry)

	if err := n.initValidators(); err != nil {
		cancel()
		return nil, err
	}

	if err := n.initStorage(); err != nil {
		cancel()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initQuorumStore()
	n.initAPI()

	return n, nil
}

// initValidators loads the validator set and derives the BLS key.
func (n *Node) initValidators() error {
	verifier, err := validator.LoadFile(n.cfg.ValidatorsPath)
	if err != nil {
		return fmt.Errorf("load validators:\n%w", err)
	}

	blsKey, err := bls.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	n.verifier = verifier
	n.blsKey = blsKey

	return nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.store = quorumstore.NewBatchStore(db, n.metrics)

	return nil
}

// initNetwork creates the QUIC node, accepting only validators.
func (n *Node) initNetwork() error {
	net, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		Authorize: func(id validator.PeerID) bool {
			return n.verifier.Index(id) >= 0
		},
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = net

	if n.verifier.Index(net.ID()) < 0 {
		logger.Warn("local node is not in the validator set", "peer_id", net.ID().Short())
	}

	return nil
}

// initQuorumStore starts the proof builder and wires the message handlers.
func (n *Node) initQuorumStore() {
	self := n.network.ID()

	n.builder = quorumstore.NewProofBuilder(n.cfg.ProofTimeout(), self, n.verifier, n.metrics).
		Start(n.ctx, quorumstore.DefaultCommandBuffer)

	n.reassembler = quorumstore.NewReassembler(n.cfg.Epoch, self, n.blsKey, n.store, n.cfg.MaxBatchBytes)

	n.dispatcher = quorumstore.NewDispatcher(quorumstore.DispatcherConfig{
		Epoch:              n.cfg.Epoch,
		Self:               self,
		QuorumStoreEnabled: n.cfg.QuorumStore,
	}, n.verifier, n.reassembler, n.builder, n.store, n.metrics)

	n.disseminator = quorumstore.NewDisseminator(quorumstore.DisseminatorConfig{
		Epoch:            n.cfg.Epoch,
		Self:             self,
		Key:              n.blsKey,
		MaxFragmentBytes: n.cfg.MaxFragmentBytes,
	}, n.builder, n.store, n.network, n.verifier)

	n.network.OnConnect(func(p *network.Peer) {
		logger.Info("peer connected", "peer", p.ID().Short(), "addr", p.Address())
	})

	n.network.OnMessage(func(p *network.Peer, data []byte) {
		n.dispatcher.HandleMessage(p, data)
	})

	n.network.OnRequest(func(p *network.Peer, data []byte) ([]byte, error) {
		return n.dispatcher.HandleRequest(p, data)
	})

	n.network.OnDisconnect(func(p *network.Peer) {
		n.reassembler.DropSource(p.ID())
		logger.Info("peer disconnected", "peer", p.ID().Short())
	})
}

// initAPI creates the HTTP API server.
func (n *Node) initAPI() {
	n.api = api.New(n.cfg.HTTPAddress, n, n.store, n, n, n.registry)
}

// Start brings up the network, peer dialing, the HTTP API and the prune loop.
func (n *Node) Start() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	for _, addr := range n.cfg.Peers {
		n.wg.Add(1)
		go n.connectLoop(addr)
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	n.wg.Add(1)
	go n.pruneLoop()

	return nil
}

// Run starts the node and blocks until SIGINT or SIGTERM.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		return multierr.Append(err, n.Close())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-n.builder.Done():
		logger.Error("proof builder stopped unexpectedly")
	}

	return n.Close()
}

// Close shuts the node down and returns every component's error.
func (n *Node) Close() error {
	var err error

	if n.builder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Append(err, n.builder.Shutdown(ctx))
		cancel()
	}

	n.cancel()

	if n.api != nil {
		err = multierr.Append(err, n.api.Stop())
	}

	if n.network != nil {
		err = multierr.Append(err, n.network.Close())
	}

	n.wg.Wait()

	if n.storage != nil {
		err = multierr.Append(err, n.storage.Close())
	}

	return err
}

// connectLoop dials addr until it succeeds or the node stops.
func (n *Node) connectLoop(addr string) {
	defer n.wg.Done()

	for {
		p, err := n.network.Connect(addr)
		if err == nil {
			logger.Debug("dialed peer", "addr", addr, "peer", p.ID().Short())
			return
		}

		logger.Debug("dial failed", "addr", addr, "error", err)

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(connectRetryDelay):
		}
	}
}

// pruneLoop deletes expired proofs and their batches.
func (n *Node) pruneLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			now := quorumstore.LogicalTime{Epoch: n.cfg.Epoch, Round: n.currentRound()}

			removed, err := n.store.PruneExpired(now)
			if err != nil {
				logger.Warn("prune failed", "error", err)
				continue
			}

			if removed > 0 {
				logger.Info("pruned expired proofs", "count", removed, "round", now.Round)
			}
		}
	}
}

// currentRound is the local round clock: wall time divided by the round duration.
func (n *Node) currentRound() uint64 {
	return roundAt(time.Now(), n.cfg.RoundDuration)
}

func roundAt(t time.Time, d time.Duration) uint64 {
	return uint64(t.UnixNano() / int64(d))
}

// SubmitBatch disseminates txns and waits for their proof of store.
func (n *Node) SubmitBatch(ctx context.Context, txns [][]byte) (quorumstore.BatchID, *quorumstore.AggregatedProof, error) {
	payload := make([]quorumstore.SerializedTransaction, len(txns))
	for i, raw := range txns {
		payload[i] = quorumstore.NewSerializedTransaction(raw)
	}

	expiration := quorumstore.LogicalTime{
		Epoch: n.cfg.Epoch,
		Round: n.currentRound() + n.cfg.ExpiryRounds,
	}

	pending, err := n.disseminator.Disseminate(ctx, payload, expiration)
	if err != nil {
		if pending != nil {
			return pending.BatchID, nil, fmt.Errorf("disseminate:\n%w", err)
		}

		return 0, nil, fmt.Errorf("disseminate:\n%w", err)
	}

	proof, err := n.disseminator.Await(ctx, pending)
	if err != nil {
		return pending.BatchID, nil, err
	}

	return pending.BatchID, proof, nil
}

// GetBatch returns a batch from local storage, fetching it from peers when missing.
func (n *Node) GetBatch(ctx context.Context, digest quorumstore.HashValue) ([]quorumstore.SerializedTransaction, error) {
	_, txns, err := n.store.GetBatch(digest)
	if err == nil {
		return txns, nil
	}

	if !errors.Is(err, quorumstore.ErrNotFound) {
		return nil, err
	}

	var errs error

	for _, p := range n.network.Peers() {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		txns, err := n.dispatcher.FetchBatch(fetchCtx, p, digest)
		cancel()

		if err == nil {
			return txns, nil
		}

		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		logger.Debug("batch fetch failed", "digest", digest.Short(), "error", errs)
	}

	return nil, fmt.Errorf("batch %s: %w", digest.Short(), quorumstore.ErrNotFound)
}

// Epoch returns the current epoch.
func (n *Node) Epoch() uint64 {
	return n.cfg.Epoch
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.network.Peers())
}

// ValidatorCount returns the size of the validator set.
func (n *Node) ValidatorCount() int {
	return n.verifier.Len()
}

// QuorumStoreEnabled reports whether quorum store messages are processed.
func (n *Node) QuorumStoreEnabled() bool {
	return n.cfg.QuorumStore
}
