package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"QuorumStore/internal/logger"
	"QuorumStore/internal/validator"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "quorumstore/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey             // PrivateKey is the node's ed25519 identity
	ListenAddr     string                         // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration                  // ReconnectDelay is the initial delay between reconnection attempts
	DedupTTL       time.Duration                  // DedupTTL is how long a received message is remembered
	Authorize      func(id validator.PeerID) bool // Authorize filters remote identities; nil accepts all
}

// Node accepts and initiates QUIC connections authenticated by ed25519 certificates.
// A peer's PeerID is its certificate public key, so message senders are attested by TLS.
type Node struct {
	id         validator.PeerID
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	authorize  func(validator.PeerID) bool

	listener *quic.Listener

	peers   map[validator.PeerID]*Peer
	peersMu sync.RWMutex

	knownAddrs   map[validator.PeerID]string // knownAddrs is used for reconnection
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	dedup *Dedup

	onConnect    func(*Peer)
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	onRequest    func(*Peer, []byte) ([]byte, error)
	handlersMu   sync.RWMutex

	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the certificate key, checked in setupPeer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	id, err := PeerIDFromPublicKey(cfg.PrivateKey.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		id:             id,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		authorize:      cfg.Authorize,
		peers:          make(map[validator.PeerID]*Peer),
		knownAddrs:     make(map[validator.PeerID]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(cfg.DedupTTL),
		log:            logger.With("component", "network", "self", id.Short()),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// ID returns the node's identity.
func (n *Node) ID() validator.PeerID {
	return n.id
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	n.log.Info("listening", "addr", n.Addr())

	return nil
}

// Connect connects to a remote node at the given address.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Broadcast sends a message to all connected peers.
// It returns the combined errors of the peers that could not be reached.
func (n *Node) Broadcast(data []byte) error {
	var errs error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", p.ID().Short(), err))
		}
	}

	return errs
}

// SendTo sends a message to one connected peer.
func (n *Node) SendTo(id validator.PeerID, data []byte) error {
	p := n.GetPeer(id)
	if p == nil {
		return fmt.Errorf("peer %s not connected", id.Short())
	}

	return p.Send(data)
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the connected peer with the given id, or nil.
func (n *Node) GetPeer(id validator.PeerID) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a message is received.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	var errs error

	if n.listener != nil {
		errs = multierr.Append(errs, n.listener.Close())
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		errs = multierr.Append(errs, p.Close())
	}
	n.peers = make(map[validator.PeerID]*Peer)
	n.peersMu.Unlock()

	n.dedup.Close()
	n.wg.Wait()

	return errs
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		n.log.Debug("rejected connection", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer authenticates a QUIC connection and registers the peer.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	id, err := PeerIDFromPublicKey(pubKey)
	if err != nil {
		return nil, err
	}

	if n.authorize != nil && !n.authorize(id) {
		return nil, fmt.Errorf("peer %s is not authorized", id.Short())
	}

	peer := &Peer{
		id:      id,
		address: addr,
		conn:    conn,
		node:    n,
	}

	n.peersMu.Lock()
	if old, exists := n.peers[id]; exists {
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}
	n.peers[id] = peer
	n.peersMu.Unlock()

	n.knownAddrsMu.Lock()
	n.knownAddrs[id] = addr
	n.knownAddrsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	n.log.Debug("peer connected", "peer", id.Short(), "addr", addr)

	return peer, nil
}

// handlePeerDisconnect handles a peer disconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	n.log.Debug("peer disconnected", "peer", p.id.Short())

	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.id)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(id validator.PeerID) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[id]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		if n.GetPeer(id) != nil {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			n.callOnConnect(peer)
			return
		}

		n.log.Debug("reconnect failed", "peer", id.Short(), "retry_in", delay*2, "error", err)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
