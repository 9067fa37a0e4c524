package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"QuorumStore/internal/validator"
)

const (
	// defaultRequestTimeout bounds Request calls whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// acceptIdleTimeout is how long the receive loop waits before re-checking the connection.
	acceptIdleTimeout = 10 * time.Second
)

// Peer is a connection to a remote node.
type Peer struct {
	id      validator.PeerID // id is the remote certificate key
	address string           // address is used for reconnection
	conn    *quic.Conn
	node    *Node
	closed  atomic.Bool

	out *quic.SendStream // out carries every Send in order; opened lazily
	mu  sync.Mutex       // mu serializes writes to out
}

// ID returns the transport-attested identity of the remote node.
func (p *Peer) ID() validator.PeerID {
	return p.id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send delivers a message on the peer's ordered outgoing stream.
// Messages from one Send caller arrive in the order they were sent.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p.id.Short())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out == nil {
		stream, err := p.conn.OpenUniStreamSync(p.node.ctx)
		if err != nil {
			return fmt.Errorf("open stream:\n%w", err)
		}

		p.out = stream
	}

	if err := writeMessage(p.out, data); err != nil {
		p.out.CancelWrite(0)
		p.out = nil

		return fmt.Errorf("write message:\n%w", err)
	}

	return nil
}

// Request sends data on a bidirectional stream and waits for the response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer %s is closed", p.id.Short())
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response from %s:\n%w", p.id.Short(), err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams()

	for {
		ctx, cancel := context.WithTimeout(p.node.ctx, acceptIdleTimeout)
		stream, err := p.conn.AcceptUniStream(ctx)
		cancel()

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded && p.node.ctx.Err() == nil {
				continue
			}

			p.node.log.Debug("receive loop ended", "peer", p.id.Short(), "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request/response streams.
func (p *Peer) acceptBidiStreams() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request.
// A handler error closes the stream without a response.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		p.node.log.Debug("request failed", "peer", p.id.Short(), "error", err)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		p.node.log.Debug("write response failed", "peer", p.id.Short(), "error", err)
	}
}

// handleUniStream reads messages until the stream ends, handing each to the node handler in order.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	for {
		data, err := readMessage(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.node.log.Debug("stream read error", "peer", p.id.Short(), "error", err)
			}
			return
		}

		if !p.node.dedup.Check(p.id, data) {
			continue
		}

		p.node.callOnMessage(p, data)
	}
}

// handleDisconnect runs once when the connection ends.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
