package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"QuorumStore/internal/validator"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTestNode creates and starts a node on a random local port, closed at test end.
func startTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}
	cfg.ListenAddr = "127.0.0.1:0"

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNodeConnectAttestsIdentity tests that each side sees the other's key as its PeerID.
func TestNodeConnectAttestsIdentity(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, Config{PrivateKey: serverKey})
	client := startTestNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	want, _ := PeerIDFromPublicKey(serverKey.Public().(ed25519.PublicKey))
	if peer.ID() != want || server.ID() != want {
		t.Fatalf("peer id %s, want %s", peer.ID().Short(), want.Short())
	}

	waitFor(t, "server registration", func() bool {
		return server.GetPeer(client.ID()) != nil
	})
}

// TestNodeSendMessage tests that a message arrives with the sender's identity.
func TestNodeSendMessage(t *testing.T) {
	server := startTestNode(t, Config{})
	client := startTestNode(t, Config{})

	type received struct {
		from validator.PeerID
		data []byte
	}

	got := make(chan received, 1)
	server.OnMessage(func(p *Peer, data []byte) {
		got <- received{from: p.ID(), data: data}
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := peer.Send([]byte("fragment")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case r := <-got:
		if r.from != client.ID() {
			t.Errorf("sender %s, want %s", r.from.Short(), client.ID().Short())
		}
		if !bytes.Equal(r.data, []byte("fragment")) {
			t.Errorf("data %q", r.data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not received")
	}
}

// TestNodeBroadcast tests delivery to every connected peer.
func TestNodeBroadcast(t *testing.T) {
	hub := startTestNode(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		n := startTestNode(t, Config{})

		wg.Add(1)
		var once sync.Once
		n.OnMessage(func(*Peer, []byte) { once.Do(wg.Done) })

		if _, err := hub.Connect(n.Addr()); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}

	if err := hub.Broadcast([]byte("batch")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all peers received the broadcast")
	}
}

// TestNodeAuthorize tests that unauthorized identities are refused.
func TestNodeAuthorize(t *testing.T) {
	server := startTestNode(t, Config{
		Authorize: func(validator.PeerID) bool { return false },
	})
	client := startTestNode(t, Config{})

	if _, err := client.Connect(server.Addr()); err != nil {
		// The dial may already fail if the server closes during the handshake.
		return
	}

	time.Sleep(200 * time.Millisecond)

	if len(server.Peers()) != 0 {
		t.Fatal("server registered an unauthorized peer")
	}
}

// TestRequestResponse tests the bidirectional request path.
func TestRequestResponse(t *testing.T) {
	server := startTestNode(t, Config{})
	client := startTestNode(t, Config{})

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return append([]byte("re:"), data...), nil
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, []byte("batch?"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != "re:batch?" {
		t.Fatalf("response %q", resp)
	}
}

// TestRequestHandlerError tests that a failing handler yields an error on the requester.
func TestRequestHandlerError(t *testing.T) {
	server := startTestNode(t, Config{})
	client := startTestNode(t, Config{})

	server.OnRequest(func(*Peer, []byte) ([]byte, error) {
		return nil, context.Canceled
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("x")); err == nil {
		t.Fatal("expected an error when the handler fails")
	}
}

// TestSendPreservesOrder tests that messages to one peer are handled in send order.
func TestSendPreservesOrder(t *testing.T) {
	server := startTestNode(t, Config{})
	client := startTestNode(t, Config{})

	const count = 200

	got := make(chan byte, count)
	server.OnMessage(func(p *Peer, data []byte) {
		got <- data[0]
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < count; i++ {
		if err := peer.Send([]byte{byte(i), 0xF0}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < count; i++ {
		select {
		case b := <-got:
			if b != byte(i) {
				t.Fatalf("message %d arrived at position %d", b, i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d messages received", i, count)
		}
	}
}

// TestSendToUnknownPeer tests SendTo with no connection.
func TestSendToUnknownPeer(t *testing.T) {
	node := startTestNode(t, Config{})

	if err := node.SendTo(validator.PeerID{1}, []byte("x")); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

// TestDedupPerSender tests that duplicates are dropped per sender only.
func TestDedupPerSender(t *testing.T) {
	d := NewDedup(time.Minute)
	defer d.Close()

	a, b := validator.PeerID{1}, validator.PeerID{2}
	msg := []byte("signed digest")

	if !d.Check(a, msg) {
		t.Fatal("first message should be new")
	}

	if d.Check(a, msg) {
		t.Fatal("repeat from the same sender should be dropped")
	}

	if !d.Check(b, msg) {
		t.Fatal("same bytes from another sender should be new")
	}
}

// TestDedupExpiry tests that entries are forgotten after the TTL.
func TestDedupExpiry(t *testing.T) {
	now := time.Now()

	// No cleanup goroutine: the test drives cleanup itself.
	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  time.Minute,
		now:  func() time.Time { return now },
	}

	d.Check(validator.PeerID{1}, []byte("x"))

	now = now.Add(2 * time.Minute)
	d.cleanup()

	if d.Len() != 0 {
		t.Fatalf("Len = %d after expiry", d.Len())
	}

	if !d.Check(validator.PeerID{1}, []byte("x")) {
		t.Fatal("expired message should be accepted again")
	}
}

// TestFraming tests the length-prefixed codec limits.
func TestFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readMessage(&buf)
	if err != nil || string(got) != "hello" {
		t.Fatalf("read %q, %v", got, err)
	}

	oversized := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := readMessage(bytes.NewReader(oversized)); err == nil {
		t.Fatal("oversized length accepted")
	}
}

func BenchmarkDedupCheck(b *testing.B) {
	d := NewDedup(time.Minute)
	defer d.Close()

	sender := validator.PeerID{1}
	msg := make([]byte, 256)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		msg[0], msg[1], msg[2] = byte(i), byte(i>>8), byte(i>>16)
		d.Check(sender, msg)
	}
}
