package quorumstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

// newTestBuilder creates a builder on a fake clock. The loop is not started.
func newTestBuilder(t *testing.T, c *testCommittee, timeout time.Duration) (*ProofBuilder, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	b := newProofBuilder(timeout, c.ids[0], c.verifier, NewMetrics(nil), ExpireInterval, clock.Now)

	return b, clock
}

// recvResult reads the single result on reply or fails.
func recvResult(t *testing.T, reply <-chan ProofResult) ProofResult {
	t.Helper()

	select {
	case res, ok := <-reply:
		if !ok {
			t.Fatal("reply channel closed without a result")
		}
		return res
	default:
		t.Fatal("no result delivered")
	}

	return ProofResult{}
}

// assertNoResult fails if reply holds a value.
func assertNoResult(t *testing.T, reply <-chan ProofResult) {
	t.Helper()

	select {
	case res := <-reply:
		t.Fatalf("unexpected result: %+v", res)
	default:
	}
}

// TestProofBuilderCompletes runs the quorum scenario: 4 validators of power 1, quorum 3.
func TestProofBuilderCompletes(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, _ := newTestBuilder(t, c, 10*time.Second)
	info := testInfo(1)
	reply := make(chan ProofResult, 1)

	b.initProof(info, 7, reply)

	for _, id := range c.ids[:2] {
		if err := b.appendSignature(c.sign(id, info)); err != nil {
			t.Fatalf("append %s: %v", id.Short(), err)
		}
		assertNoResult(t, reply)
	}

	if err := b.appendSignature(c.sign(c.ids[2], info)); err != nil {
		t.Fatalf("append third: %v", err)
	}

	res := recvResult(t, reply)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	if res.BatchID != 7 {
		t.Errorf("batch id = %d, want 7", res.BatchID)
	}

	signers := res.Proof.Signers()
	if len(signers) != 3 {
		t.Fatalf("signers = %d, want 3", len(signers))
	}

	for i, id := range c.ids[:3] {
		if signers[i] != id {
			t.Errorf("signer %d = %s, want %s", i, signers[i].Short(), id.Short())
		}
	}

	err := b.appendSignature(c.sign(c.ids[3], info))
	if !errors.Is(err, ErrWrongDigest) {
		t.Fatalf("late signature: expected ErrWrongDigest, got %v", err)
	}

	if testutil.ToFloat64(b.metrics.proofsCompleted) != 1 {
		t.Error("completed counter not incremented")
	}
}

// TestProofBuilderTimesOut runs the timeout scenario: batch 9 with a 100ms timeout.
func TestProofBuilderTimesOut(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, clock := newTestBuilder(t, c, 100*time.Millisecond)
	info := testInfo(2)
	reply := make(chan ProofResult, 1)

	b.initProof(info, 9, reply)

	if err := b.appendSignature(c.sign(c.ids[0], info)); err != nil {
		t.Fatalf("append own: %v", err)
	}

	clock.Advance(100 * time.Millisecond)
	b.expire()

	res := recvResult(t, reply)

	var timeoutErr *TimeoutError
	if !errors.As(res.Err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", res.Err)
	}

	if timeoutErr.BatchID != 9 || res.BatchID != 9 {
		t.Errorf("timeout batch id = %d, want 9", timeoutErr.BatchID)
	}

	if !errors.Is(res.Err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}

	err := b.appendSignature(c.sign(c.ids[1], info))
	if !errors.Is(err, ErrWrongDigest) {
		t.Fatalf("signature after timeout: expected ErrWrongDigest, got %v", err)
	}

	if testutil.ToFloat64(b.metrics.proofsTimedOut) != 1 {
		t.Error("timeout counter not incremented")
	}
}

// TestProofBuilderQuorumBeforeDeadline tests that quorum reached 10ms before the deadline wins.
func TestProofBuilderQuorumBeforeDeadline(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, clock := newTestBuilder(t, c, 250*time.Millisecond)
	origin := clock.Now()
	info := testInfo(3)
	reply := make(chan ProofResult, 1)

	clock.Set(origin, 50*time.Millisecond)
	b.initProof(info, 1, reply)

	for _, at := range []time.Duration{100, 200, 280} {
		clock.Set(origin, at*time.Millisecond)
		b.expire()
	}

	clock.Set(origin, 290*time.Millisecond)

	for _, id := range c.ids[:3] {
		if err := b.appendSignature(c.sign(id, info)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	res := recvResult(t, reply)
	if res.Err != nil {
		t.Fatalf("expected completion, got %v", res.Err)
	}

	// The pending deadline must not deliver a second value.
	clock.Set(origin, time.Second)
	b.expire()
	assertNoResult(t, reply)
}

// TestProofBuilderNoQuorumByDeadline tests the timeout side of the same schedule.
func TestProofBuilderNoQuorumByDeadline(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, clock := newTestBuilder(t, c, 250*time.Millisecond)
	origin := clock.Now()
	info := testInfo(3)
	reply := make(chan ProofResult, 1)

	clock.Set(origin, 50*time.Millisecond)
	b.initProof(info, 1, reply)

	clock.Set(origin, 290*time.Millisecond)
	b.expire()
	assertNoResult(t, reply)

	clock.Set(origin, 350*time.Millisecond)
	b.expire()

	res := recvResult(t, reply)
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", res.Err)
	}
}

// TestProofBuilderDuplicateSignature tests that a duplicate is rejected and does not count.
func TestProofBuilderDuplicateSignature(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, _ := newTestBuilder(t, c, 10*time.Second)
	info := testInfo(4)
	reply := make(chan ProofResult, 1)

	b.initProof(info, 1, reply)

	sd := c.sign(c.ids[0], info)
	if err := b.appendSignature(sd); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := b.appendSignature(sd); !errors.Is(err, ErrDuplicatedSignature) {
		t.Fatalf("expected ErrDuplicatedSignature, got %v", err)
	}

	b.appendSignature(c.sign(c.ids[1], info))
	assertNoResult(t, reply)

	if got := testutil.ToFloat64(b.metrics.signaturesRejected.WithLabelValues(reasonDuplicated)); got != 1 {
		t.Errorf("duplicated rejections = %v, want 1", got)
	}
}

// TestProofBuilderUnknownDigest tests a signature for a digest that was never registered.
func TestProofBuilderUnknownDigest(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, _ := newTestBuilder(t, c, 10*time.Second)

	err := b.appendSignature(c.sign(c.ids[1], testInfo(5)))
	if !errors.Is(err, ErrWrongDigest) {
		t.Fatalf("expected ErrWrongDigest, got %v", err)
	}
}

// TestProofBuilderWaitsForOwnSignature tests that remote quorum alone does not complete a proof.
func TestProofBuilderWaitsForOwnSignature(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, _ := newTestBuilder(t, c, 10*time.Second)
	info := testInfo(6)
	reply := make(chan ProofResult, 1)

	b.initProof(info, 1, reply)

	for _, id := range c.ids[1:] {
		b.appendSignature(c.sign(id, info))
	}

	assertNoResult(t, reply)

	b.appendSignature(c.sign(c.ids[0], info))

	if res := recvResult(t, reply); res.Proof.Len() != 4 {
		t.Errorf("signers = %d, want 4", res.Proof.Len())
	}
}

// TestProofBuilderReplyNeverBlocks tests that an unread, unbuffered reply is dropped.
func TestProofBuilderReplyNeverBlocks(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, _ := newTestBuilder(t, c, 10*time.Second)
	info := testInfo(7)

	b.initProof(info, 1, make(chan ProofResult))

	for _, id := range c.ids[:3] {
		b.appendSignature(c.sign(id, info))
	}

	if len(b.digestToProof) != 0 {
		t.Fatal("entry should be removed even when the reply is not delivered")
	}
}

// TestProofBuilderReplyClosedByReceiver tests that a closed reply channel does not crash the loop.
func TestProofBuilderReplyClosedByReceiver(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, clock := newTestBuilder(t, c, 100*time.Millisecond)

	reply := make(chan ProofResult, 1)
	close(reply)

	b.initProof(testInfo(8), 1, reply)

	clock.Advance(time.Second)
	b.expire()

	if len(b.digestToProof) != 0 {
		t.Fatal("entry should be removed")
	}
}

// TestProofBuilderReinit tests that registering a digest again abandons the first registrant.
func TestProofBuilderReinit(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	b, clock := newTestBuilder(t, c, 100*time.Millisecond)
	info := testInfo(9)

	first := make(chan ProofResult, 1)
	b.initProof(info, 1, first)

	clock.Advance(50 * time.Millisecond)

	second := make(chan ProofResult, 1)
	b.initProof(info, 2, second)

	if _, ok := <-first; ok {
		t.Fatal("first registrant should see its channel closed")
	}

	// The first registration's deadline passes; the second is still running.
	clock.Advance(60 * time.Millisecond)
	b.expire()
	assertNoResult(t, second)

	clock.Advance(100 * time.Millisecond)
	b.expire()

	if res := recvResult(t, second); res.BatchID != 2 {
		t.Errorf("batch id = %d, want 2", res.BatchID)
	}
}

// scriptedClock returns queued readings in order, then settles on now.
type scriptedClock struct {
	now    time.Time
	queued []time.Time
}

func (c *scriptedClock) Now() time.Time {
	if len(c.queued) == 0 {
		return c.now
	}

	next := c.queued[0]
	c.queued = c.queued[1:]

	return next
}

// TestProofBuilderDeadlineBetweenReads tests that a deadline crossed between two
// consecutive clock readings still times the proof out.
func TestProofBuilderDeadlineBetweenReads(t *testing.T) {
	c := newTestCommittee(t, 1, 1, 1, 1)
	origin := newFakeClock().Now()
	clock := &scriptedClock{now: origin}

	b := newProofBuilder(100*time.Millisecond, c.ids[0], c.verifier, NewMetrics(nil), ExpireInterval, clock.Now)
	reply := make(chan ProofResult, 1)

	b.initProof(testInfo(4), 5, reply)

	clock.queued = []time.Time{
		origin.Add(100*time.Millisecond - time.Nanosecond),
		origin.Add(100 * time.Millisecond),
	}
	clock.now = origin.Add(time.Hour)

	for i := 0; i < 5; i++ {
		b.expire()
	}

	res := recvResult(t, reply)
	if !errors.Is(res.Err, ErrTimeout) || res.BatchID != 5 {
		t.Fatalf("expected timeout for batch 5, got %+v", res)
	}

	if len(b.digestToProof) != 0 || b.timeouts.Len() != 0 {
		t.Fatalf("pending=%d tracker=%d, want 0/0", len(b.digestToProof), b.timeouts.Len())
	}
}

// TestProofBuilderHandleShutdown tests that shutdown closes pending replies and stops the goroutine.
func TestProofBuilderHandleShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newTestCommittee(t, 1, 1, 1, 1)
	h := NewProofBuilder(10*time.Second, c.ids[0], c.verifier, nil).Start(context.Background(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := h.InitProof(ctx, testInfo(1), 3)
	if err != nil {
		t.Fatalf("init proof: %v", err)
	}

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case _, ok := <-reply:
		if ok {
			t.Fatal("expected a closed reply channel, got a value")
		}
	case <-ctx.Done():
		t.Fatal("reply channel not closed after shutdown")
	}

	if _, err := h.InitProof(ctx, testInfo(2), 4); !errors.Is(err, ErrBuilderStopped) {
		t.Fatalf("init after shutdown: expected ErrBuilderStopped, got %v", err)
	}

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

// TestProofBuilderHandleTimeout runs the timeout scenario on the real ticker.
func TestProofBuilderHandleTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newTestCommittee(t, 1, 1, 1, 1)
	h := NewProofBuilder(100*time.Millisecond, c.ids[0], c.verifier, nil).Start(context.Background(), 0)
	defer h.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info := testInfo(2)

	reply, err := h.InitProof(ctx, info, 9)
	if err != nil {
		t.Fatalf("init proof: %v", err)
	}

	if err := h.AppendSignature(ctx, c.sign(c.ids[0], info)); err != nil {
		t.Fatalf("append own: %v", err)
	}

	start := time.Now()

	select {
	case res := <-reply:
		if !errors.Is(res.Err, ErrTimeout) || res.BatchID != 9 {
			t.Fatalf("expected timeout for batch 9, got %+v", res)
		}
	case <-ctx.Done():
		t.Fatal("no timeout delivered")
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	err = h.AppendSignature(ctx, c.sign(c.ids[1], info))
	if !errors.Is(err, ErrWrongDigest) {
		t.Fatalf("expected ErrWrongDigest after timeout, got %v", err)
	}
}

// TestProofBuilderHandleCompletes runs the quorum scenario through the handle.
func TestProofBuilderHandleCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newTestCommittee(t, 1, 1, 1, 1)
	h := NewProofBuilder(10*time.Second, c.ids[0], c.verifier, nil).Start(context.Background(), 0)
	defer h.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info := testInfo(1)

	reply, err := h.InitProof(ctx, info, 7)
	if err != nil {
		t.Fatalf("init proof: %v", err)
	}

	for _, id := range c.ids[:3] {
		if err := h.AppendSignatureAsync(ctx, c.sign(id, info)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	select {
	case res := <-reply:
		if res.Err != nil || res.BatchID != 7 || res.Proof.Len() != 3 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-ctx.Done():
		t.Fatal("proof not completed")
	}
}

// TestProofBuilderContextCancel tests that canceling Run's context stops the goroutine.
func TestProofBuilderContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newTestCommittee(t, 1, 1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	h := NewProofBuilder(10*time.Second, c.ids[0], c.verifier, nil).Start(ctx, 0)

	info := testInfo(3)

	reply, err := h.InitProof(context.Background(), info, 6)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	// Commands are processed in order, so the registration exists once this returns.
	if err := h.AppendSignature(context.Background(), c.sign(c.ids[1], info)); err != nil {
		t.Fatalf("append: %v", err)
	}

	cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("builder did not stop on cancel")
	}

	if _, ok := <-reply; ok {
		t.Fatal("pending reply should be closed without a value")
	}

	if err := h.AppendSignatureAsync(context.Background(), c.sign(c.ids[0], testInfo(1))); !errors.Is(err, ErrBuilderStopped) {
		t.Fatalf("expected ErrBuilderStopped, got %v", err)
	}
}

// TestProofBuilderClosedCommandChannel tests that timeouts still fire after intake stops.
func TestProofBuilderClosedCommandChannel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newTestCommittee(t, 1, 1, 1, 1)
	b := NewProofBuilder(100*time.Millisecond, c.ids[0], c.verifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := make(chan Command, 1)
	reply := make(chan ProofResult, 1)
	commands <- InitProof{Info: testInfo(1), BatchID: 5, Reply: reply}
	close(commands)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, commands)
	}()

	select {
	case res := <-reply:
		if !errors.Is(res.Err, ErrTimeout) {
			t.Fatalf("expected timeout, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout after command channel closed")
	}

	cancel()
	<-done
}
