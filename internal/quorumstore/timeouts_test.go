package quorumstore

import (
	"testing"
	"time"
)

func newTestTimeouts() (*DigestTimeouts, *fakeClock, time.Time) {
	clock := newFakeClock()
	origin := clock.Now()

	return newDigestTimeouts(ExpireInterval, clock.Now), clock, origin
}

// TestDigestTimeoutsNeverEarly tests that a digest is not returned before its deadline.
func TestDigestTimeoutsNeverEarly(t *testing.T) {
	timeouts, clock, origin := newTestTimeouts()
	d := testInfo(1).Digest

	clock.Set(origin, 50*time.Millisecond)
	timeouts.AddDigest(d, 250*time.Millisecond)

	for _, at := range []time.Duration{100, 200, 290} {
		clock.Set(origin, at*time.Millisecond)

		if got := timeouts.Expire(); len(got) != 0 {
			t.Fatalf("at %dms: expired %d digests before deadline", at, len(got))
		}
	}

	clock.Set(origin, 300*time.Millisecond)

	got := timeouts.Expire()
	if len(got) != 1 || got[0] != d {
		t.Fatalf("at deadline: got %v, want [%s]", got, d.Short())
	}
}

// TestDigestTimeoutsFiresWithinOneTick tests that the first Expire after the deadline returns it.
func TestDigestTimeoutsFiresWithinOneTick(t *testing.T) {
	timeouts, clock, origin := newTestTimeouts()
	d := testInfo(1).Digest

	timeouts.AddDigest(d, 250*time.Millisecond)

	clock.Set(origin, 200*time.Millisecond)
	if got := timeouts.Expire(); len(got) != 0 {
		t.Fatalf("expired early: %v", got)
	}

	clock.Set(origin, 300*time.Millisecond)
	if got := timeouts.Expire(); len(got) != 1 {
		t.Fatalf("expected expiry on the tick after the deadline, got %d", len(got))
	}
}

// TestDigestTimeoutsEachRegistrationOnce tests that expired entries are never returned again.
func TestDigestTimeoutsEachRegistrationOnce(t *testing.T) {
	timeouts, clock, origin := newTestTimeouts()

	timeouts.AddDigest(testInfo(1).Digest, 100*time.Millisecond)
	timeouts.AddDigest(testInfo(2).Digest, 100*time.Millisecond)

	clock.Set(origin, time.Second)

	if got := timeouts.Expire(); len(got) != 2 {
		t.Fatalf("first expire: got %d, want 2", len(got))
	}

	clock.Set(origin, 2*time.Second)

	if got := timeouts.Expire(); len(got) != 0 {
		t.Fatalf("second expire returned %d digests", len(got))
	}

	if timeouts.Len() != 0 {
		t.Errorf("Len = %d, want 0", timeouts.Len())
	}
}

// TestDigestTimeoutsReAdd tests that re-adding a digest schedules an independent deadline.
func TestDigestTimeoutsReAdd(t *testing.T) {
	timeouts, clock, origin := newTestTimeouts()
	d := testInfo(1).Digest

	timeouts.AddDigest(d, 100*time.Millisecond)
	timeouts.AddDigest(d, 500*time.Millisecond)

	if timeouts.Len() != 2 {
		t.Fatalf("Len = %d, want 2", timeouts.Len())
	}

	clock.Set(origin, 100*time.Millisecond)
	if got := timeouts.Expire(); len(got) != 1 || got[0] != d {
		t.Fatalf("first deadline: got %v", got)
	}

	clock.Set(origin, 400*time.Millisecond)
	if got := timeouts.Expire(); len(got) != 0 {
		t.Fatalf("second deadline fired early: %v", got)
	}

	clock.Set(origin, 500*time.Millisecond)
	if got := timeouts.Expire(); len(got) != 1 || got[0] != d {
		t.Fatalf("second deadline: got %v", got)
	}
}

// TestDigestTimeoutsZeroTimeout tests a deadline that falls in an already drained bucket.
func TestDigestTimeoutsZeroTimeout(t *testing.T) {
	timeouts, clock, origin := newTestTimeouts()

	clock.Set(origin, 350*time.Millisecond)
	timeouts.Expire()

	timeouts.AddDigest(testInfo(1).Digest, 0)

	if got := timeouts.Expire(); len(got) != 1 {
		t.Fatalf("zero timeout: got %d, want 1", len(got))
	}
}

// TestDigestTimeoutsLongGap tests that a late Expire returns everything that came due.
func TestDigestTimeoutsLongGap(t *testing.T) {
	timeouts, clock, origin := newTestTimeouts()

	for i := 0; i < 50; i++ {
		timeouts.AddDigest(testInfo(byte(i)).Digest, time.Duration(i+1)*37*time.Millisecond)
	}

	clock.Set(origin, 10*time.Second)

	if got := timeouts.Expire(); len(got) != 50 {
		t.Fatalf("got %d, want 50", len(got))
	}
}

func BenchmarkDigestTimeouts(b *testing.B) {
	clock := newFakeClock()
	timeouts := newDigestTimeouts(ExpireInterval, clock.Now)
	d := testInfo(1).Digest

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		timeouts.AddDigest(d, time.Second)

		if i%100 == 0 {
			clock.Advance(ExpireInterval)
			timeouts.Expire()
		}
	}
}
