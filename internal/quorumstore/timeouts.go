package quorumstore

import "time"

// ExpireInterval is the tick at which deadlines are bucketed and checked.
const ExpireInterval = 100 * time.Millisecond

// timeoutEntry is one registration.
type timeoutEntry struct {
	digest   HashValue
	deadline time.Time
}

// DigestTimeouts tracks proof deadlines in buckets keyed by tick index.
// A bucket with index i only holds deadlines in ((i-1)*tick, i*tick] after origin,
// so every bucket before the current tick is wholly due and only one bucket needs
// per-entry checks. It is not safe for concurrent use.
type DigestTimeouts struct {
	tick     time.Duration
	clock    func() time.Time
	origin   time.Time
	buckets  map[int64][]timeoutEntry
	nextTick int64 // nextTick is the lowest bucket index that may still hold entries
	pending  int
}

// NewDigestTimeouts creates a tracker on the wall clock.
func NewDigestTimeouts() *DigestTimeouts {
	return newDigestTimeouts(ExpireInterval, time.Now)
}

func newDigestTimeouts(tick time.Duration, clock func() time.Time) *DigestTimeouts {
	return &DigestTimeouts{
		tick:    tick,
		clock:   clock,
		origin:  clock(),
		buckets: make(map[int64][]timeoutEntry),
	}
}

// AddDigest registers digest to expire timeout from now and returns the deadline.
// Registering a digest again adds an independent deadline.
func (t *DigestTimeouts) AddDigest(digest HashValue, timeout time.Duration) time.Time {
	if timeout < 0 {
		timeout = 0
	}

	deadline := t.clock().Add(timeout)

	idx := t.bucketOf(deadline)
	if idx < t.nextTick {
		idx = t.nextTick
	}

	t.buckets[idx] = append(t.buckets[idx], timeoutEntry{digest: digest, deadline: deadline})
	t.pending++

	return deadline
}

// Expire returns every registered digest whose deadline is at or before now.
// Each registration is returned once.
func (t *DigestTimeouts) Expire() []HashValue {
	entries := t.expireEntries()
	if len(entries) == 0 {
		return nil
	}

	digests := make([]HashValue, len(entries))
	for i, e := range entries {
		digests[i] = e.digest
	}

	return digests
}

// expireEntries removes and returns the due registrations with their deadlines.
func (t *DigestTimeouts) expireEntries() []timeoutEntry {
	now := t.clock()
	current := int64(now.Sub(t.origin) / t.tick)

	if t.pending == 0 {
		if current >= t.nextTick {
			t.nextTick = current + 1
		}

		return nil
	}

	var expired []timeoutEntry

	// After a long gap, walking the map is cheaper than walking every tick.
	if current-t.nextTick > int64(len(t.buckets)) {
		for idx, bucket := range t.buckets {
			if idx > current {
				continue
			}

			expired = append(expired, bucket...)
			delete(t.buckets, idx)
		}

		t.nextTick = current + 1
	}

	for ; t.nextTick <= current; t.nextTick++ {
		bucket, ok := t.buckets[t.nextTick]
		if !ok {
			continue
		}

		expired = append(expired, bucket...)
		delete(t.buckets, t.nextTick)
	}

	// The bucket straddling now holds a mix of due and future deadlines.
	if bucket, ok := t.buckets[t.nextTick]; ok {
		kept := bucket[:0]

		for _, e := range bucket {
			if e.deadline.After(now) {
				kept = append(kept, e)
			} else {
				expired = append(expired, e)
			}
		}

		if len(kept) == 0 {
			delete(t.buckets, t.nextTick)
		} else {
			t.buckets[t.nextTick] = kept
		}
	}

	t.pending -= len(expired)

	return expired
}

// Len returns the number of registrations not yet expired.
func (t *DigestTimeouts) Len() int {
	return t.pending
}

// bucketOf returns the index of the first tick boundary at or after deadline.
func (t *DigestTimeouts) bucketOf(deadline time.Time) int64 {
	offset := deadline.Sub(t.origin)
	if offset <= 0 {
		return 0
	}

	idx := int64(offset / t.tick)
	if offset%t.tick != 0 {
		idx++
	}

	return idx
}
