package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"QuorumStore/internal/validator"
)

const (
	// defaultDedupTTL is the default time-to-live for seen message hashes.
	defaultDedupTTL = 30 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup drops messages already received from the same sender within a TTL.
// Identical bytes from different senders are distinct messages.
type Dedup struct {
	seen map[[32]byte]time.Time
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a tracker; ttl <= 0 selects the default.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check reports whether data from sender is new, and records it if so.
func (d *Dedup) Check(sender validator.PeerID, data []byte) bool {
	h := blake3.New()
	h.Write(sender[:])
	h.Write(data)

	var key [32]byte
	h.Sum(key[:0])

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, exists := d.seen[key]; exists && now.Sub(ts) < d.ttl {
		return false
	}

	d.seen[key] = now

	return true
}

// Len returns the number of remembered messages.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (d *Dedup) cleanup() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
