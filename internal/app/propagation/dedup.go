package propagation

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupSize is how many handled event ids each subscriber remembers.
const DefaultDedupSize = 10_000

// Deduplicator remembers the ids of events a subscriber has fully handled.
// It is bounded; an id evicted from the window would be handled again if it
// were redelivered that late.
type Deduplicator struct {
	mu       sync.Mutex
	seen     *lru.Cache[uuid.UUID, struct{}]
	inflight map[uuid.UUID]chan struct{}
}

// NewDeduplicator creates a deduplicator remembering up to size ids.
func NewDeduplicator(size int) *Deduplicator {
	if size <= 0 {
		size = DefaultDedupSize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[uuid.UUID, struct{}](size)
	return &Deduplicator{seen: cache, inflight: make(map[uuid.UUID]chan struct{})}
}

// Once runs fn unless id was already handled. The id is remembered only when
// fn succeeds, so a failed attempt is retried on redelivery. It reports
// whether fn ran.
//
// Calls for different ids run concurrently. A call for an id that is being
// handled waits for that attempt and then checks again.
func (d *Deduplicator) Once(id uuid.UUID, fn func() error) (bool, error) {
	var done chan struct{}
	for {
		d.mu.Lock()
		if d.seen.Contains(id) {
			d.mu.Unlock()
			return false, nil
		}
		wait, busy := d.inflight[id]
		if !busy {
			done = make(chan struct{})
			d.inflight[id] = done
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()
		<-wait
	}

	err := fn()

	d.mu.Lock()
	delete(d.inflight, id)
	if err == nil {
		d.seen.Add(id, struct{}{})
	}
	d.mu.Unlock()
	close(done)

	return true, err
}
