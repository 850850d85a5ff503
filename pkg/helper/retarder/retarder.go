// Package retarder is a coarse, second-resolution delay queue backed by a
// ring buffer. The runner uses it to re-enqueue pipeline runs whose stage
// hit a transient failure without holding a worker.
package retarder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSlots int64 = 100

var (
	ErrOverHorizon = errors.New("delay exceeds ring length")
	ErrZeroDelay   = errors.New("invalid zero delay")
)

// Retarder delivers run IDs back to the callback after a requested number
// of seconds. The maximum delay equals the ring length.
type Retarder struct {
	mu sync.Mutex

	cursor int64
	slots  int64
	ring   [][]int64

	// Call receives each run ID once its delay elapsed.
	Call func(runID int64)
}

func New(slots int64, call func(runID int64)) *Retarder {
	if slots == 0 {
		slots = defaultSlots
	}
	return &Retarder{
		slots: slots,
		ring:  make([][]int64, slots),
		Call:  call,
	}
}

// Add schedules runID for delivery after the given delay in seconds.
func (r *Retarder) Add(runID int64, delay int64) error {
	if delay > r.slots {
		return ErrOverHorizon
	}
	if delay == 0 {
		return ErrZeroDelay
	}

	at := (atomic.LoadInt64(&r.cursor) + delay) % r.slots

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[at] = append(r.ring[at], runID)
	return nil
}

// Run advances the ring once a second until ctx is done.
func (r *Retarder) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			due := r.ring[r.cursor]
			r.ring[r.cursor] = nil
			atomic.SwapInt64(&r.cursor, (atomic.LoadInt64(&r.cursor)+1)%r.slots)
			r.mu.Unlock()
			go r.fire(due)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Retarder) fire(due []int64) {
	for _, id := range due {
		r.Call(id)
	}
}
