// Package batch coalesces high-frequency part updates into bounded-latency
// flush cycles so a burst of deltas costs one state mutation.
package batch

import (
	"sync"
	"time"

	"github.com/joescharf/chatsync/internal/reconcile"
)

// DefaultWindow is roughly one rendering frame.
const DefaultWindow = 16 * time.Millisecond

// Sink receives each drained batch in first-arrival order.
type Sink func([]reconcile.PartUpdate)

// Batcher buffers part updates keyed by (message, part). Its size is bounded
// by the number of distinct in-flight parts, not by the number of events.
type Batcher struct {
	window time.Duration
	sink   Sink

	mu      sync.Mutex
	index   map[reconcile.PartKey]int
	entries []reconcile.PartUpdate
	timer   *time.Timer
	pending bool
	stopped bool

	// flushMu serialises drain+apply so a synchronous Flush never overtakes
	// a timer flush that is still applying its batch.
	flushMu sync.Mutex
}

// New creates a Batcher. A non-positive window uses DefaultWindow.
func New(window time.Duration, sink Sink) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{
		window: window,
		sink:   sink,
		index:  make(map[reconcile.PartKey]int),
	}
}

// Add merges u into the buffer and arms a flush if none is pending.
//
// For text-like parts carrying a delta, the delta is appended to the
// buffered delta and the payload is refreshed. When the buffered entry is a
// full replacement, the delta is folded into its text and the entry stays a
// replacement. Any other update replaces the buffered entry, delta included,
// since it carries the full part.
func (b *Batcher) Add(u reconcile.PartUpdate) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.apply([]reconcile.PartUpdate{u})
		return
	}

	key := u.Key()
	if i, ok := b.index[key]; ok {
		switch prev := b.entries[i]; {
		case u.Part.TextLike() && u.Delta != "" && prev.Delta == "":
			u.Part.Text = prev.Part.Text + u.Delta
			b.entries[i] = reconcile.PartUpdate{Part: u.Part}
		case u.Part.TextLike() && u.Delta != "":
			b.entries[i].Part = u.Part
			b.entries[i].Delta += u.Delta
		default:
			b.entries[i] = u
		}
	} else {
		b.index[key] = len(b.entries)
		b.entries = append(b.entries, u)
	}

	if !b.pending {
		b.pending = true
		b.timer = time.AfterFunc(b.window, b.Flush)
	}
	b.mu.Unlock()
}

// Flush drains the buffer now and applies it. It returns after the batch has
// reached the sink, including one a concurrent timer flush was applying.
func (b *Batcher) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if batch := b.drain(); len(batch) > 0 {
		b.sink(batch)
	}
}

func (b *Batcher) apply(batch []reconcile.PartUpdate) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.sink(batch)
}

// drain empties the buffer and clears the pending flag, so updates added
// while the batch is being applied arm the next cycle.
func (b *Batcher) drain() []reconcile.PartUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = false
	batch := b.entries
	b.entries = nil
	if len(batch) > 0 {
		b.index = make(map[reconcile.PartKey]int)
	}
	return batch
}

// Pending reports whether a flush is armed.
func (b *Batcher) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Len returns the number of buffered parts.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Stop flushes what is buffered. Later updates are applied immediately.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.Flush()
}
