package playback

import "time"

// BatcherConfig holds the flush thresholds of a [Batcher]. A batch is
// emitted when its elapsed time since the first fragment reaches the target
// duration or its size reaches the byte cap, whichever happens first.
type BatcherConfig struct {
	// Target is the normal flush interval. Default: 280ms.
	Target time.Duration

	// MaxBytes is the normal size cap. Default: 80 KiB.
	MaxBytes int

	// UrgentTarget is the flush interval while the buffer runs low.
	// Default: 100ms.
	UrgentTarget time.Duration

	// UrgentMaxBytes is the size cap while the buffer runs low.
	// Default: 32 KiB.
	UrgentMaxBytes int
}

// DefaultBatcherConfig returns the thresholds used when no override is given.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Target:         280 * time.Millisecond,
		MaxBytes:       80 * 1024,
		UrgentTarget:   100 * time.Millisecond,
		UrgentMaxBytes: 32 * 1024,
	}
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	d := DefaultBatcherConfig()
	if c.Target <= 0 {
		c.Target = d.Target
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.UrgentTarget <= 0 {
		c.UrgentTarget = d.UrgentTarget
	}
	if c.UrgentMaxBytes <= 0 {
		c.UrgentMaxBytes = d.UrgentMaxBytes
	}
	return c
}

// Batcher coalesces small audio fragments into fewer, larger appends.
//
// The Batcher only accumulates and concatenates; the target-duration timer
// belongs to its owner, which arms it on the first fragment after a flush
// (see [Batcher.Pending]) and calls [Batcher.Flush] when it fires. The
// concatenation of all emitted batches always equals the concatenation of all
// accepted fragments, in order.
//
// A Batcher is not safe for concurrent use.
type Batcher struct {
	cfg     BatcherConfig
	urgent  bool
	pending [][]byte
	size    int
}

// NewBatcher returns a Batcher in normal mode. Zero fields in cfg fall back
// to [DefaultBatcherConfig].
func NewBatcher(cfg BatcherConfig) *Batcher {
	return &Batcher{cfg: cfg.withDefaults()}
}

// Add appends a fragment. Zero-length fragments are ignored. When the
// accumulated size reaches the active byte cap, Add flushes and returns the
// batch with full set to true.
func (b *Batcher) Add(p []byte) (batch []byte, full bool) {
	if len(p) == 0 {
		return nil, false
	}
	b.pending = append(b.pending, p)
	b.size += len(p)
	if b.size >= b.MaxBytes() {
		return b.Flush(), true
	}
	return nil, false
}

// Flush returns the pending fragments as one batch and empties the Batcher.
// It returns nil when nothing is pending. A lone fragment is returned as is,
// without copying.
func (b *Batcher) Flush() []byte {
	switch len(b.pending) {
	case 0:
		return nil
	case 1:
		out := b.pending[0]
		b.Reset()
		return out
	}
	out := make([]byte, 0, b.size)
	for _, p := range b.pending {
		out = append(out, p...)
	}
	b.Reset()
	return out
}

// Reset discards every pending fragment.
func (b *Batcher) Reset() {
	clear(b.pending)
	b.pending = b.pending[:0]
	b.size = 0
}

// SetUrgent switches between the normal and urgent thresholds. It does not
// flush; callers that lower the cap should check [Batcher.Full].
func (b *Batcher) SetUrgent(urgent bool) { b.urgent = urgent }

// Urgent reports whether the urgent thresholds are active.
func (b *Batcher) Urgent() bool { return b.urgent }

// Target returns the active flush interval.
func (b *Batcher) Target() time.Duration {
	if b.urgent {
		return b.cfg.UrgentTarget
	}
	return b.cfg.Target
}

// MaxBytes returns the active size cap.
func (b *Batcher) MaxBytes() int {
	if b.urgent {
		return b.cfg.UrgentMaxBytes
	}
	return b.cfg.MaxBytes
}

// Full reports whether the pending size has reached the active cap.
func (b *Batcher) Full() bool { return b.size > 0 && b.size >= b.MaxBytes() }

// Pending returns the number of fragments waiting for a flush.
func (b *Batcher) Pending() int { return len(b.pending) }

// Len returns the number of pending bytes.
func (b *Batcher) Len() int { return b.size }
