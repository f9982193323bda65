package relay

import (
	"sort"
	"sync"
	"time"
)

// AudioChunk is one base64-decoded PCM fragment as it moves through the
// jitter gate.
type AudioChunk struct {
	ChunkID    int64
	Bytes      []byte
	ReceivedAt time.Time
	ReleaseAt  time.Time
	retries    int
}

// retryBackoff is the fixed backoff schedule for a chunk write retry.
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// AudioJitterGate batches incoming PCM chunks for a small window to smooth
// bursts before handing them to the recognizer.
//
// Grounded on ManagedStream's single-timer-per-stream idiom
// (pkg/orchestrator/managed_stream.go): one time.Timer armed for the
// earliest pending deadline, reset rather than replaced on each new
// arrival, instead of a goroutine or ticker per chunk.
type AudioJitterGate struct {
	mu       sync.Mutex
	window   time.Duration
	nextID   int64
	pending  []*AudioChunk
	timer    *time.Timer
	release  func(chunk *AudioChunk)
	maxRetry int
	now      func() time.Time
}

// NewAudioJitterGate creates a gate that calls release for every chunk it
// lets through, batched over window.
func NewAudioJitterGate(window time.Duration, maxRetry int, release func(chunk *AudioChunk)) *AudioJitterGate {
	return &AudioJitterGate{
		window:   window,
		release:  release,
		maxRetry: maxRetry,
		now:      time.Now,
	}
}

// Push enqueues a raw chunk, tagging it with a monotonic id and a release
// deadline of receivedAt + window.
func (g *AudioJitterGate) Push(data []byte) *AudioChunk {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	now := g.now()
	chunk := &AudioChunk{
		ChunkID:    g.nextID,
		Bytes:      data,
		ReceivedAt: now,
		ReleaseAt:  now.Add(g.window),
	}
	g.pending = append(g.pending, chunk)
	g.armLocked()
	return chunk
}

// armLocked (re)arms the single timer for the earliest pending releaseAt.
// Callers must hold g.mu.
func (g *AudioJitterGate) armLocked() {
	if len(g.pending) == 0 {
		return
	}
	earliest := g.pending[0].ReleaseAt
	for _, c := range g.pending[1:] {
		if c.ReleaseAt.Before(earliest) {
			earliest = c.ReleaseAt
		}
	}
	delay := time.Until(earliest)
	if delay < 0 {
		delay = 0
	}
	if g.timer == nil {
		g.timer = time.AfterFunc(delay, g.fire)
		return
	}
	g.timer.Reset(delay)
}

// fire releases every chunk whose release deadline has passed, in
// receivedAt order (sorting for any out-of-order arrivals).
func (g *AudioJitterGate) fire() {
	g.mu.Lock()
	now := g.now()

	sort.SliceStable(g.pending, func(i, j int) bool {
		return g.pending[i].ReceivedAt.Before(g.pending[j].ReceivedAt)
	})

	var ready []*AudioChunk
	var remaining []*AudioChunk
	for _, c := range g.pending {
		delay := now.Sub(c.ReceivedAt)
		if delay >= 80*time.Millisecond && !now.Before(c.ReleaseAt) {
			ready = append(ready, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	g.pending = remaining
	g.armLocked()
	g.mu.Unlock()

	for _, c := range ready {
		g.release(c)
	}
}

// Retry resubmits chunk for another attempt if it has not exceeded
// MaxChunkRetries. Returns false when the retry budget is exhausted and
// the chunk must be dropped.
func (g *AudioJitterGate) Retry(chunk *AudioChunk) bool {
	if chunk.retries >= g.maxRetry {
		return false
	}
	idx := chunk.retries
	chunk.retries++
	delay := retryBackoff[len(retryBackoff)-1]
	if idx < len(retryBackoff) {
		delay = retryBackoff[idx]
	}
	time.AfterFunc(delay, func() {
		g.release(chunk)
	})
	return true
}

// Close stops the internal timer and drops all pending chunks.
func (g *AudioJitterGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.pending = nil
}
