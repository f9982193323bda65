package relay

import (
	"bytes"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-relay/pkg/audio"
)

// bytesPerMillisecond for 16-bit mono LINEAR16 PCM at the given sample
// rate, used to translate the rolling window duration into a byte budget.
func bytesPerMillisecond(sampleRate int) float64 {
	return float64(sampleRate) * 2.0 / 1000.0
}

// RollingAudioBuffer is a fixed-duration ring of recently released chunks,
// kept for post-hoc recovery.
//
// Grounded directly on ManagedStream.Write's audioBuf ring-trim logic
// (pkg/orchestrator/managed_stream.go ~L378-393): a bytes.Buffer trimmed to
// a tail window once it exceeds a byte budget, generalized from the
// teacher's hardcoded 2s/1.5s pair to a configurable window.
type RollingAudioBuffer struct {
	mu         sync.Mutex
	buf        *bytes.Buffer
	sampleRate int
	maxBytes   int
	keepBytes  int
}

// NewRollingAudioBuffer returns a buffer that retains window of audio at
// sampleRate before trimming back to 75% of that window, mirroring the
// teacher's 2000ms/1500ms ratio.
func NewRollingAudioBuffer(window time.Duration, sampleRate int) *RollingAudioBuffer {
	maxBytes := int(float64(window.Milliseconds()) * bytesPerMillisecond(sampleRate))
	return &RollingAudioBuffer{
		buf:        new(bytes.Buffer),
		sampleRate: sampleRate,
		maxBytes:   maxBytes,
		keepBytes:  maxBytes * 3 / 4,
	}
}

// Write appends a chunk, trimming the buffer back to its keep window once
// it exceeds the max window.
func (b *RollingAudioBuffer) Write(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(chunk)
	if b.buf.Len() > b.maxBytes {
		data := b.buf.Bytes()
		tail := data[len(data)-b.keepBytes:]
		trimmed := make([]byte, len(tail))
		copy(trimmed, tail)
		b.buf.Reset()
		b.buf.Write(trimmed)
	}
}

// Snapshot returns a copy of the currently buffered audio.
func (b *RollingAudioBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Reset empties the buffer.
func (b *RollingAudioBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// DumpWAV returns the currently buffered audio wrapped in a WAV container,
// for diagnostic capture. Reuses the orchestrator's hand-rolled WAV writer
// (pkg/audio) verbatim.
func (b *RollingAudioBuffer) DumpWAV() []byte {
	return audio.NewWavBuffer(b.Snapshot(), b.sampleRate)
}
