package relay

import (
	"context"
	"sync"
	"time"
)

// StreamRecognizer is the narrow contract the adapter needs from whatever
// external streaming speech recognizer is plugged in. It is the streaming
// analog of the orchestrator's STTProvider/StreamingSTTProvider pair
// (pkg/orchestrator/types.go), generalized to surface raw partial/final
// text plus the recognizer's own transient-vs-fatal error classification.
type StreamRecognizer interface {
	// Start begins a streaming session for lang. onText is called for
	// every partial/final text the recognizer produces; final==true marks
	// a committed transcript.
	Start(ctx context.Context, lang Language, onText func(text string, final bool)) error
	// Write enqueues one audio chunk on the open stream.
	Write(ctx context.Context, chunk []byte) error
	// Close tears down the stream.
	Close() error
	// Name identifies the backend for logging.
	Name() string
}

// RecognizerErrorClass buckets the errors a StreamRecognizer can surface.
// The adapter reads the class only in Initialize, where ErrClassConfig is
// treated as an unsupported language; no other restart, downgrade or
// termination decision is made from the class.
type RecognizerErrorClass int

const (
	// ErrClassTransient covers connection reset/UNAVAILABLE, request
	// timeout, and audio timeout.
	ErrClassTransient RecognizerErrorClass = iota
	// ErrClassConfig covers an unsupported model/phrase-set for the
	// language.
	ErrClassConfig
	// ErrClassFatal covers unsupported audio encoding and auth failures.
	ErrClassFatal
)

// RecognizerError lets a StreamRecognizer classify its own failures.
type RecognizerError struct {
	Class RecognizerErrorClass
	Err   error
}

func (e *RecognizerError) Error() string { return e.Err.Error() }
func (e *RecognizerError) Unwrap() error { return e.Err }

// RecognizerAdapter hides reconnect, chunk retry, and voice-activity
// restarts behind a three-event (Partial/Final/Forced) contract.
//
// Grounded on ManagedStream.startStreamingSTT's generation-counter pattern
// (pkg/orchestrator/managed_stream.go): a monotonically incremented
// "generation" invalidates callbacks from a torn-down stream so a race
// between a restart and an in-flight recognizer callback can't corrupt the
// next segment.
type RecognizerAdapter struct {
	mu         sync.Mutex
	backend    StreamRecognizer
	lang       Language
	fallbackEn bool
	logger     Logger
	cfg        Config

	sink func(RecognitionEvent)

	ctx        context.Context
	cancel     context.CancelFunc
	generation int

	gate *AudioJitterGate

	cachedPartial     string
	cachedPartialSeen bool

	watchdogs     []*time.Timer // FIFO of armed chunk-timer handles
	timeoutTimes  []time.Time   // recent chunk-timeout occurrences, for burst detection
	downgraded    bool
	configRetried bool
}

// NewRecognizerAdapter wires a backend behind the adapter's restart logic.
// sink receives every Partial/Final/Forced event in order.
func NewRecognizerAdapter(backend StreamRecognizer, cfg Config, logger Logger, sink func(RecognitionEvent)) *RecognizerAdapter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	a := &RecognizerAdapter{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
	}
	a.gate = NewAudioJitterGate(cfg.JitterWindow, cfg.MaxChunkRetries, a.releaseChunk)
	return a
}

// Initialize prepares a streaming session in lang. allowFallback controls
// whether an ErrUnsupportedLanguage falls back to English.
func (a *RecognizerAdapter) Initialize(ctx context.Context, lang Language, allowFallback bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lang = lang
	a.ctx, a.cancel = context.WithCancel(ctx)

	err := a.startLocked()
	if err != nil {
		var rerr *RecognizerError
		if isUnsupportedLanguage(err, &rerr) {
			if !allowFallback {
				return ErrUnsupportedLanguage
			}
			a.logger.Warn("recognizer: falling back to english", "requested", lang)
			a.lang = "en"
			a.fallbackEn = true
			return a.startLocked()
		}
		return err
	}
	return nil
}

func isUnsupportedLanguage(err error, out **RecognizerError) bool {
	rerr, ok := err.(*RecognizerError)
	if !ok {
		return false
	}
	*out = rerr
	return rerr.Class == ErrClassConfig
}

// startLocked begins (or restarts) the underlying stream. Callers must
// hold a.mu.
func (a *RecognizerAdapter) startLocked() error {
	a.generation++
	gen := a.generation

	err := a.backend.Start(a.ctx, a.lang, func(text string, final bool) {
		a.onBackendText(gen, text, final)
	})
	if err != nil {
		return err
	}
	for _, t := range a.watchdogs {
		t.Stop()
	}
	a.watchdogs = nil
	a.timeoutTimes = nil
	a.cachedPartial = ""
	a.cachedPartialSeen = false
	return nil
}

// onBackendText is the StreamRecognizer callback. It cancels chunk
// watchdogs (a final cancels and clears all; a partial clears the oldest,
// whose watchdog fired the recognizer result it's waiting on) and forwards
// the event to the sink, tracking the cached partial for Forced emission.
func (a *RecognizerAdapter) onBackendText(generation int, text string, final bool) {
	a.mu.Lock()
	if generation != a.generation {
		a.mu.Unlock()
		return // stale callback from a torn-down stream
	}

	if final {
		for _, t := range a.watchdogs {
			t.Stop()
		}
		a.watchdogs = nil
		a.cachedPartial = ""
		a.cachedPartialSeen = false
	} else if len(a.watchdogs) > 0 {
		a.watchdogs[0].Stop()
		a.watchdogs = a.watchdogs[1:]
		a.cachedPartial = text
		a.cachedPartialSeen = true
	} else {
		a.cachedPartial = text
		a.cachedPartialSeen = true
	}
	a.mu.Unlock()

	kind := EventPartial
	if final {
		kind = EventFinal
	}
	a.sink(RecognitionEvent{Type: kind, Text: text, At: time.Now()})
}

// ProcessAudio enqueues a base64-decoded chunk into the jitter gate.
func (a *RecognizerAdapter) ProcessAudio(pcm []byte) {
	a.gate.Push(pcm)
}

// releaseChunk is called by the jitter gate once a chunk has cleared its
// batching window; it arms the chunk watchdog and writes to the backend.
func (a *RecognizerAdapter) releaseChunk(chunk *AudioChunk) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()

	if ctx == nil {
		return
	}

	timer := time.AfterFunc(a.cfg.ChunkWatchdog, func() {
		a.onChunkTimeout(chunk)
	})

	a.mu.Lock()
	a.watchdogs = append(a.watchdogs, timer)
	a.mu.Unlock()

	if err := a.backend.Write(ctx, chunk.Bytes); err != nil {
		if ctx.Err() != nil {
			return
		}
		if !a.gate.Retry(chunk) {
			a.logger.Warn("recognizer: chunk dropped after max retries", "chunkId", chunk.ChunkID)
		}
	}
}

// onChunkTimeout records a watchdog firing and triggers a restart once
// TimeoutBurstThreshold timeouts land inside TimeoutBurstWindow.
func (a *RecognizerAdapter) onChunkTimeout(chunk *AudioChunk) {
	now := time.Now()
	a.mu.Lock()
	a.timeoutTimes = append(a.timeoutTimes, now)
	cutoff := now.Add(-a.cfg.TimeoutBurstWindow)
	kept := a.timeoutTimes[:0]
	for _, t := range a.timeoutTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.timeoutTimes = kept
	burst := len(a.timeoutTimes) >= a.cfg.TimeoutBurstThreshold
	if burst {
		a.timeoutTimes = nil
	}
	a.mu.Unlock()

	if burst {
		a.restart("chunk timeout burst")
	}
}

// restart runs the stream restart sequence: emit any cached partial as
// Forced, tear down, reinitialize, drain queued audio.
func (a *RecognizerAdapter) restart(reason string) {
	a.mu.Lock()
	forced := ""
	if a.cachedPartialSeen && a.cachedPartial != "" {
		forced = a.cachedPartial
	}
	lang := a.lang
	a.mu.Unlock()

	if forced != "" {
		a.sink(RecognitionEvent{Type: EventForced, Forced: true, Text: forced, At: time.Now()})
	}

	a.backend.Close()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Warn("recognizer: restarting stream", "reason", reason)
	if err := a.startLocked(); err != nil {
		a.logger.Error("recognizer: restart failed", "error", err, "lang", lang)
	}
}

// Destroy releases all resources and cancels every pending timer.
func (a *RecognizerAdapter) Destroy() {
	a.mu.Lock()
	cancel := a.cancel
	for _, t := range a.watchdogs {
		t.Stop()
	}
	a.watchdogs = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.gate.Close()
	_ = a.backend.Close()
}

// ForceCommit is intentionally a no-op: the recognizer alone decides when
// to finalize. A prior design restarted the recognizer on a client hint
// and lost words mid-flight.
func (a *RecognizerAdapter) ForceCommit() {}
