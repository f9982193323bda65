package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu        sync.Mutex
	started   int
	closed    int
	written   [][]byte
	startErr  error
	writeErr  error
	onText    func(text string, final bool)
	supported map[Language]bool
}

func (b *fakeBackend) Start(ctx context.Context, lang Language, onText func(text string, final bool)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	b.onText = onText
	if b.supported != nil && !b.supported[lang] {
		return &RecognizerError{Class: ErrClassConfig, Err: ErrUnsupportedLanguage}
	}
	if b.startErr != nil {
		return b.startErr
	}
	return nil
}

func (b *fakeBackend) Write(ctx context.Context, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, chunk)
	return b.writeErr
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) emit(text string, final bool) {
	b.mu.Lock()
	cb := b.onText
	b.mu.Unlock()
	if cb != nil {
		cb(text, final)
	}
}

func testAdapterConfig() Config {
	cfg := DefaultConfig()
	cfg.JitterWindow = 5 * time.Millisecond
	cfg.MaxChunkRetries = 3
	cfg.ChunkWatchdog = time.Hour
	return cfg
}

func TestRecognizerAdapter_InitializeFallsBackOnUnsupportedLanguage(t *testing.T) {
	backend := &fakeBackend{supported: map[Language]bool{"en": true}}
	a := NewRecognizerAdapter(backend, testAdapterConfig(), nil, func(RecognitionEvent) {})

	err := a.Initialize(context.Background(), "xx", true)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if a.lang != "en" || !a.fallbackEn {
		t.Errorf("expected adapter to fall back to english, got lang=%q fallbackEn=%v", a.lang, a.fallbackEn)
	}
}

func TestRecognizerAdapter_InitializeRefusesFallbackWhenNotAllowed(t *testing.T) {
	backend := &fakeBackend{supported: map[Language]bool{"en": true}}
	a := NewRecognizerAdapter(backend, testAdapterConfig(), nil, func(RecognitionEvent) {})

	err := a.Initialize(context.Background(), "xx", false)
	if err != ErrUnsupportedLanguage {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestRecognizerAdapter_RoutesPartialAndFinalToSink(t *testing.T) {
	backend := &fakeBackend{}
	events := make(chan RecognitionEvent, 4)
	a := NewRecognizerAdapter(backend, testAdapterConfig(), nil, func(ev RecognitionEvent) { events <- ev })

	if err := a.Initialize(context.Background(), "en", false); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	backend.emit("hello", false)
	backend.emit("hello world", true)

	ev := <-events
	if ev.Type != EventPartial || ev.Text != "hello" {
		t.Errorf("got %+v", ev)
	}
	ev = <-events
	if ev.Type != EventFinal || ev.Text != "hello world" {
		t.Errorf("got %+v", ev)
	}
}

func TestRecognizerAdapter_StaleGenerationCallbackIsIgnored(t *testing.T) {
	backend := &fakeBackend{}
	events := make(chan RecognitionEvent, 4)
	a := NewRecognizerAdapter(backend, testAdapterConfig(), nil, func(ev RecognitionEvent) { events <- ev })

	if err := a.Initialize(context.Background(), "en", false); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// onBackendText captured generation 1; force-restart the stream so the
	// generation advances, then fire the stale callback directly.
	a.restart("test forced restart")
	a.onBackendText(1, "stale text", false)

	select {
	case ev := <-events:
		t.Fatalf("stale-generation callback must be dropped, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecognizerAdapter_ProcessAudioWritesThroughJitterGate(t *testing.T) {
	backend := &fakeBackend{}
	a := NewRecognizerAdapter(backend, testAdapterConfig(), nil, func(RecognitionEvent) {})
	if err := a.Initialize(context.Background(), "en", false); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a.ProcessAudio([]byte("pcm-data"))

	deadline := time.After(time.Second)
	for {
		backend.mu.Lock()
		n := len(backend.written)
		backend.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected the audio chunk to reach the backend via the jitter gate")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRecognizerAdapter_RestartEmitsCachedPartialAsForced(t *testing.T) {
	backend := &fakeBackend{}
	events := make(chan RecognitionEvent, 4)
	a := NewRecognizerAdapter(backend, testAdapterConfig(), nil, func(ev RecognitionEvent) { events <- ev })
	if err := a.Initialize(context.Background(), "en", false); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	backend.emit("partial in flight", false)
	<-events // drain the partial event from onBackendText

	a.restart("simulated recognizer restart")

	select {
	case ev := <-events:
		if ev.Type != EventForced || ev.Text != "partial in flight" {
			t.Errorf("expected forced event with the cached partial, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Forced event on restart")
	}

	backend.mu.Lock()
	closed := backend.closed
	started := backend.started
	backend.mu.Unlock()
	if closed < 1 || started < 2 {
		t.Errorf("expected restart to close and restart the backend, got closed=%d started=%d", closed, started)
	}
}
