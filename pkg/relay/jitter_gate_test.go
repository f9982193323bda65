package relay

import (
	"testing"
	"time"
)

func TestAudioJitterGate_ReleasesAfterWindow(t *testing.T) {
	released := make(chan *AudioChunk, 4)
	g := NewAudioJitterGate(30*time.Millisecond, 3, func(c *AudioChunk) { released <- c })
	defer g.Close()

	g.Push([]byte("chunk-a"))

	select {
	case c := <-released:
		if string(c.Bytes) != "chunk-a" {
			t.Errorf("got %q", c.Bytes)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("chunk was never released")
	}
}

func TestAudioJitterGate_ReleasesInReceivedOrder(t *testing.T) {
	var released []string
	done := make(chan struct{}, 1)
	g := NewAudioJitterGate(30*time.Millisecond, 3, func(c *AudioChunk) {
		released = append(released, string(c.Bytes))
		if len(released) == 3 {
			done <- struct{}{}
		}
	})
	defer g.Close()

	g.Push([]byte("first"))
	g.Push([]byte("second"))
	g.Push([]byte("third"))

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected all three chunks to release")
	}

	if len(released) != 3 || released[0] != "first" || released[1] != "second" || released[2] != "third" {
		t.Errorf("expected release in received order, got %v", released)
	}
}

func TestAudioJitterGate_RetryRespectsMaxRetry(t *testing.T) {
	g := NewAudioJitterGate(10*time.Millisecond, 3, func(*AudioChunk) {})
	defer g.Close()

	chunk := &AudioChunk{ChunkID: 1, Bytes: []byte("x")}
	for i := 0; i < 3; i++ {
		if !g.Retry(chunk) {
			t.Fatalf("expected retry %d to be allowed", i)
		}
	}
	if g.Retry(chunk) {
		t.Error("expected the 4th retry to exceed the budget and be refused")
	}
}

func TestAudioJitterGate_RetryReschedulesRelease(t *testing.T) {
	released := make(chan *AudioChunk, 1)
	g := NewAudioJitterGate(time.Hour, 3, func(c *AudioChunk) { released <- c })
	defer g.Close()

	chunk := &AudioChunk{ChunkID: 1, Bytes: []byte("retry-me")}
	if !g.Retry(chunk) {
		t.Fatal("expected first retry to be allowed")
	}

	select {
	case c := <-released:
		if string(c.Bytes) != "retry-me" {
			t.Errorf("got %q", c.Bytes)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the retried chunk to be released after backoff")
	}
}

func TestAudioJitterGate_CloseDropsPending(t *testing.T) {
	released := make(chan *AudioChunk, 1)
	g := NewAudioJitterGate(time.Hour, 3, func(c *AudioChunk) { released <- c })

	g.Push([]byte("never released"))
	g.Close()

	select {
	case c := <-released:
		t.Fatalf("closed gate must not release pending chunks, got %v", c)
	case <-time.After(50 * time.Millisecond):
	}
}
