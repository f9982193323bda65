package relay

import (
	"testing"
	"time"
)

func TestForcedCommitEngine_CompleteSentenceCommitsImmediately(t *testing.T) {
	committed := make(chan CommitCandidate, 1)
	e := NewForcedCommitEngine(50*time.Millisecond, func(c CommitCandidate) { committed <- c })
	tracker := NewPartialTracker()

	e.HandleForced("seg1", "Hello there.", tracker)

	select {
	case c := <-committed:
		if c.Text != "Hello there." || c.Source != SourceForced {
			t.Errorf("got %+v", c)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected immediate commit for a complete sentence")
	}
}

func TestForcedCommitEngine_IncompleteSentenceBuffersThenEscalates(t *testing.T) {
	committed := make(chan CommitCandidate, 1)
	e := NewForcedCommitEngine(30*time.Millisecond, func(c CommitCandidate) { committed <- c })
	tracker := NewPartialTracker()

	e.HandleForced("seg1", "hello there how", tracker)

	select {
	case c := <-committed:
		t.Fatalf("should not commit before maxWait elapses, got %+v", c)
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case c := <-committed:
		if c.Text != "hello there how" {
			t.Errorf("expected escalation with unchanged buffered text, got %q", c.Text)
		}
		if !e.IsIsolated("seg1") {
			t.Error("escalated segment should be marked isolated")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected escalation after maxWait")
	}
}

func TestForcedCommitEngine_SubsequentPartialExtendsBuffer(t *testing.T) {
	committed := make(chan CommitCandidate, 1)
	e := NewForcedCommitEngine(time.Second, func(c CommitCandidate) { committed <- c })
	tracker := NewPartialTracker()

	e.HandleForced("seg1", "hello there how", tracker)

	handled := e.HandlePartial("hello there how are you")
	if !handled {
		t.Fatal("expected the extending partial to be absorbed")
	}

	select {
	case c := <-committed:
		if c.Text != "hello there how are you" {
			t.Errorf("got %q", c.Text)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected commit of extended text")
	}
}

func TestForcedCommitEngine_UnrelatedPartialCommitsBufferedAndReturnsUnhandled(t *testing.T) {
	committed := make(chan CommitCandidate, 1)
	e := NewForcedCommitEngine(time.Second, func(c CommitCandidate) { committed <- c })
	tracker := NewPartialTracker()

	e.HandleForced("seg1", "a short buffered phrase", tracker)

	handled := e.HandlePartial("something totally unrelated and much longer said by the other side entirely")
	if handled {
		t.Fatal("an unrelated partial must not be reported as handled")
	}

	select {
	case c := <-committed:
		if c.Text != "a short buffered phrase" {
			t.Errorf("got %q", c.Text)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected the buffered text to commit unchanged")
	}
}

func TestForcedCommitEngine_HandleFinalMergesWithBuffer(t *testing.T) {
	committed := make(chan CommitCandidate, 1)
	e := NewForcedCommitEngine(time.Second, func(c CommitCandidate) { committed <- c })
	tracker := NewPartialTracker()

	e.HandleForced("seg1", "I went to the store", tracker)

	replacement, ok := e.HandleFinal("the store was closed")
	if !ok {
		t.Fatal("expected merge to succeed")
	}
	if replacement != "I went to the store was closed" {
		t.Errorf("got %q", replacement)
	}

	select {
	case c := <-committed:
		t.Fatalf("a successful merge must not separately commit the buffer, got %+v", c)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestForcedCommitEngine_NoPendingBufferIsNoop(t *testing.T) {
	e := NewForcedCommitEngine(time.Second, func(CommitCandidate) {
		t.Fatal("onCommit should never fire with no pending buffer")
	})

	if handled := e.HandlePartial("anything"); handled {
		t.Error("HandlePartial with no pending buffer must return false")
	}
	if _, ok := e.HandleFinal("anything"); ok {
		t.Error("HandleFinal with no pending buffer must return ok=false")
	}
}
