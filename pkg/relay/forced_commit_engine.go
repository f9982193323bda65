package relay

import (
	"sync"
	"time"
)

// ForcedCommitEngine handles Forced events: a recognizer restart flushes
// an uncommitted partial as a Forced event, and this engine decides
// whether to commit it immediately, buffer it awaiting the next
// Partial/Final to merge against, or escalate it unchanged once its max
// wait elapses — all without fragmenting the utterance across the
// restart.
//
// Grounded on ManagedStream's timer-plus-generation-counter idiom
// (pkg/orchestrator/managed_stream.go), applied here to a single pending
// Forced buffer rather than a whole stream lifecycle.
type ForcedCommitEngine struct {
	mu sync.Mutex

	maxWait  time.Duration
	onCommit func(CommitCandidate)

	pendingText string
	pendingSeg  string
	hasPending  bool
	generation  int
	timer       *time.Timer

	// isolatedSegments marks every segment with a Forced commit; the
	// next AsrFinal for the same segment must never be merged as a
	// continuation of it.
	isolatedSegments map[string]bool
}

// NewForcedCommitEngine returns an engine that escalates an unresolved
// buffered Forced text after maxWait by calling onCommit with a
// SourceForced candidate.
func NewForcedCommitEngine(maxWait time.Duration, onCommit func(CommitCandidate)) *ForcedCommitEngine {
	return &ForcedCommitEngine{
		maxWait:          maxWait,
		onCommit:         onCommit,
		isolatedSegments: make(map[string]bool),
	}
}

// HandleForced handles a new Forced(text) event: tracker is consulted for
// a longer tracked partial that extends text within 5s; if text already
// ends with sentence punctuation it commits immediately instead of
// buffering.
func (e *ForcedCommitEngine) HandleForced(segID, text string, tracker *PartialTracker) {
	if ext := tracker.CheckLongestExtends(text, 5*time.Second); ext.Extends {
		text = ext.ExtendedText
	}

	if endsWithCompleteSentence(text) {
		e.commit(segID, text)
		tracker.Reset()
		return
	}

	e.mu.Lock()
	e.pendingText = text
	e.pendingSeg = segID
	e.hasPending = true
	e.generation++
	gen := e.generation
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.maxWait, func() { e.escalate(gen) })
	e.mu.Unlock()
}

// HandlePartial handles the "subsequent Partial while buffer is
// set" branch. handled reports whether a Forced buffer absorbed or was
// resolved by this partial; if handled is false, the caller must process
// partialText as an ordinary partial.
func (e *ForcedCommitEngine) HandlePartial(partialText string) (handled bool) {
	e.mu.Lock()
	if !e.hasPending {
		e.mu.Unlock()
		return false
	}
	buffered := e.pendingText
	segID := e.pendingSeg
	e.mu.Unlock()

	if extends(partialText, buffered) {
		e.clearAndCommit(segID, partialText)
		return true
	}
	if merged, ok := mergeWithOverlap(buffered, partialText); ok {
		e.clearAndCommit(segID, merged)
		return true
	}

	// New segment: commit the buffered text unchanged, let the caller
	// handle partialText normally against a fresh segment.
	e.commit(segID, buffered)
	e.clearBuffer()
	return false
}

// HandleFinal handles the "subsequent Final while buffer is
// set" branch. If it returns ok, replacement is the merged text the
// caller should hand to the Finalization Engine in place of the incoming
// final. If ok is false, the caller proceeds with the original final text
// and the buffered Forced text has already been committed on its own.
func (e *ForcedCommitEngine) HandleFinal(finalText string) (replacement string, ok bool) {
	e.mu.Lock()
	if !e.hasPending {
		e.mu.Unlock()
		return "", false
	}
	buffered := e.pendingText
	segID := e.pendingSeg
	e.mu.Unlock()

	if merged, success := mergeWithOverlap(buffered, finalText); success {
		e.clearBuffer()
		return merged, true
	}

	e.commit(segID, buffered)
	e.clearBuffer()
	return "", false
}

func (e *ForcedCommitEngine) clearAndCommit(segID, text string) {
	e.clearBuffer()
	e.commit(segID, text)
}

func (e *ForcedCommitEngine) clearBuffer() {
	e.mu.Lock()
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
	}
	e.hasPending = false
	e.pendingText = ""
	e.pendingSeg = ""
	e.mu.Unlock()
}

func (e *ForcedCommitEngine) escalate(generation int) {
	e.mu.Lock()
	if generation != e.generation || !e.hasPending {
		e.mu.Unlock()
		return
	}
	text := e.pendingText
	segID := e.pendingSeg
	e.hasPending = false
	e.mu.Unlock()

	e.commit(segID, text)
}

func (e *ForcedCommitEngine) commit(segID, text string) {
	e.mu.Lock()
	e.isolatedSegments[segID] = true
	e.mu.Unlock()
	e.onCommit(CommitCandidate{
		Text:      text,
		Source:    SourceForced,
		SegmentID: segID,
		Timestamp: time.Now(),
	})
}

// IsIsolated reports whether segID was already committed via a Forced
// path, meaning a later AsrFinal for it must start a fresh segment rather
// than be treated as its continuation.
func (e *ForcedCommitEngine) IsIsolated(segID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isolatedSegments[segID]
}

// ForgetSegment drops bookkeeping for a segment once it can no longer
// receive a continuation.
func (e *ForcedCommitEngine) ForgetSegment(segID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.isolatedSegments, segID)
}
