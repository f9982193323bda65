package relay

import (
	"sync"
	"time"
)

// pendingFinalState is one segment's buffered-but-not-yet-committed Final:
// the text a fresh ASR Final arrived with, held open for a bounded window in
// case a trailing partial or a follow-on Final extends it.
type pendingFinalState struct {
	text              string
	firstSeenAt       time.Time
	extendedWaitCount int
}

// FinalOutcome is what HandleFinal reports back about a newly-arrived,
// non-forced Final.
type FinalOutcome int

const (
	// FinalBuffered means the Final (or its merge into an existing
	// pendingFinal) is now buffered; no candidate is ready to submit.
	FinalBuffered FinalOutcome = iota
	// FinalReadyNow means the engine gave up waiting on an old pendingFinal:
	// the caller must commit ReadyText immediately as the OLD segment's
	// text, then re-submit the triggering Final to start a fresh segment.
	FinalReadyNow
)

// FinalizationEngine owns the single reschedulable "time's up, commit what
// we have" timer for one active segment, and the pendingFinal wait-window
// policy: a Final is never committed the instant it arrives. It is buffered
// and given a bounded chance to be extended by trailing partials or a
// continuation Final before being handed off.
//
// Before any Final lands, the same timer serves as a liveness backstop: if
// the recognizer never produces a Final at all, the wait elapsing promotes
// the best tracked partial to a Recovery candidate instead.
//
// Grounded on ManagedStream's single-timer-per-stream idiom
// (pkg/orchestrator/managed_stream.go): one time.Timer, rearmed fresh rather
// than Reset, instead of a goroutine sleeping per event.
type FinalizationEngine struct {
	mu sync.Mutex

	cfg     Config
	logger  Logger
	tracker *PartialTracker

	onRecoveryWait func()
	onSubmit       func(text string)

	timer      *time.Timer
	armedAt    time.Time
	deadline   time.Time
	generation int

	pending *pendingFinalState
}

// NewFinalizationEngine wires cfg's timings and tracker's partial history
// behind the wait-window policy below. onRecoveryWait fires when no Final
// ever arrives and the backstop deadline elapses; onSubmit fires once a
// pendingFinal's wait window closes and text should be committed as an
// AsrFinal candidate.
func NewFinalizationEngine(cfg Config, logger Logger, tracker *PartialTracker, onRecoveryWait func(), onSubmit func(text string)) *FinalizationEngine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &FinalizationEngine{
		cfg:            cfg,
		logger:         logger,
		tracker:        tracker,
		onRecoveryWait: onRecoveryWait,
		onSubmit:       onSubmit,
	}
}

// computeBaseWait is the base-wait table: longer finals get a longer base
// wait, capped at 3500ms.
func computeBaseWait(text string) time.Duration {
	n := len(text)
	switch {
	case n > 300:
		ms := 1000 + 3*(n-300)
		if ms > 3500 {
			ms = 3500
		}
		return time.Duration(ms) * time.Millisecond
	case n > 200:
		return 1800 * time.Millisecond
	default:
		return 1000 * time.Millisecond
	}
}

// computeWait extends the base wait for an incomplete sentence (clamped to
// 4000-8000ms) and raises the floor to 1200ms for text ending mid-word.
func computeWait(text string) time.Duration {
	wait := computeBaseWait(text)
	if !endsWithCompleteSentence(text) {
		clamped := 20 * len(text)
		if clamped < 4000 {
			clamped = 4000
		}
		if clamped > 8000 {
			clamped = 8000
		}
		if extended := time.Duration(clamped) * time.Millisecond; extended > wait {
			wait = extended
		}
	}
	if endsMidWord(text) && wait < 1200*time.Millisecond {
		wait = 1200 * time.Millisecond
	}
	return wait
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if hi < lo {
		return hi
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extendsOrMerges reports whether candidate extends prev, trying the plain
// extension match first and an overlap merge second.
func extendsOrMerges(prev, candidate string) (string, bool) {
	if extends(candidate, prev) {
		return candidate, true
	}
	if merged, ok := mergeWithOverlap(prev, candidate); ok {
		return merged, true
	}
	return "", false
}

// preExtendLocked pre-extends text using the partial tracker: the longest
// tracked partial (10s window) first, then the latest (5s window), then a
// last-resort overlap merge requiring a >=3 char gain.
func (e *FinalizationEngine) preExtendLocked(text string) string {
	if e.tracker == nil {
		return text
	}
	if ext := e.tracker.CheckLongestExtends(text, 10*time.Second); ext.Extends {
		e.logger.Debug("finalization: pre-extended from longest partial", "missingWords", ext.MissingWords)
		return ext.ExtendedText
	}
	if ext := e.tracker.CheckLatestExtends(text, 5*time.Second); ext.Extends {
		e.logger.Debug("finalization: pre-extended from latest partial", "missingWords", ext.MissingWords)
		return ext.ExtendedText
	}
	snap := e.tracker.GetSnapshot()
	for _, cand := range []string{snap.LongestText, snap.LatestText} {
		if cand == "" {
			continue
		}
		if merged, ok := mergeWithOverlap(text, cand); ok && len(merged) >= len(text)+3 {
			return merged
		}
	}
	return text
}

// HandleFinal applies the pendingFinal update rule to a newly-arrived,
// non-forced Final. See FinalOutcome for what the two return values mean.
func (e *FinalizationEngine) HandleFinal(text string) (readyText string, outcome FinalOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		extended := e.preExtendLocked(text)
		e.startPendingLocked(extended)
		return "", FinalBuffered
	}

	prevText := e.pending.text
	if merged, ok := extendsOrMerges(prevText, text); ok {
		e.pending.text = merged
		e.rearmForTextLocked(merged)
		return "", FinalBuffered
	}

	elapsed := time.Since(e.pending.firstSeenAt)
	if elapsed < 600*time.Millisecond {
		return "", FinalBuffered
	}
	if !endsWithCompleteSentence(prevText) && e.pending.extendedWaitCount == 0 && elapsed < 3000*time.Millisecond {
		e.pending.extendedWaitCount++
		return "", FinalBuffered
	}

	// Give up on the pending final: upgrade it one last time, hand it to
	// the caller to commit, and clear all state. The incoming text is not
	// buffered here; the caller re-submits it once the old segment closes.
	upgraded := e.preExtendLocked(prevText)
	e.pending = nil
	e.disarmLocked()
	return upgraded, FinalReadyNow
}

// HandlePartialWhilePending applies the partial-arrives-while-pending rule.
// It reports whether a pendingFinal currently exists: when true, partialText
// was absorbed into pendingFinal bookkeeping and the caller should not treat
// it as an ordinary partial update.
func (e *FinalizationEngine) HandlePartialWhilePending(partialText string) (absorbed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return false
	}

	prevText := e.pending.text
	if merged, ok := extendsOrMerges(prevText, partialText); ok {
		e.pending.text = merged
		e.rearmForTextLocked(merged)
		return true
	}

	elapsed := time.Since(e.pending.firstSeenAt)
	if !endsWithCompleteSentence(prevText) && elapsed < 5*time.Second {
		remaining := e.cfg.MaxFinalizationWait - elapsed
		wait := clampDuration(2500*time.Millisecond-elapsed, 1000*time.Millisecond, remaining)
		e.setTimerLocked(wait, time.Now().Add(wait))
	}
	return true
}

func (e *FinalizationEngine) startPendingLocked(text string) {
	now := time.Now()
	e.pending = &pendingFinalState{text: text, firstSeenAt: now}
	wait := computeWait(text)
	e.setTimerLocked(wait, now.Add(wait))
}

func (e *FinalizationEngine) rearmForTextLocked(text string) {
	wait := computeWait(text)
	e.setTimerLocked(wait, time.Now().Add(wait))
}

// Arm starts the liveness backstop timer directly, for a segment that has
// partial activity but no pendingFinal yet.
func (e *FinalizationEngine) Arm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armLocked(e.cfg.MaxFinalizationWait)
}

// Reschedule pushes the backstop deadline out again, capped at armedAt +
// MaxFinalizationWait + RescheduleCap. Callers must only call this while no
// pendingFinal exists (HandlePartialWhilePending reports that).
func (e *FinalizationEngine) Reschedule() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armedAt.IsZero() {
		e.armLocked(e.cfg.MaxFinalizationWait)
		return
	}
	hardCutoff := e.armedAt.Add(e.cfg.MaxFinalizationWait + e.cfg.RescheduleCap)
	want := time.Now().Add(e.cfg.MaxFinalizationWait)
	if want.After(hardCutoff) {
		want = hardCutoff
	}
	remaining := time.Until(want)
	if remaining < 0 {
		remaining = 0
	}
	e.setTimerLocked(remaining, want)
}

func (e *FinalizationEngine) armLocked(wait time.Duration) {
	e.armedAt = time.Now()
	e.setTimerLocked(wait, e.armedAt.Add(wait))
}

func (e *FinalizationEngine) setTimerLocked(wait time.Duration, deadline time.Time) {
	e.deadline = deadline
	e.generation++
	gen := e.generation
	if e.timer != nil {
		e.timer.Stop()
	}
	// A plain Reset would keep firing the old closure's captured
	// generation, which fire() would then reject as stale. Rearm fresh so
	// the fired generation always matches the one this call just bumped.
	e.timer = time.AfterFunc(wait, func() { e.fire(gen) })
}

// fire runs off the timer goroutine. With no pendingFinal, it is the
// liveness backstop: call onRecoveryWait. With a pendingFinal, it re-scans
// the tracker for a fresh extension, then either submits (sentence-complete
// or the hard ceiling reached) or reschedules, capped at 4000ms per
// reschedule.
func (e *FinalizationEngine) fire(generation int) {
	e.mu.Lock()
	if generation != e.generation {
		e.mu.Unlock()
		return // superseded by a later HandleFinal/Reschedule/Cancel
	}

	if e.pending == nil {
		e.mu.Unlock()
		if e.onRecoveryWait != nil {
			e.onRecoveryWait()
		}
		return
	}

	text := e.preExtendLocked(e.pending.text)
	e.pending.text = text
	elapsedSinceFirst := time.Since(e.pending.firstSeenAt)
	ready := endsWithCompleteSentence(text) || elapsedSinceFirst >= e.cfg.MaxFinalizationWait

	if ready {
		e.pending = nil
		e.disarmLocked()
		e.mu.Unlock()
		e.onSubmit(text)
		return
	}

	remaining := e.cfg.MaxFinalizationWait - elapsedSinceFirst
	wait := clampDuration(4000*time.Millisecond, 0, remaining)
	e.setTimerLocked(wait, time.Now().Add(wait))
	e.mu.Unlock()
}

// Cancel disarms the timer and drops any pendingFinal. Must be called once
// a segment is finalized through any path (ASR, Forced, or Recovery) so a
// stale wait can't fire for a segment that's already closed.
func (e *FinalizationEngine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	e.disarmLocked()
}

func (e *FinalizationEngine) disarmLocked() {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
	}
	e.armedAt = time.Time{}
	e.deadline = time.Time{}
}

// Deadline reports the currently armed deadline, or the zero time if
// disarmed.
func (e *FinalizationEngine) Deadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}

// HasPending reports whether a pendingFinal is currently buffered.
func (e *FinalizationEngine) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}
