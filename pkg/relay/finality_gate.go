package relay

import (
	"sync"
	"time"
)

// segmentState is the Finality Gate's per-segment bookkeeping.
type segmentState struct {
	recoveryPending  bool
	recoveryResolved bool
	bestCandidate    *CommitCandidate
	finalized        bool
	closed           bool

	committedFinalCount int
	sawFinalFromAsr     bool
	sawRecoveryResolved bool

	finalizedText    string
	finalizeCommitID string
	finalizeAt       time.Time

	watchdog *time.Timer
}

// FinalityGate is the single linearization point for per-segment commits:
// it enforces priority dominance across the four concurrent candidate
// producers (Grammar, Forced, Recovery, AsrFinal) and the
// exactly-one-commit invariant, backed by a recovery-timeout watchdog
// that re-posts a stuck finalized segment.
//
// Grounded in shape on the echo suppressor's bounded mutex-guarded map
// (pkg/orchestrator/echo_suppression.go), generalized from a fixed ring of
// recent TTS phrases to a segment-id-keyed state machine with its own
// per-entry watchdog timer.
type FinalityGate struct {
	mu       sync.Mutex
	segments map[string]*segmentState

	recoveryWatchdog time.Duration
	logger           Logger
	// onRecoveryTimeout is invoked with the re-posted Recovery candidate
	// when a finalized segment's watchdog fires before it was committed.
	onRecoveryTimeout func(CommitCandidate)
}

// NewFinalityGate returns a gate whose recovery watchdog fires after
// recoveryWatchdog once a segment is finalized without being committed.
func NewFinalityGate(recoveryWatchdog time.Duration, logger Logger, onRecoveryTimeout func(CommitCandidate)) *FinalityGate {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &FinalityGate{
		segments:          make(map[string]*segmentState),
		recoveryWatchdog:  recoveryWatchdog,
		logger:            logger,
		onRecoveryTimeout: onRecoveryTimeout,
	}
}

func (g *FinalityGate) getOrCreateLocked(segID string) *segmentState {
	s, ok := g.segments[segID]
	if !ok {
		s = &segmentState{}
		g.segments[segID] = s
	}
	return s
}

// MarkRecoveryPending sets the recovery-pending flag for segID. While set,
// Grammar and Forced candidates are rejected by CanCommit.
func (g *FinalityGate) MarkRecoveryPending(segID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.getOrCreateLocked(segID)
	s.recoveryPending = true
}

// MarkRecoveryComplete clears recoveryPending and sets recoveryResolved. If
// the segment already has a bestCandidate and isn't finalized, it returns
// that candidate so the caller can immediately finalize (the liveness
// guarantee that recovery must never strand a segment unfinalized).
func (g *FinalityGate) MarkRecoveryComplete(segID string) *CommitCandidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.getOrCreateLocked(segID)
	s.recoveryPending = false
	s.recoveryResolved = true
	if s.bestCandidate != nil && !s.finalized {
		c := *s.bestCandidate
		return &c
	}
	return nil
}

// CanCommit reports whether candidate is currently eligible to be
// finalized for its segment.
func (g *FinalityGate) CanCommit(candidate CommitCandidate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.getOrCreateLocked(candidate.SegmentID)
	if s.finalized {
		return false
	}
	if candidate.Source == SourceRecovery || candidate.Source == SourceAsrFinal {
		return true
	}
	if s.recoveryPending {
		return false
	}
	return true
}

// SubmitCandidate always updates bestCandidate if candidate is strictly
// better (higher priority, or same priority and longer text), and reports
// {canCommit, accepted}.
func (g *FinalityGate) SubmitCandidate(candidate CommitCandidate) (canCommit bool, accepted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.getOrCreateLocked(candidate.SegmentID)

	if candidate.Source == SourceAsrFinal {
		s.sawFinalFromAsr = true
	}

	if candidate.betterThan(s.bestCandidate) {
		c := candidate
		s.bestCandidate = &c
		accepted = true
	}

	canCommit = !s.finalized && (candidate.Source == SourceRecovery || candidate.Source == SourceAsrFinal || !s.recoveryPending)
	return canCommit, accepted
}

// FinalizeSegment marks the segment finalized using its current
// bestCandidate, arms the recovery watchdog, and returns the candidate
// that was finalized (nil if there was no candidate yet).
func (g *FinalityGate) FinalizeSegment(segID, commitID string) *CommitCandidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.getOrCreateLocked(segID)
	if s.bestCandidate == nil {
		return nil
	}

	s.finalized = true
	s.recoveryPending = false
	if s.bestCandidate.Source == SourceRecovery {
		s.sawRecoveryResolved = true
	}
	s.finalizedText = s.bestCandidate.Text
	s.finalizeCommitID = commitID
	s.finalizeAt = time.Now()

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = time.AfterFunc(g.recoveryWatchdog, func() { g.fireWatchdog(segID) })

	c := *s.bestCandidate
	return &c
}

func (g *FinalityGate) fireWatchdog(segID string) {
	g.mu.Lock()
	s, ok := g.segments[segID]
	if !ok || !s.finalized || s.committedFinalCount != 0 {
		g.mu.Unlock()
		return
	}
	text := s.finalizedText
	g.logger.Warn("finality gate: recovery watchdog tripped, re-posting", "segmentId", segID)
	g.mu.Unlock()

	if g.onRecoveryTimeout != nil {
		g.onRecoveryTimeout(CommitCandidate{
			Text:      text,
			Source:    SourceRecovery,
			SegmentID: segID,
			Timestamp: time.Now(),
		})
	}
}

// MarkCommitted is called by the broadcaster after a successful emit. It
// increments committedFinalCount, disarms the watchdog, and reports
// whether the exactly-one-commit invariant still holds for this segment —
// false signals a bug to log, never a user-visible fault.
func (g *FinalityGate) MarkCommitted(segID, commitID string) (invariantHeld bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.segments[segID]
	if !ok {
		return true
	}
	s.committedFinalCount++
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.sawFinalFromAsr || s.sawRecoveryResolved {
		return s.committedFinalCount == 1
	}
	return true
}

// CloseSegment is idempotent: if recovery is still pending it defers
// closing; otherwise it finalizes any remaining bestCandidate and marks
// the segment closed, returning that final candidate if one was produced.
func (g *FinalityGate) CloseSegment(segID, commitID string) *CommitCandidate {
	g.mu.Lock()
	s := g.getOrCreateLocked(segID)
	if s.recoveryPending {
		g.mu.Unlock()
		return nil
	}
	if s.closed {
		g.mu.Unlock()
		return nil
	}
	s.closed = true
	alreadyFinalized := s.finalized
	best := s.bestCandidate
	g.mu.Unlock()

	if alreadyFinalized || best == nil {
		return nil
	}
	return g.FinalizeSegment(segID, commitID)
}

// Forget drops all bookkeeping for a segment that can no longer receive
// any further candidate.
func (g *FinalityGate) Forget(segID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.segments[segID]; ok && s.watchdog != nil {
		s.watchdog.Stop()
	}
	delete(g.segments, segID)
}
