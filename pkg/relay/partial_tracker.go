package relay

import (
	"sync"
	"time"
)

// PartialTracker tracks, per active utterance, the most recent partial and
// the longest partial ever seen since the last commit.
//
// There is no teacher analog for this — the orchestrator handed whole
// utterances straight to STT and never needed to reconcile interim
// transcripts against each other. It follows the orchestrator's general
// shape anyway: a small struct guarded by one mutex, pure-function helpers
// alongside it (see vad.go for the model).
type PartialTracker struct {
	mu sync.Mutex

	latestText string
	latestAt   time.Time

	longestText string
	longestAt   time.Time
}

// NewPartialTracker returns an empty tracker.
func NewPartialTracker() *PartialTracker {
	return &PartialTracker{}
}

// UpdatePartial records text as the latest partial, and as the longest if
// it is strictly longer than the current longest.
func (t *PartialTracker) UpdatePartial(text string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latestText = text
	t.latestAt = now

	if len(text) > len(t.longestText) {
		t.longestText = text
		t.longestAt = now
	}
}

// Reset clears all fields. Must only be called immediately after a commit
// or before starting a new segment.
func (t *PartialTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latestText = ""
	t.latestAt = time.Time{}
	t.longestText = ""
	t.longestAt = time.Time{}
}

// Snapshot is the stable, immutable view returned by GetSnapshot.
type Snapshot struct {
	LatestText  string
	LatestTime  time.Time
	LongestText string
	LongestTime time.Time
}

// GetSnapshot returns a stable view of all four tracked fields, used when
// finalization needs a consistent read.
func (t *PartialTracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		LatestText:  t.latestText,
		LatestTime:  t.latestAt,
		LongestText: t.longestText,
		LongestTime: t.longestAt,
	}
}

// CheckLongestExtends returns whether the tracked longest partial extends
// base, is fresher than maxAge, and is strictly longer than base.
func (t *PartialTracker) CheckLongestExtends(base string, maxAge time.Duration) extensionResult {
	snap := t.GetSnapshot()
	return checkTrackedExtends(snap.LongestText, snap.LongestTime, base, maxAge)
}

// CheckLatestExtends is the same check against the tracked latest partial.
func (t *PartialTracker) CheckLatestExtends(base string, maxAge time.Duration) extensionResult {
	snap := t.GetSnapshot()
	return checkTrackedExtends(snap.LatestText, snap.LatestTime, base, maxAge)
}

func checkTrackedExtends(text string, at time.Time, base string, maxAge time.Duration) extensionResult {
	if text == "" || at.IsZero() {
		return extensionResult{}
	}
	if time.Since(at) > maxAge {
		return extensionResult{}
	}
	if len(text) <= len(base) {
		return extensionResult{}
	}
	return checkExtends(text, base)
}

// MergeWithOverlap exposes the package-level mergeWithOverlap algorithm as
// a tracker method.
func (t *PartialTracker) MergeWithOverlap(prev, next string) (string, bool) {
	return mergeWithOverlap(prev, next)
}
