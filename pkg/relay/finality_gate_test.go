package relay

import (
	"testing"
	"time"
)

func TestFinalityGate_SubmitCandidateTracksBest(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)

	canCommit, accepted := g.SubmitCandidate(CommitCandidate{Text: "hello", Source: SourceAsrFinal, SegmentID: "s1", Timestamp: time.Now()})
	if !canCommit || !accepted {
		t.Fatalf("expected first candidate to be accepted and committable, got canCommit=%v accepted=%v", canCommit, accepted)
	}
}

func TestFinalityGate_HigherPriorityReplacesLower(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)

	g.SubmitCandidate(CommitCandidate{Text: "hi", Source: SourceGrammar, SegmentID: "s1", Timestamp: time.Now()})
	_, accepted := g.SubmitCandidate(CommitCandidate{Text: "hi there", Source: SourceAsrFinal, SegmentID: "s1", Timestamp: time.Now()})
	if !accepted {
		t.Fatal("expected AsrFinal to replace Grammar as bestCandidate")
	}

	final := g.FinalizeSegment("s1", "commit-1")
	if final == nil || final.Source != SourceAsrFinal {
		t.Fatalf("expected finalized candidate to be the AsrFinal one, got %v", final)
	}
}

func TestFinalityGate_LowerPriorityCannotReplace(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)

	g.SubmitCandidate(CommitCandidate{Text: "hi there", Source: SourceAsrFinal, SegmentID: "s1", Timestamp: time.Now()})
	_, accepted := g.SubmitCandidate(CommitCandidate{Text: "hi there friend", Source: SourceGrammar, SegmentID: "s1", Timestamp: time.Now()})
	if accepted {
		t.Error("lower priority candidate must not replace a higher priority bestCandidate")
	}
}

func TestFinalityGate_RecoveryDominance(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)
	seg := "s1"

	g.MarkRecoveryPending(seg)

	if g.CanCommit(CommitCandidate{Text: "grammar fix", Source: SourceGrammar, SegmentID: seg}) {
		t.Error("Grammar must not be committable while recovery is pending")
	}
	if g.CanCommit(CommitCandidate{Text: "forced text", Source: SourceForced, SegmentID: seg}) {
		t.Error("Forced must not be committable while recovery is pending")
	}
	if !g.CanCommit(CommitCandidate{Text: "recovered", Source: SourceRecovery, SegmentID: seg}) {
		t.Error("Recovery must always be committable")
	}
	if !g.CanCommit(CommitCandidate{Text: "asr final", Source: SourceAsrFinal, SegmentID: seg}) {
		t.Error("AsrFinal must always be committable")
	}
}

func TestFinalityGate_FinalizeRejectsSubsequentCandidates(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)
	seg := "s1"

	g.SubmitCandidate(CommitCandidate{Text: "done", Source: SourceAsrFinal, SegmentID: seg})
	final := g.FinalizeSegment(seg, "commit-1")
	if final == nil || final.Text != "done" {
		t.Fatalf("expected finalize to return the best candidate, got %v", final)
	}

	if g.CanCommit(CommitCandidate{Text: "anything", Source: SourceAsrFinal, SegmentID: seg}) {
		t.Error("finalized segment must reject every further candidate")
	}
}

func TestFinalityGate_MarkCommittedInvariant(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)
	seg := "s1"

	g.SubmitCandidate(CommitCandidate{Text: "done", Source: SourceAsrFinal, SegmentID: seg})
	g.FinalizeSegment(seg, "commit-1")

	if held := g.MarkCommitted(seg, "commit-1"); !held {
		t.Error("exactly-one-commit invariant should hold after a single MarkCommitted call")
	}
	if held := g.MarkCommitted(seg, "commit-1"); held {
		t.Error("exactly-one-commit invariant should be violated by a second MarkCommitted call")
	}
}

func TestFinalityGate_RecoveryWatchdogRepostsUncommitted(t *testing.T) {
	reposted := make(chan CommitCandidate, 1)
	g := NewFinalityGate(20*time.Millisecond, nil, func(c CommitCandidate) {
		reposted <- c
	})
	seg := "s1"

	g.SubmitCandidate(CommitCandidate{Text: "stuck", Source: SourceAsrFinal, SegmentID: seg})
	g.FinalizeSegment(seg, "commit-1")
	// Deliberately never call MarkCommitted, simulating a broadcast that
	// never landed.

	select {
	case c := <-reposted:
		if c.Text != "stuck" || c.Source != SourceRecovery {
			t.Errorf("expected reposted Recovery candidate with original text, got %+v", c)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("recovery watchdog never fired")
	}
}

func TestFinalityGate_MarkCommittedDisarmsWatchdog(t *testing.T) {
	reposted := make(chan CommitCandidate, 1)
	g := NewFinalityGate(20*time.Millisecond, nil, func(c CommitCandidate) {
		reposted <- c
	})
	seg := "s1"

	g.SubmitCandidate(CommitCandidate{Text: "done", Source: SourceAsrFinal, SegmentID: seg})
	g.FinalizeSegment(seg, "commit-1")
	g.MarkCommitted(seg, "commit-1")

	select {
	case c := <-reposted:
		t.Errorf("watchdog should have been disarmed by MarkCommitted, got repost %+v", c)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestFinalityGate_MarkRecoveryCompleteReturnsLiveCandidate(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)
	seg := "s1"

	g.MarkRecoveryPending(seg)
	g.SubmitCandidate(CommitCandidate{Text: "queued while pending", Source: SourceRecovery, SegmentID: seg})

	resolved := g.MarkRecoveryComplete(seg)
	if resolved == nil || resolved.Text != "queued while pending" {
		t.Fatalf("expected MarkRecoveryComplete to surface the pending best candidate, got %v", resolved)
	}
}

func TestFinalityGate_CloseSegmentDefersWhileRecoveryPending(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)
	seg := "s1"

	g.MarkRecoveryPending(seg)
	g.SubmitCandidate(CommitCandidate{Text: "partial commit", Source: SourceRecovery, SegmentID: seg})

	if final := g.CloseSegment(seg, "commit-1"); final != nil {
		t.Errorf("CloseSegment must defer while recovery is pending, got %v", final)
	}
}

func TestFinalityGate_CloseSegmentIsIdempotent(t *testing.T) {
	g := NewFinalityGate(3*time.Second, nil, nil)
	seg := "s1"

	g.SubmitCandidate(CommitCandidate{Text: "done", Source: SourceAsrFinal, SegmentID: seg})
	first := g.CloseSegment(seg, "commit-1")
	if first == nil {
		t.Fatal("expected first CloseSegment to finalize the segment")
	}

	second := g.CloseSegment(seg, "commit-2")
	if second != nil {
		t.Errorf("second CloseSegment call must be a no-op, got %v", second)
	}
}
