package relay

import (
	"testing"
	"time"
)

func TestPartialTracker_UpdatePartialTracksLatestAndLongest(t *testing.T) {
	tr := NewPartialTracker()

	tr.UpdatePartial("hello")
	tr.UpdatePartial("hello there")
	tr.UpdatePartial("hi") // shorter than the previous longest

	snap := tr.GetSnapshot()
	if snap.LatestText != "hi" {
		t.Errorf("latest should always be the most recent update, got %q", snap.LatestText)
	}
	if snap.LongestText != "hello there" {
		t.Errorf("longest must stay the lexically longest seen since reset, got %q", snap.LongestText)
	}
}

func TestPartialTracker_ResetClearsBothFields(t *testing.T) {
	tr := NewPartialTracker()
	tr.UpdatePartial("some text")
	tr.Reset()

	snap := tr.GetSnapshot()
	if snap.LatestText != "" || snap.LongestText != "" {
		t.Errorf("expected empty snapshot after Reset, got %+v", snap)
	}
	if !snap.LatestTime.IsZero() || !snap.LongestTime.IsZero() {
		t.Error("expected zero timestamps after Reset")
	}
}

func TestPartialTracker_CheckLongestExtends(t *testing.T) {
	tr := NewPartialTracker()
	tr.UpdatePartial("the weather today is")
	tr.UpdatePartial("the weather today is quite nice")

	ext := tr.CheckLongestExtends("the weather today is", time.Second)
	if !ext.Extends {
		t.Fatal("expected the longest tracked partial to extend the shorter base")
	}
	if ext.ExtendedText != "the weather today is quite nice" {
		t.Errorf("got %q", ext.ExtendedText)
	}
}

func TestPartialTracker_CheckLongestExtendsRespectsMaxAge(t *testing.T) {
	tr := NewPartialTracker()
	tr.UpdatePartial("the weather today is quite nice indeed")

	ext := tr.CheckLongestExtends("the weather today is", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	ext = tr.CheckLongestExtends("the weather today is", time.Millisecond)
	if ext.Extends {
		t.Error("a stale tracked partial past maxAge must not be reported as extending")
	}
}

func TestPartialTracker_CheckLongestExtendsRejectsShorterThanBase(t *testing.T) {
	tr := NewPartialTracker()
	tr.UpdatePartial("short")

	ext := tr.CheckLongestExtends("a much longer base sentence than the tracked partial", time.Second)
	if ext.Extends {
		t.Error("a tracked partial no longer than base must never be reported as extending it")
	}
}

func TestPartialTracker_CheckLatestExtendsUsesMostRecent(t *testing.T) {
	tr := NewPartialTracker()
	tr.UpdatePartial("hello world this is a long partial")
	tr.UpdatePartial("hello world")

	ext := tr.CheckLatestExtends("hello", time.Second)
	if !ext.Extends || ext.ExtendedText != "hello world" {
		t.Errorf("expected CheckLatestExtends to use the most recent update, got %+v", ext)
	}

	longestExt := tr.CheckLongestExtends("hello", time.Second)
	if !longestExt.Extends || longestExt.ExtendedText != "hello world this is a long partial" {
		t.Errorf("expected CheckLongestExtends to still use the longest seen, got %+v", longestExt)
	}
}

func TestPartialTracker_MergeWithOverlapDelegates(t *testing.T) {
	tr := NewPartialTracker()
	got, ok := tr.MergeWithOverlap("I went to the store", "the store was closed")
	if !ok || got != "I went to the store was closed" {
		t.Errorf("got (%q, %v)", got, ok)
	}
}
