package relay

import (
	"testing"
	"time"
)

func testFinalizationConfig(wait, cap time.Duration) Config {
	cfg := DefaultConfig()
	cfg.MaxFinalizationWait = wait
	cfg.RescheduleCap = cap
	return cfg
}

func TestFinalizationEngine_BackstopFiresAfterMaxWait(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := NewFinalizationEngine(testFinalizationConfig(30*time.Millisecond, 100*time.Millisecond), nil, NewPartialTracker(),
		func() { fired <- struct{}{} }, func(string) {})

	e.Arm()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected the engine to fire after MaxFinalizationWait")
	}
}

func TestFinalizationEngine_CancelPreventsBackstopFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := NewFinalizationEngine(testFinalizationConfig(30*time.Millisecond, 100*time.Millisecond), nil, NewPartialTracker(),
		func() { fired <- struct{}{} }, func(string) {})

	e.Arm()
	e.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled engine must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFinalizationEngine_RescheduleDelaysBackstopFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := NewFinalizationEngine(testFinalizationConfig(40*time.Millisecond, time.Second), nil, NewPartialTracker(),
		func() { fired <- struct{}{} }, func(string) {})

	start := time.Now()
	e.Arm()
	time.Sleep(20 * time.Millisecond)
	e.Reschedule() // should push the deadline out again

	select {
	case <-fired:
		elapsed := time.Since(start)
		if elapsed < 50*time.Millisecond {
			t.Errorf("fired too early after reschedule: %v", elapsed)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected the engine to eventually fire after reschedule")
	}
}

func TestFinalizationEngine_RescheduleBoundedByCap(t *testing.T) {
	fired := make(chan struct{}, 1)
	wait := 30 * time.Millisecond
	cap := 20 * time.Millisecond
	e := NewFinalizationEngine(testFinalizationConfig(wait, cap), nil, NewPartialTracker(),
		func() { fired <- struct{}{} }, func(string) {})

	start := time.Now()
	e.Arm()

	// Keep rescheduling well past the original wait; the hard cutoff is
	// armedAt + wait + cap, so firing must never be pushed out past that.
	stop := time.After(60 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			e.Reschedule()
			time.Sleep(5 * time.Millisecond)
		}
	}

	select {
	case <-fired:
		elapsed := time.Since(start)
		if elapsed > wait+cap+50*time.Millisecond {
			t.Errorf("fire was not bounded by RescheduleCap: elapsed %v", elapsed)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("engine never fired despite the reschedule cap")
	}
}

func TestFinalizationEngine_DeadlineReflectsArmState(t *testing.T) {
	e := NewFinalizationEngine(testFinalizationConfig(time.Second, time.Second), nil, NewPartialTracker(), func() {}, func(string) {})

	if !e.Deadline().IsZero() {
		t.Error("expected a zero deadline before Arm")
	}

	e.Arm()
	if e.Deadline().IsZero() {
		t.Error("expected a non-zero deadline after Arm")
	}

	e.Cancel()
	if !e.Deadline().IsZero() {
		t.Error("expected a zero deadline after Cancel")
	}
}

func TestFinalizationEngine_HandleFinalBuffersAndArmsPending(t *testing.T) {
	e := NewFinalizationEngine(testFinalizationConfig(time.Second, time.Second), nil, NewPartialTracker(), func() {}, func(string) {})

	readyText, outcome := e.HandleFinal("short final")
	if outcome != FinalBuffered {
		t.Fatalf("expected FinalBuffered, got %v (readyText=%q)", outcome, readyText)
	}
	if !e.HasPending() {
		t.Error("expected a pendingFinal after the first Final")
	}
	if e.Deadline().IsZero() {
		t.Error("expected the wait-window timer to be armed")
	}
}

func TestFinalizationEngine_HandleFinalExtendsPending(t *testing.T) {
	e := NewFinalizationEngine(testFinalizationConfig(time.Second, time.Second), nil, NewPartialTracker(), func() {}, func(string) {})

	e.HandleFinal("we saw two")
	readyText, outcome := e.HandleFinal("we saw two or three")
	if outcome != FinalBuffered {
		t.Fatalf("expected the extension to stay buffered, got %v (readyText=%q)", outcome, readyText)
	}
}

func TestFinalizationEngine_HandleFinalGivesUpOnUnrelatedFinalAfterWindow(t *testing.T) {
	e := NewFinalizationEngine(testFinalizationConfig(time.Second, time.Second), nil, NewPartialTracker(), func() {}, func(string) {})

	e.HandleFinal("completely different sentence.") // ends with a complete sentence
	time.Sleep(650 * time.Millisecond)              // clear the 600ms too-soon floor

	readyText, outcome := e.HandleFinal("a totally unrelated utterance")
	if outcome != FinalReadyNow {
		t.Fatalf("expected FinalReadyNow once the pending final is sentence-complete, got %v", outcome)
	}
	if readyText == "" {
		t.Error("expected the old pendingFinal's text to be returned")
	}
	if e.HasPending() {
		t.Error("expected no pendingFinal until the caller re-submits the incoming final")
	}
}

func TestFinalizationEngine_TimerFireSubmitsOnSentenceComplete(t *testing.T) {
	submitted := make(chan string, 1)
	e := NewFinalizationEngine(testFinalizationConfig(10*time.Second, 4*time.Second), nil, NewPartialTracker(), func() {}, func(text string) {
		submitted <- text
	})

	e.HandleFinal("short.")

	select {
	case text := <-submitted:
		if text != "short." {
			t.Errorf("expected submitted text %q, got %q", "short.", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a complete-sentence final to submit after its (short) base wait")
	}
	if e.HasPending() {
		t.Error("expected pendingFinal to be cleared after submit")
	}
}

func TestFinalizationEngine_HandlePartialWhilePendingExtendsAndRearms(t *testing.T) {
	e := NewFinalizationEngine(testFinalizationConfig(time.Second, time.Second), nil, NewPartialTracker(), func() {}, func(string) {})

	e.HandleFinal("we saw two")
	if absorbed := e.HandlePartialWhilePending("we saw two or three"); !absorbed {
		t.Fatal("expected the partial to be absorbed into the pendingFinal")
	}
}

func TestFinalizationEngine_HandlePartialWhilePendingIgnoresWhenNoPending(t *testing.T) {
	e := NewFinalizationEngine(testFinalizationConfig(time.Second, time.Second), nil, NewPartialTracker(), func() {}, func(string) {})

	if absorbed := e.HandlePartialWhilePending("anything"); absorbed {
		t.Fatal("expected no absorption without a pendingFinal")
	}
}

func TestComputeWait_BaseWaitTable(t *testing.T) {
	short := computeBaseWait("short but complete.")
	if short != 1000*time.Millisecond {
		t.Errorf("expected 1000ms base wait for a short final, got %v", short)
	}

	mid := computeBaseWait(string(make([]byte, 250)) + ".")
	if mid != 1800*time.Millisecond {
		t.Errorf("expected 1800ms base wait for a 200-300 char final, got %v", mid)
	}

	long := computeBaseWait(string(make([]byte, 1200)) + ".")
	if long != 3500*time.Millisecond {
		t.Errorf("expected the 3500ms cap for a long final, got %v", long)
	}
}

func TestComputeWait_MidWordFloor(t *testing.T) {
	wait := computeWait("complete")
	if wait < 1200*time.Millisecond {
		t.Errorf("expected at least a 1200ms floor for mid-word text, got %v", wait)
	}
}
