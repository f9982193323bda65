package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one host connection's transcription/finalization pipeline:
// it owns the recognizer adapter, the partial/forced/finalization engines,
// the finality gate, the coordinator, and the broadcaster, and serializes
// every recognizer callback and timer fire through a single mutex.
// Translation and broadcast run in their own goroutines, outside it.
//
// Grounded on Orchestrator's top-level wiring shape
// (pkg/orchestrator/orchestrator.go): one struct holding every collaborator,
// constructed once per logical conversation and torn down as a unit.
type Session struct {
	ID         string
	SourceLang Language

	cfg    Config
	logger Logger

	mu sync.Mutex

	recognizer *RecognizerAdapter
	tracker    *PartialTracker
	finalizer  *FinalizationEngine
	forced     *ForcedCommitEngine
	gate       *FinalityGate
	coord      *Coordinator
	broadcast  *SequencedBroadcaster
	audioBuf   *RollingAudioBuffer

	targetLangs map[Language]bool

	curSegmentID string
	segSeq       atomic.Uint64

	closed bool
}

// SessionDeps bundles the external collaborators a Session needs that
// come from outside pkg/relay: injected collaborators with explicit
// lifecycle, not module-level state.
type SessionDeps struct {
	Backend          StreamRecognizer
	Translator       Translator
	GrammarCorrector GrammarCorrector
	Logger           Logger
}

// NewSession wires one session's full pipeline.
func NewSession(id string, sourceLang Language, cfg Config, deps SessionDeps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	s := &Session{
		ID:          id,
		SourceLang:  sourceLang,
		cfg:         cfg,
		logger:      logger,
		tracker:     NewPartialTracker(),
		targetLangs: make(map[Language]bool),
		audioBuf:    NewRollingAudioBuffer(cfg.RollingBufferWindow, 24000),
	}

	s.gate = NewFinalityGate(cfg.RecoveryWatchdog, logger, s.onRecoveryTimeout)
	s.broadcast = NewSequencedBroadcaster(s.gate)
	s.coord = NewCoordinator(cfg, deps.Translator, deps.GrammarCorrector, logger)
	s.finalizer = NewFinalizationEngine(cfg, logger, s.tracker, s.onRecoveryWaitElapsed, s.onFinalizationSubmit)
	s.forced = NewForcedCommitEngine(cfg.ForcedFinalMaxWait, s.onForcedCommit)
	s.recognizer = NewRecognizerAdapter(deps.Backend, cfg, logger, s.onRecognitionEvent)

	return s
}

// AddListener attaches a new subscriber for targetLang.
func (s *Session) AddListener(sub *Subscriber) {
	s.mu.Lock()
	s.targetLangs[sub.TargetLang] = true
	s.mu.Unlock()
	s.broadcast.Subscribe(sub)
}

// RemoveListener detaches a subscriber.
func (s *Session) RemoveListener(id string) {
	s.broadcast.Unsubscribe(id)
}

// Start initializes the recognizer for the session's source language.
func (s *Session) Start(ctx context.Context, allowEnglishFallback bool) error {
	return s.recognizer.Initialize(ctx, s.SourceLang, allowEnglishFallback)
}

// PushAudio feeds one decoded PCM chunk into the pipeline: the rolling
// buffer for recovery, and the recognizer adapter's jitter gate.
func (s *Session) PushAudio(pcm []byte) {
	s.audioBuf.Write(pcm)
	s.recognizer.ProcessAudio(pcm)
}

func (s *Session) activeTargets() []Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Language, 0, len(s.targetLangs))
	for l := range s.targetLangs {
		out = append(out, l)
	}
	return out
}

// ensureSegmentLocked assigns a fresh segmentId the moment a new pending
// utterance starts: the boundary is the partial-tracker reset point,
// promoted here to an explicit monotonic id.
func (s *Session) ensureSegmentLocked() string {
	if s.curSegmentID == "" {
		n := s.segSeq.Add(1)
		s.curSegmentID = fmt.Sprintf("%s-seg-%d-%s", s.ID, n, uuid.NewString()[:8])
	}
	return s.curSegmentID
}

func (s *Session) closeSegmentLocked() {
	seg := s.curSegmentID
	s.curSegmentID = ""
	if seg == "" {
		return
	}
	go func() {
		time.Sleep(s.cfg.ContinuationWindow)
		s.gate.Forget(seg)
		s.forced.ForgetSegment(seg)
		s.coord.ForgetSegment(seg)
	}()
}

// onRecognitionEvent is the RecognizerAdapter sink: the serialization
// point for every Partial/Final/Forced event.
func (s *Session) onRecognitionEvent(ev RecognitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case EventPartial:
		s.handlePartialLocked(ev.Text)
	case EventFinal:
		s.handleFinalLocked(ev.Text)
	case EventForced:
		s.handleForcedLocked(ev.Text)
	}
}

func (s *Session) handlePartialLocked(text string) {
	if handled := s.forced.HandlePartial(text); handled {
		return // absorbed into, or resolved, a pending Forced buffer
	}

	segID := s.ensureSegmentLocked()
	s.tracker.UpdatePartial(text)

	if absorbed := s.finalizer.HandlePartialWhilePending(text); absorbed {
		s.emitPartialLocked(segID, text, false)
		return
	}
	s.finalizer.Reschedule()

	s.emitPartialLocked(segID, text, false)
}

// handleFinalLocked buffers a non-forced Final as a pendingFinal instead of
// committing it synchronously, so a trailing partial or continuation Final
// still has a bounded chance to extend it. FinalReadyNow means the engine
// gave up on an older pendingFinal belonging to the segment that's still
// current; that one is committed first, then text starts a fresh segment.
func (s *Session) handleFinalLocked(text string) {
	if replacement, ok := s.forced.HandleFinal(text); ok {
		text = replacement
	}

	s.ensureSegmentLocked()
	readyText, outcome := s.finalizer.HandleFinal(text)
	if outcome == FinalReadyNow {
		s.submitAsrFinalLocked(readyText)
		s.finalizer.HandleFinal(text)
		s.ensureSegmentLocked()
	}
}

// submitAsrFinalLocked submits text as an AsrFinal candidate for the
// current segment and commits it if the finality gate accepts it.
func (s *Session) submitAsrFinalLocked(text string) {
	segID := s.curSegmentID
	if segID == "" {
		segID = s.ensureSegmentLocked()
	}
	isolated := s.forced.IsIsolated(segID)

	candidate := CommitCandidate{
		Text:      text,
		Source:    SourceAsrFinal,
		SegmentID: segID,
		Timestamp: time.Now(),
	}
	canCommit, _ := s.gate.SubmitCandidate(candidate)
	if !canCommit {
		return
	}
	s.commitLocked(segID, candidate, isolated)
}

// onFinalizationSubmit is FinalizationEngine's callback for a pendingFinal
// whose wait window closed on its own (timer fire), as opposed to being
// superseded synchronously by a new Final.
func (s *Session) onFinalizationSubmit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitAsrFinalLocked(text)
}

func (s *Session) handleForcedLocked(text string) {
	segID := s.ensureSegmentLocked()
	s.forced.HandleForced(segID, text, s.tracker)
	// A Forced event always resets the partial tracker, unconditionally,
	// to prevent cross-segment contamination.
	s.tracker.Reset()
}

// onForcedCommit is ForcedCommitEngine's commit callback.
func (s *Session) onForcedCommit(c CommitCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	canCommit, _ := s.gate.SubmitCandidate(c)
	if !canCommit {
		return
	}
	s.commitLocked(c.SegmentID, c, false)
}

// onRecoveryWaitElapsed fires when MaxFinalizationWait elapses with no
// Final having arrived at all (no pendingFinal ever got buffered). The best
// tracked partial is promoted to a Recovery candidate: the recognizer
// failed to deliver a commit in time, so the pipeline must make progress on
// its own.
func (s *Session) onRecoveryWaitElapsed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	segID := s.curSegmentID
	if segID == "" {
		return
	}
	snap := s.tracker.GetSnapshot()
	text := snap.LongestText
	if text == "" {
		text = snap.LatestText
	}
	if text == "" {
		return
	}

	s.gate.MarkRecoveryPending(segID)
	candidate := CommitCandidate{
		Text:      text,
		Source:    SourceRecovery,
		SegmentID: segID,
		Timestamp: time.Now(),
	}
	if resolved := s.gate.MarkRecoveryComplete(segID); resolved != nil {
		candidate = *resolved
	}
	canCommit, _ := s.gate.SubmitCandidate(candidate)
	if !canCommit {
		return
	}
	s.commitLocked(segID, candidate, false)
}

// onRecoveryTimeout is FinalityGate's watchdog callback: a segment was
// finalized but never committed within RecoveryWatchdog, so its text is
// re-posted as a fresh Recovery candidate.
func (s *Session) onRecoveryTimeout(c CommitCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	canCommit, _ := s.gate.SubmitCandidate(c)
	if !canCommit {
		return
	}
	s.commitLocked(c.SegmentID, c, false)
}

// commitLocked finalizes segID with candidate, runs grammar correction and
// multi-language translation, deduplicates against the previous commit's
// tail, broadcasts the result, and resets per-segment state. Must be
// called with s.mu held.
func (s *Session) commitLocked(segID string, candidate CommitCandidate, forcedIsolated bool) {
	final := s.gate.FinalizeSegment(segID, candidate.SegmentID+":"+candidate.Source.String())
	if final == nil {
		return
	}
	s.finalizer.Cancel()

	text := final.Text
	if !forcedIsolated {
		text = s.coord.DeduplicateFinal(final.Text)
	}

	forced := candidate.Source == SourceForced || forcedIsolated
	s.coord.RecordFinal(segID, final.Text, forced)
	s.tracker.Reset()
	s.closeSegmentLocked()

	targets := s.activeTargets()
	go s.translateAndBroadcastFinal(segID, text, final.Source, targets)
}

// translateAndBroadcastFinal runs off the session mutex: translation is
// the pipeline's only suspension point, so it must not hold the
// serialization lock while awaiting external workers.
func (s *Session) translateAndBroadcastFinal(segID, text string, source CandidateSource, targets []Language) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	corrected, hasCorrection := s.coord.CorrectGrammar(ctx, text, s.SourceLang, false)

	results := s.coord.TranslateToMultipleLanguages(ctx, corrected, s.SourceLang, targets, false)

	for _, tgt := range targets {
		res := results[tgt]
		ev := TranslationEvent{
			Type:           OutTranslation,
			OriginalText:   text,
			CorrectedText:  corrected,
			TranslatedText: res.Text,
			SourceLang:     s.SourceLang,
			TargetLang:     tgt,
			IsPartial:      false,
			HasTranslation: !res.Failed,
			HasCorrection:  hasCorrection,
			TranslationErr: res.Failed,
			ForceFinal:     source == SourceForced || source == SourceRecovery,
			Timestamp:      time.Now().UnixMilli(),
			SegmentID:      segID,
		}
		if res.Failed {
			ev.TranslatedText = text
		}
		s.broadcast.BroadcastFinal(ev)
	}

	// Exactly one commit report per segment, independent of how many
	// target languages it fanned out to.
	if !s.broadcast.MarkSegmentCommitted(segID, segID+":"+source.String()) {
		s.logger.Warn("broadcaster: exactly-one-commit invariant violated", "segmentId", segID)
	}
}

// emitPartialLocked applies partial throttling/reset-detection and, when
// due, kicks off async translation for every active target.
func (s *Session) emitPartialLocked(segID, text string, recoveryOrigin bool) {
	targets := s.activeTargets()
	for _, tgt := range targets {
		reset := s.coord.DetectReset(s.SourceLang, tgt, text)
		if !reset && !s.coord.ShouldEmitPartial(s.SourceLang, tgt, text) {
			continue
		}
		s.coord.RecordPartialEmitted(s.SourceLang, tgt, text)
		go s.translateAndBroadcastPartial(segID, text, tgt)
	}
}

func (s *Session) translateAndBroadcastPartial(segID, text string, tgt Language) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	corrected, hasCorrection := s.coord.CorrectGrammar(ctx, text, s.SourceLang, true)

	results := s.coord.TranslateToMultipleLanguages(ctx, corrected, s.SourceLang, []Language{tgt}, true)
	res := results[tgt]

	ev := TranslationEvent{
		Type:           OutTranslation,
		OriginalText:   text,
		CorrectedText:  corrected,
		TranslatedText: res.Text,
		SourceLang:     s.SourceLang,
		TargetLang:     tgt,
		IsPartial:      true,
		HasTranslation: !res.Failed,
		HasCorrection:  hasCorrection,
		TranslationErr: res.Failed,
		Timestamp:      time.Now().UnixMilli(),
		SegmentID:      segID,
	}
	if res.Failed {
		// No silent partial loss: always emit, source text as the
		// fallback translatedText.
		ev.TranslatedText = text
	}
	s.broadcast.BroadcastPartial(ev)
}

// Close tears down the recognizer and releases all session resources.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	segID := s.curSegmentID
	s.mu.Unlock()

	s.finalizer.Cancel()
	s.recognizer.Destroy()

	if segID != "" {
		if final := s.gate.CloseSegment(segID, segID+":close"); final != nil {
			s.logger.Info("session closing with unflushed segment", "sessionId", s.ID, "segmentId", segID, "text", final.Text)
		}
	}
}
