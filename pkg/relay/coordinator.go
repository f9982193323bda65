package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Translator is the external translation worker contract.
// translatePartial favors low latency; translateFinal favors quality.
type Translator interface {
	TranslatePartial(ctx context.Context, text string, src, tgt Language) (string, error)
	TranslateFinal(ctx context.Context, text string, src, tgt Language) (string, error)
}

// GrammarCorrector is the external grammar-correction worker contract.
// Only ever invoked when the source language is English.
type GrammarCorrector interface {
	CorrectPartial(ctx context.Context, text string) (string, error)
	CorrectFinal(ctx context.Context, text string) (string, error)
}

// cacheEntry is one translation cache slot.
type cacheEntry struct {
	value   string
	expires time.Time
}

// translationCache is the bounded, TTL'd per-worker cache (~200 entries /
// 120s for partials, 10 minutes for finals).
// Grounded in shape on the echo suppressor's bounded mutex-guarded map
// (pkg/orchestrator/echo_suppression.go): no cache library appears
// anywhere in the retrieved corpus, so this stays a small hand-rolled
// map guarded by one mutex rather than reaching for an out-of-pack
// dependency solely for this.
type translationCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[string]cacheEntry
	order   []string // insertion order, oldest first, for eviction
}

func newTranslationCache(capacity int, ttl time.Duration) *translationCache {
	return &translationCache{
		cap:     capacity,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *translationCache) key(src, tgt Language, text string) string {
	lengthClass := "short"
	var prefix, suffix string
	if len(text) < 300 {
		p := text
		if len(p) > 150 {
			p = p[:150]
		}
		prefix = p
	} else {
		lengthClass = "long"
		prefix = text[:80]
		suffix = text[len(text)-40:]
	}
	return string(src) + "|" + string(tgt) + "|" + lengthClass + "|" + prefix + "|" + suffix
}

func (c *translationCache) get(k string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, k)
		return "", false
	}
	return e.value, true
}

func (c *translationCache) put(k, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[k]; !exists {
		if len(c.order) >= c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = cacheEntry{value: v, expires: time.Now().Add(c.ttl)}
}

// pairKey identifies a (sourceLang, targetLang) in-flight/throttle
// tracking bucket.
type pairKey struct {
	src Language
	tgt Language
}

type pairState struct {
	lastEmitted string
	lastEmitAt  time.Time
	everEmitted bool
	inFlight    []context.CancelFunc
}

// Coordinator fans a committed or partial
// utterance out to every target language's translator, applies grammar
// correction to English source text, deduplicates finals against the
// previous commit's tail, and hands the formatted event to the
// broadcaster.
//
// There is no direct teacher analog for multi-target fan-out (the
// orchestrator had exactly one downstream LLM call per turn); the
// per-pair cancellation bookkeeping is a bounded list of
// context.CancelFunc values per (src,tgt) pair, oldest first.
type Coordinator struct {
	cfg        Config
	translator Translator
	grammar    GrammarCorrector
	logger     Logger

	partialCache *translationCache
	finalCache   *translationCache
	grammarCache *translationCache

	mu    sync.Mutex
	pairs map[pairKey]*pairState

	// prevFinal tracks, per session (not per segment: LastCommit is
	// session-scoped), the text last committed for final dedup against
	// continuation.
	prevFinal     prevFinalRecord
	prevFinalLock sync.Mutex
}

type prevFinalRecord struct {
	valid     bool
	segmentID string
	text      string
	at        time.Time
	wasForced bool
}

// NewCoordinator wires a translator and grammar corrector behind the
// throttling/caching/dedup rules below. Either dependency may be
// nil, in which case that stage is skipped and originals pass through.
func NewCoordinator(cfg Config, translator Translator, grammar GrammarCorrector, logger Logger) *Coordinator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Coordinator{
		cfg:          cfg,
		translator:   translator,
		grammar:      grammar,
		logger:       logger,
		partialCache: newTranslationCache(cfg.TranslationCacheCap, cfg.TranslationCacheTTL),
		finalCache:   newTranslationCache(cfg.TranslationCacheCap, 10*time.Minute),
		grammarCache: newTranslationCache(cfg.GrammarCacheCap, cfg.TranslationCacheTTL),
		pairs:        make(map[pairKey]*pairState),
	}
}

func (c *Coordinator) pairStateLocked(src, tgt Language) *pairState {
	k := pairKey{src, tgt}
	p, ok := c.pairs[k]
	if !ok {
		p = &pairState{}
		c.pairs[k] = p
	}
	return p
}

// ShouldEmitPartial applies the partial-throttling rule: emit when the
// new partial exceeds the last-emitted text by >= PartialMinDelta
// characters and PartialMinInterval has elapsed, or nothing has ever been
// emitted for this (src, tgt) pair yet. The state is per language pair,
// not per segment.
func (c *Coordinator) ShouldEmitPartial(src, tgt Language, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pairStateLocked(src, tgt)
	if !p.everEmitted {
		return true
	}
	grew := len(text) - len(p.lastEmitted)
	elapsed := time.Since(p.lastEmitAt)
	return grew >= c.cfg.PartialMinDelta && elapsed >= c.cfg.PartialMinInterval
}

// DetectReset applies the reset-detection rule: a new partial shorter
// than 60% of the previous one, or mismatched in its first 50
// characters, signals a new utterance and cancels all in-flight calls for
// the pair.
func (c *Coordinator) DetectReset(src, tgt Language, text string) bool {
	c.mu.Lock()
	p := c.pairStateLocked(src, tgt)
	prev := p.lastEmitted
	c.mu.Unlock()

	if prev == "" {
		return false
	}
	if float64(len(text)) < 0.6*float64(len(prev)) {
		c.CancelInFlight(src, tgt)
		return true
	}
	n := 50
	if len(text) < n {
		n = len(text)
	}
	if len(prev) < n {
		n = len(prev)
	}
	if n > 0 && !strings.EqualFold(text[:n], prev[:n]) {
		c.CancelInFlight(src, tgt)
		return true
	}
	return false
}

// CancelInFlight cancels every outstanding translator call tracked for
// (src,tgt).
func (c *Coordinator) CancelInFlight(src, tgt Language) {
	c.mu.Lock()
	p := c.pairStateLocked(src, tgt)
	cancels := p.inFlight
	p.inFlight = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// trackInFlight registers cancel under (src,tgt), evicting (cancelling)
// the oldest entry once MaxInFlightPerPair is exceeded.
func (c *Coordinator) trackInFlight(src, tgt Language, cancel context.CancelFunc) {
	c.mu.Lock()
	p := c.pairStateLocked(src, tgt)
	p.inFlight = append(p.inFlight, cancel)
	var evicted context.CancelFunc
	if int64(len(p.inFlight)) > c.cfg.MaxInFlightPerPair {
		evicted = p.inFlight[0]
		p.inFlight = p.inFlight[1:]
	}
	c.mu.Unlock()
	if evicted != nil {
		evicted()
	}
}

// RecordPartialEmitted updates the throttling bookkeeping for (src,tgt)
// after the caller actually emits a partial, so the next ShouldEmitPartial
// check is measured against it.
func (c *Coordinator) RecordPartialEmitted(src, tgt Language, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pairStateLocked(src, tgt)
	p.lastEmitted = text
	p.lastEmitAt = time.Now()
	p.everEmitted = true
}

// CorrectGrammar runs grammar correction when srcLang is English,
// returning (correctedText, changed). Falls back to the original text on
// any failure or GrammarTimeout.
func (c *Coordinator) CorrectGrammar(ctx context.Context, text string, srcLang Language, isPartial bool) (corrected string, changed bool) {
	if srcLang != "en" || c.grammar == nil || text == "" {
		return text, false
	}

	if cached, ok := c.grammarCache.get(c.grammarCache.key(srcLang, srcLang, text)); ok {
		return cached, cached != text
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.GrammarTimeout)
	defer cancel()

	var (
		result string
		err    error
	)
	if isPartial {
		result, err = c.grammar.CorrectPartial(ctx, text)
	} else {
		result, err = c.grammar.CorrectFinal(ctx, text)
	}
	if err != nil || result == "" {
		return text, false
	}
	c.grammarCache.put(c.grammarCache.key(srcLang, srcLang, text), result)
	return result, result != text
}

// translateOne runs a single (src,tgt) translation with cache lookup,
// in-flight tracking, and cancellation-on-supersession support.
func (c *Coordinator) translateOne(ctx context.Context, text string, src, tgt Language, isPartial bool) (string, error) {
	cache := c.finalCache
	if isPartial {
		cache = c.partialCache
	}
	key := cache.key(src, tgt, text)
	if cached, ok := cache.get(key); ok {
		return cached, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.trackInFlight(src, tgt, cancel)
	defer cancel()

	var (
		result string
		err    error
	)
	if isPartial {
		result, err = c.translator.TranslatePartial(ctx, text, src, tgt)
	} else {
		result, err = c.translator.TranslateFinal(ctx, text, src, tgt)
	}
	if err != nil {
		return "", err
	}
	cache.put(key, result)
	return result, nil
}

// TranslateToMultipleLanguages fans text out to every target
// concurrently. A failing target keeps its slot, holding the source text
// with Failed set, so every other language still proceeds. For finals the
// slot's Err wraps ErrTranslationFailed; for partials it is the
// translator's own error.
func (c *Coordinator) TranslateToMultipleLanguages(ctx context.Context, text string, src Language, targets []Language, isPartial bool) map[Language]TranslationResult {
	results := make(map[Language]TranslationResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, tgt := range targets {
		tgt := tgt
		wg.Add(1)
		go func() {
			defer wg.Done()
			translated, err := c.translateOne(ctx, text, src, tgt, isPartial)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !isPartial {
					err = fmt.Errorf("%w: %v", ErrTranslationFailed, err)
				}
				results[tgt] = TranslationResult{Text: text, Failed: true, Err: err}
				return
			}
			results[tgt] = TranslationResult{Text: translated, Failed: false}
		}()
	}
	wg.Wait()
	return results
}

// TranslationResult is one target language's outcome from
// TranslateToMultipleLanguages.
type TranslationResult struct {
	Text   string
	Failed bool
	Err    error
}

// DeduplicateFinal applies final deduplication against the tail of the
// session's last commit: within the continuation window, if the new final
// F extends the previous final's text, only the delta is returned.
// LastCommit is tracked per session, not per segment, so this dedups
// against whatever segment committed last for the session regardless of
// whether it's the same segment as the incoming final.
func (c *Coordinator) DeduplicateFinal(finalText string) string {
	c.prevFinalLock.Lock()
	prev := c.prevFinal
	c.prevFinalLock.Unlock()

	if !prev.valid || prev.wasForced {
		return finalText
	}
	if time.Since(prev.at) > c.cfg.ContinuationWindow {
		return finalText
	}

	na, nb := normalizeForMatch(finalText), normalizeForMatch(prev.text)
	if strings.HasPrefix(na, nb) {
		return finalText[len(prev.text):]
	}

	if merged, ok := mergeWithOverlap(prev.text, finalText); ok && len(merged) >= len(prev.text)+3 {
		return merged[len(prev.text):]
	}

	return finalText
}

// RecordFinal updates the session's last-commit bookkeeping DeduplicateFinal
// reads, and must be called with the *complete* (non-deduplicated) text
// that was actually committed.
func (c *Coordinator) RecordFinal(segmentID, fullText string, forced bool) {
	c.prevFinalLock.Lock()
	defer c.prevFinalLock.Unlock()
	c.prevFinal = prevFinalRecord{valid: true, segmentID: segmentID, text: fullText, at: time.Now(), wasForced: forced}
}

// ForgetSegment drops dedup bookkeeping once a segment's continuation
// window has definitively closed, but only if no later segment has since
// recorded its own commit (LastCommit is per-session: a newer record must
// never be clobbered by a delayed forget for an older segment).
func (c *Coordinator) ForgetSegment(segmentID string) {
	c.prevFinalLock.Lock()
	defer c.prevFinalLock.Unlock()
	if c.prevFinal.segmentID == segmentID {
		c.prevFinal = prevFinalRecord{}
	}
}
