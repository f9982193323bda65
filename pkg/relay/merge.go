package relay

import "strings"

// stemSuffixes lists the suffixes the token-level extension match treats
// as the "same word, different inflection".
var stemSuffixes = []string{"ing", "ed", "er", "s", "es", "ly"}

// normalizeForMatch lowercases and collapses internal whitespace to single
// spaces.
func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// stemMatch reports whether a and b are the same token modulo one of the
// inflectional suffixes in stemSuffixes.
func stemMatch(a, b string) bool {
	if a == b {
		return true
	}
	shorter, longer := a, b
	if len(a) > len(b) {
		shorter, longer = b, a
	}
	if shorter == "" || !strings.HasPrefix(longer, shorter) {
		return false
	}
	suffix := longer[len(shorter):]
	for _, s := range stemSuffixes {
		if suffix == s {
			return true
		}
	}
	return false
}

// tokensMatchPrefix reports whether the first len(baseTokens) tokens of
// candTokens equal baseTokens under exact-or-stem matching.
func tokensMatchPrefix(candTokens, baseTokens []string) bool {
	if len(candTokens) < len(baseTokens) {
		return false
	}
	for i, bt := range baseTokens {
		if !stemMatch(candTokens[i], bt) {
			return false
		}
	}
	return true
}

// extensionResult is the return shape for checkExtends.
type extensionResult struct {
	Extends      bool
	ExtendedText string
	MissingWords int
}

// extends reports the "extension match": A extends B iff, after
// normalizing both to single-spaced lowercase, either A starts with B, or
// (when |B| > 5) A's case-preserving prefix of length |B| equals B, or the
// two strings' leading tokens match exactly/by-stem.
func extends(a, b string) bool {
	if b == "" {
		return true
	}
	if a == "" {
		return false
	}

	na, nb := normalizeForMatch(a), normalizeForMatch(b)
	if strings.HasPrefix(na, nb) {
		return true
	}

	if len(b) > 5 && len(a) >= len(b) && a[:len(b)] == b {
		return true
	}

	candTokens := strings.Fields(na)
	baseTokens := strings.Fields(nb)
	if len(baseTokens) == 0 {
		return true
	}
	return tokensMatchPrefix(candTokens, baseTokens)
}

// checkExtends wraps extends() with the richer {extends, extendedText,
// missingWords} shape that checkLongestExtends/checkLatestExtends return.
func checkExtends(candidate, base string) extensionResult {
	if !extends(candidate, base) {
		return extensionResult{}
	}
	baseWords := len(strings.Fields(base))
	candWords := len(strings.Fields(candidate))
	missing := candWords - baseWords
	if missing < 0 {
		missing = 0
	}
	return extensionResult{Extends: true, ExtendedText: candidate, MissingWords: missing}
}

// mergeWithOverlap implements the overlap-merge algorithm:
//
//  1. if next starts with prev (exact or case-insensitive), return next.
//  2. else scan overlap lengths L = min(|prev|,|next|,200) downto 3; if
//     prev's last L chars equal next's first L chars (exact, then
//     case-insensitive, then whitespace-normalized for L>=5), return
//     prev + next[L:].
//  3. if next is much longer than prev and they barely share vocabulary,
//     refuse (different utterance).
//  4. otherwise refuse.
//
// mergeWithOverlap("", b) == b, mergeWithOverlap(a, "") == a, and
// mergeWithOverlap(a, a) == a all hold by construction.
func mergeWithOverlap(prev, next string) (string, bool) {
	if prev == "" {
		return next, true
	}
	if next == "" {
		return prev, true
	}

	if strings.HasPrefix(next, prev) || strings.HasPrefix(strings.ToLower(next), strings.ToLower(prev)) {
		return next, true
	}

	maxL := len(prev)
	if len(next) < maxL {
		maxL = len(next)
	}
	if maxL > 200 {
		maxL = 200
	}

	matchers := []func(tail, head string, l int) bool{
		func(tail, head string, _ int) bool { return tail == head },
		func(tail, head string, _ int) bool { return strings.EqualFold(tail, head) },
		func(tail, head string, l int) bool { return l >= 5 && normalizeForMatch(tail) == normalizeForMatch(head) },
	}
	for _, match := range matchers {
		for l := maxL; l >= 3; l-- {
			if match(prev[len(prev)-l:], next[:l], l) {
				return prev + next[l:], true
			}
		}
	}

	if float64(len(next)) > 1.5*float64(len(prev)) {
		prevWords := significantWords(prev)
		nextWords := significantWordSet(next)
		shared := 0
		for _, w := range prevWords {
			if nextWords[w] {
				shared++
			}
		}
		threshold := 0.3 * float64(len(prevWords))
		if threshold > 2 {
			threshold = 2
		}
		if float64(shared) < threshold {
			return "", false
		}
	}

	return "", false
}

// significantWords returns the words of s longer than 2 characters,
// lowercased, preserving order (used by mergeWithOverlap's refusal rule).
func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

func significantWordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range significantWords(s) {
		set[w] = true
	}
	return set
}

// endsWithCompleteSentence reports whether text ends with one of .!? or …,
// possibly followed by closing quotes.
func endsWithCompleteSentence(text string) bool {
	t := strings.TrimRight(text, "\"'”’)")
	if t == "" {
		return false
	}
	r := []rune(t)
	last := r[len(r)-1]
	switch last {
	case '.', '!', '?', '…':
		return true
	default:
		return false
	}
}

// endsMidWord reports whether text's last rune is neither whitespace nor
// punctuation.
func endsMidWord(text string) bool {
	if text == "" {
		return false
	}
	r := []rune(text)
	last := r[len(r)-1]
	if last == ' ' || last == '\t' || last == '\n' {
		return false
	}
	switch last {
	case '.', '!', '?', '…', ',', ';', ':', '"', '\'', ')', '”', '’':
		return false
	}
	return true
}
