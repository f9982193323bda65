package relay

import "errors"

var (
	// ErrUnsupportedLanguage is returned by the Recognizer Adapter when the
	// requested source language has no recognizer support and the caller
	// did not opt into falling back to English.
	ErrUnsupportedLanguage = errors.New("recognizer: unsupported source language")

	// ErrSegmentFinalized names a candidate submitted for a segment the
	// Finality Gate has already finalized. The gate itself reports that
	// case by SubmitCandidate returning false, not with this error.
	ErrSegmentFinalized = errors.New("finality gate: segment already finalized")

	// ErrNoCandidate names a segment finalized with no candidate ever
	// submitted. FinalizeSegment does not return it; it finalizes such a
	// segment without committing anything.
	ErrNoCandidate = errors.New("finality gate: no candidate submitted for segment")

	// ErrTranslationFailed marks an unresolved per-language slot in a final
	// translation fan-out.
	ErrTranslationFailed = errors.New("coordinator: translation failed")

	// ErrRecognizerClosed names use of a StreamRecognizer after Close. No
	// recognizer in this module returns it; the websocket recognizer
	// reports its own "not connected" error instead.
	ErrRecognizerClosed = errors.New("recognizer: stream closed")

	// ErrSessionClosed names a Session operation attempted after Close.
	// Session methods do not return it.
	ErrSessionClosed = errors.New("session: closed")

	// ErrSubscriberQueueFull names the overflow of a subscriber's bounded
	// outbound queue. It is not returned: the broadcaster closes that
	// subscriber rather than blocking.
	ErrSubscriberQueueFull = errors.New("broadcaster: subscriber queue full")
)
