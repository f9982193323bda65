package relay

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one outbound sink the broadcaster fans events into: the
// host connection, or a listener that joined for a specific targetLang.
// Grounded on ManagedStream's non-blocking emit() (pkg/orchestrator/
// managed_stream.go): a bounded channel drained by the transport layer,
// never written to with a blocking send.
type Subscriber struct {
	ID         string
	TargetLang Language
	IsHost     bool

	queue chan TranslationEvent
	once  sync.Once
	// OnOverflow is called exactly once if the subscriber's queue fills
	// and it gets dropped.
	OnOverflow func(sub *Subscriber)
}

// NewSubscriber returns a subscriber with a bounded outbound queue of
// depth cap.
func NewSubscriber(id string, targetLang Language, isHost bool, cap int) *Subscriber {
	return &Subscriber{
		ID:         id,
		TargetLang: targetLang,
		IsHost:     isHost,
		queue:      make(chan TranslationEvent, cap),
	}
}

// Events exposes the subscriber's queue for the transport layer to drain.
func (s *Subscriber) Events() <-chan TranslationEvent { return s.queue }

// send is non-blocking: it never stalls the broadcaster on a slow
// subscriber, closing (and reporting) the subscriber instead.
func (s *Subscriber) send(ev TranslationEvent) {
	select {
	case s.queue <- ev:
	default:
		s.once.Do(func() {
			close(s.queue)
			if s.OnOverflow != nil {
				s.OnOverflow(s)
			}
		})
	}
}

// SequencedBroadcaster stamps every outgoing message with a monotonic
// seqId, routes partial updates to the
// subscribers matching their targetLang plus the host, and finals to the
// host and all matching subscribers. Callers report the commit itself via
// MarkSegmentCommitted, once per logical commit rather than once per
// broadcasted target language.
type SequencedBroadcaster struct {
	seq atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*Subscriber

	gate *FinalityGate
}

// NewSequencedBroadcaster returns a broadcaster whose finals report back
// to gate's MarkCommitted.
func NewSequencedBroadcaster(gate *FinalityGate) *SequencedBroadcaster {
	return &SequencedBroadcaster{
		subs: make(map[string]*Subscriber),
		gate: gate,
	}
}

// Subscribe registers sub to receive future broadcasts.
func (b *SequencedBroadcaster) Subscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ID] = sub
}

// Unsubscribe removes a subscriber, e.g. on transport disconnect.
func (b *SequencedBroadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *SequencedBroadcaster) nextSeq() uint64 {
	return b.seq.Add(1)
}

func (b *SequencedBroadcaster) matching(targetLang Language) []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Subscriber
	for _, s := range b.subs {
		if s.IsHost || s.TargetLang == targetLang {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastPartial assigns the next seqId to ev and sends it to every
// subscriber whose targetLang matches plus the host.
func (b *SequencedBroadcaster) BroadcastPartial(ev TranslationEvent) TranslationEvent {
	ev.SeqID = b.nextSeq()
	for _, s := range b.matching(ev.TargetLang) {
		s.send(ev)
	}
	return ev
}

// BroadcastFinal assigns the next seqId and sends ev to the host and all
// matching subscribers. Call once per target language; does not itself
// report to the finality gate (see MarkSegmentCommitted).
func (b *SequencedBroadcaster) BroadcastFinal(ev TranslationEvent) TranslationEvent {
	ev.SeqID = b.nextSeq()
	for _, s := range b.matching(ev.TargetLang) {
		s.send(ev)
	}
	return ev
}

// MarkSegmentCommitted reports one logical segment commit to the finality
// gate, once regardless of how many target languages it was broadcast to,
// so the exactly-one-commit invariant counts commits rather than emits.
func (b *SequencedBroadcaster) MarkSegmentCommitted(segmentID, commitID string) bool {
	if b.gate == nil {
		return true
	}
	return b.gate.MarkCommitted(segmentID, commitID)
}
