// Package transport implements the duplex websocket wire contract:
// inbound init/audio/ping frames from a host, and outbound
// info/warning/error/session/translation frames fanned out to the host
// and its listeners.
package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
)

// maxAudioChunkBytes and maxMessageBytes enforce the inbound size
// limits: audio chunk ≤ 64 KiB per message; total message ≤ 1 MiB.
const (
	maxAudioChunkBytes = 64 * 1024
	maxMessageBytes    = 1024 * 1024
	maxStringLen       = 10000
)

// InboundMessage is the superset of every inbound frame shape.
type InboundMessage struct {
	Type                     string   `json:"type"`
	SourceLang               string   `json:"sourceLang,omitempty"`
	TargetLang               string   `json:"targetLang,omitempty"`
	Tier                     string   `json:"tier,omitempty"`
	EnableMultiLanguage      bool     `json:"enableMultiLanguage,omitempty"`
	AlternativeLanguageCodes []string `json:"alternativeLanguageCodes,omitempty"`
	EnableSpeakerDiarization bool     `json:"enableSpeakerDiarization,omitempty"`
	MinSpeakers              int      `json:"minSpeakers,omitempty"`
	MaxSpeakers              int      `json:"maxSpeakers,omitempty"`

	Data            string `json:"data,omitempty"`
	ChunkIndex      int    `json:"chunkIndex,omitempty"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
}

// ErrMessageTooLarge is returned when an inbound frame exceeds the 1 MiB
// total-message limit.
var ErrMessageTooLarge = fmt.Errorf("transport: message exceeds 1 MiB limit")

// ErrAudioChunkTooLarge is returned when a decoded audio payload exceeds
// the 64 KiB per-chunk limit.
var ErrAudioChunkTooLarge = fmt.Errorf("transport: audio chunk exceeds 64 KiB limit")

// ParseInbound decodes raw into an InboundMessage using sonic (matching
// the pack's json-heavy services that prefer it over encoding/json for
// hot-path decode), enforcing the size and string-length limits below.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	if len(raw) > maxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	var msg InboundMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("transport: decode inbound frame: %w", err)
	}
	msg.SourceLang = truncate(msg.SourceLang, maxStringLen)
	msg.TargetLang = truncate(msg.TargetLang, maxStringLen)
	return &msg, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// DecodeAudio base64-decodes an "audio" frame's data field, rejecting
// anything over the per-chunk limit.
func DecodeAudio(b64 string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("transport: decode audio payload: %w", err)
	}
	if len(pcm) > maxAudioChunkBytes {
		return nil, ErrAudioChunkTooLarge
	}
	return pcm, nil
}

// InitOptions is the parsed form of an inbound "init" frame, handed to
// Session construction.
type InitOptions struct {
	SourceLang          relay.Language
	TargetLang          relay.Language
	AllowEnglishFallback bool
}

// ParseInit extracts InitOptions from an already-decoded "init" message.
func ParseInit(msg *InboundMessage) InitOptions {
	return InitOptions{
		SourceLang:          relay.Language(msg.SourceLang),
		TargetLang:          relay.Language(msg.TargetLang),
		AllowEnglishFallback: msg.EnableMultiLanguage,
	}
}
