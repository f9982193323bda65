// Package recognizer implements relay.StreamRecognizer backends: external
// streaming speech recognition services reached over a persistent
// websocket connection.
package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
)

// dialBackoff mirrors the exponential dial-retry schedule used for the
// recognizer's own websocket reconnects: waits of 1s, 2s, 4s between an
// initial dial and 3 retries (4 attempts in all).
// Grounded on AsrWsClient.createConnection
// (_examples/ashi009-asr-eval/pkg/volc/client/client.go).
var dialBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Credentials carries whatever the configured backend needs to
// authenticate, per the RECOGNIZER_CREDENTIALS configuration contract.
type Credentials struct {
	APIKey             string
	ServiceAccountJSON string
	ProjectID          string
	PhraseSetID        string
}

// WSRecognizer is a relay.StreamRecognizer backed by a JSON-over-websocket
// streaming recognition API. It implements the reconnect-with-backoff dial
// loop and the result-classification contract relay.RecognizerAdapter
// expects.
type WSRecognizer struct {
	url   string
	creds Credentials
	name  string

	mu     sync.Mutex
	conn   *websocket.Conn
	onText func(text string, final bool)
	done   chan struct{}
}

// NewWSRecognizer returns a recognizer backend dialing url, identified by
// name in logs (e.g. "deepgram", "google-stt").
func NewWSRecognizer(name, url string, creds Credentials) *WSRecognizer {
	return &WSRecognizer{name: name, url: url, creds: creds}
}

func (r *WSRecognizer) Name() string { return r.name }

type initFrame struct {
	Type        string `json:"type"`
	Language    string `json:"language"`
	APIKey      string `json:"apiKey,omitempty"`
	PhraseSetID string `json:"phraseSetId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

type resultFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// dialWithBackoff implements an exponential backoff dial loop after
// AsrWsClient.createConnection, generalized to any configured URL: one
// initial dial plus one retry per dialBackoff entry.
func (r *WSRecognizer) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < len(dialBackoff)+1; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(dialBackoff[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, &relay.RecognizerError{Class: relay.ErrClassTransient, Err: fmt.Errorf("dial %s after retries: %w", r.name, lastErr)}
}

// Start dials the backend, sends the init frame for lang, and begins a
// read loop delivering every partial/final frame to onText.
func (r *WSRecognizer) Start(ctx context.Context, lang relay.Language, onText func(text string, final bool)) error {
	conn, err := r.dialWithBackoff(ctx)
	if err != nil {
		return err
	}

	initMsg := initFrame{
		Type:        "init",
		Language:    string(lang),
		APIKey:      r.creds.APIKey,
		PhraseSetID: r.creds.PhraseSetID,
		ProjectID:   r.creds.ProjectID,
	}
	payload, _ := json.Marshal(initMsg)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return &relay.RecognizerError{Class: relay.ErrClassTransient, Err: err}
	}

	r.mu.Lock()
	r.conn = conn
	r.onText = onText
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.readLoop(conn, onText, done)
	return nil
}

func (r *WSRecognizer) readLoop(conn *websocket.Conn, onText func(string, bool), done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame resultFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "result":
			onText(frame.Text, frame.Final)
		case "error":
			// an error frame ends the read loop; frame.Error and
			// frame.Code are not inspected or passed on.
			return
		}
	}
}

// Write sends one PCM chunk as a binary websocket frame.
func (r *WSRecognizer) Write(ctx context.Context, chunk []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return &relay.RecognizerError{Class: relay.ErrClassTransient, Err: fmt.Errorf("%s: not connected", r.name)}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return &relay.RecognizerError{Class: relay.ErrClassTransient, Err: err}
	}
	return nil
}

// Close tears down the websocket connection.
func (r *WSRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
