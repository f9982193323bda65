// Command soloclient demonstrates solo mode: a simpler mode that
// collapses the host+listener into one connection. It captures
// microphone audio locally via malgo and drives an in-process
// relay.Session directly, printing every translation event to stdout
// instead of relaying them over a websocket.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-relay/pkg/providers/recognizer"
	"github.com/lokutor-ai/lokutor-relay/pkg/providers/translator"
	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
)

const sampleRate = 24000 // PCM LINEAR16, default 24 kHz

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	sourceLang := relay.Language(envOr("SOLO_SOURCE_LANG", "en"))
	targetLang := relay.Language(envOr("SOLO_TARGET_LANG", "es"))

	translatorKey := os.Getenv("TRANSLATOR_API_KEY")
	if translatorKey == "" {
		log.Fatal("Error: TRANSLATOR_API_KEY must be set.")
	}
	recognizerURL := os.Getenv("RECOGNIZER_URL")
	if recognizerURL == "" {
		log.Fatal("Error: RECOGNIZER_URL must be set.")
	}

	backend := recognizer.NewWSRecognizer("recognizer", recognizerURL, recognizer.Credentials{
		APIKey: os.Getenv("RECOGNIZER_CREDENTIALS"),
	})
	t := translator.NewOpenAITranslator(translatorKey, "", "")

	var grammar relay.GrammarCorrector
	if key := os.Getenv("GRAMMAR_API_KEY"); key != "" {
		grammar = translator.NewAnthropicGrammarCorrector(key, "")
	}

	cfg := relay.DefaultConfig()
	session := relay.NewSession("solo", sourceLang, cfg, relay.SessionDeps{
		Backend:          backend,
		Translator:       t,
		GrammarCorrector: grammar,
		Logger:           &consoleLogger{},
	})
	defer session.Close()

	sub := relay.NewSubscriber("solo-listener", targetLang, true, 64)
	session.AddListener(sub)
	go printEvents(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx, true); err != nil {
		log.Fatalf("session start: %v", err)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = sampleRate

	onSamples := func(_, input []byte, _ uint32) {
		if len(input) == 0 {
			return
		}
		chunk := make([]byte, len(input))
		copy(chunk, input)
		session.PushAudio(chunk)
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) { onSamples(pOutput, pInput, frameCount) },
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}
	defer device.Stop()

	fmt.Printf("Solo relay started: %s -> %s. Press Ctrl+C to exit.\n", sourceLang, targetLang)

	stop, stopFn := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFn()
	<-stop.Done()
}

func printEvents(sub *relay.Subscriber) {
	for ev := range sub.Events() {
		kind := "partial"
		if !ev.IsPartial {
			kind = "FINAL"
		}
		fmt.Printf("[%s seq=%d seg=%s] %s\n", kind, ev.SeqID, ev.SegmentID, ev.TranslatedText)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type consoleLogger struct{}

func (l *consoleLogger) Debug(msg string, args ...interface{}) { log.Println(append([]interface{}{"DEBUG", msg}, args...)...) }
func (l *consoleLogger) Info(msg string, args ...interface{})  { log.Println(append([]interface{}{"INFO", msg}, args...)...) }
func (l *consoleLogger) Warn(msg string, args ...interface{})  { log.Println(append([]interface{}{"WARN", msg}, args...)...) }
func (l *consoleLogger) Error(msg string, args ...interface{}) { log.Println(append([]interface{}{"ERROR", msg}, args...)...) }
