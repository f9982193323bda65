package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/lokutor-relay/pkg/config"
	"github.com/lokutor-ai/lokutor-relay/pkg/metrics"
	"github.com/lokutor-ai/lokutor-relay/pkg/providers/recognizer"
	"github.com/lokutor-ai/lokutor-relay/pkg/providers/translator"
	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
	"github.com/lokutor-ai/lokutor-relay/pkg/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	translatorClient := translator.NewOpenAITranslator(cfg.TranslatorAPIKey, "", "")
	var grammarClient relay.GrammarCorrector
	if cfg.GrammarAPIKey != "" {
		grammarClient = translator.NewAnthropicGrammarCorrector(cfg.GrammarAPIKey, "")
	}

	logger := &stdLogger{}

	server := &Server{
		cfg:        cfg,
		metrics:    reg,
		translator: translatorClient,
		grammar:    grammarClient,
		logger:     logger,
		sessions:   make(map[string]*relay.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", server.handleSession)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		log.Printf("lokutor-relay listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("shutting down")
	_ = httpServer.Shutdown(context.Background())
}

// Server owns the process-wide collaborators and the live session table;
// grounded on Orchestrator's top-level wiring shape
// (pkg/orchestrator/orchestrator.go), generalized from one conversation to
// many concurrent sessions behind an HTTP ingress.
type Server struct {
	cfg        *config.Config
	metrics    *metrics.Registry
	translator relay.Translator
	grammar    relay.GrammarCorrector
	logger     relay.Logger

	sessionsMu sync.Mutex
	sessions   map[string]*relay.Session
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if apiKey := r.URL.Query().Get("api_key"); !s.cfg.IsAuthorized(apiKey) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	sessionID := uuid.NewString()
	conn, err := transport.Accept(w, r, sessionID)
	if err != nil {
		s.logger.Error("accept websocket failed", "error", err)
		return
	}

	ctx := r.Context()

	firstMsg := waitForInit(ctx, conn)
	if firstMsg == nil {
		conn.Close()
		return
	}
	opts := transport.ParseInit(firstMsg)

	backend := recognizer.NewWSRecognizer("recognizer", os.Getenv("RECOGNIZER_URL"), recognizer.Credentials{
		APIKey:      s.cfg.RecognizerCredentials,
		PhraseSetID: s.cfg.PhraseSetID,
		ProjectID:   s.cfg.ProjectID,
	})

	session := relay.NewSession(sessionID, opts.SourceLang, s.cfg.Pipeline, relay.SessionDeps{
		Backend:          backend,
		Translator:       s.translator,
		GrammarCorrector: s.grammar,
		Logger:           s.logger,
	})

	s.metrics.SessionsActive.Inc()
	s.sessionsMu.Lock()
	s.sessions[sessionID] = session
	s.sessionsMu.Unlock()

	defer func() {
		session.Close()
		s.metrics.SessionsActive.Dec()
		s.sessionsMu.Lock()
		delete(s.sessions, sessionID)
		s.sessionsMu.Unlock()
	}()

	host := relay.NewSubscriber(sessionID+"-host", opts.TargetLang, true, 256)
	session.AddListener(host)
	go conn.DrainSubscriber(ctx, host)

	if opts.TargetLang != "" {
		listener := relay.NewSubscriber(sessionID+"-listener-"+string(opts.TargetLang), opts.TargetLang, false, 256)
		session.AddListener(listener)
		go conn.DrainSubscriber(ctx, listener)
	}

	if err := session.Start(ctx, opts.AllowEnglishFallback); err != nil {
		conn.SendError(ctx, relay.CodeInternalError, err.Error())
		return
	}
	conn.SendInfo(ctx, "session_ready")

	conn.ReadLoop(ctx, func(msg *transport.InboundMessage) {
		switch msg.Type {
		case "audio":
			pcm, err := transport.DecodeAudio(msg.Data)
			if err != nil {
				conn.SendWarning(ctx, relay.CodeValidationError, err.Error())
				return
			}
			session.PushAudio(pcm)
		case "audio_end":
			// hint only; the pipeline continues until the recognizer
			// emits naturally.
		case "ping":
		}
	})
}

// waitForInit blocks for the session's mandatory first frame, ignoring
// anything other than "init" (a stray "ping" before setup completes,
// say) until the connection closes.
func waitForInit(ctx context.Context, conn *transport.Connection) *transport.InboundMessage {
	for {
		msg, err := conn.ReadOne(ctx)
		if err != nil {
			return nil
		}
		if msg.Type == "init" {
			return msg
		}
	}
}

type stdLogger struct{}

func (l *stdLogger) Debug(msg string, args ...interface{}) { log.Println(append([]interface{}{"DEBUG", msg}, args...)...) }
func (l *stdLogger) Info(msg string, args ...interface{})  { log.Println(append([]interface{}{"INFO", msg}, args...)...) }
func (l *stdLogger) Warn(msg string, args ...interface{})  { log.Println(append([]interface{}{"WARN", msg}, args...)...) }
func (l *stdLogger) Error(msg string, args ...interface{}) { log.Println(append([]interface{}{"ERROR", msg}, args...)...) }
