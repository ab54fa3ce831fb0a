package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/capability"
	"github.com/loqalabs/voicebridge/internal/catalog"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/eventstore"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/natsserver"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/loqalabs/voicebridge/internal/router"
	"github.com/loqalabs/voicebridge/internal/session"
	"github.com/loqalabs/voicebridge/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg          config.Config
	logger       *slog.Logger
	httpServer   *http.Server
	tracerClose  func(context.Context) error
	ready        atomic.Bool
	wg           sync.WaitGroup
	embedded     *natsserver.EmbeddedServer
	bus          *bus.Client
	events       *eventstore.Store
	models       *catalog.Catalog
	sessions     *session.Registry
	router       *router.Service
	capabilities *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices(context.Background())
		if r.tracerClose != nil {
			_ = r.tracerClose(context.Background())
		}
		return err
	}

	mux := http.NewServeMux()
	r.routes(mux, metricsHandler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneEvents(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.stopServices(shutdownCtx)

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	r.models = catalog.New(r.cfg.Conversion.ModelDirectory, r.logger)
	if err := r.models.Rescan(); err != nil {
		r.logger.Warn("voice model scan failed", slog.String("error", err.Error()))
	}

	deps, err := r.buildDeps(ctx)
	if err != nil {
		return err
	}
	r.sessions = session.NewRegistry(deps, r.logger)

	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.sessions, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	caps, err := capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.capabilities = caps
	return nil
}

func (r *Runtime) buildDeps(ctx context.Context) (session.Deps, error) {
	tr, err := buildTransport(r.cfg.Transport, r.bus, r.logger)
	if err != nil {
		return session.Deps{}, err
	}
	recognizers, err := buildRecognizers(r.cfg.STT, r.logger)
	if err != nil {
		return session.Deps{}, err
	}
	generator, err := buildGenerator(r.cfg.LLM, r.logger)
	if err != nil {
		return session.Deps{}, err
	}
	synth, err := buildSynthesis(r.cfg, r.models, r.logger)
	if err != nil {
		return session.Deps{}, err
	}
	r.logger.Info("pipeline configured",
		slog.Int("stt_backends", len(recognizers)),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.Bool("conversion", synth.ConversionActive()),
		slog.String("transport", r.cfg.Transport.Mode))

	return session.Deps{
		Capture: tr,
		Format: session.CaptureFormat{
			Format:     r.cfg.Capture.Format,
			SampleRate: r.cfg.Capture.SampleRate,
			Channels:   r.cfg.Capture.Channels,
		},
		Transcriber: stt.NewService(recognizers, r.logger),
		Generator:   generator,
		LLMDefaults: llm.OptionsFromConfig(r.cfg.LLM),
		Synthesizer: synth,
		Player:      playback.NewScheduler(tr, millis(r.cfg.Playback.PollIntervalMS), r.logger),
		Models:      r.models,
		Recorder:    r.events,
		Privacy:     r.cfg.EventStore.Privacy,
	}, nil
}

func (r *Runtime) stopServices(ctx context.Context) {
	if r.capabilities != nil {
		r.capabilities.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.sessions != nil {
		if err := r.sessions.Close(ctx); err != nil {
			r.logger.Warn("sessions did not stop cleanly", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) pruneEvents(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) routes(mux *http.ServeMux, metricsHandler http.Handler) {
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /models", r.handleModels)
	mux.HandleFunc("POST /models/rescan", r.handleRescan)
	mux.HandleFunc("GET /nodes", r.handleNodes)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.router.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.logger, map[string]any{"sessions": r.sessions.List()})
}

// handleSessionEvents serves a session's timeline. id is a session id, or the
// channel id of a session that is currently enabled.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if sess, ok := r.sessions.Get(id); ok {
		id = sess.ID()
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := r.events.Timeline(req.Context(), id, limit)
	if err != nil {
		r.logger.Warn("timeline query failed", slog.String("session_id", id), slog.String("error", err.Error()))
		http.Error(w, "timeline unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, r.logger, map[string]any{"session_id": id, "events": events})
}

func (r *Runtime) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.logger, map[string]any{
		"directory": r.models.Dir(),
		"models":    r.models.Models(),
		"files":     r.models.Entries(),
	})
}

func (r *Runtime) handleRescan(w http.ResponseWriter, _ *http.Request) {
	if err := r.models.Rescan(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, r.logger, map[string]any{"count": r.models.Len()})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.logger, map[string]any{"nodes": r.capabilities.Query(nil)})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
