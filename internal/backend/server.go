package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/convo"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/tracelog"
	"github.com/lbakken/callpipe/internal/transcript"
)

// Server exposes the voice backend: the session websocket plus health,
// stats and metrics endpoints.
type Server struct {
	cfg      config.Backend
	log      *tracelog.Logger
	asr      Transcriber
	tts      Synthesizer
	core     convo.Core
	sink     *transcript.Sink
	metrics  *observability.Metrics
	window   *observability.StageWindow
	health   *Health
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Backend, log *tracelog.Logger, asr Transcriber, tts Synthesizer, core convo.Core, sink *transcript.Sink, metrics *observability.Metrics, window *observability.StageWindow, health *Health) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		asr:     asr,
		tts:     tts,
		core:    core,
		sink:    sink,
		metrics: metrics,
		window:  window,
		health:  health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The backend listens on an internal interface; the relay is not
			// a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/statz", s.handleStats)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/calls/{callID}/turns", s.handleCallTurns)
	r.Get("/ws", s.handleWS)
	return r
}

// handleCallTurns is an operational spot check over the transcript sink;
// without a configured database it answers with an empty list.
func (s *Server) handleCallTurns(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	turns, err := s.sink.CallTurns(r.Context(), callID, limit)
	if err != nil {
		s.log.Warn("call turns query failed", "callId", callID, "err", err.Error())
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "transcript query failed"})
		return
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"callId": callID, "turns": turns})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.health.Err(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":           status,
		"checks":           s.health.Snapshot(),
		"inputSampleRate":  s.cfg.InputSampleRate,
		"outputSampleRate": s.cfg.OutputSampleRate,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.window.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connLog := s.log.Conn()
	sess := NewSession(SessionDeps{
		Config:  s.cfg,
		Log:     connLog,
		ASR:     s.asr,
		TTS:     s.tts,
		Core:    s.core,
		Sink:    s.sink,
		Metrics: s.metrics,
		Window:  s.window,
		Ready:   s.health.Err,
	})

	s.metrics.ActiveCalls.Inc()
	defer s.metrics.ActiveCalls.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case frame, ok := <-sess.Out():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := sess.HandleRaw(ctx, data); err != nil {
			connLog.Info("session closed by client")
			break
		}
	}

	sess.Close()
	cancel()
	<-writerDone
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
