package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/protocol"
	"github.com/lbakken/callpipe/internal/tracelog"
)

// Server terminates carrier webhooks and media websockets and bridges each
// call to the relay.
type Server struct {
	cfg      config.Bridge
	log      *tracelog.Logger
	metrics  *observability.Metrics
	window   *observability.StageWindow
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Bridge, log *tracelog.Logger, metrics *observability.Metrics, window *observability.StageWindow) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		window:  window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carrier media streams are server-to-server; no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/statz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.window.Snapshot())
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Post("/voice", s.handleVoiceWebhook)
	r.Get("/media", s.handleMediaWS)
	return r
}

// handleVoiceWebhook answers the carrier's call webhook with TwiML pointing
// at the media websocket.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	wsURL := s.cfg.PublicWSURL
	if wsURL == "" {
		wsURL = "wss://" + r.Host + "/media"
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(protocol.TwiMLConnectStream(wsURL)))
}

func (s *Server) handleMediaWS(w http.ResponseWriter, r *http.Request) {
	carrier, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer carrier.Close()

	connLog := s.log.Conn()
	s.metrics.ActiveCalls.Inc()
	defer s.metrics.ActiveCalls.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		relayMu    sync.Mutex
		relayConn  *websocket.Conn
		relayEnded bool
	)
	var carrierMu sync.Mutex

	sendCarrier := func(frame []byte) error {
		carrierMu.Lock()
		defer carrierMu.Unlock()
		_ = carrier.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return carrier.WriteMessage(websocket.TextMessage, frame)
	}
	sendRelay := func(frame []byte) error {
		relayMu.Lock()
		defer relayMu.Unlock()
		if relayConn == nil {
			return websocket.ErrCloseSent
		}
		_ = relayConn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return relayConn.WriteMessage(websocket.TextMessage, frame)
	}

	sess := NewSession(SessionDeps{
		Config:      s.cfg,
		Log:         connLog,
		Metrics:     s.metrics,
		Window:      s.window,
		SendRelay:   sendRelay,
		SendCarrier: sendCarrier,
	})

	relayDone := make(chan struct{})
	sess.connectRelay = func(ctx context.Context) error {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		defer dialCancel()
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.RelayWSURL, nil)
		if err != nil {
			return err
		}
		relayMu.Lock()
		relayConn = conn
		relayMu.Unlock()

		go func() {
			defer close(relayDone)
			// A downstream close tears down both sockets: closing the carrier
			// here unblocks the carrier read loop so teardown runs.
			defer func() {
				relayMu.Lock()
				relayEnded = true
				relayMu.Unlock()
				cancel()
				_ = carrier.Close()
			}()
			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					connLog.Info("relay closed", "err", err.Error())
					return
				}
				if msgType != websocket.TextMessage {
					continue
				}
				sess.HandleRelayFrame(data)
			}
		}()
		return nil
	}

	go sess.RunPacer(ctx)

	// Carrier read hygiene: a silently dead peer must not park the session
	// forever, and media frames are small.
	const readGrace = 120 * time.Second
	carrier.SetReadLimit(1 << 20)
	_ = carrier.SetReadDeadline(time.Now().Add(readGrace))
	carrier.SetPongHandler(func(string) error {
		_ = carrier.SetReadDeadline(time.Now().Add(readGrace))
		return nil
	})
	go func() {
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				carrierMu.Lock()
				_ = carrier.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := carrier.WriteMessage(websocket.PingMessage, nil)
				carrierMu.Unlock()
				if err != nil {
					cancel()
					_ = carrier.Close()
					return
				}
			}
		}
	}()

	reason := "carrier_close"
	for {
		msgType, data, err := carrier.ReadMessage()
		if err != nil {
			break
		}
		_ = carrier.SetReadDeadline(time.Now().Add(readGrace))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := sess.HandleCarrierFrame(ctx, data); err != nil {
			reason = err.Error()
			break
		}
	}

	cancel()
	relayMu.Lock()
	relayStarted := relayConn != nil
	if relayEnded && reason == "carrier_close" {
		reason = "downstream_close"
	}
	if relayConn != nil {
		_ = relayConn.Close()
	}
	relayMu.Unlock()
	if relayStarted {
		<-relayDone
	}
	sess.Teardown(reason)
}
