package relay

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
	"github.com/lbakken/callpipe/internal/tracelog"
)

// Server accepts bridge connections and tunnels each one to the backend.
type Server struct {
	cfg      config.Relay
	log      *tracelog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Relay, log *tracelog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	connLog := s.log.Conn()
	s.metrics.ActiveCalls.Inc()
	defer s.metrics.ActiveCalls.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Client writes are shared between the tunnel and the keepalive pings.
	var clientMu sync.Mutex
	sendClient := func(frame []byte) error {
		clientMu.Lock()
		defer clientMu.Unlock()
		_ = client.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return client.WriteMessage(websocket.TextMessage, frame)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	backend, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.BackendWSURL, nil)
	dialCancel()
	if err != nil {
		connLog.Error("backend dial failed", "err", err.Error())
		// The client gets the same close notice as a mid-call backend drop.
		rep := NewRepeater(RepeaterDeps{
			Log:        connLog,
			Metrics:    s.metrics,
			QueueLimit: s.cfg.QueueLimit,
			SendClient: sendClient,
		})
		rep.BackendClosed()
		return
	}
	defer backend.Close()

	rep := NewRepeater(RepeaterDeps{
		Log:         connLog,
		Metrics:     s.metrics,
		QueueLimit:  s.cfg.QueueLimit,
		SendBackend: wsSender(backend),
		SendClient:  sendClient,
	})
	rep.BackendOpen()

	// Client read hygiene: cap frame size and detect a silently dead bridge.
	const readGrace = 120 * time.Second
	client.SetReadLimit(2 << 20)
	_ = client.SetReadDeadline(time.Now().Add(readGrace))
	client.SetPongHandler(func(string) error {
		_ = client.SetReadDeadline(time.Now().Add(readGrace))
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
				clientMu.Lock()
				_ = client.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := client.WriteMessage(websocket.PingMessage, nil)
				clientMu.Unlock()
				if err != nil {
					cancel()
					_ = client.Close()
					return
				}
			}
		}
	}()

	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		for {
			msgType, data, err := backend.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			rep.BackendFrame(data)
		}
	}()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			_ = client.SetReadDeadline(time.Now().Add(readGrace))
			if msgType != websocket.TextMessage {
				continue
			}
			rep.ClientFrame(data)
		}
	}()

	select {
	case <-backendDone:
		// Backend dropped first: tell the client before cascading the close.
		rep.BackendClosed()
	case <-clientDone:
	case <-ctx.Done():
	}
	_ = backend.Close()
	_ = client.Close()
	<-backendDone
	<-clientDone
	connLog.Stage("tunnel_closed")
}

func wsSender(conn *websocket.Conn) func([]byte) error {
	return func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}
}
