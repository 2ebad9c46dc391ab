// Package relay is a transparent websocket tunnel between bridge clients
// and the voice backend. Frames are forwarded byte-identical; the only
// inspection is a JSON sniff for trace correlation.
package relay

import (
	"sync"

	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/protocol"
	"github.com/lbakken/callpipe/internal/sendq"
	"github.com/lbakken/callpipe/internal/tracelog"
)

// backendClosedError is synthesized toward the client when the backend side
// drops first.
const backendClosedError = "backend connection closed"

// Repeater shuttles frames for one client connection. Client-to-backend
// frames queue until the backend socket opens, then drain FIFO.
type Repeater struct {
	log     *tracelog.Logger
	metrics *observability.Metrics

	sendBackend func(frame []byte) error
	sendClient  func(frame []byte) error

	mu          sync.Mutex
	backendOpen bool
	sawStart    bool

	queue *sendq.Queue
}

// RepeaterDeps wires a repeater to its two sockets.
type RepeaterDeps struct {
	Log         *tracelog.Logger
	Metrics     *observability.Metrics
	QueueLimit  int
	SendBackend func(frame []byte) error
	SendClient  func(frame []byte) error
}

func NewRepeater(deps RepeaterDeps) *Repeater {
	return &Repeater{
		log:         deps.Log,
		metrics:     deps.Metrics,
		sendBackend: deps.SendBackend,
		sendClient:  deps.SendClient,
		queue:       sendq.New(deps.QueueLimit),
	}
}

// ClientFrame forwards one client frame toward the backend, byte-identical.
// The sniff only feeds logging; a frame that fails to parse is still
// forwarded, since the backend owns protocol validation.
func (r *Repeater) ClientFrame(raw []byte) {
	typ, trace, err := protocol.SniffType(raw)
	if err == nil {
		r.log.SetTrace(trace)
		if typ == protocol.TypeStart && !r.markStart() {
			r.log.Stage("saw_start")
		}
		if r.metrics != nil {
			r.metrics.WSMessages.WithLabelValues("client_in", string(typ)).Inc()
		}
	}

	r.mu.Lock()
	open := r.backendOpen
	r.mu.Unlock()
	if !open {
		if r.queue.Push(raw) {
			r.log.Warn("pre-ready queue overflow, oldest frame dropped")
			if r.metrics != nil {
				r.metrics.QueueDrops.Inc()
			}
		}
		return
	}
	if err := r.sendBackend(raw); err != nil {
		r.log.Warn("backend send failed", "err", err.Error())
	}
}

// BackendOpen marks the backend socket usable and drains queued frames in
// arrival order.
func (r *Repeater) BackendOpen() {
	r.mu.Lock()
	r.backendOpen = true
	r.mu.Unlock()

	for _, frame := range r.queue.Drain() {
		if err := r.sendBackend(frame); err != nil {
			r.log.Warn("queued frame send failed", "err", err.Error())
			return
		}
	}
	r.log.Stage("backend_open")
}

// BackendFrame forwards one backend frame toward the client, byte-identical.
func (r *Repeater) BackendFrame(raw []byte) {
	if typ, trace, err := protocol.SniffType(raw); err == nil {
		r.log.SetTrace(trace)
		if r.metrics != nil {
			r.metrics.WSMessages.WithLabelValues("backend_in", string(typ)).Inc()
		}
	}
	if err := r.sendClient(raw); err != nil {
		r.log.Warn("client send failed", "err", err.Error())
	}
}

// BackendClosed synthesizes the only frame this tunnel ever originates: an
// error event telling the client the backend is gone.
func (r *Repeater) BackendClosed() {
	ev := protocol.ErrorEvent{
		Type:    protocol.TypeError,
		TraceID: r.log.Trace(),
		Error:   backendClosedError,
	}
	if err := r.sendClient(protocol.Marshal(ev)); err != nil {
		r.log.Warn("backend-closed notice send failed", "err", err.Error())
	}
	r.log.Stage("backend_closed")
}

// markStart records the first start frame; reports whether one was already
// seen.
func (r *Repeater) markStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.sawStart
	r.sawStart = true
	return seen
}
