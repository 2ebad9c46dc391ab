package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/lbakken/callpipe/internal/audio"
	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/protocol"
	"github.com/lbakken/callpipe/internal/sendq"
	"github.com/lbakken/callpipe/internal/tracelog"
)

const (
	carrierSampleRate = 8000
	// carrierFrameBytes is one 20 ms mu-law frame toward the carrier.
	carrierFrameBytes = 160
	// framePeriod paces outbound media at realtime.
	framePeriod = 20 * time.Millisecond
)

// ErrCallEnded signals a carrier-initiated stop to the connection loop.
var ErrCallEnded = errors.New("call ended")

// Session bridges one carrier media stream to one relay connection:
// mu-law in, PCM16 audio_chunks out, and the reverse for assistant audio.
type Session struct {
	cfg     config.Bridge
	log     *tracelog.Logger
	metrics *observability.Metrics
	window  *observability.StageWindow
	vad     *Detector

	// connectRelay dials the relay when the carrier call starts; after it
	// returns, sendRelay must be usable.
	connectRelay func(ctx context.Context) error
	sendRelay    func(frame []byte) error
	sendCarrier  func(frame []byte) error

	mu            sync.Mutex
	streamSid     string
	callID        string
	started       bool
	ready         bool
	greeted       bool
	inputRate     int
	outputRate    int
	outBuf        []byte
	inboundBytes  int64
	outboundBytes int64

	queue *sendq.Queue
}

// SessionDeps wires a session to its two sockets.
type SessionDeps struct {
	Config       config.Bridge
	Log          *tracelog.Logger
	Metrics      *observability.Metrics
	Window       *observability.StageWindow
	ConnectRelay func(ctx context.Context) error
	SendRelay    func(frame []byte) error
	SendCarrier  func(frame []byte) error
}

func NewSession(deps SessionDeps) *Session {
	return &Session{
		cfg: deps.Config,
		log: deps.Log,
		vad: NewDetector(VADConfig{
			ThresholdRMS:  deps.Config.VADThresholdRMS,
			CommitSilence: deps.Config.VADCommitSilence,
			MaxUtterance:  deps.Config.VADMaxUtterance,
		}, carrierSampleRate),
		metrics:      deps.Metrics,
		window:       deps.Window,
		connectRelay: deps.ConnectRelay,
		sendRelay:    deps.SendRelay,
		sendCarrier:  deps.SendCarrier,
		inputRate:    16000,
		outputRate:   deps.Config.OutputSampleRate,
		queue:        sendq.New(deps.Config.QueueLimit),
	}
}

// HandleCarrierFrame processes one inbound carrier event. ErrCallEnded means
// the carrier hung up.
func (s *Session) HandleCarrierFrame(ctx context.Context, raw []byte) error {
	msg, err := protocol.ParseCarrierMessage(raw)
	if err != nil {
		s.log.Warn("bad carrier frame", "err", err.Error())
		return nil
	}
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("in", msg.Event).Inc()
	}

	switch msg.Event {
	case protocol.CarrierEventConnected:
		return nil
	case protocol.CarrierEventStart:
		return s.handleStart(ctx, msg)
	case protocol.CarrierEventMedia:
		s.handleMedia(msg)
		return nil
	case protocol.CarrierEventDTMF:
		return s.handleDTMF(msg)
	case protocol.CarrierEventMark:
		s.log.Debug("carrier mark", "name", markName(msg))
		return nil
	case protocol.CarrierEventStop:
		s.log.Stage("carrier_stop")
		return ErrCallEnded
	default:
		s.log.Debug("unknown carrier event", "event", msg.Event)
		return nil
	}
}

func (s *Session) handleStart(ctx context.Context, msg protocol.CarrierMessage) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Warn("duplicate carrier start")
		return nil
	}
	s.started = true
	s.streamSid = msg.Start.StreamSid
	if s.streamSid == "" {
		s.streamSid = msg.StreamSid
	}
	s.callID = msg.Start.CallSid
	s.mu.Unlock()

	s.log.SetTrace(tracelog.NewTraceID(msg.Start.CallSid))
	s.log.Stage("call_start", "callId", s.callID, "streamId", s.streamSid)
	if s.metrics != nil {
		s.metrics.CallEvents.WithLabelValues("started").Inc()
	}

	if err := s.connectRelay(ctx); err != nil {
		s.log.Error("relay dial failed", "err", err.Error())
		return err
	}

	start := protocol.Start{
		Type:             protocol.TypeStart,
		TraceID:          s.log.Trace(),
		CallSid:          s.callID,
		StreamSid:        s.streamSid,
		StartedAt:        time.Now().UnixMilli(),
		OutputSampleRate: s.cfg.OutputSampleRate,
	}
	return s.sendRelay(protocol.Marshal(start))
}

func (s *Session) handleMedia(msg protocol.CarrierMessage) {
	if !s.isStarted() {
		return
	}
	mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.log.Warn("carrier media: invalid base64")
		return
	}
	s.mu.Lock()
	s.inboundBytes += int64(len(mulaw))
	s.mu.Unlock()

	pcm8k := audio.MuLawToPCM16(mulaw)
	res := s.vad.Feed(pcm8k)

	if s.cfg.BargeInEnabled && res.Voiced && s.clearOutboundIfAny() {
		s.log.Stage("barge_in")
		if s.metrics != nil {
			s.metrics.CallEvents.WithLabelValues("barge_in").Inc()
		}
		if s.window != nil {
			s.window.Mark("barge_in")
		}
		// Interrupt the in-flight assistant turn.
		s.forwardToRelay(protocol.Marshal(protocol.End{Type: protocol.TypeEnd, TraceID: s.log.Trace()}))
	}

	pcm16k := audio.Resample(pcm8k, carrierSampleRate, s.currentInputRate())
	chunk := protocol.AudioChunk{
		Type:    protocol.TypeAudioChunk,
		TraceID: s.log.Trace(),
		Audio:   base64.StdEncoding.EncodeToString(audio.Int16LEToBytes(pcm16k)),
	}
	s.forwardToRelay(protocol.Marshal(chunk))

	if res.CommitReason != "" {
		s.log.Stage("vad_commit", "reason", res.CommitReason)
		commit := protocol.Commit{
			Type:    protocol.TypeCommit,
			TraceID: s.log.Trace(),
			Reason:  res.CommitReason,
		}
		s.forwardToRelay(protocol.Marshal(commit))
	}
}

func (s *Session) handleDTMF(msg protocol.CarrierMessage) error {
	switch msg.DTMF.Digit {
	case "#":
		s.log.Stage("dtmf_commit")
		s.vad.Reset()
		commit := protocol.Commit{
			Type:    protocol.TypeCommit,
			TraceID: s.log.Trace(),
			Reason:  "dtmf",
		}
		s.forwardToRelay(protocol.Marshal(commit))
	case "*":
		s.log.Stage("dtmf_end")
		s.forwardToRelay(protocol.Marshal(protocol.End{Type: protocol.TypeEnd, TraceID: s.log.Trace()}))
		return ErrCallEnded
	default:
		s.log.Debug("dtmf ignored", "digit", msg.DTMF.Digit)
	}
	return nil
}

// HandleRelayFrame processes one event from the relay side.
func (s *Session) HandleRelayFrame(raw []byte) {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		s.log.Warn("bad relay frame", "err", err.Error())
		return
	}
	if t, ok := protocol.TypeOf(msg); ok && s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("relay_in", string(t)).Inc()
	}

	switch m := msg.(type) {
	case protocol.Ready:
		s.handleReady(m)
	case protocol.AudioDelta:
		s.handleAudioDelta(m)
	case protocol.ResponseCompleted:
		// Residual partial frames are dropped to keep turn boundaries clean.
		s.clearOutboundIfAny()
		s.log.Stage("response_completed", "responseId", m.ResponseID)
	case protocol.Transcript:
		s.log.Info("transcript", "text", m.Text)
	case protocol.TextCompleted:
		s.log.Info("assistant text", "text", m.Text)
	case protocol.ErrorEvent:
		s.log.Warn("backend error", "err", m.Error)
	}
}

func (s *Session) handleReady(m protocol.Ready) {
	s.mu.Lock()
	s.ready = true
	if protocol.ValidSampleRate(m.InputSampleRate) {
		s.inputRate = m.InputSampleRate
	}
	// The backend may confirm a different output rate than requested;
	// assistant audio arrives at the confirmed one.
	if protocol.ValidSampleRate(m.OutputSampleRate) {
		s.outputRate = m.OutputSampleRate
	}
	alreadyGreeted := s.greeted
	if s.cfg.OpenerInstructions != "" {
		s.greeted = true
	}
	s.mu.Unlock()

	s.log.Stage("ready", "inputRate", m.InputSampleRate, "outputRate", m.OutputSampleRate)

	for _, frame := range s.queue.Drain() {
		if err := s.sendRelay(frame); err != nil {
			s.log.Warn("queued frame send failed", "err", err.Error())
			return
		}
	}

	if s.cfg.OpenerInstructions != "" && !alreadyGreeted {
		s.log.Stage("opener_commit")
		commit := protocol.Commit{
			Type:         protocol.TypeCommit,
			TraceID:      s.log.Trace(),
			Instructions: s.cfg.OpenerInstructions,
			Reason:       "opener",
		}
		if err := s.sendRelay(protocol.Marshal(commit)); err != nil {
			s.log.Warn("opener commit send failed", "err", err.Error())
		}
	}
}

func (s *Session) handleAudioDelta(m protocol.AudioDelta) {
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		s.log.Warn("audio_delta: invalid base64")
		return
	}
	samples := audio.BytesToInt16LE(pcm)
	pcm8k := audio.Resample(samples, s.currentOutputRate(), carrierSampleRate)
	mulaw := audio.PCM16ToMuLaw(pcm8k)

	s.mu.Lock()
	s.outBuf = append(s.outBuf, mulaw...)
	s.mu.Unlock()
}

// RunPacer drains the outbound buffer toward the carrier in exact 20 ms
// frames until ctx ends.
func (s *Session) RunPacer(ctx context.Context) {
	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.DrainFrame(); err != nil {
				return
			}
		}
	}
}

// DrainFrame sends at most one full mu-law frame to the carrier.
func (s *Session) DrainFrame() error {
	s.mu.Lock()
	if len(s.outBuf) < carrierFrameBytes {
		s.mu.Unlock()
		return nil
	}
	frame := s.outBuf[:carrierFrameBytes]
	s.outBuf = s.outBuf[carrierFrameBytes:]
	streamSid := s.streamSid
	s.outboundBytes += carrierFrameBytes
	s.mu.Unlock()

	out := protocol.NewCarrierOutMedia(streamSid, base64.StdEncoding.EncodeToString(frame))
	if err := s.sendCarrier(protocol.Marshal(out)); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.OutboundFramesTotal.Inc()
	}
	return nil
}

// Teardown logs the final byte counters with the close reason.
func (s *Session) Teardown(reason string) {
	s.mu.Lock()
	in, out := s.inboundBytes, s.outboundBytes
	s.mu.Unlock()
	s.log.Stage("teardown", "reason", reason, "inboundBytes", in, "outboundBytes", out, "queueDrops", s.queue.Drops())
	if s.metrics != nil {
		s.metrics.CallEvents.WithLabelValues("ended").Inc()
	}
}

// forwardToRelay sends a frame immediately when the backend is ready, and
// queues it otherwise.
func (s *Session) forwardToRelay(frame []byte) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		if err := s.sendRelay(frame); err != nil {
			s.log.Warn("relay send failed", "err", err.Error())
		}
		return
	}
	if s.queue.Push(frame) {
		s.log.Warn("pre-ready queue overflow, oldest frame dropped")
		if s.metrics != nil {
			s.metrics.QueueDrops.Inc()
		}
	}
}

func (s *Session) clearOutboundIfAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outBuf) == 0 {
		return false
	}
	s.outBuf = nil
	return true
}

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) currentInputRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputRate
}

func (s *Session) currentOutputRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputRate
}

func markName(msg protocol.CarrierMessage) string {
	if msg.Mark == nil {
		return ""
	}
	return msg.Mark.Name
}
