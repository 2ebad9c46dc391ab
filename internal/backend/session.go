package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lbakken/callpipe/internal/audio"
	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/convo"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/protocol"
	"github.com/lbakken/callpipe/internal/tracelog"
	"github.com/lbakken/callpipe/internal/transcript"
)

// ErrSessionEnded signals a clean client-initiated shutdown to the read loop.
var ErrSessionEnded = errors.New("session ended")

// Session owns one client connection's pipeline state: the audio buffer
// between commits, the turn-in-flight guard and the outbound event stream.
type Session struct {
	cfg     config.Backend
	log     *tracelog.Logger
	asr     Transcriber
	tts     Synthesizer
	core    convo.Core
	sink    *transcript.Sink
	metrics *observability.Metrics
	window  *observability.StageWindow
	ready   func() error

	out  chan []byte
	done chan struct{}

	mu         sync.Mutex
	started    bool
	negotiated protocol.Ready
	callID     string
	inFlight   bool
	turnIndex  int
	turnGen    uint64
	turnCancel context.CancelFunc

	buf *pcmBuffer
	wg  sync.WaitGroup
}

// SessionDeps carries the shared collaborators a session needs.
type SessionDeps struct {
	Config  config.Backend
	Log     *tracelog.Logger
	ASR     Transcriber
	TTS     Synthesizer
	Core    convo.Core
	Sink    *transcript.Sink
	Metrics *observability.Metrics
	Window  *observability.StageWindow
	// Ready reports nil when the pipeline workers are usable.
	Ready func() error
}

func NewSession(deps SessionDeps) *Session {
	readyFn := deps.Ready
	if readyFn == nil {
		readyFn = func() error { return nil }
	}
	return &Session{
		cfg:     deps.Config,
		log:     deps.Log,
		asr:     deps.ASR,
		tts:     deps.TTS,
		core:    deps.Core,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		window:  deps.Window,
		ready:   readyFn,
		out:     make(chan []byte, 256),
		done:    make(chan struct{}),
		buf:     newPCMBuffer(deps.Config.MaxPCMBufferSize),
	}
}

// Out is the ordered stream of marshaled server events. Closed by Close.
func (s *Session) Out() <-chan []byte { return s.out }

// HandleRaw processes one inbound frame. Malformed frames produce an error
// event but keep the connection alive; ErrSessionEnded means the client is
// done.
func (s *Session) HandleRaw(ctx context.Context, raw []byte) error {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		s.log.Warn("bad client frame", "err", err.Error())
		s.emitError(err.Error())
		return nil
	}
	if t, ok := protocol.TypeOf(msg); ok && s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("in", string(t)).Inc()
	}

	switch m := msg.(type) {
	case protocol.Start:
		s.handleStart(m)
	case protocol.AudioChunk:
		s.handleAudio(m)
	case protocol.Commit:
		s.handleCommit(ctx, m)
	case protocol.Text:
		s.handleText(ctx, m)
	case protocol.End:
		// end during an in-flight turn is a barge-in interrupt: cancel the
		// turn, keep the session. An idle end closes the session.
		s.mu.Lock()
		cancel := s.turnCancel
		inFlight := s.inFlight
		s.mu.Unlock()
		if inFlight && cancel != nil {
			s.log.Info("turn_interrupted")
			if s.window != nil {
				s.window.Mark("barge_in")
			}
			cancel()
			return nil
		}
		return ErrSessionEnded
	}
	return nil
}

func (s *Session) handleStart(m protocol.Start) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		// Duplicate start re-emits the negotiated rates unchanged.
		s.log.Warn("duplicate start", "callId", s.callID)
		s.emit(s.negotiated)
		return
	}

	s.callID = m.CallSid
	if s.callID == "" {
		s.callID = uuid.NewString()
	}
	s.log.SetTrace(m.TraceID)
	s.log.SetTrace(tracelog.NewTraceID(m.CallSid))

	outRate := s.cfg.OutputSampleRate
	if m.OutputSampleRate != 0 && protocol.ValidSampleRate(m.OutputSampleRate) {
		outRate = m.OutputSampleRate
	}
	s.negotiated = protocol.Ready{
		Type:             protocol.TypeReady,
		TraceID:          s.log.Trace(),
		InputSampleRate:  s.cfg.InputSampleRate,
		OutputSampleRate: outRate,
	}
	s.started = true
	if s.metrics != nil {
		s.metrics.CallEvents.WithLabelValues("started").Inc()
	}
	s.log.Stage("session_start", "callId", s.callID, "outputRate", outRate)
	s.emit(s.negotiated)
}

func (s *Session) handleAudio(m protocol.AudioChunk) {
	if !s.isStarted() {
		s.emitError("start required before audio_chunk")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		s.emitError("audio_chunk: invalid base64")
		return
	}
	if evicted := s.buf.Append(pcm); evicted > 0 {
		s.log.Warn("pcm buffer over cap, oldest audio evicted", "evictedBytes", evicted)
		if s.window != nil {
			s.window.Mark("pcm_evicted")
		}
	}
}

func (s *Session) handleCommit(ctx context.Context, m protocol.Commit) {
	if !s.isStarted() {
		s.emitError("start required before commit")
		return
	}
	if err := s.ready(); err != nil {
		s.emitError("config: " + err.Error())
		return
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Info("commit_ignored", "reason", "turn in flight")
		if s.metrics != nil {
			s.metrics.CallEvents.WithLabelValues("commit_ignored").Inc()
		}
		if s.window != nil {
			s.window.Mark("commit_ignored")
		}
		return
	}
	s.inFlight = true
	s.turnGen++
	gen := s.turnGen
	idx := s.turnIndex
	s.turnIndex++
	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCancel = cancel
	s.mu.Unlock()

	pcm := s.buf.Take()
	s.log.Stage("commit", "turn", idx, "pcmBytes", len(pcm), "reason", m.Reason)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runTurn(turnCtx, gen, idx, pcm, "", m.Instructions)
	}()
}

func (s *Session) handleText(ctx context.Context, m protocol.Text) {
	if !s.isStarted() {
		s.emitError("start required before text")
		return
	}
	if err := s.ready(); err != nil {
		s.emitError("config: " + err.Error())
		return
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Info("commit_ignored", "reason", "turn in flight, text dropped")
		if s.metrics != nil {
			s.metrics.CallEvents.WithLabelValues("commit_ignored").Inc()
		}
		return
	}
	s.inFlight = true
	s.turnGen++
	gen := s.turnGen
	idx := s.turnIndex
	s.turnIndex++
	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCancel = cancel
	s.mu.Unlock()

	// Text turns bypass the audio buffer entirely.
	s.buf.Take()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runTurn(turnCtx, gen, idx, nil, m.Text, "")
	}()
}

// runTurn drives one committed turn through ASR, the conversation core and
// TTS, emitting the ordered event sequence the client expects. gen identifies
// this turn's claim on the in-flight guard.
func (s *Session) runTurn(ctx context.Context, gen uint64, idx int, pcm []byte, directText, instructions string) {
	defer s.endTurn(gen)

	turnStart := time.Now()
	trace := s.log.Trace()

	userText := directText
	if userText == "" && len(pcm) > 0 {
		s.log.Stage("asr_start", "turn", idx, "pcmBytes", len(pcm))
		asrStart := time.Now()
		text, err := s.asr.Transcribe(ctx, pcm, s.cfg.InputSampleRate)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("turn canceled during asr", "turn", idx)
				return
			}
			if s.metrics != nil {
				s.metrics.SubprocessFailures.WithLabelValues("asr").Inc()
			}
			s.log.Error("asr failed", "turn", idx, "err", err.Error())
			// No text deltas went out, so the error is the turn's terminal
			// event; no response_completed follows.
			s.completeTurn(gen, protocol.ErrorEvent{
				Type:    protocol.TypeError,
				TraceID: trace,
				Error:   "asr: " + err.Error(),
			})
			return
		}
		if s.window != nil {
			s.window.Observe("asr", time.Since(asrStart))
		}
		userText = strings.TrimSpace(text)
		s.log.Stage("asr_done", "turn", idx, "chars", len(userText))
	}

	// An empty utterance with no instructions closes the turn immediately:
	// fresh responseId, no transcript, no deltas.
	if userText == "" && instructions == "" {
		s.log.Info("empty_transcript", "turn", idx)
		s.finishTurn(gen, idx, trace, "resp_"+uuid.NewString(), "", "", "", turnStart)
		return
	}
	if userText != "" {
		s.emit(protocol.Transcript{Type: protocol.TypeTranscript, TraceID: trace, Text: userText})
	}

	s.log.Stage("llm_start", "turn", idx)
	convoStart := time.Now()
	reply, err := s.core.Respond(ctx, convo.Request{
		CallID:       s.currentCallID(),
		TraceID:      trace,
		TurnIndex:    idx,
		UserText:     userText,
		Instructions: instructions,
	})
	if err != nil {
		if ctx.Err() != nil {
			s.log.Info("turn canceled during conversation", "turn", idx)
			return
		}
		if s.metrics != nil {
			s.metrics.SubprocessFailures.WithLabelValues("convo").Inc()
		}
		s.log.Error("conversation failed", "turn", idx, "err", err.Error())
		s.completeTurn(gen, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			TraceID: trace,
			Error:   "conversation: " + err.Error(),
		})
		return
	}
	if s.window != nil {
		s.window.Observe("convo", time.Since(convoStart))
	}
	s.log.Stage("llm_done", "turn", idx, "chars", len(reply))

	responseID := "resp_" + uuid.NewString()

	for _, delta := range splitTextDeltas(reply, textDeltaMax) {
		s.emit(protocol.TextDelta{Type: protocol.TypeTextDelta, TraceID: trace, Text: delta})
	}
	// text_completed always precedes the first audio_delta.
	s.emit(protocol.TextCompleted{Type: protocol.TypeTextCompleted, TraceID: trace, Text: reply})

	s.log.Stage("tts_start", "turn", idx)
	firstAudio := true
	ttsStart := time.Now()
	outRate := s.outputRate()
	frameBytes := outRate / 50 * 2 // 20 ms of PCM16
	for _, chunk := range splitSentences(reply, ttsChunkMax) {
		if ctx.Err() != nil {
			s.log.Info("turn canceled during tts", "turn", idx)
			return
		}
		pcmOut, rate, err := s.tts.Synthesize(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("turn canceled during tts", "turn", idx)
				return
			}
			if s.metrics != nil {
				s.metrics.SubprocessFailures.WithLabelValues("tts").Inc()
			}
			s.log.Error("tts failed", "turn", idx, "err", err.Error())
			s.emitError("tts: " + err.Error())
			// Text deltas already went out, so the turn still closes.
			s.finishTurn(gen, idx, trace, responseID, userText, reply, instructions, turnStart)
			return
		}
		if len(pcmOut) == 0 {
			continue
		}
		if rate != outRate {
			samples := audio.BytesToInt16LE(pcmOut)
			pcmOut = audio.Int16LEToBytes(audio.Resample(samples, rate, outRate))
		}
		for off := 0; off < len(pcmOut); off += frameBytes {
			end := off + frameBytes
			if end > len(pcmOut) {
				end = len(pcmOut)
			}
			if firstAudio {
				firstAudio = false
				if s.metrics != nil {
					s.metrics.ObserveFirstAudioLatency(time.Since(turnStart))
				}
				if s.window != nil {
					s.window.Observe("tts_first", time.Since(ttsStart))
					s.window.Observe("commit_to_first_audio", time.Since(turnStart))
				}
				s.log.Stage("tts_first_audio", "turn", idx)
			}
			s.emit(protocol.AudioDelta{
				Type:    protocol.TypeAudioDelta,
				TraceID: trace,
				Audio:   base64.StdEncoding.EncodeToString(pcmOut[off:end]),
			})
		}
	}
	s.log.Stage("tts_done", "turn", idx)

	s.finishTurn(gen, idx, trace, responseID, userText, reply, instructions, turnStart)
}

// endTurn clears the in-flight guard without emitting anything; the deferred
// safety net for canceled turns. completeTurn already releases the guard, so
// by the time the deferred call runs a new turn may own it; the generation
// check keeps a finished turn from stomping its successor.
func (s *Session) endTurn(gen uint64) {
	s.mu.Lock()
	if s.turnGen == gen {
		s.inFlight = false
		s.turnCancel = nil
	}
	s.mu.Unlock()
}

// completeTurn queues the turn's terminal event and clears the in-flight
// guard in one critical section. Commit handlers check the guard under the
// same mutex, so the next turn cannot enqueue anything ahead of the
// terminator.
func (s *Session) completeTurn(gen uint64, final any) {
	s.mu.Lock()
	s.emit(final)
	if s.turnGen == gen {
		s.inFlight = false
		s.turnCancel = nil
	}
	s.mu.Unlock()
}

func (s *Session) finishTurn(gen uint64, idx int, trace, responseID, userText, reply, instructions string, turnStart time.Time) {
	s.completeTurn(gen, protocol.ResponseCompleted{
		Type:       protocol.TypeResponseCompleted,
		TraceID:    trace,
		ResponseID: responseID,
	})
	if s.metrics != nil {
		s.metrics.ObserveTurnDuration(time.Since(turnStart))
	}
	if s.window != nil {
		s.window.Observe("turn_total", time.Since(turnStart))
	}
	s.log.Stage("response_completed", "turn", idx, "responseId", responseID)

	if s.sink != nil {
		turn := transcript.Turn{
			CallID:        s.currentCallID(),
			TraceID:       trace,
			TurnIndex:     idx,
			UserText:      userText,
			AssistantText: reply,
			ResponseID:    responseID,
			Instructions:  instructions,
		}
		// Persistence stays off the audio path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.sink.SaveTurn(ctx, turn); err != nil {
				s.log.Warn("transcript save failed", "err", err.Error())
			}
		}()
	}
}

// Close cancels any in-flight turn, waits for it and closes the event stream.
func (s *Session) Close() {
	// done first: emits may block on a full out channel while holding the
	// mutex, and closing done is what unblocks them.
	close(s.done)
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	close(s.out)
	if s.metrics != nil && s.isStarted() {
		s.metrics.CallEvents.WithLabelValues("ended").Inc()
	}
}

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) currentCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) outputRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiated.OutputSampleRate != 0 {
		return s.negotiated.OutputSampleRate
	}
	return s.cfg.OutputSampleRate
}

func (s *Session) emit(v any) {
	raw := protocol.Marshal(v)
	if t, ok := protocol.TypeOf(v); ok && s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("out", string(t)).Inc()
	}
	// Blocking send keeps event ordering; done unblocks a stalled turn when
	// the connection is torn down.
	select {
	case s.out <- raw:
	case <-s.done:
	}
}

func (s *Session) emitError(msg string) {
	s.emit(protocol.ErrorEvent{
		Type:    protocol.TypeError,
		TraceID: s.log.Trace(),
		Error:   msg,
	})
}
