package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lbakken/callpipe/internal/audio"
	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/protocol"
	"github.com/lbakken/callpipe/internal/tracelog"
)

type frameLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameLog) send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *frameLog) types(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, raw := range f.frames {
		typ, _, err := protocol.SniffType(raw)
		if err != nil {
			t.Fatalf("unsniffable frame %s: %v", raw, err)
		}
		out = append(out, string(typ))
	}
	return out
}

func (f *frameLog) last(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatalf("no frames captured")
	}
	return f.frames[len(f.frames)-1]
}

func (f *frameLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func bridgeConfig() config.Bridge {
	return config.Bridge{
		OutputSampleRate: 24000,
		QueueLimit:       1000,
		VADThresholdRMS:  0.012,
		VADCommitSilence: 900 * time.Millisecond,
		BargeInEnabled:   true,
	}
}

func newTestBridgeSession(t *testing.T, cfg config.Bridge) (*Session, *frameLog, *frameLog) {
	t.Helper()
	relay := &frameLog{}
	carrier := &frameLog{}
	s := NewSession(SessionDeps{
		Config:       cfg,
		Log:          tracelog.New("bridge", "error", io.Discard).Conn(),
		ConnectRelay: func(context.Context) error { return nil },
		SendRelay:    relay.send,
		SendCarrier:  carrier.send,
	})
	return s, relay, carrier
}

func carrierStart(t *testing.T, s *Session) {
	t.Helper()
	raw := `{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","streamSid":"MZ1"}}`
	if err := s.HandleCarrierFrame(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("carrier start error = %v", err)
	}
}

func mulawToneFrame(amplitude float64) string {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	return base64.StdEncoding.EncodeToString(audio.PCM16ToMuLaw(pcm))
}

func mulawSilenceFrame() string {
	return base64.StdEncoding.EncodeToString(audio.PCM16ToMuLaw(make([]int16, 160)))
}

func sendMedia(t *testing.T, s *Session, payload string) {
	t.Helper()
	raw := fmt.Sprintf(`{"event":"media","streamSid":"MZ1","media":{"payload":"%s"}}`, payload)
	if err := s.HandleCarrierFrame(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("carrier media error = %v", err)
	}
}

func markReady(s *Session) {
	s.HandleRelayFrame([]byte(`{"type":"ready","inputSampleRate":16000,"outputSampleRate":24000}`))
}

func TestSessionStartDialsAndSendsStart(t *testing.T) {
	relay := &frameLog{}
	dialed := false
	s := NewSession(SessionDeps{
		Config:       bridgeConfig(),
		Log:          tracelog.New("bridge", "error", io.Discard).Conn(),
		ConnectRelay: func(context.Context) error { dialed = true; return nil },
		SendRelay:    relay.send,
		SendCarrier:  (&frameLog{}).send,
	})

	carrierStart(t, s)
	if !dialed {
		t.Fatalf("relay not dialed on carrier start")
	}

	var start protocol.Start
	if err := json.Unmarshal(relay.last(t), &start); err != nil {
		t.Fatalf("start frame unmarshal: %v", err)
	}
	if start.Type != protocol.TypeStart || start.CallSid != "CA1" || start.StreamSid != "MZ1" {
		t.Fatalf("start frame = %+v", start)
	}
	if start.TraceID != "CA1" {
		t.Fatalf("trace seed = %q, want callSid CA1", start.TraceID)
	}
	if start.OutputSampleRate != 24000 {
		t.Fatalf("outputSampleRate = %d, want 24000", start.OutputSampleRate)
	}
}

func TestSessionQueuesMediaUntilReady(t *testing.T) {
	s, relay, _ := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)

	before := relay.count() // just the start frame
	sendMedia(t, s, mulawToneFrame(0.5))
	sendMedia(t, s, mulawToneFrame(0.5))
	if relay.count() != before {
		t.Fatalf("audio forwarded before ready")
	}

	markReady(s)
	types := relay.types(t)
	var audioChunks int
	for _, typ := range types {
		if typ == "audio_chunk" {
			audioChunks++
		}
	}
	if audioChunks != 2 {
		t.Fatalf("queued audio chunks after ready = %d, want 2", audioChunks)
	}
}

func TestSessionMediaResampledTo16k(t *testing.T) {
	s, relay, _ := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	markReady(s)

	sendMedia(t, s, mulawToneFrame(0.5))

	var chunk protocol.AudioChunk
	if err := json.Unmarshal(relay.last(t), &chunk); err != nil {
		t.Fatalf("chunk unmarshal: %v", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.Audio)
	if err != nil {
		t.Fatalf("chunk audio not base64: %v", err)
	}
	// 160 samples at 8 kHz resample to 320 at 16 kHz.
	if len(pcm)/2 != 320 {
		t.Fatalf("forwarded chunk = %d samples, want 320", len(pcm)/2)
	}
}

func TestSessionSilenceCommitForwarded(t *testing.T) {
	s, relay, _ := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	markReady(s)

	for i := 0; i < 25; i++ { // 500 ms speech
		sendMedia(t, s, mulawToneFrame(0.5))
	}
	for i := 0; i < 45; i++ { // 900 ms silence
		sendMedia(t, s, mulawSilenceFrame())
	}

	var commit *protocol.Commit
	for _, raw := range relay.frames {
		if typ, _, _ := protocol.SniffType(raw); typ == protocol.TypeCommit {
			var c protocol.Commit
			if err := json.Unmarshal(raw, &c); err != nil {
				t.Fatalf("commit unmarshal: %v", err)
			}
			commit = &c
		}
	}
	if commit == nil {
		t.Fatalf("no commit after silence window")
	}
	if commit.Reason != "silence" {
		t.Fatalf("commit reason = %q, want silence", commit.Reason)
	}
}

func TestSessionDTMFCommitAndEnd(t *testing.T) {
	s, relay, _ := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	markReady(s)

	if err := s.HandleCarrierFrame(context.Background(), []byte(`{"event":"dtmf","dtmf":{"digit":"#"}}`)); err != nil {
		t.Fatalf("dtmf # error = %v", err)
	}
	var c protocol.Commit
	if err := json.Unmarshal(relay.last(t), &c); err != nil || c.Type != protocol.TypeCommit || c.Reason != "dtmf" {
		t.Fatalf("dtmf commit = %+v, %v", c, err)
	}

	err := s.HandleCarrierFrame(context.Background(), []byte(`{"event":"dtmf","dtmf":{"digit":"*"}}`))
	if !errors.Is(err, ErrCallEnded) {
		t.Fatalf("dtmf * returned %v, want ErrCallEnded", err)
	}
	if typ, _, _ := protocol.SniffType(relay.last(t)); typ != protocol.TypeEnd {
		t.Fatalf("dtmf * did not send end, last = %s", typ)
	}
}

func TestSessionOutboundPacing(t *testing.T) {
	s, _, carrier := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	markReady(s)

	// 960 samples at 24 kHz is 40 ms: resampled to 8 kHz that is 320
	// samples, i.e. exactly two 160-byte mu-law frames.
	pcm := audio.Int16LEToBytes(make([]int16, 960))
	s.HandleRelayFrame([]byte(fmt.Sprintf(`{"type":"audio_delta","audio":"%s"}`,
		base64.StdEncoding.EncodeToString(pcm))))

	for i := 0; i < 4; i++ {
		if err := s.DrainFrame(); err != nil {
			t.Fatalf("DrainFrame() error = %v", err)
		}
	}
	if carrier.count() != 2 {
		t.Fatalf("outbound frames = %d, want exactly 2", carrier.count())
	}

	var media protocol.CarrierOutMedia
	if err := json.Unmarshal(carrier.last(t), &media); err != nil {
		t.Fatalf("media unmarshal: %v", err)
	}
	if media.Event != "media" || media.StreamSid != "MZ1" {
		t.Fatalf("outbound media = %+v", media)
	}
	payload, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	if err != nil || len(payload) != 160 {
		t.Fatalf("payload = %d bytes, %v; want 160", len(payload), err)
	}
}

func TestSessionUsesConfirmedOutputRate(t *testing.T) {
	// Config asks for 24 kHz but the backend confirms 16 kHz; assistant
	// audio must be resampled from the confirmed rate.
	s, _, carrier := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	s.HandleRelayFrame([]byte(`{"type":"ready","inputSampleRate":16000,"outputSampleRate":16000}`))

	// 640 samples at 16 kHz is 40 ms: 320 samples at 8 kHz, exactly two
	// mu-law frames. At the configured 24 kHz it would be only one.
	pcm := audio.Int16LEToBytes(make([]int16, 640))
	s.HandleRelayFrame([]byte(fmt.Sprintf(`{"type":"audio_delta","audio":"%s"}`,
		base64.StdEncoding.EncodeToString(pcm))))

	for i := 0; i < 4; i++ {
		if err := s.DrainFrame(); err != nil {
			t.Fatalf("DrainFrame() error = %v", err)
		}
	}
	if carrier.count() != 2 {
		t.Fatalf("outbound frames = %d, want 2 at the confirmed rate", carrier.count())
	}
}

func TestSessionResponseCompletedDropsResidual(t *testing.T) {
	s, _, carrier := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	markReady(s)

	// 10 ms at 24 kHz -> 80 bytes mu-law, below one frame.
	pcm := audio.Int16LEToBytes(make([]int16, 240))
	s.HandleRelayFrame([]byte(fmt.Sprintf(`{"type":"audio_delta","audio":"%s"}`,
		base64.StdEncoding.EncodeToString(pcm))))
	s.HandleRelayFrame([]byte(`{"type":"response_completed","responseId":"resp_1"}`))

	if err := s.DrainFrame(); err != nil {
		t.Fatalf("DrainFrame() error = %v", err)
	}
	if carrier.count() != 0 {
		t.Fatalf("residual partial frame leaked to carrier")
	}
}

func TestSessionBargeInDropsBufferAndInterrupts(t *testing.T) {
	s, relay, carrier := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)
	markReady(s)

	// Queue a full second of assistant audio.
	pcm := audio.Int16LEToBytes(make([]int16, 24000))
	s.HandleRelayFrame([]byte(fmt.Sprintf(`{"type":"audio_delta","audio":"%s"}`,
		base64.StdEncoding.EncodeToString(pcm))))

	before := relay.count()
	sendMedia(t, s, mulawToneFrame(0.5)) // caller interrupts

	if err := s.DrainFrame(); err != nil {
		t.Fatalf("DrainFrame() error = %v", err)
	}
	if carrier.count() != 0 {
		t.Fatalf("outbound buffer not dropped on barge-in")
	}

	sawEnd := false
	for _, raw := range relay.frames[before:] {
		if typ, _, _ := protocol.SniffType(raw); typ == protocol.TypeEnd {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Fatalf("no interrupt sent to backend on barge-in")
	}

	// Subsequent speech is forwarded normally.
	after := relay.count()
	sendMedia(t, s, mulawToneFrame(0.5))
	if relay.count() != after+1 {
		t.Fatalf("speech not forwarded after barge-in")
	}
}

func TestSessionOpenerCommitOnce(t *testing.T) {
	cfg := bridgeConfig()
	cfg.OpenerInstructions = "Greet the caller and ask how you can help."
	s, relay, _ := newTestBridgeSession(t, cfg)
	carrierStart(t, s)

	markReady(s)
	markReady(s) // duplicate ready must not re-greet

	var openers int
	for _, raw := range relay.frames {
		if typ, _, _ := protocol.SniffType(raw); typ == protocol.TypeCommit {
			var c protocol.Commit
			_ = json.Unmarshal(raw, &c)
			if c.Instructions == cfg.OpenerInstructions {
				openers++
			}
		}
	}
	if openers != 1 {
		t.Fatalf("opener commits = %d, want exactly 1", openers)
	}
}

func TestSessionStopTearsDown(t *testing.T) {
	s, _, _ := newTestBridgeSession(t, bridgeConfig())
	carrierStart(t, s)

	err := s.HandleCarrierFrame(context.Background(), []byte(`{"event":"stop","stop":{"callSid":"CA1"}}`))
	if !errors.Is(err, ErrCallEnded) {
		t.Fatalf("stop returned %v, want ErrCallEnded", err)
	}
}
