// Command replay drives one scripted turn through a running relay and voice
// backend: it streams a WAV file (or a text message) over the websocket and
// prints a JSON report of the events that came back.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lbakken/callpipe/internal/audio"
	"github.com/lbakken/callpipe/internal/protocol"
)

const (
	inputSampleRate = 16000
	chunkSamples    = inputSampleRate / 50 // 20ms per audio_chunk
)

type options struct {
	wsURL      string
	wavPath    string
	text       string
	traceID    string
	outputRate int
	realtime   float64
	commit     bool
	timeout    time.Duration
	verbose    bool
}

type report struct {
	TraceID          string   `json:"traceId"`
	Events           []string `json:"events"`
	SawReady         bool     `json:"sawReady"`
	SawCompleted     bool     `json:"sawCompleted"`
	Transcript       string   `json:"transcript,omitempty"`
	Text             string   `json:"text,omitempty"`
	AudioDeltaChunks int      `json:"audioDeltaChunks"`
	AudioBytes       int      `json:"audioBytes"`
	MS               int64    `json:"ms"`
	Error            string   `json:"error,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
	rep, err := run(cfg)
	out, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var timeoutMS int

	flag.StringVar(&cfg.wsURL, "ws", "ws://127.0.0.1:8082/ws", "relay websocket URL")
	flag.StringVar(&cfg.wavPath, "wav", "", "path to a 16kHz mono PCM16 WAV file to stream")
	flag.StringVar(&cfg.text, "text", "", "send a text turn instead of audio")
	flag.StringVar(&cfg.traceID, "trace", "", "trace id for the run (default: generated)")
	flag.IntVar(&cfg.outputRate, "output-rate", 24000, "requested output sample rate")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.BoolVar(&cfg.commit, "commit", true, "send an explicit commit after the audio")
	flag.IntVar(&timeoutMS, "timeout-ms", 30000, "timeout waiting for response_completed")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print each received event to stderr")
	flag.Parse()

	if cfg.wavPath == "" && cfg.text == "" {
		return options{}, fmt.Errorf("one of -wav or -text is required")
	}
	if cfg.wavPath != "" && cfg.text != "" {
		return options{}, fmt.Errorf("-wav and -text are mutually exclusive")
	}
	if !protocol.ValidSampleRate(cfg.outputRate) {
		return options{}, fmt.Errorf("output-rate must be 8000, 16000 or 24000")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	if cfg.traceID == "" {
		cfg.traceID = fmt.Sprintf("replay-%d", time.Now().UnixMilli())
	}
	return cfg, nil
}

func run(cfg options) (*report, error) {
	rep := &report{TraceID: cfg.traceID}
	started := time.Now()
	defer func() { rep.MS = time.Since(started).Milliseconds() }()

	var pcm []byte
	if cfg.wavPath != "" {
		raw, rate, err := audio.ReadWAVPCM16LEFile(cfg.wavPath)
		if err != nil {
			return rep, fmt.Errorf("read wav: %w", err)
		}
		if rate != inputSampleRate {
			samples := audio.Resample(audio.BytesToInt16LE(raw), rate, inputSampleRate)
			raw = audio.Int16LEToBytes(samples)
		}
		pcm = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout+30*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.wsURL, nil)
	if err != nil {
		return rep, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var (
		mu       sync.Mutex
		deltas   strings.Builder
		doneCh   = make(chan error, 1)
		collect  = func(fn func()) { mu.Lock(); fn(); mu.Unlock() }
		finished = func(err error) {
			select {
			case doneCh <- err:
			default:
			}
		}
	)

	// join stops the reader and waits it out so the report is no longer
	// shared when the caller marshals it.
	readerDone := make(chan struct{})
	var joinOnce sync.Once
	join := func() {
		joinOnce.Do(func() {
			_ = conn.Close()
			<-readerDone
		})
	}
	defer join()

	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				finished(fmt.Errorf("ws read: %w", err))
				return
			}
			msg, err := protocol.ParseServerMessage(data)
			if err != nil {
				continue
			}
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "replay: <- %s\n", strings.TrimSpace(string(data)))
			}
			switch m := msg.(type) {
			case protocol.Ready:
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeReady))
					rep.SawReady = true
				})
			case protocol.Transcript:
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeTranscript))
					rep.Transcript = m.Text
				})
			case protocol.TextDelta:
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeTextDelta))
					deltas.WriteString(m.Text)
				})
			case protocol.TextCompleted:
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeTextCompleted))
					rep.Text = m.Text
				})
			case protocol.AudioDelta:
				chunk, err := audio.DecodeBase64(m.Audio)
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeAudioDelta))
					rep.AudioDeltaChunks++
					if err == nil {
						rep.AudioBytes += len(chunk)
					}
				})
			case protocol.ResponseCompleted:
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeResponseCompleted))
					rep.SawCompleted = true
				})
				finished(nil)
			case protocol.ErrorEvent:
				collect(func() {
					rep.Events = append(rep.Events, string(protocol.TypeError))
					rep.Error = m.Error
				})
			}
		}
	}()

	send := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, protocol.Marshal(v))
	}

	if err := send(protocol.Start{
		Type:             protocol.TypeStart,
		TraceID:          cfg.traceID,
		CallSid:          cfg.traceID,
		StartedAt:        time.Now().UnixMilli(),
		OutputSampleRate: cfg.outputRate,
	}); err != nil {
		return rep, fmt.Errorf("send start: %w", err)
	}

	if cfg.text != "" {
		if err := send(protocol.Text{Type: protocol.TypeText, TraceID: cfg.traceID, Text: cfg.text}); err != nil {
			return rep, fmt.Errorf("send text: %w", err)
		}
	} else {
		chunkBytes := chunkSamples * 2
		pace := time.Duration(float64(20*time.Millisecond) / cfg.realtime)
		for off := 0; off < len(pcm); off += chunkBytes {
			end := off + chunkBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			if (end-off)%2 != 0 {
				end--
			}
			if end <= off {
				break
			}
			if err := send(protocol.AudioChunk{
				Type:    protocol.TypeAudioChunk,
				TraceID: cfg.traceID,
				Audio:   audio.EncodeBase64(pcm[off:end]),
			}); err != nil {
				return rep, fmt.Errorf("send audio: %w", err)
			}
			time.Sleep(pace)
		}
		if cfg.commit {
			if err := send(protocol.Commit{Type: protocol.TypeCommit, TraceID: cfg.traceID, Reason: "replay"}); err != nil {
				return rep, fmt.Errorf("send commit: %w", err)
			}
		}
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()
	select {
	case err := <-doneCh:
		if err != nil {
			join()
			return rep, err
		}
	case <-timer.C:
		join()
		return rep, fmt.Errorf("timeout after %s waiting for response_completed", cfg.timeout)
	}

	_ = send(protocol.End{Type: protocol.TypeEnd, TraceID: cfg.traceID})
	join()
	rep.Text = strings.TrimSpace(firstNonEmpty(rep.Text, deltas.String()))
	return rep, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
