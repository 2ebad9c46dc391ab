package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Synthesizer renders one text chunk as PCM16LE audio at its native rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (pcm16le []byte, sampleRate int, err error)
}

// WorkerTTS drives a long-lived synthesis worker over a newline-delimited
// JSON protocol on stdin/stdout: one request line in, one response out.
type WorkerTTS struct {
	// reqMu serializes request/response pairs on the worker pipe; it is never
	// taken by Close, so a stuck request cannot wedge shutdown. pending is
	// guarded by reqMu: a caller-canceled exchange parks its result channel
	// there and the next request drains it before writing.
	reqMu   sync.Mutex
	pending chan ttsExchange

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	closed bool

	tail    *tailBuffer
	voice   string
	timeout time.Duration
}

type ttsExchange struct {
	resp ttsResponse
	err  error
}

type ttsRequest struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

type ttsResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
	Error       string `json:"error"`
}

// StartWorkerTTS launches the worker and runs a warmup request so dependency
// errors surface at startup. Each later request is bounded by timeout
// (<= 0 means 120 s) and the worker is killed when one overruns.
func StartWorkerTTS(python, script, voice string, timeout time.Duration) (*WorkerTTS, error) {
	w, err := startWorkerProcess(python, script, voice, timeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if _, _, err := w.Synthesize(ctx, "warmup"); err != nil {
		msg := w.tail.String()
		_ = w.Close()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("tts worker failed to start: %s", msg)
	}
	return w, nil
}

func startWorkerProcess(python, script, voice string, timeout time.Duration) (*WorkerTTS, error) {
	python = strings.TrimSpace(python)
	if python == "" {
		python = "python3"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cmd := exec.Command(python, "-u", script)
	cmd.Env = os.Environ()
	tail := newTailBuffer(stderrPreviewMax)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts worker: %w", err)
	}

	return &WorkerTTS{
		cmd:     cmd,
		stdin:   stdin,
		dec:     json.NewDecoder(stdout),
		tail:    tail,
		voice:   voice,
		timeout: timeout,
	}, nil
}

// Synthesize is single-flight: reqMu serializes request/response pairs on
// the worker pipe. The exchange runs under the worker budget; a worker that
// does not answer within it is killed as wedged. Caller cancellation (barge-in
// or disconnect) leaves the worker alive: the abandoned exchange goroutine
// drains exactly one stale response, which the next request waits out before
// writing, so the line protocol stays in sync.
func (w *WorkerTTS) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	w.reqMu.Lock()
	defer w.reqMu.Unlock()

	budget := time.NewTimer(w.timeout)
	defer budget.Stop()

	if w.pending != nil {
		select {
		case <-w.pending:
			w.pending = nil
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-budget.C:
			w.kill()
			w.pending = nil
			return nil, 0, fmt.Errorf("tts worker timed out after %s", w.timeout)
		}
	}

	w.mu.Lock()
	stdin, dec, closed := w.stdin, w.dec, w.closed
	w.mu.Unlock()
	if closed || stdin == nil {
		return nil, 0, fmt.Errorf("tts worker closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	id := fmt.Sprintf("req-%d", time.Now().UnixNano())
	line, _ := json.Marshal(ttsRequest{ID: id, Text: text, Voice: w.voice, Speed: 1.0})
	line = append(line, '\n')

	resCh := make(chan ttsExchange, 1)
	go func() {
		if _, err := stdin.Write(line); err != nil {
			resCh <- ttsExchange{err: fmt.Errorf("tts worker write: %w", err)}
			return
		}
		var resp ttsResponse
		if err := dec.Decode(&resp); err != nil {
			resCh <- ttsExchange{err: fmt.Errorf("tts worker read: %w", err)}
			return
		}
		resCh <- ttsExchange{resp: resp}
	}()

	var resp ttsResponse
	select {
	case <-budget.C:
		// A wedged worker cannot be resynchronized; killing it closes the
		// pipes and unblocks the exchange goroutine.
		w.kill()
		<-resCh
		return nil, 0, fmt.Errorf("tts worker timed out after %s", w.timeout)
	case <-ctx.Done():
		// Caller abandoned the turn. The worker is healthy; park the exchange
		// so its response is drained before the next request.
		w.pending = resCh
		return nil, 0, ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			detail := w.tail.String()
			if detail == "" {
				return nil, 0, res.err
			}
			return nil, 0, fmt.Errorf("%v: %s", res.err, detail)
		}
		resp = res.resp
	}

	if resp.ID != id {
		return nil, 0, fmt.Errorf("tts worker out-of-sync (got %q, expected %q)", resp.ID, id)
	}
	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "unknown tts error"
		}
		return nil, 0, fmt.Errorf("tts: %s", msg)
	}
	if resp.SampleRate <= 0 {
		resp.SampleRate = 24000
	}
	if strings.TrimSpace(resp.AudioBase64) == "" {
		return []byte{}, resp.SampleRate, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode tts audio: %w", err)
	}
	return pcm, resp.SampleRate, nil
}

// kill force-stops a wedged worker. Idempotent with Close.
func (w *WorkerTTS) kill() {
	stdin, cmd := w.takeProcess()
	if stdin != nil {
		_ = stdin.Close()
	}
	killProcess(cmd)
}

// Close shuts the worker down, interrupting first and killing on a stuck
// exit.
func (w *WorkerTTS) Close() error {
	stdin, cmd := w.takeProcess()
	if stdin != nil {
		_ = stdin.Close()
	}
	stopProcess(cmd)
	return nil
}

// takeProcess claims the process handles exactly once; later callers get
// nils.
func (w *WorkerTTS) takeProcess() (io.WriteCloser, *exec.Cmd) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, nil
	}
	w.closed = true
	stdin := w.stdin
	cmd := w.cmd
	w.stdin = nil
	w.cmd = nil
	return stdin, cmd
}
