package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/lbakken/callpipe/internal/audio"
)

// Transcriber turns buffered PCM16 audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm16le []byte, sampleRate int) (string, error)
}

// WhisperASR shells out to a whisper.cpp style CLI per utterance. Each call
// writes a temp WAV, runs the CLI with text output and reads the result back.
type WhisperASR struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
	timeout   time.Duration
}

// NewWhisperASR resolves the CLI and model up front so misconfiguration
// fails at startup, not on the first caller utterance.
func NewWhisperASR(cli, modelPath, language string, threads int, timeout time.Duration) (*WhisperASR, error) {
	cli = strings.TrimSpace(cli)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper CLI not found (%s)", cli)
	}
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper model not found: %s", modelPath)
	}
	if language = strings.TrimSpace(language); language == "" {
		language = "en"
	}
	if threads == 0 {
		threads = runtime.NumCPU()
		if threads > 8 {
			threads = 8
		}
		if threads < 2 {
			threads = 2
		}
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &WhisperASR{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		timeout:   timeout,
	}, nil
}

// Transcribe runs the CLI against pcm16le. The primary attempt uses the
// text-file output flags; some CLI builds lack them, so a failed attempt is
// retried once reading stdout instead.
func (w *WhisperASR) Transcribe(ctx context.Context, pcm16le []byte, sampleRate int) (string, error) {
	if len(pcm16le) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "callpipe-asr-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "utterance.wav")
	if err := audio.WriteWAVPCM16LEFile(wavPath, pcm16le, sampleRate); err != nil {
		return "", err
	}

	text, err := w.runFileOutput(ctx, wavPath, tmpDir)
	if err == nil {
		return text, nil
	}
	if ctxDone(ctx, err) {
		return "", err
	}
	// Flag sets vary across builds; retry once with plain stdout capture.
	return w.runStdout(ctx, wavPath)
}

func (w *WhisperASR) runFileOutput(ctx context.Context, wavPath, tmpDir string) (string, error) {
	outPrefix := filepath.Join(tmpDir, "out")
	args := append(w.baseArgs(wavPath), "-otxt", "-of", outPrefix)

	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	tail := newTailBuffer(stderrPreviewMax)
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		return "", w.wrapRunErr(ctx, err, tail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (w *WhisperASR) runStdout(ctx context.Context, wavPath string) (string, error) {
	cmd := exec.CommandContext(ctx, w.cliPath, w.baseArgs(wavPath)...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	tail := newTailBuffer(stderrPreviewMax)
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		return "", w.wrapRunErr(ctx, err, tail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (w *WhisperASR) baseArgs(wavPath string) []string {
	return []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-nt",
		"-t", strconv.Itoa(w.threads),
	}
}

func (w *WhisperASR) wrapRunErr(ctx context.Context, err error, tail *tailBuffer) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("whisper timed out after %s", w.timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	detail := tail.String()
	if detail == "" {
		detail = err.Error()
	}
	return fmt.Errorf("whisper failed: %s", detail)
}

func ctxDone(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.Canceled) ||
		errors.Is(err, context.Canceled)
}
