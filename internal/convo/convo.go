// Package convo produces the assistant reply for a committed user turn.
package convo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Request is one committed turn handed to the conversation core.
type Request struct {
	CallID       string
	TraceID      string
	TurnIndex    int
	UserText     string
	Instructions string
}

// Core turns a user utterance into the assistant reply text.
type Core interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// Scripted replies from a fixed list indexed by turn, wrapping around when
// the call outlives the script. Replies are deterministic per turn index,
// which keeps replay runs comparable.
type Scripted struct {
	mu      sync.Mutex
	replies []string
}

// NewScripted builds a scripted core; an empty list falls back to a single
// acknowledgement line.
func NewScripted(replies []string) *Scripted {
	if len(replies) == 0 {
		replies = []string{"I heard you. Please go on."}
	}
	return &Scripted{replies: replies}
}

func (s *Scripted) Respond(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply := s.replies[req.TurnIndex%len(s.replies)]
	if req.Instructions != "" && req.UserText == "" {
		// Opener turn: the caller said nothing yet, speak the instructed line.
		return req.Instructions, nil
	}
	return reply, nil
}

// Command shells out to an external conversation engine. The user text is
// written to stdin and the reply read from stdout.
type Command struct {
	Bin     string
	Args    []string
	Timeout time.Duration
}

// NewCommand builds a subprocess-backed core; timeout <= 0 means 60s.
func NewCommand(bin string, args []string, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Command{Bin: bin, Args: args, Timeout: timeout}
}

func (c *Command) Respond(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	args := append([]string{}, c.Args...)
	if req.Instructions != "" {
		args = append(args, "--instructions", req.Instructions)
	}

	cmd := exec.CommandContext(ctx, c.Bin, args...)
	cmd.Stdin = strings.NewReader(req.UserText)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("conversation command %s: %w (stderr: %s)", c.Bin, err, strings.TrimSpace(stderr.String()))
	}
	reply := strings.TrimSpace(stdout.String())
	if reply == "" {
		return "", fmt.Errorf("conversation command %s: empty reply", c.Bin)
	}
	return reply, nil
}
