// Package participant connects the pairing session core to external
// collaborators. Each collaborator is a subprocess speaking newline-delimited
// JSON-RPC over stdio; the adapter types implement the session package's
// Participant and Executor interfaces on top of that wire.
package participant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Transport defines the communication layer to a collaborator process.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport runs a collaborator as a subprocess and exchanges
// one-line-per-message JSON-RPC over its stdio.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  io.ReadCloser
	mu      sync.Mutex
	running bool
}

// NewStdioTransport starts the collaborator subprocess and connects to its
// stdio.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderr,
		running: true,
	}

	// Collaborator stderr goes to debug logs.
	go func() {
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			slog.Debug("participant stderr", "command", command, "msg", scanner.Text())
		}
	}()

	return t, nil
}

// Send writes one JSON-RPC message terminated by a newline.
func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive blocks until a message line arrives or the context is cancelled.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)

	go func() {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{line, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

// Close kills the collaborator subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false

	_ = t.stdin.Close()
	t.stdout.Reset(nil)

	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}
