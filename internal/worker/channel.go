package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/centavo-app/centavo/internal/common"
)

// Default timeout classes of the protocol. Confirmation and response expiry
// always kill the worker before the pending call is rejected; there is no
// cooperative cancellation signal into the worker.
const (
	DefaultConfirmTimeout  = 2 * time.Second
	DefaultResponseTimeout = 5 * time.Minute
	DefaultExitGrace       = 5 * time.Second
)

const maxCapturedOutput = 64 * 1024

// Store is the per-instance persisted key/value store a worker may read and
// write during execution.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
}

// Options configures one job execution.
type Options struct {
	Store           Store
	OnItem          func(json.RawMessage)
	Counter         *ActiveCounter
	ConfirmTimeout  time.Duration
	ResponseTimeout time.Duration
	ExitGrace       time.Duration
}

func (o *Options) defaults() {
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = DefaultExitGrace
	}
}

// cappedBuffer collects process output up to a fixed size. It is written
// from the process's stderr and the stdout reader concurrently.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxCapturedOutput - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Run spawns one worker process for the given job, drives the message
// protocol, and resolves to exactly one outcome: a response payload or an
// error. Streamed items are delivered through opts.OnItem as they arrive.
func Run(ctx context.Context, command string, args []string, job Job, opts Options) (json.RawMessage, error) {
	opts.defaults()

	cmd := exec.Command(command, args...)
	// Workers get their own process group so termination reaches anything
	// they forked; otherwise a grandchild holding the stderr pipe keeps
	// Wait (and the pending call) open until it exits on its own.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// A detached orphan that survives the group kill must not hold the
	// pipes open indefinitely either.
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	var captured cappedBuffer
	cmd.Stderr = &captured

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	if opts.Counter != nil {
		opts.Counter.Inc()
	}

	// The Wait goroutine owns the -1 transition: the counter tracks process
	// lifetime, not call lifetime.
	exitCh := make(chan error, 1)
	go func() {
		waitErr := cmd.Wait()
		if opts.Counter != nil {
			opts.Counter.Dec()
		}
		exitCh <- waitErr
	}()

	killGroup := func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Process.Kill()
	}
	kill := func() {
		killGroup()
		<-exitCh
	}

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(job); err != nil {
		kill()
		return nil, fmt.Errorf("failed to send job descriptor: %w", err)
	}

	msgCh := make(chan message, 16)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var m message
			if json.Unmarshal([]byte(line), &m) != nil || m.Type == "" {
				// Not a protocol frame; keep it for crash diagnostics.
				_, _ = captured.Write([]byte(line + "\n"))
				continue
			}
			msgCh <- m
		}
		close(msgCh)
	}()

	confirmTimer := time.NewTimer(opts.ConfirmTimeout)
	defer confirmTimer.Stop()
	confirmC := confirmTimer.C

	var responseC <-chan time.Time

	var result json.RawMessage
	haveResult := false

	for !haveResult {
		select {
		case <-ctx.Done():
			kill()
			return nil, ctx.Err()

		case <-confirmC:
			kill()
			return nil, common.ErrConfirmTimeout

		case <-responseC:
			kill()
			return nil, common.ErrResponseTimeout

		case <-exitCh:
			// The worker may exit immediately after writing its terminal
			// response; honor any frames still queued before calling the
			// exit a crash. The scanner goroutine closes msgCh once the
			// stream drains, so this loop terminates.
			if msgCh != nil {
				for m := range msgCh {
					switch m.Type {
					case msgItem:
						if opts.OnItem != nil {
							opts.OnItem(m.Item)
						}
					case msgResponse:
						result = m.Data
						haveResult = true
					}
				}
			}
			if haveResult {
				return result, nil
			}
			return nil, crashError(captured.String())

		case m, ok := <-msgCh:
			if !ok {
				// Stream closed; the exit channel will deliver the outcome.
				msgCh = nil
				continue
			}
			switch m.Type {
			case msgConfirm:
				confirmTimer.Stop()
				confirmC = nil
				responseTimer := time.NewTimer(opts.ResponseTimeout)
				defer responseTimer.Stop()
				responseC = responseTimer.C

			case msgItem:
				if opts.OnItem != nil {
					opts.OnItem(m.Item)
				}

			case msgResponse:
				result = m.Data
				haveResult = true

			case msgGet, msgSet:
				if err := serveStore(ctx, enc, opts.Store, m); err != nil {
					slog.Warn("malformed store request from worker",
						"method", job.Method, "error", err)
					kill()
					return nil, fmt.Errorf("malformed store request: %w", err)
				}

			default:
				// Unknown frame types are ignored for forward compatibility.
			}
		}
	}

	// Give the worker a short window to exit on its own before killing it.
	select {
	case <-exitCh:
	case <-time.After(opts.ExitGrace):
		kill()
	case <-ctx.Done():
		kill()
	}

	return result, nil
}

// serveStore answers one get/set request. Store failures are reported back
// to the worker, not escalated; only a structurally invalid request is.
func serveStore(ctx context.Context, enc *json.Encoder, store Store, m message) error {
	if m.Key == "" {
		return fmt.Errorf("%s request without key", m.Type)
	}
	if store == nil {
		return enc.Encode(storeReply{Method: m.Type, Key: m.Key, Error: "no store available"})
	}

	switch m.Type {
	case msgGet:
		value, err := store.Get(ctx, m.Key)
		if err != nil {
			return enc.Encode(storeReply{Method: msgGet, Key: m.Key, Error: err.Error()})
		}
		return enc.Encode(storeReply{Method: msgGet, Key: m.Key, Value: value})
	default:
		if err := store.Set(ctx, m.Key, m.Value); err != nil {
			return enc.Encode(storeReply{Method: msgSet, Key: m.Key, Error: err.Error()})
		}
		return enc.Encode(storeReply{Method: msgSet, Key: m.Key})
	}
}

// crashError derives a failure reason from whatever the dead worker wrote:
// first non-empty captured text, trimmed, newlines collapsed, with a
// leading "Error:" stripped.
func crashError(output string) error {
	reason := strings.TrimSpace(output)
	if reason == "" {
		return common.ErrWorkerDied
	}

	lines := strings.FieldsFunc(reason, func(r rune) bool { return r == '\n' || r == '\r' })
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	reason = strings.Join(lines, " ")
	reason = strings.TrimSpace(strings.TrimPrefix(reason, "Error:"))
	if reason == "" {
		return common.ErrWorkerDied
	}
	return fmt.Errorf("%w: %s", common.ErrWorkerDied, reason)
}
