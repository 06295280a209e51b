package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const maxErrorMessage = 1000

// Runner executes an external command and returns its combined output. env
// is added to the environment of the current process.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with a deadline and a cap on retained output.
type ExecRunner struct {
	Timeout   time.Duration
	MaxOutput int64
}

func (r ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	out := &cappedBuffer{limit: r.MaxOutput}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.Bytes(), fmt.Errorf("%s timed out after %s", name, r.Timeout)
	}
	if err != nil {
		return out.Bytes(), &ProcessError{Tool: name, Output: out.String(), Err: err}
	}
	return out.Bytes(), nil
}

// ProcessError carries what a failed tool printed.
type ProcessError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ProcessError) Error() string {
	msg := strings.TrimSpace(e.Output)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, msg)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// failureMessage picks the most useful text out of err, bounded for storage.
func failureMessage(err error) string {
	msg := err.Error()
	var pe *ProcessError
	if errors.As(err, &pe) {
		if out := strings.TrimSpace(pe.Output); out != "" {
			msg = out
		}
	}
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - int64(b.buf.Len())
	if room > 0 {
		if int64(len(p)) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *cappedBuffer) String() string {
	return string(b.Bytes())
}
