package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrBlockedCommand is returned before any process is spawned.
var ErrBlockedCommand = errors.New("command is blocked")

// DefaultMaxBuffer caps each output stream.
const DefaultMaxBuffer = 1 << 20

// StreamFunc receives decoded output as it arrives. stream is "stdout" or
// "stderr".
type StreamFunc func(stream, chunk string)

// Result is the final record of one execution.
type Result struct {
	Command   string
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
	Error     string
}

// Success reports whether the command completed cleanly.
func (r Result) Success() bool {
	return r.Error == "" && r.ExitCode == 0
}

// Runner executes classified commands through /bin/sh.
type Runner struct {
	logger    *slog.Logger
	workspace string
	maxBuffer int
}

// NewRunner creates a runner. workspace is the default working directory;
// maxBuffer <= 0 selects the default per-stream cap.
func NewRunner(logger *slog.Logger, workspace string, maxBuffer int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Runner{logger: logger, workspace: workspace, maxBuffer: maxBuffer}
}

// Run executes the record's command with stdout and stderr piped, stdin
// closed and the record's (or category-default) timeout enforced. Output
// is decoded as UTF-8 and streamed through onChunk while accumulating into
// the result. Exceeding a stream cap kills the process. Blocked records
// never spawn.
func (r *Runner) Run(ctx context.Context, rec Record, onChunk StreamFunc) (Result, error) {
	if rec.Blocked() {
		return Result{}, fmt.Errorf("%w: %s", ErrBlockedCommand, rec.Reason)
	}

	timeout := rec.Timeout
	if timeout <= 0 {
		timeout = rec.Category.DefaultTimeout()
	}
	maxBuffer := rec.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = r.maxBuffer
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", rec.Command)
	if rec.Cwd != "" {
		cmd.Dir = rec.Cwd
	} else if r.workspace != "" {
		cmd.Dir = r.workspace
	}
	// cmd.Stdin stays nil: the child reads from /dev/null.

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	var (
		wg       sync.WaitGroup
		stdout   = newCapBuffer(maxBuffer)
		stderr   = newCapBuffer(maxBuffer)
		breached sync.Once
	)
	overflow := func() {
		breached.Do(func() {
			r.logger.Warn("output cap exceeded, killing command", "command", rec.Command)
			cancel()
		})
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamCopy(stdout, stdoutPipe, "stdout", onChunk, overflow)
	}()
	go func() {
		defer wg.Done()
		streamCopy(stderr, stderrPipe, "stderr", onChunk, overflow)
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	result := Result{
		Command:   rec.Command,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		ExitCode:  exitCode(waitErr),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && !result.Truncated:
		result.TimedOut = true
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case result.Truncated:
		result.Error = fmt.Sprintf("output exceeded %d bytes", maxBuffer)
	case waitErr != nil && result.ExitCode < 0:
		result.Error = waitErr.Error()
	}
	return result, nil
}

// exitCode extracts the process exit status; -1 when the process never
// reported one (killed, start failure).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// capBuffer accumulates stream output up to a hard cap.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

// write appends p, reporting false once the cap is breached.
func (b *capBuffer) write(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return false
	}
	room := b.max - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return false
	}
	b.buf.Write(p)
	return true
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *capBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// streamCopy pumps one pipe into the buffer and the callback, holding back
// trailing bytes of an incomplete UTF-8 sequence until the next read so
// chunks never split a rune.
func streamCopy(dst *capBuffer, src io.Reader, stream string, onChunk StreamFunc, overflow func()) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := len(pending) - incompleteTailLen(pending)
			if cut > 0 {
				chunk := pending[:cut]
				if onChunk != nil {
					onChunk(stream, string(chunk))
				}
				if !dst.write(chunk) {
					overflow()
				}
				pending = append(pending[:0:0], pending[cut:]...)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				if onChunk != nil {
					onChunk(stream, string(pending))
				}
				if !dst.write(pending) {
					overflow()
				}
			}
			return
		}
	}
}

// incompleteTailLen returns how many trailing bytes begin a UTF-8 sequence
// whose continuation has not arrived yet.
func incompleteTailLen(p []byte) int {
	n := len(p)
	for back := 1; back <= utf8.UTFMax && back <= n; back++ {
		c := p[n-back]
		if c < utf8.RuneSelf {
			return 0
		}
		if c&0xC0 == 0xC0 {
			var need int
			switch {
			case c&0xE0 == 0xC0:
				need = 2
			case c&0xF0 == 0xE0:
				need = 3
			case c&0xF8 == 0xF0:
				need = 4
			default:
				return 0
			}
			if back < need {
				return back
			}
			return 0
		}
	}
	return 0
}
