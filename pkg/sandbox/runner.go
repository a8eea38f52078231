package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds one function execution.
	DefaultTimeout = 30 * time.Second

	// killGrace is how long a process gets to exit after SIGTERM
	// before SIGKILL.
	killGrace = 5 * time.Second

	// maxOutputBytes caps combined stdout and stderr.
	maxOutputBytes = 1 << 20
)

// ErrOutputTooLarge marks executions killed for exceeding the output
// cap.
var ErrOutputTooLarge = errors.New("output_too_large")

// Function describes one executable user function.
type Function struct {
	// Code is the body of an async function receiving a single args
	// object.
	Code string
	// Dependencies maps npm package names to version ranges.
	Dependencies map[string]string
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// Result is the outcome of one execution.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Runner executes functions against a pool of installed dependency
// trees.
type Runner struct {
	pool     *Pool
	nodePath string
}

// NewRunner builds a runner over the given pool.
func NewRunner(pool *Pool) *Runner {
	return &Runner{pool: pool, nodePath: "node"}
}

// Execute runs the function with the given arguments and returns its
// decoded result. Executions exceeding the timeout are terminated with
// SIGTERM, then SIGKILL.
func (r *Runner) Execute(ctx context.Context, fn *Function, args map[string]any) (*Result, error) {
	dir, release, err := r.pool.Acquire(ctx, fn.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("prepare sandbox: %w", err)
	}
	defer release()

	kind := DetectModuleKind(fn.Code)
	entryPath, err := writeEntryFile(dir, fn.Code, kind)
	if err != nil {
		return nil, err
	}
	defer os.Remove(entryPath)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode function args: %w", err)
	}

	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(r.nodePath, entryPath)
	cmd.Dir = dir
	cmd.Env = append(minimalEnv(), "SANDBOX_ARGS="+string(argsJSON))
	setProcAttrs(cmd)

	out := newCappedBuffer(maxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox process: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitCh:
	case <-runCtx.Done():
		terminate(cmd, waitCh)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("function timed out after %s", timeout)
		}
		return nil, runCtx.Err()
	case <-out.overflowed:
		terminate(cmd, waitCh)
		return nil, ErrOutputTooLarge
	}

	result, ok := parseResultLine(out.Bytes())
	if !ok {
		if runErr != nil {
			return nil, fmt.Errorf("function failed: %w: %s", runErr, truncateForLog(out.Bytes()))
		}
		return nil, fmt.Errorf("function produced no result: %s", truncateForLog(out.Bytes()))
	}
	if runErr != nil && result.Success {
		slog.Warn("sandbox process exited nonzero after reporting success", "error", runErr)
	}
	return result, nil
}

// writeEntryFile wraps the user code so the wrapper, not the function,
// owns the result protocol: exactly one JSON line on a dedicated
// marker prefix.
func writeEntryFile(dir, code string, kind ModuleKind) (string, error) {
	ext := ".cjs"
	if kind == ModuleESM {
		ext = ".mjs"
	}
	name := "entry-" + uuid.NewString() + ext

	var b strings.Builder
	b.WriteString(code)
	b.WriteString("\n\nconst __args = JSON.parse(process.env.SANDBOX_ARGS || '{}');\n")
	b.WriteString(`Promise.resolve().then(() => execute(__args)).then(
  (result) => { console.log('__RESULT__' + JSON.stringify({success: true, result})); },
  (err) => { console.log('__RESULT__' + JSON.stringify({success: false, error: String(err && err.message || err)})); process.exitCode = 1; }
);
`)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write sandbox entry: %w", err)
	}
	return path, nil
}

func parseResultLine(out []byte) (*Result, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputBytes)
	var last []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, []byte("__RESULT__")) {
			last = append([]byte(nil), line[len("__RESULT__"):]...)
		}
	}
	if last == nil {
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(last, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func terminate(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = signalTerm(cmd.Process)
	select {
	case <-waitCh:
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

// minimalEnv gives the child only PATH and HOME; runtime secrets stay
// out of the sandbox environment.
func minimalEnv() []string {
	env := []string{"NODE_ENV=production"}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// cappedBuffer collects output up to a limit, then signals overflow.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed chan struct{}
	closed     bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit, overflowed: make(chan struct{})}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.signalOverflow()
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.signalOverflow()
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) signalOverflow() {
	if !b.closed {
		b.closed = true
		close(b.overflowed)
	}
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
