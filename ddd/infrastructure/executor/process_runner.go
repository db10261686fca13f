package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/logger"
)

const defaultTailLines = 50

// ProcessRunner implements port.ProcessRunner with os/exec. Commands are
// always started from an argument vector.
type ProcessRunner struct {
	tailLines int
	timeout   time.Duration
}

// NewProcessRunner keeps the last tailLines of stderr for error reports.
// A zero timeout means the caller's context is the only deadline.
func NewProcessRunner(tailLines int, timeout time.Duration) *ProcessRunner {
	if tailLines <= 0 {
		tailLines = defaultTailLines
	}
	return &ProcessRunner{tailLines: tailLines, timeout: timeout}
}

// Run executes one command and waits for it.
func (r *ProcessRunner) Run(ctx context.Context, c port.Command) (*port.Result, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	cmd := r.build(ctx, c)
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	tail, err := r.captureStderr(cmd)
	if err != nil {
		return nil, &errno.ToolExecutionError{Tool: c.Tool, ExitInfo: "stderr pipe", Err: err}
	}

	logger.Debugf("exec tool=%s args=%s", c.Tool, strings.Join(c.Args, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, startError(c, err)
	}
	stderr := tail.wait()
	waitErr := cmd.Wait()
	res := &port.Result{Stdout: stdout.Bytes(), Stderr: stderr, Duration: time.Since(start)}
	if waitErr != nil {
		return res, exitError(ctx, c, waitErr, stderr)
	}
	return res, nil
}

// Pipe runs producer and consumer concurrently with producer stdout
// connected to consumer stdin through an OS pipe.
func (r *ProcessRunner) Pipe(ctx context.Context, producer, consumer port.Command) (*port.Result, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	defer pr.Close()
	defer pw.Close()

	consCmd := r.build(ctx, consumer)
	consCmd.Stdin = pr
	var stdout bytes.Buffer
	consCmd.Stdout = &stdout
	consTail, err := r.captureStderr(consCmd)
	if err != nil {
		return nil, &errno.ToolExecutionError{Tool: consumer.Tool, ExitInfo: "stderr pipe", Err: err}
	}

	logger.Debugf("exec pipe %s %s | %s %s",
		producer.Tool, strings.Join(producer.Args, " "), consumer.Tool, strings.Join(consumer.Args, " "))
	start := time.Now()
	if err := consCmd.Start(); err != nil {
		return nil, startError(consumer, err)
	}

	prodCmd := r.build(ctx, producer)
	if producer.Stdin != nil {
		prodCmd.Stdin = producer.Stdin
	}
	prodCmd.Stdout = pw
	prodTail, err := r.captureStderr(prodCmd)
	if err != nil {
		cancel()
		consTail.wait()
		_ = consCmd.Wait()
		return nil, &errno.ToolExecutionError{Tool: producer.Tool, ExitInfo: "stderr pipe", Err: err}
	}
	if err := prodCmd.Start(); err != nil {
		cancel()
		consTail.wait()
		_ = consCmd.Wait()
		return nil, startError(producer, err)
	}
	// children hold their own copies of the pipe ends
	_ = pw.Close()
	_ = pr.Close()

	prodStderr := prodTail.wait()
	prodErr := prodCmd.Wait()
	consStderr := consTail.wait()
	consErr := consCmd.Wait()

	res := &port.Result{Stdout: stdout.Bytes(), Stderr: consStderr, Duration: time.Since(start)}
	if prodErr != nil {
		return res, exitError(ctx, producer, prodErr, prodStderr)
	}
	if consErr != nil {
		return res, exitError(ctx, consumer, consErr, consStderr)
	}
	return res, nil
}

func (r *ProcessRunner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

func (r *ProcessRunner) build(ctx context.Context, c port.Command) *exec.Cmd {
	path := c.Path
	if path == "" {
		path = c.Tool
	}
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	return cmd
}

// stderrTail 后台读取 stderr，只保留最后若干行
type stderrTail struct {
	done  chan struct{}
	mu    sync.Mutex
	lines []string
}

func (r *ProcessRunner) captureStderr(cmd *exec.Cmd) (*stderrTail, error) {
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	t := &stderrTail{done: make(chan struct{})}
	go t.scan(pipe, r.tailLines)
	return t, nil
}

func (t *stderrTail) scan(rd io.Reader, keep int) {
	defer close(t.done)
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		t.mu.Lock()
		if len(t.lines) >= keep {
			t.lines = t.lines[1:]
		}
		t.lines = append(t.lines, scanner.Text())
		t.mu.Unlock()
	}
	// drain anything left after an over-long line so the child never blocks
	_, _ = io.Copy(io.Discard, rd)
}

func (t *stderrTail) wait() string {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

func startError(c port.Command, err error) error {
	info := "failed to start"
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		info = "binary not found"
	}
	return &errno.ToolExecutionError{Tool: c.Tool, ExitInfo: info, Err: err}
}

func exitError(ctx context.Context, c port.Command, err error, stderr string) error {
	info := err.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
		info = exitErr.ProcessState.String()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		info = fmt.Sprintf("%s (%v)", info, ctxErr)
	}
	logger.Warn("external tool failed", map[string]interface{}{
		"tool":      c.Tool,
		"exit_info": info,
		"stderr":    stderr,
	})
	return &errno.ToolExecutionError{Tool: c.Tool, ExitInfo: info, Stderr: stderr, Err: err}
}

// ToolStatus 外部工具探测结果
type ToolStatus struct {
	Name     string
	Path     string
	Resolved string
	Found    bool
}

// CheckTools resolves every configured binary through PATH.
func CheckTools(tools map[string]string) []ToolStatus {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ToolStatus, 0, len(names))
	for _, name := range names {
		st := ToolStatus{Name: name, Path: tools[name]}
		if resolved, err := exec.LookPath(tools[name]); err == nil {
			st.Resolved = resolved
			st.Found = true
		}
		out = append(out, st)
	}
	return out
}
