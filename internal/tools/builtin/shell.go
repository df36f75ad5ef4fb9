package builtin

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

const (
	shellDefaultTimeout = 30 * time.Second
	shellMaxTimeout     = 300 * time.Second

	// maxStreamBytes caps each of stdout and stderr.
	maxStreamBytes = 1 << 20

	truncationSentinel = "... [output truncated]"

	deniedMessage = "Command execution blocked: user confirmation required"
)

// ShellResult is the shell tool's output shape.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Killed   bool   `json:"killed"`
}

// limitedBuffer keeps at most max bytes and remembers overflow.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room > 0 {
		if len(p) <= room {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + truncationSentinel
	}
	return string(b.buf)
}

// shellHandler runs a command through /bin/sh after interactive confirmation.
func (d *Deps) shellHandler(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	cwd, _ := args["cwd"].(string)
	if cwd == "" {
		cwd = d.WorkDir
	}

	timeout := shellDefaultTimeout
	if v, ok := args["timeout"]; ok {
		if secs := toFloat(v); secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if timeout > shellMaxTimeout {
		timeout = shellMaxTimeout
	}

	if d.Confirmer == nil || !d.Confirmer.Request(ctx, map[string]any{
		"command": command,
		"cwd":     cwd,
	}) {
		return &ShellResult{Stderr: deniedMessage, ExitCode: -1}, nil
	}

	return runShell(ctx, command, cwd, timeout)
}

func runShell(ctx context.Context, command, cwd string, timeout time.Duration) (*ShellResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = cwd
	stdout := newLimitedBuffer(maxStreamBytes)
	stderr := newLimitedBuffer(maxStreamBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := &ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		result.ExitCode = exitCode(err)
		return result, nil
	}
	return result, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// shellSpecHandler builds a handler for a dynamic shell tool whose spec is a
// fixed command line.
func shellSpecHandler(deps *Deps, command string) func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		merged := map[string]any{"command": command}
		if cwd, ok := args["cwd"].(string); ok && cwd != "" {
			merged["cwd"] = cwd
		}
		return deps.shellHandler(ctx, merged)
	}
}
