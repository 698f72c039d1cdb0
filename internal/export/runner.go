package export

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"
)

// Runner executes external conversion tools with a bounded lifetime. A tool
// that hangs past the deadline is killed and reported as a failure.
type Runner struct {
	timeout time.Duration
}

func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{timeout: timeout}
}

// toolContext bounds one tool invocation. Zero or negative timeouts fall
// back to the default so no tool ever runs without a deadline.
func toolContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}

// Run starts the tool, feeds stdin if given and returns the captured stdout.
// Stderr ends up in the log on failure.
func (r *Runner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	ctx, cancel := toolContext(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	if err != nil {
		if stderr.Len() > 0 {
			log.Printf("%s failed after %v: %v: %s", name, time.Since(started), err, stderr.String())
		} else {
			log.Printf("%s failed after %v: %v", name, time.Since(started), err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}
