package provider

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
)

// process wraps a provider subprocess with piped stdio.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	// exec.Cmd.Wait must only be called once; wait() funnels every caller
	// through waitOnce.
	waitOnce sync.Once
	waitErr  error
}

// spawn starts a subprocess in dir with piped stdin/stdout. Stderr lines are
// forwarded to the logger at debug level.
func spawn(dir, name string, args []string, env []string, log *logger.Logger) (*process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = env
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
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("provider stderr", zap.String("line", scanner.Text()))
		}
	}()

	return &process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// shutdown closes stdin, sends SIGTERM, and escalates to SIGKILL when the
// process outlives the grace period.
func (p *process) shutdown(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- p.wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		return <-done
	}
}

// wait blocks until the subprocess exits. Safe for concurrent callers; every
// caller observes the same exit error.
func (p *process) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}
