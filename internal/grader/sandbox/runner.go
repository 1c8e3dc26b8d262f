package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"time"

	pkgerrors "querylab/pkg/errors"
	"querylab/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runner executes one wrapper script in a fresh shell process.
// The returned error is non-nil only when the run was never attempted.
type Runner interface {
	Run(ctx context.Context, script Script) (Outcome, error)
}

// inheritedEnv are the only variables a shell process sees from the service.
var inheritedEnv = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// ProcessRunner spawns the shell binary with a bounded level of parallelism.
type ProcessRunner struct {
	cfg Config
	sem *semaphore.Weighted
}

// NewProcessRunner validates cfg and sizes the process pool.
func NewProcessRunner(cfg Config) (*ProcessRunner, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ProcessRunner{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.PoolSize))}, nil
}

// Config returns the effective configuration.
func (r *ProcessRunner) Config() Config {
	return r.cfg
}

// Run waits for a pool slot, then runs the script until it exits or the
// deadline kills its process group. Caller cancellation does not stop a
// process that has already started.
func (r *ProcessRunner) Run(ctx context.Context, script Script) (Outcome, error) {
	if err := r.acquire(ctx); err != nil {
		return Outcome{}, err
	}
	defer r.sem.Release(1)

	args := make([]string, 0, len(r.cfg.ExtraArgs)+4)
	args = append(args, r.cfg.TargetURI, "--quiet")
	args = append(args, r.cfg.ExtraArgs...)
	args = append(args, "--eval", script.Source)

	cmd := exec.Command(r.cfg.BinaryPath, args...)
	cmd.Env = environment(script.Env)
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	stdout := newCappedBuffer(r.cfg.MaxOutputBytes + outputSlack)
	stderr := newCappedBuffer(r.cfg.StderrMaxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error(ctx, "start shell failed", zap.String("binary", r.cfg.BinaryPath), zap.Error(err))
		return Outcome{
			Status:   StatusProcessError,
			ExitCode: -1,
			Stderr:   err.Error(),
			Duration: time.Since(start),
		}, nil
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(r.cfg.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			timedOut.Store(true)
			killProcessGroup(cmd)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	out := Outcome{
		ExitCode: exitCodeFromErr(waitErr, cmd.ProcessState),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Oversize: stdout.Overflow() || len(bytes.TrimSpace(stdout.buf.Bytes())) > r.cfg.MaxOutputBytes,
	}
	out.Status = classify(out, timedOut.Load())

	if out.Status != StatusSuccess {
		logger.Warn(ctx, "shell run failed",
			zap.String("status", string(out.Status)),
			zap.Int("exit_code", out.ExitCode),
			zap.Duration("duration", out.Duration),
			zap.String("stderr", truncate(out.Stderr, 512)),
		)
	}
	return out, nil
}

func (r *ProcessRunner) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.QueueWait)
	defer cancel()
	if err := r.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return pkgerrors.Wrap(ctx.Err(), pkgerrors.Timeout)
		}
		return pkgerrors.New(pkgerrors.SandboxBusy)
	}
	return nil
}

func classify(out Outcome, timedOut bool) Status {
	switch {
	case timedOut:
		return StatusTimeout
	case out.ExitCode != 0:
		return StatusScriptError
	case out.Oversize:
		return StatusMalformedOutput
	}
	trimmed := bytes.TrimSpace([]byte(out.Stdout))
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return StatusMalformedOutput
	}
	return StatusSuccess
}

func environment(extra map[string]string) []string {
	env := make([]string, 0, len(inheritedEnv)+len(extra))
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
