// Package process supervises a kernel child process.
//
// A Process exposes the child's stdout and stderr as line streams that any
// number of consumers can follow from the moment they subscribe, and a single
// exit notification that is delivered exactly once and replayed to anyone who
// asks later.
//
// Exits caused by Close are always reported as graceful: the supervisor marks
// the kill as its own before sending it, and the exit monitor consults that
// mark when the child goes away.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smnsjas/go-jupytercore/broadcast"
	"github.com/smnsjas/go-jupytercore/metrics"
)

// ConnectionFilePlaceholder is replaced in kernel arguments by the path of
// the connection file.
const ConnectionFilePlaceholder = "{connection_file}"

const (
	defaultKillGrace = 5 * time.Second
	maxLineSize      = 1 << 20

	// drainWait bounds how long Close keeps reading output after the child
	// is gone. A descendant may still hold the pipes open.
	drainWait = 500 * time.Millisecond
)

// ErrNotStarted is returned when the binary is empty.
var ErrNotStarted = errors.New("process: no binary")

// ExitError reports a kernel that exited on its own with a failure.
type ExitError struct {
	// Code is the exit status, or -1 when the process was killed by a signal.
	Code int
	// Signal is set when the process was terminated by a signal it did not
	// receive from this supervisor's Close.
	Signal os.Signal
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Signal != nil {
		return fmt.Sprintf("kernel terminated by signal %v", e.Signal)
	}
	return fmt.Sprintf("kernel exited with code %d", e.Code)
}

// SubstituteArgs returns a copy of argv with every occurrence of
// {connection_file} replaced by path.
func SubstituteArgs(argv []string, path string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, ConnectionFilePlaceholder, path)
	}
	return out
}

// Config describes the child to start.
type Config struct {
	Binary string
	Args   []string
	// Env is added to the current environment.
	Env map[string]string
	Dir string

	// KillGrace bounds how long Close waits for the child to exit.
	KillGrace time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Process is a running kernel.
type Process struct {
	cmd     *exec.Cmd
	logger  *slog.Logger
	metrics *metrics.Metrics
	grace   time.Duration

	stdout  *broadcast.Stream[string]
	stderr  *broadcast.Stream[string]
	outR    *os.File
	errR    *os.File
	pipes   sync.WaitGroup
	drained chan struct{}

	killed atomic.Bool
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

// Start spawns the child. The returned Process owns it until Close.
func Start(cfg Config) (*Process, error) {
	if cfg.Binary == "" {
		return nil, ErrNotStarted
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
		}
	}

	// Wait must not depend on the pipes reaching EOF, so they are plain
	// files rather than exec-managed pipes.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	// the child has its own copies of the write ends
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Binary, err)
	}

	p := &Process{
		cmd:     cmd,
		logger:  logger.With(slog.Int("pid", cmd.Process.Pid)),
		metrics: cfg.Metrics,
		grace:   grace,
		stdout:  broadcast.New[string](),
		stderr:  broadcast.New[string](),
		outR:    outR,
		errR:    errR,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.metrics.KernelStarted()
	p.logger.Debug("kernel started", slog.String("binary", cfg.Binary), slog.Any("args", cfg.Args))

	p.pipes.Add(2)
	go p.readLines(outR, p.stdout)
	go p.readLines(errR, p.stderr)
	go func() {
		p.pipes.Wait()
		close(p.drained)
	}()
	go p.monitor()

	return p, nil
}

func (p *Process) readLines(r *os.File, out *broadcast.Stream[string]) {
	defer p.pipes.Done()
	defer out.Close()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		out.Publish(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug("kernel output read failed", slog.Any("error", err))
		// keep the pipe drained so the child never blocks on a full buffer
		_, _ = io.Copy(io.Discard, r)
	}
}

// monitor waits for the child and records the exit exactly once. The exit
// is reported as soon as the child is reaped, even if output is still being
// read.
func (p *Process) monitor() {
	waitErr := p.cmd.Wait()

	outcome := metrics.ExitGraceful
	switch {
	case p.killed.Load():
		outcome = metrics.ExitKilled
	case waitErr != nil:
		outcome = metrics.ExitError
		p.err = exitError(waitErr)
	}

	p.metrics.ObserveExit(outcome)
	if p.err != nil {
		p.logger.Warn("kernel exited", slog.Any("error", p.err))
	} else {
		p.logger.Debug("kernel exited", slog.String("outcome", outcome))
	}
	close(p.done)
}

func exitError(err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return fmt.Errorf("wait: %w", err)
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return &ExitError{Code: -1, Signal: ws.Signal()}
	}
	return &ExitError{Code: ee.ExitCode()}
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdout subscribes to stdout lines written from now on. The subscription
// ends when every holder of the pipe has closed it, Close gives up on it, or
// ctx is done.
func (p *Process) Stdout(ctx context.Context) *broadcast.Subscription[string] {
	return p.stdout.Subscribe(ctx, nil)
}

// Stderr subscribes to stderr lines written from now on.
func (p *Process) Stderr(ctx context.Context) *broadcast.Subscription[string] {
	return p.stderr.Subscribe(ctx, nil)
}

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit result once Done is closed: nil for a clean exit or
// any exit after Close, otherwise an *ExitError. Before exit it returns nil.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Exited reports whether the child has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal sends sig to the child. Unlike Close, an exit it causes is reported
// as the child's own.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Forward copies output lines to stdout and stderr, prefixed with
// "kernel stdout> " and "kernel stderr> ", until the streams end or ctx is
// done. The returned channel is closed when forwarding stops.
func (p *Process) Forward(ctx context.Context, stdout, stderr io.Writer) <-chan struct{} {
	outSub := p.Stdout(ctx)
	errSub := p.Stderr(ctx)

	var wg sync.WaitGroup
	copyLines := func(sub *broadcast.Subscription[string], w io.Writer, prefix string) {
		defer wg.Done()
		for line := range sub.C() {
			fmt.Fprintf(w, "%s%s\n", prefix, line)
		}
	}
	wg.Add(2)
	go copyLines(outSub, stdout, "kernel stdout> ")
	go copyLines(errSub, stderr, "kernel stderr> ")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// Close kills the child if it is still running and waits, up to the kill
// grace period, for it to exit. The resulting exit is always graceful.
// Output still buffered is read for a short while; after that the pipes are
// closed even if a descendant of the child holds them open.
// Close is idempotent.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if !p.Exited() {
			p.killed.Store(true)
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Warn("kill kernel", slog.Any("error", err))
			}

			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.logger.Warn("kernel did not exit after kill", slog.Duration("grace", p.grace))
			}
		}

		drain := time.NewTimer(min(drainWait, p.grace))
		defer drain.Stop()
		select {
		case <-p.drained:
		case <-drain.C:
			p.logger.Debug("closing kernel output held open by a descendant")
			_ = p.outR.Close()
			_ = p.errR.Close()
		}
	})
	return nil
}
