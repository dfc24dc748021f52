package jupyter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/smnsjas/go-jupytercore/connection"
	"github.com/smnsjas/go-jupytercore/content"
	"github.com/smnsjas/go-jupytercore/execution"
	"github.com/smnsjas/go-jupytercore/kernelspec"
	"github.com/smnsjas/go-jupytercore/messages"
	"github.com/smnsjas/go-jupytercore/metrics"
	"github.com/smnsjas/go-jupytercore/process"
)

const (
	shutdownWait  = time.Second
	probeInterval = 100 * time.Millisecond
)

// ErrKernelExited is returned when the kernel process ends before a reply
// or before it became ready.
var ErrKernelExited = errors.New("kernel exited")

// LaunchError reports a kernel that could not be started. Everything Launch
// created has been disposed by the time it is returned.
type LaunchError struct {
	// Kernel is the display name, or the binary when the spec has none.
	Kernel string
	Err    error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch kernel %q: %v", e.Kernel, e.Err)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Option configures Launch.
type Option func(*launchOptions)

type launchOptions struct {
	conn      connection.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	stdout    io.Writer
	stderr    io.Writer
	killGrace time.Duration
	noWait    bool
}

// WithLogger sets the logger passed to the connection and the process.
func WithLogger(logger *slog.Logger) Option {
	return func(o *launchOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records connection, process and launch metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *launchOptions) { o.metrics = m }
}

// WithConnectionConfig replaces connection.DefaultConfig. Its Logger and
// Metrics are overridden by WithLogger and WithMetrics.
func WithConnectionConfig(cfg connection.Config) Option {
	return func(o *launchOptions) { o.conn = cfg }
}

// WithStdio forwards the kernel's output lines to stdout and stderr. Either
// may be nil.
func WithStdio(stdout, stderr io.Writer) Option {
	return func(o *launchOptions) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithKillGrace bounds how long Close waits for the killed process.
func WithKillGrace(d time.Duration) Option {
	return func(o *launchOptions) { o.killGrace = d }
}

// WithoutReadyWait returns as soon as the process has started, without
// waiting for the kernel to bind its sockets.
func WithoutReadyWait() Option {
	return func(o *launchOptions) { o.noWait = true }
}

// RunningKernel is a started kernel and the connection to it.
type RunningKernel struct {
	Connection *connection.Connection
	Process    *process.Process
	Spec       kernelspec.Spec

	logger    *slog.Logger
	closeOnce sync.Once
}

// Launch creates a connection file, starts the kernel described by spec with
// {connection_file} substituted into its arguments, and waits until every
// channel has connected. It fails if the process exits first or ctx ends.
func Launch(ctx context.Context, spec kernelspec.Spec, opts ...Option) (*RunningKernel, error) {
	o := launchOptions{
		conn:   connection.DefaultConfig(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	name := spec.DisplayName
	if name == "" {
		name = spec.Binary
	}
	logger := o.logger.With(slog.String("kernel", name))

	start := time.Now()
	k, err := launch(ctx, spec, o, logger)
	if err != nil {
		o.metrics.ObserveLaunch("error", time.Since(start))
		logger.Warn("launch failed", slog.Any("error", err))
		return nil, &LaunchError{Kernel: name, Err: err}
	}
	o.metrics.ObserveLaunch("ok", time.Since(start))
	logger.Info("kernel ready", slog.Int("pid", k.Process.Pid()), slog.Duration("elapsed", time.Since(start)))
	return k, nil
}

func launch(ctx context.Context, spec kernelspec.Spec, o launchOptions, logger *slog.Logger) (*RunningKernel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cc := o.conn
	cc.Logger = logger
	cc.Metrics = o.metrics
	if cc.KernelName == "" {
		cc.KernelName = spec.DisplayName
	}
	conn, err := connection.Create(cc)
	if err != nil {
		return nil, err
	}

	proc, err := process.Start(process.Config{
		Binary:    spec.Binary,
		Args:      process.SubstituteArgs(spec.Argv, conn.ConnectionFile()),
		Env:       spec.Env,
		KillGrace: o.killGrace,
		Logger:    logger,
		Metrics:   o.metrics,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	k := &RunningKernel{Connection: conn, Process: proc, Spec: spec, logger: logger}
	if o.stdout != nil || o.stderr != nil {
		proc.Forward(context.Background(), orDiscard(o.stdout), orDiscard(o.stderr))
	}
	if o.noWait {
		return k, nil
	}

	ready := make(chan error, 1)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { ready <- conn.WaitReady(waitCtx) }()

	select {
	case err = <-ready:
	case <-proc.Done():
		err = exited(proc.Err())
	}
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	return k, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func exited(err error) error {
	if err == nil {
		return ErrKernelExited
	}
	return fmt.Errorf("%w: %w", ErrKernelExited, err)
}

// Close closes the connection and kills the process. It is idempotent.
func (k *RunningKernel) Close() error {
	k.closeOnce.Do(func() {
		_ = k.Connection.Close()
		_ = k.Process.Close()
		k.logger.Debug("kernel closed")
	})
	return nil
}

// Execute runs code on the kernel. See execution.Execute.
func (k *RunningKernel) Execute(ctx context.Context, code string, opts ...execution.Option) (*execution.Result, error) {
	ctx, cancel := k.untilExit(ctx)
	defer cancel()

	res, err := execution.Execute(ctx, k.Connection, code, append([]execution.Option{execution.WithLogger(k.logger)}, opts...)...)
	if err != nil {
		return res, k.exitedOr(err)
	}
	return res, nil
}

// exitedOr reports a cancellation caused by the process exiting as
// ErrKernelExited.
func (k *RunningKernel) exitedOr(err error) error {
	if errors.Is(err, context.Canceled) && k.Process.Exited() {
		return exited(k.Process.Err())
	}
	return err
}

// untilExit derives a context that is cancelled when the process exits.
func (k *RunningKernel) untilExit(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-k.Process.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// request sends msg and decodes the first correlated reply of replyType
// into out.
func (k *RunningKernel) request(ctx context.Context, msg *messages.Message, replyType string, out any) error {
	ctx, cancel := k.untilExit(ctx)
	defer cancel()

	sub, err := k.Connection.SendAndReceive(ctx, msg)
	if err != nil {
		return k.exitedOr(err)
	}
	defer sub.Close()

	for {
		select {
		case in, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return connection.ErrClosed
			}
			if in.Type() != replyType {
				continue
			}
			if err := in.DecodeContent(out); err != nil {
				return fmt.Errorf("decode %s: %w", replyType, err)
			}
			return nil
		case <-k.Process.Done():
			return exited(k.Process.Err())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// KernelInfo asks the kernel to describe itself.
func (k *RunningKernel) KernelInfo(ctx context.Context) (*content.KernelInfoReply, error) {
	msg, err := messages.NewKernelInfoRequest(k.Connection.Session())
	if err != nil {
		return nil, err
	}
	var reply content.KernelInfoReply
	if err := k.request(ctx, msg, messages.TypeKernelInfoReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AwaitKernelInfo sends kernel_info_request repeatedly until the kernel has
// replied and an iopub message for one of the requests has arrived. An iopub
// subscription only sees what is published after it reaches the kernel, so
// output published before AwaitKernelInfo returns may be missed.
func (k *RunningKernel) AwaitKernelInfo(ctx context.Context) (*content.KernelInfoReply, error) {
	ctx, cancel := k.untilExit(ctx)
	defer cancel()

	var (
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	sub := k.Connection.Messages(ctx, func(m *messages.Message) bool {
		mu.Lock()
		defer mu.Unlock()
		return ids[m.ParentID()]
	})
	defer sub.Close()

	probe := func() error {
		msg, err := messages.NewKernelInfoRequest(k.Connection.Session())
		if err != nil {
			return err
		}
		mu.Lock()
		ids[msg.Header.MsgID] = true
		mu.Unlock()
		return k.Connection.SendRaw(ctx, msg)
	}
	if err := probe(); err != nil {
		return nil, k.exitedOr(err)
	}

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	var (
		reply *content.KernelInfoReply
		iopub bool
	)
	for reply == nil || !iopub {
		select {
		case in, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, connection.ErrClosed
			}
			switch {
			case in.Channel == messages.ChannelIOPub:
				iopub = true
			case in.Type() == messages.TypeKernelInfoReply && reply == nil:
				var r content.KernelInfoReply
				if err := in.DecodeContent(&r); err != nil {
					return nil, fmt.Errorf("decode %s: %w", messages.TypeKernelInfoReply, err)
				}
				reply = &r
			}
		case <-ticker.C:
			if err := probe(); err != nil {
				return nil, k.exitedOr(err)
			}
		case <-k.Process.Done():
			return nil, exited(k.Process.Err())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reply, nil
}

// Complete asks for completions of code at cursorPos.
func (k *RunningKernel) Complete(ctx context.Context, code string, cursorPos int) (*content.CompleteReply, error) {
	msg, err := messages.NewCompleteRequest(k.Connection.Session(), code, cursorPos)
	if err != nil {
		return nil, err
	}
	var reply content.CompleteReply
	if err := k.request(ctx, msg, messages.TypeCompleteReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Inspect asks for documentation of the object at cursorPos.
func (k *RunningKernel) Inspect(ctx context.Context, code string, cursorPos, detailLevel int) (*content.InspectReply, error) {
	msg, err := messages.NewInspectRequest(k.Connection.Session(), code, cursorPos, detailLevel)
	if err != nil {
		return nil, err
	}
	var reply content.InspectReply
	if err := k.request(ctx, msg, messages.TypeInspectReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// IsComplete asks whether code is ready to run.
func (k *RunningKernel) IsComplete(ctx context.Context, code string) (*content.IsCompleteReply, error) {
	msg, err := messages.NewIsCompleteRequest(k.Connection.Session(), code)
	if err != nil {
		return nil, err
	}
	var reply content.IsCompleteReply
	if err := k.request(ctx, msg, messages.TypeIsCompleteReply, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Interrupt interrupts the running code: with an interrupt_request on the
// control channel for kernels whose spec asks for it, with SIGINT otherwise.
func (k *RunningKernel) Interrupt(ctx context.Context) error {
	if !k.Spec.InterruptByMessage() {
		if err := k.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("interrupt: %w", err)
		}
		return nil
	}

	msg, err := messages.NewInterruptRequest(k.Connection.Session())
	if err != nil {
		return err
	}
	var reply content.InterruptReply
	if err := k.request(ctx, msg, messages.TypeInterruptReply, &reply); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	if reply.Status != "" && reply.Status != content.StatusOK {
		return fmt.Errorf("interrupt: kernel replied %s", reply.Status)
	}
	return nil
}

// Shutdown asks the kernel to stop, waits for its reply or its exit, and
// closes the kernel. With restart set the kernel is told a restart follows;
// starting the replacement is left to the caller.
func (k *RunningKernel) Shutdown(ctx context.Context, restart bool) error {
	defer k.Close()

	msg, err := messages.NewShutdownRequest(k.Connection.Session(), restart)
	if err != nil {
		return err
	}
	var reply content.ShutdownReply
	err = k.request(ctx, msg, messages.TypeShutdownReply, &reply)
	if errors.Is(err, ErrKernelExited) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// give the kernel a moment to leave on its own before Close kills it
	select {
	case <-k.Process.Done():
	case <-ctx.Done():
	case <-time.After(shutdownWait):
	}
	return nil
}
