package jupyter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-jupytercore/connection"
	"github.com/smnsjas/go-jupytercore/content"
	"github.com/smnsjas/go-jupytercore/execution"
	"github.com/smnsjas/go-jupytercore/host"
	"github.com/smnsjas/go-jupytercore/kernelspec"
	"github.com/smnsjas/go-jupytercore/messages"
	"github.com/smnsjas/go-jupytercore/metrics"
	"github.com/smnsjas/go-jupytercore/process"
)

// The test binary doubles as a kernel: when fakeKernelEnv is set it serves
// the connection file named by its last argument instead of running tests.
const fakeKernelEnv = "JUPYTERCORE_FAKE_KERNEL"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeKernelEnv); mode != "" {
		os.Exit(runFakeKernel(mode, os.Args[len(os.Args)-1]))
	}
	os.Exit(m.Run())
}

func runFakeKernel(mode, path string) int {
	if mode == "crash" {
		fmt.Fprintln(os.Stderr, "fake kernel crashing")
		return 3
	}
	if mode == "hang" {
		time.Sleep(time.Minute)
		return 0
	}

	info, err := connection.ReadInfo(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	codec, err := messages.NewCodec(info.Key, info.SignatureScheme)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx := context.Background()
	k := &fakeKernel{
		codec:   codec,
		shell:   zmq4.NewRouter(ctx),
		control: zmq4.NewRouter(ctx),
		stdin:   zmq4.NewRouter(ctx),
		hb:      zmq4.NewRouter(ctx),
		iopub:   zmq4.NewPub(ctx),
		quit:    make(chan struct{}),
		inputs:  make(chan *messages.Message, 1),
	}
	binds := []struct {
		s    zmq4.Socket
		port int
	}{
		{k.shell, info.ShellPort},
		{k.control, info.ControlPort},
		{k.stdin, info.StdinPort},
		{k.hb, info.HBPort},
		{k.iopub, info.IOPubPort},
	}
	for _, b := range binds {
		if err := b.s.Listen(fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, b.port)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		for range sigs {
			fmt.Fprintln(os.Stderr, "fake kernel interrupted")
		}
	}()

	fmt.Println("fake kernel listening")
	go k.serve(k.shell, k.handleShell)
	go k.serve(k.control, k.handleControl)
	go k.serve(k.stdin, func(msg *messages.Message) { k.inputs <- msg })

	<-k.quit
	time.Sleep(50 * time.Millisecond)
	return 0
}

type fakeKernel struct {
	codec *messages.Codec

	shell, control, stdin, hb, iopub zmq4.Socket

	pubMu    sync.Mutex
	quit     chan struct{}
	quitOnce sync.Once
	inputs   chan *messages.Message
	count    int
}

func (k *fakeKernel) serve(s zmq4.Socket, handle func(*messages.Message)) {
	for {
		raw, err := s.Recv()
		if err != nil {
			return
		}
		msg, err := k.codec.Decode(raw.Frames)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fake kernel decode:", err)
			continue
		}
		handle(msg)
	}
}

func (k *fakeKernel) send(s zmq4.Socket, msg *messages.Message) {
	frames, err := k.codec.Encode(msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fake kernel encode:", err)
		return
	}
	_ = s.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (k *fakeKernel) reply(s zmq4.Socket, req *messages.Message, msgType string, body any) {
	msg, err := messages.NewReply(req, "", msgType, body)
	if err != nil {
		return
	}
	msg.Identities = req.Identities
	k.send(s, msg)
}

func (k *fakeKernel) publish(parent *messages.Message, msgType string, body any) {
	msg, err := messages.NewReply(parent, messages.ChannelIOPub, msgType, body)
	if err != nil {
		return
	}
	msg.Identities = [][]byte{[]byte("kernel." + msgType)}
	k.pubMu.Lock()
	defer k.pubMu.Unlock()
	k.send(k.iopub, msg)
}

func (k *fakeKernel) handleShell(req *messages.Message) {
	k.publish(req, messages.TypeStatus, content.Status{ExecutionState: content.StateBusy})
	defer k.publish(req, messages.TypeStatus, content.Status{ExecutionState: content.StateIdle})

	switch req.Type() {
	case messages.TypeKernelInfoRequest:
		k.reply(k.shell, req, messages.TypeKernelInfoReply, content.KernelInfoReply{
			Status:          content.StatusOK,
			ProtocolVersion: "5.3",
			Implementation:  "fake",
			LanguageInfo:    content.LanguageInfo{Name: "echo"},
		})
	case messages.TypeExecuteRequest:
		k.execute(req)
	case messages.TypeCompleteRequest:
		var body content.CompleteRequest
		_ = req.DecodeContent(&body)
		k.reply(k.shell, req, messages.TypeCompleteReply, content.CompleteReply{
			Status:      content.StatusOK,
			Matches:     []string{body.Code + "_one", body.Code + "_two"},
			CursorStart: 0,
			CursorEnd:   body.CursorPos,
		})
	case messages.TypeIsCompleteRequest:
		var body content.IsCompleteRequest
		_ = req.DecodeContent(&body)
		status := "complete"
		if strings.HasSuffix(body.Code, ":") {
			status = "incomplete"
		}
		k.reply(k.shell, req, messages.TypeIsCompleteReply, content.IsCompleteReply{Status: status})
	}
}

// execute echoes the code on stdout. "input" asks stdin first and "fail"
// raises an error.
func (k *fakeKernel) execute(req *messages.Message) {
	var body content.ExecuteRequest
	_ = req.DecodeContent(&body)
	k.count++
	k.publish(req, messages.TypeExecuteInput, content.ExecuteInput{Code: body.Code, ExecutionCount: k.count})

	text := body.Code
	switch body.Code {
	case "fail":
		k.publish(req, messages.TypeError, content.Error{EName: "ValueError", EValue: "fail"})
		k.reply(k.shell, req, messages.TypeExecuteReply, content.ExecuteReply{
			Status: content.StatusError, ExecutionCount: k.count, EName: "ValueError", EValue: "fail",
		})
		return
	case "input":
		ask, err := messages.NewReply(req, messages.ChannelStdin, messages.TypeInputRequest, content.InputRequest{Prompt: "> "})
		if err != nil {
			return
		}
		ask.Identities = req.Identities
		k.send(k.stdin, ask)
		select {
		case answer := <-k.inputs:
			var in content.InputReply
			_ = answer.DecodeContent(&in)
			text = "got " + in.Value
		case <-time.After(5 * time.Second):
			text = "no input"
		}
	}

	k.publish(req, messages.TypeStream, content.Stream{Name: content.StreamStdout, Text: text})
	k.publish(req, messages.TypeExecuteResult, content.ExecuteResult{
		ExecutionCount: k.count,
		Data:           content.MimeBundle{"text/plain": fmt.Sprintf("%d", len(body.Code))},
	})
	k.reply(k.shell, req, messages.TypeExecuteReply, content.ExecuteReply{Status: content.StatusOK, ExecutionCount: k.count})
}

func (k *fakeKernel) handleControl(req *messages.Message) {
	switch req.Type() {
	case messages.TypeInterruptRequest:
		fmt.Fprintln(os.Stderr, "fake kernel interrupt_request")
		k.reply(k.control, req, messages.TypeInterruptReply, content.InterruptReply{Status: content.StatusOK})
	case messages.TypeShutdownRequest:
		var body content.ShutdownRequest
		_ = req.DecodeContent(&body)
		k.reply(k.control, req, messages.TypeShutdownReply, content.ShutdownReply{Status: content.StatusOK, Restart: body.Restart})
		k.quitOnce.Do(func() { close(k.quit) })
	}
}

func fakeSpec(t *testing.T, mode string) kernelspec.Spec {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return kernelspec.Spec{
		ID:          "fake " + mode,
		Binary:      exe,
		Argv:        []string{"-f", process.ConnectionFilePlaceholder},
		DisplayName: "Fake " + mode,
		Language:    "echo",
		Env:         map[string]string{fakeKernelEnv: mode},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func launchFake(t *testing.T, spec kernelspec.Spec, opts ...Option) *RunningKernel {
	t.Helper()
	cc := connection.DefaultConfig()
	cc.Dir = t.TempDir()
	cc.DialRetry = 20 * time.Millisecond
	opts = append([]Option{WithConnectionConfig(cc)}, opts...)

	k, err := Launch(testContext(t), spec, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	_, err = k.AwaitKernelInfo(testContext(t))
	require.NoError(t, err)
	return k
}

func TestLaunchAndExecute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)

	var stdout bytes.Buffer
	var mu sync.Mutex
	k := launchFake(t, fakeSpec(t, "serve"), WithMetrics(m), WithStdio(lockedWriter{&mu, &stdout}, nil))

	info, err := k.KernelInfo(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "fake", info.Implementation)
	assert.Equal(t, "echo", info.LanguageInfo.Name)

	res, err := k.Execute(testContext(t), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout())
	require.Len(t, res.Outputs, 2)
	assert.Equal(t, "5", res.Outputs[1].Text)
	assert.Positive(t, res.ExecutionCount)

	connFile := k.Connection.ConnectionFile()
	assert.FileExists(t, connFile)

	assert.Equal(t, 1.0, gaugeValue(t, reg, "jupytercore_process_running"))
	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	assert.NoFileExists(t, connFile)
	assert.True(t, k.Process.Exited())
	assert.Equal(t, 0.0, gaugeValue(t, reg, "jupytercore_process_running"))

	n, err := testutil.GatherAndCount(reg, "jupytercore_kernel_launch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	assert.Contains(t, stdout.String(), "kernel stdout> fake kernel listening")
	mu.Unlock()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func TestExecuteErrorAndInput(t *testing.T) {
	k := launchFake(t, fakeSpec(t, "serve"))

	_, err := k.Execute(testContext(t), "fail")
	var kerr *execution.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "ValueError", kerr.EName)

	res, err := k.Execute(testContext(t), "input", execution.WithHost(
		host.NewReaderHost(strings.NewReader("forty-two\n"), nil)))
	require.NoError(t, err)
	assert.Equal(t, "got forty-two", res.Stdout())
}

func TestCompleteAndIsComplete(t *testing.T) {
	k := launchFake(t, fakeSpec(t, "serve"))

	comp, err := k.Complete(testContext(t), "pri", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"pri_one", "pri_two"}, comp.Matches)
	assert.Equal(t, 3, comp.CursorEnd)

	ic, err := k.IsComplete(testContext(t), "for x in y:")
	require.NoError(t, err)
	assert.Equal(t, "incomplete", ic.Status)
}

func TestInterruptBySignal(t *testing.T) {
	k := launchFake(t, fakeSpec(t, "serve"))
	lines := k.Process.Stderr(testContext(t))
	defer lines.Close()

	require.NoError(t, k.Interrupt(testContext(t)))
	waitLine(t, lines, "fake kernel interrupted")
	assert.False(t, k.Process.Exited())
}

func TestInterruptByMessage(t *testing.T) {
	spec := fakeSpec(t, "serve")
	spec.InterruptMode = "message"
	k := launchFake(t, spec)
	lines := k.Process.Stderr(testContext(t))
	defer lines.Close()

	require.NoError(t, k.Interrupt(testContext(t)))
	waitLine(t, lines, "fake kernel interrupt_request")
}

func waitLine(t *testing.T, sub interface {
	Next(context.Context) (string, error)
}, want string) {
	t.Helper()
	ctx := testContext(t)
	for {
		line, err := sub.Next(ctx)
		require.NoError(t, err, "waiting for %q", want)
		if line == want {
			return
		}
	}
}

func TestShutdown(t *testing.T) {
	k := launchFake(t, fakeSpec(t, "serve"))
	connFile := k.Connection.ConnectionFile()

	require.NoError(t, k.Shutdown(testContext(t), false))
	assert.True(t, k.Process.Exited())
	assert.NoError(t, k.Process.Err())
	assert.NoFileExists(t, connFile)

	_, err := k.KernelInfo(testContext(t))
	assert.Error(t, err)
}

func TestLaunchProcessExitsEarly(t *testing.T) {
	dir := t.TempDir()
	cc := connection.DefaultConfig()
	cc.Dir = dir

	_, err := Launch(testContext(t), fakeSpec(t, "crash"), WithConnectionConfig(cc))

	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "Fake crash", lerr.Kernel)
	assert.ErrorIs(t, err, ErrKernelExited)

	var exit *process.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "connection file must be removed")
}

func TestLaunchBadBinary(t *testing.T) {
	dir := t.TempDir()
	cc := connection.DefaultConfig()
	cc.Dir = dir
	spec := kernelspec.Spec{Binary: "/nonexistent/kernel", Argv: []string{process.ConnectionFilePlaceholder}}

	_, err := Launch(testContext(t), spec, WithConnectionConfig(cc))
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "/nonexistent/kernel", lerr.Kernel)
	assert.False(t, errors.Is(err, ErrKernelExited))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLaunchTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	cc := connection.DefaultConfig()
	cc.Dir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Launch(ctx, fakeSpec(t, "hang"), WithConnectionConfig(cc), WithMetrics(m), WithKillGrace(time.Second))

	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0.0, gaugeValue(t, reg, "jupytercore_process_running"))
}

func TestLaunchWithoutReadyWait(t *testing.T) {
	cc := connection.DefaultConfig()
	cc.Dir = t.TempDir()

	k, err := Launch(testContext(t), fakeSpec(t, "hang"), WithConnectionConfig(cc), WithoutReadyWait())
	require.NoError(t, err)
	defer k.Close()

	assert.False(t, k.Process.Exited())
	assert.FileExists(t, k.Connection.ConnectionFile())
}

func TestRequestFailsWhenKernelDies(t *testing.T) {
	cc := connection.DefaultConfig()
	cc.Dir = t.TempDir()

	k, err := Launch(testContext(t), fakeSpec(t, "crash"), WithConnectionConfig(cc), WithoutReadyWait())
	require.NoError(t, err)
	defer k.Close()

	_, err = k.KernelInfo(testContext(t))
	assert.ErrorIs(t, err, ErrKernelExited)
}
