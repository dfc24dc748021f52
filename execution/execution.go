package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/smnsjas/go-jupytercore/broadcast"
	"github.com/smnsjas/go-jupytercore/content"
	"github.com/smnsjas/go-jupytercore/host"
	"github.com/smnsjas/go-jupytercore/messages"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an invalid state.
	ErrInvalidState = errors.New("invalid execution state")
	// ErrConnectionClosed is returned when the connection closes mid-exchange.
	ErrConnectionClosed = errors.New("connection closed before execution finished")
)

// State represents the current state of an Execution.
type State int

const (
	// StateNotStarted indicates the request has not been sent yet.
	StateNotStarted State = iota
	// StateRunning indicates the request was sent and the exchange is open.
	StateRunning
	// StateCompleted indicates the kernel replied ok and went idle.
	StateCompleted
	// StateFailed indicates an error reply or a broken exchange.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Conn is the part of a connection an execution uses.
type Conn interface {
	SendAndReceive(ctx context.Context, msg *messages.Message) (*broadcast.Subscription[*messages.Message], error)
	SendRaw(ctx context.Context, msg *messages.Message) error
	Session() string
}

// KernelError is an error raised by the executed code.
type KernelError struct {
	EName     string
	EValue    string
	Traceback []string
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.EValue == "" {
		return e.EName
	}
	return e.EName + ": " + e.EValue
}

// Output is one displayable item produced during execution.
type Output struct {
	// Type is the iopub msg_type: stream, execute_result, display_data,
	// update_display_data, error or clear_output.
	Type string
	// Name is stdout or stderr for streams.
	Name string
	// Text is the stream text, the text/plain representation, or the
	// error's "ename: evalue".
	Text string
	Data content.MimeBundle

	Message *messages.Message
}

// Result is the outcome of an execution.
type Result struct {
	Status         string
	ExecutionCount int
	Outputs        []Output
	Reply          *messages.Message
}

// Stdout returns all stdout stream text in order.
func (r *Result) Stdout() string {
	return r.stream(content.StreamStdout)
}

// Stderr returns all stderr stream text in order.
func (r *Result) Stderr() string {
	return r.stream(content.StreamStderr)
}

func (r *Result) stream(name string) string {
	var b strings.Builder
	for _, o := range r.Outputs {
		if o.Type == messages.TypeStream && o.Name == name {
			b.WriteString(o.Text)
		}
	}
	return b.String()
}

// Option configures an Execution.
type Option func(*Execution)

// WithOnOutput streams outputs to fn as they arrive, on the goroutine
// running the execution.
func WithOnOutput(fn func(Output)) Option {
	return func(e *Execution) { e.onOutput = fn }
}

// WithHost answers input requests from the executed code and sets
// allow_stdin on the request.
func WithHost(h host.Host) Option {
	return func(e *Execution) {
		e.host = h
		e.request.AllowStdin = true
	}
}

// WithSilent asks the kernel not to broadcast output or store history.
func WithSilent() Option {
	return func(e *Execution) {
		e.request.Silent = true
		e.request.StoreHistory = false
	}
}

// WithStoreHistory overrides whether the code is added to history.
func WithStoreHistory(store bool) Option {
	return func(e *Execution) { e.request.StoreHistory = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Execution) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Execution is one execute_request exchange.
type Execution struct {
	mu sync.RWMutex

	conn     Conn
	request  content.ExecuteRequest
	onOutput func(Output)
	host     host.Host
	logger   *slog.Logger

	msg   *messages.Message
	state State
	err   error
}

// New prepares an execution of code.
func New(conn Conn, code string, opts ...Option) *Execution {
	e := &Execution{
		conn:    conn,
		request: content.NewExecuteRequest(code),
		logger:  slog.New(slog.DiscardHandler),
		state:   StateNotStarted,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs code and waits for it to finish. See Execution.Run.
func Execute(ctx context.Context, conn Conn, code string, opts ...Option) (*Result, error) {
	return New(conn, code, opts...).Run(ctx)
}

// State returns the current state of the execution.
func (e *Execution) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// MsgID returns the execute_request msg_id once Run has started.
func (e *Execution) MsgID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.msg == nil {
		return ""
	}
	return e.msg.Header.MsgID
}

// Run sends the request and collects correlated messages until the
// execute_reply and the idle status have both arrived.
//
// A kernel-side error yields the result together with a *KernelError.
// Transport failures, cancellation and a closed connection yield a nil
// result. Run may be called once.
func (e *Execution) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.state != StateNotStarted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot run execution in state %s", ErrInvalidState, e.state)
	}
	msg, err := messages.NewExecuteRequest(e.conn.Session(), e.request)
	if err != nil {
		e.state = StateFailed
		e.mu.Unlock()
		return nil, err
	}
	e.msg = msg
	e.state = StateRunning
	e.mu.Unlock()

	sub, err := e.conn.SendAndReceive(ctx, msg)
	if err != nil {
		return nil, e.fail(fmt.Errorf("send execute_request: %w", err))
	}
	defer sub.Close()

	result := &Result{}
	var (
		replied bool
		idle    bool
	)
	for !replied || !idle {
		in, err := sub.Next(ctx)
		if errors.Is(err, broadcast.ErrClosed) {
			if ctx.Err() != nil {
				return nil, e.fail(ctx.Err())
			}
			return nil, e.fail(ErrConnectionClosed)
		}
		if err != nil {
			return nil, e.fail(err)
		}

		switch {
		case in.Type() == messages.TypeExecuteReply:
			replied = true
			if err := e.handleReply(in, result); err != nil {
				e.logger.WarnContext(ctx, "decode execute_reply", slog.Any("error", err))
			}
		case in.Type() == messages.TypeStatus:
			var st content.Status
			if err := in.DecodeContent(&st); err == nil && st.ExecutionState == content.StateIdle {
				idle = true
			}
		case host.IsInputRequest(in):
			e.answerInput(ctx, in)
		case in.Channel == messages.ChannelIOPub:
			e.handleOutput(ctx, in, result)
		}
	}

	return e.finish(result)
}

func (e *Execution) handleReply(in *messages.Message, result *Result) error {
	result.Reply = in
	var reply content.ExecuteReply
	if err := in.DecodeContent(&reply); err != nil {
		result.Status = content.StatusError
		return err
	}
	result.Status = reply.Status
	result.ExecutionCount = reply.ExecutionCount
	return nil
}

func (e *Execution) handleOutput(ctx context.Context, in *messages.Message, result *Result) {
	out := Output{Type: in.Type(), Message: in}

	var err error
	switch in.Type() {
	case messages.TypeStream:
		var s content.Stream
		err = in.DecodeContent(&s)
		out.Name, out.Text = s.Name, s.Text
	case messages.TypeExecuteResult:
		var r content.ExecuteResult
		err = in.DecodeContent(&r)
		out.Data, out.Text = r.Data, r.Data.Text()
	case messages.TypeDisplayData, messages.TypeUpdateDisplayData:
		var d content.DisplayData
		err = in.DecodeContent(&d)
		out.Data, out.Text = d.Data, d.Data.Text()
	case messages.TypeError:
		var ke content.Error
		err = in.DecodeContent(&ke)
		out.Name = ke.EName
		out.Text = (&KernelError{EName: ke.EName, EValue: ke.EValue}).Error()
	case messages.TypeClearOutput:
	default:
		// execute_input and anything unknown are not outputs
		return
	}
	if err != nil {
		e.logger.WarnContext(ctx, "decode output", slog.String("msg_type", in.Type()), slog.Any("error", err))
		return
	}

	result.Outputs = append(result.Outputs, out)
	if e.onOutput != nil {
		e.onOutput(out)
	}
}

func (e *Execution) answerInput(ctx context.Context, req *messages.Message) {
	reply, err := host.NewCallbackHandler(e.host, e.logger).HandleRequest(ctx, req)
	if err != nil {
		e.logger.WarnContext(ctx, "input request", slog.Any("error", err))
	}
	if reply == nil {
		return
	}
	if err := e.conn.SendRaw(ctx, reply); err != nil {
		e.logger.WarnContext(ctx, "send input_reply", slog.Any("error", err))
	}
}

func (e *Execution) finish(result *Result) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if result.Status == content.StatusOK {
		e.state = StateCompleted
		return result, nil
	}

	kerr := &KernelError{EName: "UnknownError"}
	if result.Reply != nil {
		var reply content.ExecuteReply
		if err := result.Reply.DecodeContent(&reply); err == nil && reply.EName != "" {
			kerr = &KernelError{EName: reply.EName, EValue: reply.EValue, Traceback: reply.Traceback}
		}
	}
	if result.Status == content.StatusAbort {
		kerr = &KernelError{EName: "Aborted", EValue: "execution aborted by the kernel"}
	}
	e.state = StateFailed
	e.err = kerr
	return result, kerr
}

func (e *Execution) fail(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateFailed
	e.err = err
	return err
}

// Err returns the error that ended the execution, if any.
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}
