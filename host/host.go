// Package host answers kernel requests for user input.
//
// When code running in a kernel reads from stdin (input() in Python, for
// example), the kernel sends an input_request on the stdin channel and
// blocks until the client answers with an input_reply. A Host supplies that
// answer; CallbackHandler connects a Host to a connection.
//
// The kernel only sends input_request for execute requests that set
// allow_stdin, so a client that never serves stdin should leave it unset.
//
// # Default Implementation
//
// NullHost refuses every request, for non-interactive use:
//
//	h := host.NewNullHost()
//
// # Reference
//
// https://jupyter-client.readthedocs.io/en/stable/messaging.html#messages-on-the-stdin-router-dealer-channel
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNoInput is returned by hosts that cannot provide input.
var ErrNoInput = errors.New("host: no input available")

// Host supplies user input to a kernel.
type Host interface {
	// ReadLine shows prompt and returns one line without its terminator.
	// password asks the host not to echo the input.
	ReadLine(ctx context.Context, prompt string, password bool) (string, error)
}

// HostFunc adapts a function to Host.
//
//nolint:revive // HostFunc reads better than Func at call sites
type HostFunc func(ctx context.Context, prompt string, password bool) (string, error)

// ReadLine calls f.
func (f HostFunc) ReadLine(ctx context.Context, prompt string, password bool) (string, error) {
	return f(ctx, prompt, password)
}

// NullHost provides no input.
type NullHost struct{}

// NewNullHost creates a new NullHost.
func NewNullHost() *NullHost {
	return &NullHost{}
}

// ReadLine returns ErrNoInput.
func (h *NullHost) ReadLine(context.Context, string, bool) (string, error) {
	return "", ErrNoInput
}

// ReaderHost reads lines from r and writes prompts to w.
// It does not suppress echo for passwords; that is the terminal's job.
type ReaderHost struct {
	mu     sync.Mutex
	reader *bufio.Reader
	w      io.Writer
}

// NewReaderHost returns a host reading from r. w may be nil.
func NewReaderHost(r io.Reader, w io.Writer) *ReaderHost {
	if w == nil {
		w = io.Discard
	}
	return &ReaderHost{reader: bufio.NewReader(r), w: w}
}

// ReadLine writes prompt and reads up to the next newline. The read itself
// is not interruptible; ctx is checked before it starts.
func (h *ReaderHost) ReadLine(ctx context.Context, prompt string, _ bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if prompt != "" {
		if _, err := io.WriteString(h.w, prompt); err != nil {
			return "", fmt.Errorf("write prompt: %w", err)
		}
	}

	line, err := h.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
