package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/smnsjas/go-jupytercore/broadcast"
	"github.com/smnsjas/go-jupytercore/content"
	"github.com/smnsjas/go-jupytercore/messages"
)

// Conn is the part of a connection the handler uses.
type Conn interface {
	Messages(ctx context.Context, filter func(*messages.Message) bool) *broadcast.Subscription[*messages.Message]
	SendRaw(ctx context.Context, msg *messages.Message) error
}

// CallbackHandler answers input_request messages using a Host.
type CallbackHandler struct {
	host   Host
	logger *slog.Logger
}

// NewCallbackHandler creates a new callback handler with the given host.
// A nil host behaves like NullHost.
func NewCallbackHandler(host Host, logger *slog.Logger) *CallbackHandler {
	if host == nil {
		host = NewNullHost()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CallbackHandler{host: host, logger: logger}
}

// IsInputRequest reports whether msg is an input_request on stdin.
func IsInputRequest(msg *messages.Message) bool {
	return msg.Channel == messages.ChannelStdin && msg.Type() == messages.TypeInputRequest
}

// HandleRequest asks the host and builds the input_reply for req.
//
// The kernel blocks until it gets a reply, so a host error still produces a
// reply, with an empty value; the error is returned alongside it.
func (h *CallbackHandler) HandleRequest(ctx context.Context, req *messages.Message) (*messages.Message, error) {
	var body content.InputRequest
	if err := req.DecodeContent(&body); err != nil {
		return nil, err
	}

	value, hostErr := h.host.ReadLine(ctx, body.Prompt, body.Password)
	if hostErr != nil {
		value = ""
		hostErr = fmt.Errorf("read input: %w", hostErr)
	}

	reply, err := messages.NewInputReply(req, value)
	if err != nil {
		return nil, err
	}
	return reply, hostErr
}

// Serve answers input requests on conn until ctx is done or the connection
// closes. It returns nil when the connection closes.
func (h *CallbackHandler) Serve(ctx context.Context, conn Conn) error {
	sub := conn.Messages(ctx, IsInputRequest)
	defer sub.Close()

	for {
		req, err := sub.Next(ctx)
		if errors.Is(err, broadcast.ErrClosed) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err != nil {
			return err
		}

		reply, err := h.HandleRequest(ctx, req)
		if err != nil {
			h.logger.WarnContext(ctx, "input request", slog.String("msg_id", req.Header.MsgID), slog.Any("error", err))
		}
		if reply == nil {
			continue
		}
		if err := conn.SendRaw(ctx, reply); err != nil {
			return fmt.Errorf("send input_reply: %w", err)
		}
	}
}
