// Package messages defines the Jupyter protocol message model and its codec.
//
// Every message carries a header identifying it, an optional parent header
// copied from the message that caused it, free-form metadata, a content
// object whose shape is determined by the message type, and optional binary
// buffers. Messages travel on one of the kernel channels.
//
// # Correlation
//
// Replies and side effects (iopub output, stdin prompts) carry the request's
// header as their parent header. ParentHeader.MsgID is therefore the only
// correlation key between a request and everything it produced:
//
//	req, _ := messages.New(messages.ChannelShell, messages.TypeExecuteRequest, session, body)
//	// later, for every inbound msg:
//	if msg.ParentID() == req.Header.MsgID { ... }
//
// A message whose parent does not match any outstanding request is simply
// unrouted; it is never an error.
//
// # Encoding
//
// Codec converts between Message and signed multipart frames (see package
// wire for the layout). Decoding tolerates a bad signature by default and
// reports it alongside the decoded message; see Codec.Decode.
//
// # Reference
//
// https://jupyter-client.readthedocs.io/en/stable/messaging.html
package messages

import (
	"encoding/json"
	"fmt"
	"maps"
	"os/user"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version written to headers.
const ProtocolVersion = "5.3"

// DateFormat is the ISO 8601 layout used for header dates.
const DateFormat = "2006-01-02T15:04:05.000000Z07:00"

// Channel names one of the kernel's sockets.
type Channel string

const (
	ChannelShell     Channel = "shell"
	ChannelControl   Channel = "control"
	ChannelStdin     Channel = "stdin"
	ChannelIOPub     Channel = "iopub"
	ChannelHeartbeat Channel = "heartbeat"
)

// CanSend reports whether the client may send messages on the channel.
// iopub is receive-only and heartbeat carries raw pings, not messages.
func (c Channel) CanSend() bool {
	switch c {
	case ChannelShell, ChannelControl, ChannelStdin:
		return true
	default:
		return false
	}
}

// CanReceive reports whether the client runs a receive loop for the channel.
func (c Channel) CanReceive() bool {
	switch c {
	case ChannelShell, ChannelControl, ChannelStdin, ChannelIOPub:
		return true
	default:
		return false
	}
}

// Message types used by this library. Kernels may send others; msg_type is an
// open set and unknown types are delivered unchanged.
const (
	TypeKernelInfoRequest = "kernel_info_request"
	TypeKernelInfoReply   = "kernel_info_reply"
	TypeExecuteRequest    = "execute_request"
	TypeExecuteReply      = "execute_reply"
	TypeExecuteInput      = "execute_input"
	TypeExecuteResult     = "execute_result"
	TypeDisplayData       = "display_data"
	TypeUpdateDisplayData = "update_display_data"
	TypeStream            = "stream"
	TypeError             = "error"
	TypeStatus            = "status"
	TypeClearOutput       = "clear_output"
	TypeInputRequest      = "input_request"
	TypeInputReply        = "input_reply"
	TypeShutdownRequest   = "shutdown_request"
	TypeShutdownReply     = "shutdown_reply"
	TypeInterruptRequest  = "interrupt_request"
	TypeInterruptReply    = "interrupt_reply"
	TypeCompleteRequest   = "complete_request"
	TypeCompleteReply     = "complete_reply"
	TypeInspectRequest    = "inspect_request"
	TypeInspectReply      = "inspect_reply"
	TypeIsCompleteRequest = "is_complete_request"
	TypeIsCompleteReply   = "is_complete_reply"
)

// Header identifies a message.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	Version  string `json:"version"`

	// Extra holds any other header keys as received. They are written back
	// when the header is encoded, so a header copied into a parent_header
	// is reproduced in full.
	Extra map[string]json.RawMessage `json:"-"`
}

// headerFields is Header without its JSON methods.
type headerFields Header

var headerKeys = []string{"msg_id", "msg_type", "username", "session", "date", "version"}

// IsZero reports whether every field is empty. An empty parent header is
// encoded as {} on the wire.
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.MsgType == "" && h.Username == "" &&
		h.Session == "" && h.Date == "" && h.Version == "" && len(h.Extra) == 0
}

// MarshalJSON implements json.Marshaler.
func (h Header) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(headerFields(h))
	if err != nil || len(h.Extra) == 0 {
		return data, err
	}

	all := maps.Clone(h.Extra)
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	maps.Copy(all, known)
	return json.Marshal(all)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Header) UnmarshalJSON(data []byte) error {
	var f headerFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range headerKeys {
		delete(all, k)
	}
	f.Extra = nil
	if len(all) > 0 {
		f.Extra = all
	}
	*h = Header(f)
	return nil
}

// Message is one Jupyter protocol message.
type Message struct {
	Header       Header
	ParentHeader *Header
	Content      json.RawMessage
	Buffers      []byte

	// Metadata numbers are decoded as json.Number.
	Metadata map[string]any

	// Channel is the channel the message was received on or is to be sent on.
	Channel Channel

	// Identities is the routing prefix before the delimiter. On iopub this is
	// the topic.
	Identities [][]byte
}

// ParentID returns the parent header's msg_id, or "" without a parent.
func (m *Message) ParentID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MsgID
}

// Type returns the header's msg_type.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// DecodeContent unmarshals the content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// String returns a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] id=%s parent=%s", m.Header.MsgType, m.Channel, m.Header.MsgID, m.ParentID())
}

// NewHeader creates a header with a fresh msg_id and the current time.
func NewHeader(msgType, session string) Header {
	return Header{
		MsgID:    uuid.NewString(),
		MsgType:  msgType,
		Username: username(),
		Session:  session,
		Date:     time.Now().UTC().Format(DateFormat),
		Version:  ProtocolVersion,
	}
}

// NewSession returns a fresh session identifier.
func NewSession() string {
	return uuid.NewString()
}

// New creates a message with a fresh header. content is marshalled to JSON;
// nil produces an empty object.
func New(channel Channel, msgType, session string, content any) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &Message{
		Header:   NewHeader(msgType, session),
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  channel,
	}, nil
}

// NewReply creates a message whose parent header is parent's header.
// The reply inherits the parent's session.
func NewReply(parent *Message, channel Channel, msgType string, content any) (*Message, error) {
	msg, err := New(channel, msgType, parent.Header.Session, content)
	if err != nil {
		return nil, err
	}
	ph := parent.Header
	msg.ParentHeader = &ph
	return msg, nil
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return c, nil
	default:
		return json.Marshal(c)
	}
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return "kernel-client"
	}
	return u.Username
}
