package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/smnsjas/go-jupytercore/wire"
)

var (
	// ErrSignatureMismatch is returned when a received signature does not
	// match the locally computed one.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrInvalidChannel is returned when a message is addressed to a channel
	// that cannot carry it.
	ErrInvalidChannel = errors.New("invalid channel")
)

var emptyObject = []byte("{}")

// ProtocolError describes a message that could not be decoded cleanly.
type ProtocolError struct {
	Channel Channel
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error on %s: %v", e.Channel, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Codec encodes and decodes messages for one connection.
type Codec struct {
	signer *wire.Signer

	// Strict rejects messages with a bad signature instead of delivering them.
	Strict bool
}

// NewCodec returns a codec signing with key under scheme.
// An empty key disables signing.
func NewCodec(key, scheme string) (*Codec, error) {
	signer, err := wire.NewSigner(key, scheme)
	if err != nil {
		return nil, err
	}
	return &Codec{signer: signer}, nil
}

// Signer returns the codec's signer.
func (c *Codec) Signer() *wire.Signer {
	return c.signer
}

// Encode serializes msg to signed multipart frames.
// header, parent_header, metadata and content are marshalled independently;
// an absent parent header, metadata or content becomes {}.
func (c *Codec) Encode(msg *Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	parent := emptyObject
	if msg.ParentHeader != nil && !msg.ParentHeader.IsZero() {
		if parent, err = json.Marshal(msg.ParentHeader); err != nil {
			return nil, fmt.Errorf("marshal parent header: %w", err)
		}
	}

	metadata := emptyObject
	if len(msg.Metadata) > 0 {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	content := emptyObject
	if len(msg.Content) > 0 {
		if !json.Valid(msg.Content) {
			return nil, fmt.Errorf("marshal content: invalid JSON for %s", msg.Header.MsgType)
		}
		content = msg.Content
	}

	env := &wire.Envelope{
		Identities:   msg.Identities,
		Header:       header,
		ParentHeader: parent,
		Metadata:     metadata,
		Content:      content,
	}
	env.Signature = []byte(c.signer.Sign(env.Parts()...))
	if len(msg.Buffers) > 0 {
		env.Buffers = [][]byte{msg.Buffers}
	}

	return env.Frames(), nil
}

// Decode parses signed multipart frames into a message.
//
// A signature mismatch is soft unless Strict is set: Decode returns the
// decoded message together with a *ProtocolError wrapping
// ErrSignatureMismatch, and the message is usable. In strict mode, and for
// any other failure, the returned message is nil.
//
// Trailing binary frames are concatenated into Buffers.
func (c *Codec) Decode(frames [][]byte) (*Message, error) {
	env, err := wire.Parse(frames)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var sigErr error
	if !c.signer.Verify(env.Signature, env.Parts()...) {
		sigErr = &ProtocolError{Err: ErrSignatureMismatch}
		if c.Strict {
			return nil, sigErr
		}
	}

	msg := &Message{Identities: env.Identities}

	if err := json.Unmarshal(env.Header, &msg.Header); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode header: %w", err)}
	}

	var parent Header
	if err := json.Unmarshal(env.ParentHeader, &parent); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode parent header: %w", err)}
	}
	if !parent.IsZero() {
		msg.ParentHeader = &parent
	}

	msg.Metadata = map[string]any{}
	if err := unmarshalNumbers(env.Metadata, &msg.Metadata); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode metadata: %w", err)}
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	if !json.Valid(env.Content) {
		return nil, &ProtocolError{Err: errors.New("decode content: invalid JSON")}
	}
	msg.Content = bytes.Clone(env.Content)

	if len(env.Buffers) > 0 {
		msg.Buffers = bytes.Join(env.Buffers, nil)
	}

	return msg, sigErr
}

// unmarshalNumbers decodes data into v keeping numbers as json.Number, so
// integers of any size survive a decode and re-encode unchanged.
func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
