// Package wire handles the multipart framing of Jupyter protocol messages.
//
// A Jupyter message travels as a ZeroMQ multipart message. Everything before
// the delimiter frame is routing information (ROUTER identities or the PUB
// topic); everything after it is the signed message body.
//
// # Frame Layout
//
//	┌─────────────────────────────────────────────────────────┐
//	│  identities... (0..n frames) - routing prefix          │
//	├─────────────────────────────────────────────────────────┤
//	│  "<IDS|MSG>" - delimiter                                │
//	├─────────────────────────────────────────────────────────┤
//	│  signature - hex HMAC digest, empty when unsigned       │
//	├─────────────────────────────────────────────────────────┤
//	│  header - JSON                                          │
//	├─────────────────────────────────────────────────────────┤
//	│  parent_header - JSON, {} when absent                   │
//	├─────────────────────────────────────────────────────────┤
//	│  metadata - JSON                                        │
//	├─────────────────────────────────────────────────────────┤
//	│  content - JSON                                         │
//	├─────────────────────────────────────────────────────────┤
//	│  buffers... (0..n frames) - raw binary                  │
//	└─────────────────────────────────────────────────────────┘
//
// The signature is computed over header, parent_header, metadata and content
// in that order. See Signer.
//
// # Reference
//
// https://jupyter-client.readthedocs.io/en/stable/messaging.html#the-wire-protocol
package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// Delimiter separates the routing prefix from the message body.
const Delimiter = "<IDS|MSG>"

// BodyFrames is the number of mandatory frames after the delimiter.
const BodyFrames = 5

var (
	// ErrMalformedFrames is returned when a multipart message does not follow
	// the Jupyter frame layout.
	ErrMalformedFrames = errors.New("malformed frames")
	// ErrUnsupportedScheme is returned for signature schemes other than hmac-*.
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
)

var delimiter = []byte(Delimiter)

// Envelope is one message split into its wire parts. The JSON parts are kept
// as raw bytes so the signature is verified over exactly what was received.
type Envelope struct {
	Identities   [][]byte
	Signature    []byte
	Header       []byte
	ParentHeader []byte
	Metadata     []byte
	Content      []byte
	Buffers      [][]byte
}

// Parts returns the four signed parts in signing order.
func (e *Envelope) Parts() [][]byte {
	return [][]byte{e.Header, e.ParentHeader, e.Metadata, e.Content}
}

// Frames serializes the envelope to multipart frames.
func (e *Envelope) Frames() [][]byte {
	frames := make([][]byte, 0, len(e.Identities)+1+BodyFrames+len(e.Buffers))
	frames = append(frames, e.Identities...)
	frames = append(frames, delimiter, e.Signature, e.Header, e.ParentHeader, e.Metadata, e.Content)
	frames = append(frames, e.Buffers...)
	return frames
}

// Parse splits multipart frames into an envelope.
// The returned envelope references the input frames; it does not copy them.
func Parse(frames [][]byte) (*Envelope, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing %s delimiter", ErrMalformedFrames, Delimiter)
	}

	body := frames[idx+1:]
	if len(body) < BodyFrames {
		return nil, fmt.Errorf("%w: expected at least %d frames after delimiter, got %d",
			ErrMalformedFrames, BodyFrames, len(body))
	}

	env := &Envelope{
		Identities:   frames[:idx],
		Signature:    body[0],
		Header:       body[1],
		ParentHeader: body[2],
		Metadata:     body[3],
		Content:      body[4],
	}
	if len(body) > BodyFrames {
		env.Buffers = body[BodyFrames:]
	}
	return env, nil
}
