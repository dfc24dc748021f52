package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeFramesLayout(t *testing.T) {
	env := &Envelope{
		Identities:   [][]byte{[]byte("kernel.abc.status")},
		Signature:    []byte("sig"),
		Header:       []byte(`{"msg_id":"1"}`),
		ParentHeader: []byte(`{}`),
		Metadata:     []byte(`{}`),
		Content:      []byte(`{"a":1}`),
		Buffers:      [][]byte{{0x01}, {0x02, 0x03}},
	}

	frames := env.Frames()
	if len(frames) != 9 {
		t.Fatalf("frames = %d, want 9", len(frames))
	}
	if string(frames[1]) != Delimiter {
		t.Errorf("frames[1] = %q, want delimiter", frames[1])
	}
	if string(frames[2]) != "sig" {
		t.Errorf("signature frame = %q", frames[2])
	}
	if !bytes.Equal(frames[8], []byte{0x02, 0x03}) {
		t.Errorf("last buffer = %v", frames[8])
	}
}

func TestParse(t *testing.T) {
	frames := [][]byte{
		[]byte("id1"), []byte("id2"),
		[]byte(Delimiter),
		[]byte("sig"), []byte("h"), []byte("p"), []byte("m"), []byte("c"),
		[]byte("b1"),
	}

	env, err := Parse(frames)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(env.Identities) != 2 {
		t.Errorf("identities = %d, want 2", len(env.Identities))
	}
	if string(env.Header) != "h" || string(env.ParentHeader) != "p" ||
		string(env.Metadata) != "m" || string(env.Content) != "c" {
		t.Errorf("unexpected body parts: %+v", env)
	}
	if len(env.Buffers) != 1 || string(env.Buffers[0]) != "b1" {
		t.Errorf("buffers = %q", env.Buffers)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{name: "empty", frames: nil},
		{name: "no delimiter", frames: [][]byte{[]byte("sig"), []byte("h")}},
		{name: "short body", frames: [][]byte{[]byte(Delimiter), []byte("sig"), []byte("h"), []byte("p")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.frames)
			if !errors.Is(err, ErrMalformedFrames) {
				t.Errorf("Parse() error = %v, want ErrMalformedFrames", err)
			}
		})
	}
}

func TestSignerKnownDigest(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	s, err := NewSigner("key", "hmac-sha256")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	got := s.Sign([]byte("The quick brown fox "), []byte("jumps over the lazy dog"))
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
	if !s.Verify([]byte(want), []byte("The quick brown fox jumps over the lazy dog")) {
		t.Error("Verify() rejected a valid signature")
	}
	if s.Verify([]byte("00"+want[2:]), []byte("The quick brown fox jumps over the lazy dog")) {
		t.Error("Verify() accepted a tampered signature")
	}
}

func TestSignerSchemes(t *testing.T) {
	tests := []struct {
		scheme  string
		hexLen  int
		wantErr bool
	}{
		{scheme: "hmac-sha256", hexLen: 64},
		{scheme: "", hexLen: 64},
		{scheme: "hmac-sha1", hexLen: 40},
		{scheme: "hmac-sha224", hexLen: 56},
		{scheme: "hmac-sha384", hexLen: 96},
		{scheme: "hmac-sha512", hexLen: 128},
		{scheme: "hmac-md5", hexLen: 32},
		{scheme: "hmac-whirlpool", wantErr: true},
		{scheme: "sha256", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			s, err := NewSigner("secret", tt.scheme)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedScheme) {
					t.Fatalf("NewSigner() error = %v, want ErrUnsupportedScheme", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSigner() error = %v", err)
			}
			sig := s.Sign([]byte("a"), []byte("b"))
			if len(sig) != tt.hexLen {
				t.Errorf("signature length = %d, want %d", len(sig), tt.hexLen)
			}
			if !s.Verify([]byte(sig), []byte("ab")) {
				t.Error("Verify() must be independent of part boundaries")
			}
		})
	}
}

func TestSignerEmptyKey(t *testing.T) {
	s, err := NewSigner("", DefaultScheme)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if s.Enabled() {
		t.Error("Enabled() = true for empty key")
	}
	if sig := s.Sign([]byte("x")); sig != "" {
		t.Errorf("Sign() = %q, want empty", sig)
	}
	if !s.Verify([]byte("anything"), []byte("x")) {
		t.Error("Verify() must accept any signature in unsigned mode")
	}
}
