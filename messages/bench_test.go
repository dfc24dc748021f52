package messages

import (
	"strings"
	"testing"

	"github.com/smnsjas/go-jupytercore/content"
)

// Run with: go test -bench=. -benchmem -count=5 -run=^$ ./messages > baseline.txt
// Compare: benchstat baseline.txt optimized.txt

const benchKey = "c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00"

func benchCodec(b *testing.B) *Codec {
	b.Helper()
	codec, err := NewCodec(benchKey, "hmac-sha256")
	if err != nil {
		b.Fatal(err)
	}
	return codec
}

func benchMessage(b *testing.B, text string) *Message {
	b.Helper()
	parent, err := New(ChannelShell, TypeExecuteRequest, "bench", content.NewExecuteRequest("print(x)"))
	if err != nil {
		b.Fatal(err)
	}
	msg, err := NewReply(parent, ChannelIOPub, TypeStream, content.Stream{Name: content.StreamStdout, Text: text})
	if err != nil {
		b.Fatal(err)
	}
	msg.Identities = [][]byte{[]byte("kernel.stream")}
	return msg
}

// =============================================================================
// Encode Benchmarks
// =============================================================================

func BenchmarkEncodeSmall(b *testing.B) {
	codec := benchCodec(b)
	msg := benchMessage(b, "hello\n")

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Encode(msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeLarge(b *testing.B) {
	codec := benchCodec(b)
	msg := benchMessage(b, strings.Repeat("x", 64*1024))

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(64 * 1024)
	for i := 0; i < b.N; i++ {
		if _, err := codec.Encode(msg); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Decode Benchmarks
// =============================================================================

func BenchmarkDecodeSmall(b *testing.B) {
	codec := benchCodec(b)
	frames, err := codec.Encode(benchMessage(b, "hello\n"))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(frames); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeLarge(b *testing.B) {
	codec := benchCodec(b)
	frames, err := codec.Encode(benchMessage(b, strings.Repeat("x", 64*1024)))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(64 * 1024)
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(frames); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeUnsigned(b *testing.B) {
	codec, err := NewCodec("", "hmac-sha256")
	if err != nil {
		b.Fatal(err)
	}
	frames, err := codec.Encode(benchMessage(b, "hello\n"))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(frames); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// End-to-End Benchmarks
// =============================================================================

func BenchmarkRoundTrip(b *testing.B) {
	codec := benchCodec(b)
	msg := benchMessage(b, "hello\n")

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		frames, err := codec.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		out, err := codec.Decode(frames)
		if err != nil {
			b.Fatal(err)
		}
		var s content.Stream
		if err := out.DecodeContent(&s); err != nil {
			b.Fatal(err)
		}
	}
}
