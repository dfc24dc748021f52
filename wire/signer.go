package wire

import (
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- hmac-md5 is a legal Jupyter signature scheme
	"crypto/sha1" // #nosec G505 -- hmac-sha1 is a legal Jupyter signature scheme
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// DefaultScheme is the signature scheme written to new connection files.
const DefaultScheme = "hmac-sha256"

var hashes = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"md5":    md5.New,
}

// Signer computes and verifies message signatures for one key and scheme.
// A Signer with an empty key produces empty signatures and accepts any
// signature; this is the unauthenticated mode of the protocol.
type Signer struct {
	key    []byte
	scheme string
	hash   func() hash.Hash
}

// NewSigner returns a signer for scheme, e.g. "hmac-sha256".
func NewSigner(key, scheme string) (*Signer, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	name, ok := strings.CutPrefix(scheme, "hmac-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	h, ok := hashes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return &Signer{key: []byte(key), scheme: scheme, hash: h}, nil
}

// Scheme returns the signature scheme name.
func (s *Signer) Scheme() string {
	return s.scheme
}

// Enabled reports whether messages are signed.
func (s *Signer) Enabled() bool {
	return len(s.key) > 0
}

// Sign returns the hex digest over parts, or "" when the key is empty.
func (s *Signer) Sign(parts ...[]byte) string {
	if !s.Enabled() {
		return ""
	}
	return hex.EncodeToString(s.digest(parts))
}

// Verify reports whether signature matches parts.
func (s *Signer) Verify(signature []byte, parts ...[]byte) bool {
	if !s.Enabled() {
		return true
	}
	want := make([]byte, hex.EncodedLen(s.hash().Size()))
	hex.Encode(want, s.digest(parts))
	return hmac.Equal(want, signature)
}

func (s *Signer) digest(parts [][]byte) []byte {
	mac := hmac.New(s.hash, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}
