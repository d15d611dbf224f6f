// Package checksum provides the algorithm-tagged digest that artifact
// records pin against.
//
// A Checksum renders as "<algo>:<lowercase-hex>", e.g.
//
//	sha256:dd073bda5665e758c3e6f861a6df435175c8e8faf5ec75bc2afaab1e3eebb2c7
//
// Comparisons are constant time. Checksums of different algorithms are never
// equal.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

// Algorithm names a digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
)

// Size is the digest length in bytes, or 0 for an unknown algorithm.
func (a Algorithm) Size() int {
	switch a {
	case SHA256:
		return sha256.Size
	default:
		return 0
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, xerrors.Newf("unsupported checksum algorithm %q", string(a))
	}
}

// ParseAlgorithm accepts the lowercase algorithm tag used in manifests.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case SHA256:
		return SHA256, nil
	default:
		return "", fmt.Errorf("unknown checksum algorithm %q (valid algorithms are sha256)", s)
	}
}

// Checksum is a digest value tagged with the algorithm that produced it.
// The zero value is "no checksum".
type Checksum struct {
	Algorithm Algorithm
	Value     []byte
}

// ParseError reports a string that is not a valid "<algo>:<hex>" checksum.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid checksum %q: %s", e.Input, e.Reason)
}

// New builds a Checksum, enforcing the digest length of the algorithm.
func New(algo Algorithm, value []byte) (Checksum, error) {
	size := algo.Size()
	if size == 0 {
		return Checksum{}, xerrors.Newf("unsupported checksum algorithm %q", string(algo))
	}
	if len(value) != size {
		return Checksum{}, xerrors.Newf("%s digest must be %d bytes, got %d", algo, size, len(value))
	}
	v := make([]byte, size)
	copy(v, value)
	return Checksum{Algorithm: algo, Value: v}, nil
}

// Parse reads the "<algo>:<hex>" form. Uppercase hex is accepted on input;
// String always renders lowercase.
func Parse(s string) (Checksum, error) {
	tag, payload, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, &ParseError{Input: s, Reason: "missing \"<algorithm>:\" prefix"}
	}
	algo, err := ParseAlgorithm(tag)
	if err != nil {
		return Checksum{}, &ParseError{Input: s, Reason: err.Error()}
	}
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return Checksum{}, &ParseError{Input: s, Reason: "payload is not hex: " + err.Error()}
	}
	if len(raw) != algo.Size() {
		return Checksum{}, &ParseError{
			Input:  s,
			Reason: fmt.Sprintf("%s digest must be %d bytes, got %d", algo, algo.Size(), len(raw)),
		}
	}
	return Checksum{Algorithm: algo, Value: raw}, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) Checksum {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Compute streams r through SHA-256 and returns the tagged digest.
// r is read to EOF in bounded chunks.
func Compute(r io.Reader) (Checksum, error) {
	return ComputeWith(SHA256, r)
}

// ComputeWith is Compute for an explicit algorithm.
func ComputeWith(algo Algorithm, r io.Reader) (Checksum, error) {
	h, err := algo.newHash()
	if err != nil {
		return Checksum{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Checksum{}, xerrors.Wrap(err, "read checksum input")
	}
	return Checksum{Algorithm: algo, Value: h.Sum(nil)}, nil
}

// ComputeFile returns the SHA-256 checksum of the file at path.
func ComputeFile(path string) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	c, err := Compute(f)
	if err != nil {
		return Checksum{}, xerrors.Wrapf(err, "calculate sha256 for %s", path)
	}
	return c, nil
}

// String renders "<algo>:<lowercase-hex>", or "" for the zero value.
func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Algorithm) + ":" + hex.EncodeToString(c.Value)
}

// Hex is the lowercase hex payload without the algorithm tag.
func (c Checksum) Hex() string {
	return hex.EncodeToString(c.Value)
}

// Short returns the first n hex characters of the payload.
func (c Checksum) Short(n int) string {
	h := c.Hex()
	if n < 0 || n > len(h) {
		return h
	}
	return h[:n]
}

// IsZero reports whether c carries no digest.
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && len(c.Value) == 0
}

// Valid reports whether the digest length matches the algorithm.
func (c Checksum) Valid() bool {
	size := c.Algorithm.Size()
	return size > 0 && len(c.Value) == size
}

// Equal compares in constant time. Different algorithms are never equal.
func (c Checksum) Equal(o Checksum) bool {
	if c.Algorithm != o.Algorithm {
		return false
	}
	return subtle.ConstantTimeCompare(c.Value, o.Value) == 1
}

func (c Checksum) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, xerrors.Newf("cannot encode invalid checksum (algorithm=%q, %d bytes)", string(c.Algorithm), len(c.Value))
	}
	return []byte(c.String()), nil
}

func (c *Checksum) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
