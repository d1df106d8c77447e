// Package mask implements the reversible single-byte XOR mask the library
// backend applies to page and preview images before sending them.
//
// The mask only deters casual inspection of captured traffic. It is not
// encryption and must never be treated as one.
package mask

import "io"

// DefaultKey is the key the backend masks page and preview bodies with.
const DefaultKey byte = 23

// Apply writes src XOR key into dst and returns the number of bytes written,
// which is min(len(dst), len(src)). dst and src may be the same slice.
func Apply(dst, src []byte, key byte) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = src[i] ^ key
	}
	return n
}

// Decode returns a new slice holding b unmasked with key. The input is left
// untouched and the result always has the same length as b.
func Decode(b []byte, key byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	Apply(out, b, key)
	return out
}

// Encode masks b with key. The transform is its own inverse, so Encode and
// Decode are the same operation.
func Encode(b []byte, key byte) []byte {
	return Decode(b, key)
}

type reader struct {
	r   io.Reader
	key byte
}

// NewReader returns a reader that unmasks everything read from r.
func NewReader(r io.Reader, key byte) io.Reader {
	return &reader{r: r, key: key}
}

func (m *reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		Apply(p[:n], p[:n], m.key)
	}
	return n, err
}
