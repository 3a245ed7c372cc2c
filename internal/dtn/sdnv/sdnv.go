// Package sdnv implements Self-Delimiting Numeric Values as used on the bundle
// protocol wire: big-endian groups of seven bits, the high bit of every byte
// except the last set to one.
package sdnv

import (
	"errors"
	"fmt"
	"io"
)

// MaxLen is the longest encoding of a uint64.
const MaxLen = 10

var (
	ErrOverflow = errors.New("sdnv: value overflows 64 bits")
	ErrTooLarge = errors.New("sdnv: length exceeds limit")
)

// Len returns the number of bytes needed to encode v.
func Len(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// Append appends the encoding of v to buf.
func Append(buf []byte, v uint64) []byte {
	var tmp [MaxLen]byte
	i := MaxLen - 1
	tmp[i] = byte(v & 0x7f)
	for v >>= 7; v != 0; v >>= 7 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
	}
	return append(buf, tmp[i:]...)
}

// Write encodes v to w.
func Write(w io.Writer, v uint64) error {
	var tmp [MaxLen]byte
	_, err := w.Write(Append(tmp[:0], v))
	return err
}

// Read decodes one value from r.
func Read(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if v > (1<<64-1)>>7 {
			return 0, ErrOverflow
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
		if i+1 >= MaxLen {
			return 0, ErrOverflow
		}
	}
}

// Reader is what the length-prefixed helpers need.
type Reader interface {
	io.Reader
	io.ByteReader
}

// WriteBytes writes V(len(p)) followed by p.
func WriteBytes(w io.Writer, p []byte) error {
	if err := Write(w, uint64(len(p))); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// WriteString writes V(len(s)) followed by s.
func WriteString(w io.Writer, s string) error {
	if err := Write(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadBytes reads a length-prefixed byte string of at most max bytes.
func ReadBytes(r Reader, max uint64) ([]byte, error) {
	n, err := Read(r)
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, max)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

// ReadString reads a length-prefixed string of at most max bytes.
func ReadString(r Reader, max uint64) (string, error) {
	p, err := ReadBytes(r, max)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
