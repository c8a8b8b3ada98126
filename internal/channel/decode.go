package channel

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// maxCarry bounds how many undecoded trailing bytes are held for the next
// chunk. No supported encoding has sequences longer than four bytes.
const maxCarry = 8

// DecodeError reports a chunk that could not be converted to UTF-8.
type DecodeError struct {
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s output: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LookupEncoding resolves a WHATWG encoding label such as "gbk" or "utf-8".
// "auto" and "" select the platform default.
func LookupEncoding(name, goos string) (encoding.Encoding, error) {
	if name == "" || strings.EqualFold(name, "auto") {
		return DefaultEncoding(goos), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

// TextDecoder converts a stream of byte chunks to UTF-8 text. Multi-byte
// sequences split across chunk boundaries are carried into the next call.
type TextDecoder struct {
	name  string
	t     transform.Transformer
	carry []byte
}

// NewTextDecoder returns a decoder for enc. A nil encoding means UTF-8.
func NewTextDecoder(enc encoding.Encoding) *TextDecoder {
	if enc == nil {
		enc = unicode.UTF8
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = "text"
	}
	return &TextDecoder{name: name, t: enc.NewDecoder()}
}

// Decode converts chunk, returning whatever could be decoded. On error the
// decoder is reset and the offending bytes are dropped.
func (d *TextDecoder) Decode(chunk []byte) (string, error) {
	src := chunk
	if len(d.carry) > 0 {
		src = append(d.carry, chunk...)
		d.carry = nil
	}

	var out []byte
	dst := make([]byte, 2*len(src)+16)
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, false)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return string(out), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		case errors.Is(err, transform.ErrShortSrc):
			if len(src) > maxCarry {
				d.t.Reset()
				return string(out), &DecodeError{Encoding: d.name, Err: err}
			}
			d.carry = append([]byte(nil), src...)
			return string(out), nil
		default:
			d.t.Reset()
			return string(out), &DecodeError{Encoding: d.name, Err: err}
		}
	}
}

// Flush decodes any carried bytes as final input.
func (d *TextDecoder) Flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	src := d.carry
	d.carry = nil
	out, _, err := transform.Bytes(d.t, src)
	d.t.Reset()
	if err != nil {
		return ""
	}
	return string(out)
}

func isClosedFile(err error) bool {
	// A pty master reports EIO once the child side is gone.
	return errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}
