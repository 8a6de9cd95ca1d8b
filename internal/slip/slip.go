// Package slip implements SLIP framing (RFC 1055) as used on the serial
// link: every frame is delimited by END bytes and END/ESC inside the payload
// are escaped.
package slip

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrFrameTooLong is returned when a frame exceeds the reader limit. The
// rest of the frame is discarded.
var ErrFrameTooLong = errors.New("slip frame too long")

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	return append(result, End)
}

func unescape(b byte) byte {
	switch b {
	case EscEnd:
		return End
	case EscEsc:
		return Esc
	default:
		return b
	}
}

// Reader decodes frames from a stream. Empty frames, as produced by
// back-to-back END bytes, are skipped.
type Reader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewReader returns a Reader that rejects frames longer than max decoded
// bytes.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{r: bufio.NewReader(r), max: max, buf: make([]byte, 0, max)}
}

// Next returns the payload of the next frame. The slice is only valid until
// the following call. Bytes received before the first END are treated as
// part of a frame, so a reader may join a stream mid-frame and lose it.
func (r *Reader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	escaped, overflow := false, false

	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(r.buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		switch {
		case b == End:
			if overflow {
				return nil, errors.Wrapf(ErrFrameTooLong, "limit %d", r.max)
			}
			if len(r.buf) == 0 {
				escaped = false
				continue
			}
			return r.buf, nil
		case escaped:
			escaped = false
			b = unescape(b)
		case b == Esc:
			escaped = true
			continue
		}

		if len(r.buf) >= r.max {
			overflow = true
			continue
		}
		r.buf = append(r.buf, b)
	}
}

// WriteFrame encodes data and writes it as one frame.
func WriteFrame(w io.Writer, data []byte) error {
	_, err := w.Write(Encode(data))
	return errors.Wrap(err, "write slip frame")
}
