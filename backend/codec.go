package backend

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/adfront/errors"
)

const (
	// HeaderLen is the size of the frame header.
	HeaderLen = 8
	// Magic identifies a frame.
	Magic uint32 = 0xE8
	// MaxPayload is the largest payload Encode accepts.
	MaxPayload = math.MaxInt32
	// DefaultMaxResponse bounds response bodies when no limit is configured.
	DefaultMaxResponse = 4 << 20
)

// Encode frames payload. Callers must keep payloads at or below MaxPayload.
func Encode(payload []byte) []byte {
	frame := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[HeaderLen:], payload)
	return frame
}

// Decode parses a complete frame.
func Decode(frame []byte, limit int) ([]byte, error) {
	d := NewDecoder(limit)
	done, err := d.Feed(frame)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: truncated frame (%d bytes)", errors.ErrProtocolViolation, len(frame)),
			"Decoder", "Decode", "read frame")
	}
	return d.Body(), nil
}

// Decoder reassembles one response frame from arbitrarily split reads.
// Errors are sticky.
type Decoder struct {
	limit  int
	header [HeaderLen]byte
	hn     int
	length int
	body   []byte
	done   bool
	err    error
}

// NewDecoder returns a decoder rejecting bodies longer than limit bytes.
// A non-positive limit selects DefaultMaxResponse.
func NewDecoder(limit int) *Decoder {
	if limit <= 0 {
		limit = DefaultMaxResponse
	}
	return &Decoder{limit: limit, length: -1}
}

// Feed consumes p and reports whether the frame is complete.
func (d *Decoder) Feed(p []byte) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.done {
		if len(p) > 0 {
			return false, d.violation("%d bytes after a complete frame", len(p))
		}
		return true, nil
	}

	if d.hn < HeaderLen {
		n := copy(d.header[d.hn:], p)
		d.hn += n
		p = p[n:]
		if d.hn < HeaderLen {
			return false, nil
		}
		if magic := binary.LittleEndian.Uint32(d.header[0:4]); magic != Magic {
			return false, d.violation("bad magic 0x%08x", magic)
		}
		length := binary.BigEndian.Uint32(d.header[4:8])
		if uint64(length) > uint64(d.limit) {
			return false, d.violation("declared length %d exceeds limit %d", length, d.limit)
		}
		d.length = int(length)
		d.body = make([]byte, 0, d.length)
	}

	if len(p) > d.length-len(d.body) {
		return false, d.violation("response longer than declared %d bytes", d.length)
	}
	d.body = append(d.body, p...)
	d.done = len(d.body) == d.length
	return d.done, nil
}

// Done reports whether a complete frame has been decoded.
func (d *Decoder) Done() bool {
	return d.done && d.err == nil
}

// Length returns the declared body length, or -1 before the header is read.
func (d *Decoder) Length() int {
	return d.length
}

// Body returns the decoded body once the frame is complete, nil otherwise.
func (d *Decoder) Body() []byte {
	if !d.Done() {
		return nil
	}
	return d.body
}

func (d *Decoder) violation(format string, args ...any) error {
	d.err = errors.WrapInvalid(
		fmt.Errorf("%w: "+format, append([]any{errors.ErrProtocolViolation}, args...)...),
		"Decoder", "Feed", "decode frame")
	d.body = nil
	return d.err
}
