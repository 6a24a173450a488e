// Package wire implements the sensorlink wire protocol: the fixed-layout
// binary reading frame sent device → server and the newline-terminated text
// lines (commands and acknowledgments) sent server → device.
//
// Frame layout, all fields big-endian:
//
//	field_count:u32 | device_id:u32 | timestamp:f64 | values:[f32 × field_count]
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the size of the fixed part of a frame.
	HeaderSize = 4 + 4 + 8

	// DefaultMaxFieldCount caps field_count when a Decoder has no explicit limit.
	// The devices send two values (temperature, light), so 64 leaves plenty of
	// room while bounding a single frame to 272 bytes.
	DefaultMaxFieldCount = 64
)

var (
	// ErrConnectionClosed means the peer closed the stream cleanly on a frame
	// boundary. It is not a fault.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrFrameTruncated means the stream ended in the middle of a frame.
	ErrFrameTruncated = errors.New("frame truncated")
	// ErrFieldCount means field_count is zero or above the decoder's limit.
	ErrFieldCount = errors.New("field count out of range")
)

// Reading is one sample batch from one device at one instant.
// A Reading is immutable once decoded; consumers must not modify Values.
type Reading struct {
	DeviceID  uint32    `json:"deviceId"`
	Timestamp float64   `json:"timestamp"` // device wall clock, unix seconds
	Values    []float32 `json:"values"`
}

// FrameSize returns the encoded size of a frame carrying n values.
func FrameSize(n int) int {
	return HeaderSize + 4*n
}

// Encode returns the wire frame for r.
func Encode(r Reading) []byte {
	return AppendFrame(make([]byte, 0, FrameSize(len(r.Values))), r)
}

// AppendFrame appends the wire frame for r to dst and returns the extended slice.
func AppendFrame(dst []byte, r Reading) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Values)))
	dst = binary.BigEndian.AppendUint32(dst, r.DeviceID)
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(r.Timestamp))
	for _, v := range r.Values {
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// Decoder reads frames from a byte stream.
// It is not safe for concurrent use.
type Decoder struct {
	r             io.Reader
	maxFieldCount int
	buf           []byte
}

// NewDecoder returns a Decoder reading from r. maxFieldCount <= 0 selects
// DefaultMaxFieldCount.
func NewDecoder(r io.Reader, maxFieldCount int) *Decoder {
	if maxFieldCount <= 0 {
		maxFieldCount = DefaultMaxFieldCount
	}
	return &Decoder{
		r:             r,
		maxFieldCount: maxFieldCount,
		buf:           make([]byte, 8, FrameSize(maxFieldCount)),
	}
}

// Decode reads one frame from r with the default field count limit.
func Decode(r io.Reader) (Reading, error) {
	return NewDecoder(r, 0).Decode()
}

// Decode reads exactly one frame. A Reading is returned only when all four
// segments were read in full; otherwise the error is ErrConnectionClosed
// (nothing read), ErrFrameTruncated, ErrFieldCount or a wrapped I/O error.
func (d *Decoder) Decode() (Reading, error) {
	head := d.buf[:4]
	if err := d.readFull(head, "field_count", true); err != nil {
		return Reading{}, err
	}
	n := binary.BigEndian.Uint32(head)
	if n == 0 || n > uint32(d.maxFieldCount) {
		return Reading{}, fmt.Errorf("%w: %d (max %d)", ErrFieldCount, n, d.maxFieldCount)
	}

	var r Reading
	if err := d.readFull(head, "device_id", false); err != nil {
		return Reading{}, err
	}
	r.DeviceID = binary.BigEndian.Uint32(head)

	ts := d.buf[:8]
	if err := d.readFull(ts, "timestamp", false); err != nil {
		return Reading{}, err
	}
	r.Timestamp = math.Float64frombits(binary.BigEndian.Uint64(ts))

	payload := d.buf[:4*n]
	if err := d.readFull(payload, "values", false); err != nil {
		return Reading{}, err
	}
	r.Values = make([]float32, n)
	for i := range r.Values {
		r.Values[i] = math.Float32frombits(binary.BigEndian.Uint32(payload[4*i:]))
	}
	return r, nil
}

func (d *Decoder) readFull(p []byte, segment string, first bool) error {
	_, err := io.ReadFull(d.r, p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && first:
		return ErrConnectionClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: short %s", ErrFrameTruncated, segment)
	default:
		return fmt.Errorf("read %s: %w", segment, err)
	}
}
