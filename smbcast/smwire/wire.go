// Package smwire is the wire format used to carry broadcast channel
// deliveries between processes.
//
// A subscriber opens the exchange with a hello:
// the [HelloProtocolID] byte followed by its 16-byte subscriber ID.
// The publisher then writes a sequence of entry frames.
// Each frame is the [FrameMagic] byte,
// a uvarint key length and the key bytes,
// then a uvarint length and a snappy block of the value.
package smwire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/gordian-engine/sharedmap/smbcast"
)

const (
	// HelloProtocolID is the first byte a subscriber sends.
	HelloProtocolID byte = 0x53

	// FrameMagic begins every entry frame.
	FrameMagic byte = 0xe7

	// DefaultMaxFrameSize bounds the decoded value size
	// when a Decoder is created with a zero limit.
	DefaultMaxFrameSize = 16 << 20

	maxKeySize = 1 << 10

	// Protocol byte plus a 16-byte UUID.
	helloSize = 1 + 16
)

// ErrBadMagic is returned when a frame or hello
// does not start with the expected byte.
var ErrBadMagic = errors.New("unexpected leading byte")

// WriteHello writes the subscriber hello for id to w.
func WriteHello(w io.Writer, id uuid.UUID) error {
	var buf [helloSize]byte
	buf[0] = HelloProtocolID
	copy(buf[1:], id[:])

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write hello: %w", err)
	}
	return nil
}

// ReadHello reads a subscriber hello from r.
// The caller is responsible for setting any read deadlines.
func ReadHello(r io.Reader) (uuid.UUID, error) {
	var buf [helloSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return uuid.Nil, fmt.Errorf("failed to read hello: %w", err)
	}

	if buf[0] != HelloProtocolID {
		return uuid.Nil, fmt.Errorf("%w in hello: 0x%x", ErrBadMagic, buf[0])
	}

	id, err := uuid.FromBytes(buf[1:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse subscriber ID: %w", err)
	}
	return id, nil
}

// Encoder writes entry frames.
type Encoder struct {
	w io.Writer

	// Reused across calls to Encode.
	buf []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes e as a single frame.
func (enc *Encoder) Encode(e smbcast.Entry) error {
	if len(e.Key) > maxKeySize {
		return fmt.Errorf("key length %d exceeds maximum %d", len(e.Key), maxKeySize)
	}

	compressed := snappy.Encode(nil, e.Value)

	need := 1 + 2*binary.MaxVarintLen64 + len(e.Key) + len(compressed)
	if cap(enc.buf) < need {
		enc.buf = make([]byte, 0, need)
	}
	b := enc.buf[:0]

	b = append(b, FrameMagic)
	b = binary.AppendUvarint(b, uint64(len(e.Key)))
	b = append(b, e.Key...)
	b = binary.AppendUvarint(b, uint64(len(compressed)))
	b = append(b, compressed...)

	if _, err := enc.w.Write(b); err != nil {
		return fmt.Errorf("failed to write frame for %q: %w", e.Key, err)
	}
	return nil
}

// Decoder reads entry frames.
type Decoder struct {
	r *bufio.Reader

	maxFrameSize int
}

// NewDecoder returns a Decoder reading from r.
// If maxFrameSize is zero, [DefaultMaxFrameSize] is used.
func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{
		r:            bufio.NewReader(r),
		maxFrameSize: maxFrameSize,
	}
}

// Decode reads the next frame.
// It returns [io.EOF] unwrapped if the stream ends cleanly between frames.
func (dec *Decoder) Decode() (smbcast.Entry, error) {
	magic, err := dec.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return smbcast.Entry{}, io.EOF
		}
		return smbcast.Entry{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	if magic != FrameMagic {
		return smbcast.Entry{}, fmt.Errorf("%w in frame: 0x%x", ErrBadMagic, magic)
	}

	key, err := dec.readSized(maxKeySize, "key")
	if err != nil {
		return smbcast.Entry{}, err
	}

	compressed, err := dec.readSized(snappy.MaxEncodedLen(dec.maxFrameSize), "value")
	if err != nil {
		return smbcast.Entry{}, err
	}

	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return smbcast.Entry{}, fmt.Errorf("failed to read decoded length for %q: %w", key, err)
	}
	if n > dec.maxFrameSize {
		return smbcast.Entry{}, fmt.Errorf(
			"decoded value for %q is %d bytes, exceeding maximum %d",
			key, n, dec.maxFrameSize,
		)
	}

	val, err := snappy.Decode(nil, compressed)
	if err != nil {
		return smbcast.Entry{}, fmt.Errorf("failed to decompress value for %q: %w", key, err)
	}

	return smbcast.Entry{Key: string(key), Value: val}, nil
}

func (dec *Decoder) readSized(limit int, what string) ([]byte, error) {
	sz, err := binary.ReadUvarint(dec.r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s length: %w", what, err)
	}
	if sz > uint64(limit) {
		return nil, fmt.Errorf("%s length %d exceeds maximum %d", what, sz, limit)
	}

	buf := make([]byte, sz)
	if _, err := io.ReadFull(dec.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return buf, nil
}
