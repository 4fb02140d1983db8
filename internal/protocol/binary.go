package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Binary wire format
//
// All multi-byte values are big-endian.
//
//   bool            1 byte (0x00 / 0x01)
//   int8/16/32/64   1/2/4/8 bytes, two's complement
//   float32/64      IEEE 754 bits, 4/8 bytes
//   string          [4 bytes: length][UTF-8 bytes]      length -1 = null
//   uuid            [8 bytes: msb][8 bytes: lsb]        -1,-1 = null
//   enum            [4 bytes: ordinal]                   -1 = null
//   nested message  [1 byte: present flag][fields...]
//   array           [4 bytes: length][elements...]      length -1 = null

const (
	// NullLength marks a null string or array.
	NullLength = -1

	// MaxLength bounds any length prefix read from the wire.
	MaxLength = 1 << 20

	// UUIDSize is the encoded size of a UUID.
	UUIDSize = 16
)

var (
	ErrAllocationTooLarge = errors.New("protocol: length prefix exceeds limit")
	ErrNegativeLength     = errors.New("protocol: negative length prefix")
	ErrUnregisteredType   = errors.New("protocol: message type not registered")
	ErrDuplicateType      = errors.New("protocol: message type already registered")
	ErrTypeMismatch       = errors.New("protocol: value does not match codec")
	ErrMaxDepth           = errors.New("protocol: nested message depth exceeded")
)

// nullUUID is the wire form of a null UUID: two int64 -1 values.
var nullUUID = uuid.UUID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Writer appends big-endian values to an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with a small initial capacity.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// NewWriterSize creates a writer with capacity for n bytes.
func NewWriterSize(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset empties the writer, keeping its buffer.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// WriteBool writes one byte, 1 for true.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 0x01)
	} else {
		w.buf = append(w.buf, 0x00)
	}
}

// WriteInt8 writes a signed byte.
func (w *Writer) WriteInt8(v int8) {
	w.buf = append(w.buf, byte(v))
}

// WriteInt16 writes a big-endian int16.
func (w *Writer) WriteInt16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

// WriteInt32 writes a big-endian int32.
func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// WriteInt64 writes a big-endian int64.
func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// WriteFloat32 writes the IEEE 754 bits of v, big-endian.
func (w *Writer) WriteFloat32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// WriteFloat64 writes the IEEE 754 bits of v, big-endian.
func (w *Writer) WriteFloat64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteString appends a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteNullString appends s, or the null marker when s is nil.
func (w *Writer) WriteNullString(s *string) {
	if s == nil {
		w.WriteInt32(NullLength)
		return
	}
	w.WriteString(*s)
}

// WriteUUID appends id as two big-endian int64 values.
func (w *Writer) WriteUUID(id uuid.UUID) {
	w.buf = append(w.buf, id[:]...)
}

// WriteNullUUID appends id, or -1,-1 when id is nil.
func (w *Writer) WriteNullUUID(id *uuid.UUID) {
	if id == nil {
		w.buf = append(w.buf, nullUUID[:]...)
		return
	}
	w.WriteUUID(*id)
}

// WriteBytes appends a length-prefixed byte array; nil writes null.
func (w *Writer) WriteBytes(b []byte) {
	if b == nil {
		w.WriteInt32(NullLength)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader reads big-endian values from a stream or a byte slice.
type Reader struct {
	r       io.Reader
	scratch [8]byte
	n       int64
}

// NewReader reads from a stream such as a buffered TCP connection.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// NewBytesReader reads from an in-memory payload.
func NewBytesReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b)}
}

// Consumed returns the number of bytes read so far.
func (r *Reader) Consumed() int64 {
	return r.n
}

// Remaining returns the unread byte count for slice-backed readers and -1
// for streams.
func (r *Reader) Remaining() int {
	if br, ok := r.r.(*bytes.Reader); ok {
		return br.Len()
	}
	return -1
}

// fill reads exactly n bytes into the scratch buffer.
func (r *Reader) fill(n int) ([]byte, error) {
	b := r.scratch[:n]
	m, err := io.ReadFull(r.r, b)
	r.n += int64(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBool reads one byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.fill(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0x00, nil
}

// ReadInt8 reads a signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// ReadInt16 reads a big-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadFloat32 reads a big-endian IEEE 754 float32.
func (r *Reader) ReadFloat32() (float32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// ReadFloat64 reads a big-endian IEEE 754 float64.
func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ReadRaw reads exactly n bytes into a new slice.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if err := r.checkLength(n, 1); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	m, err := io.ReadFull(r.r, b)
	r.n += int64(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Discard skips n bytes.
func (r *Reader) Discard(n int) error {
	m, err := io.CopyN(io.Discard, r.r, int64(n))
	r.n += m
	return err
}

// ReadLength reads an array or string length prefix. It returns -1 for null
// and rejects prefixes that cannot fit the remaining input.
func (r *Reader) ReadLength(elemSize int) (int, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n == NullLength {
		return NullLength, nil
	}
	if n < 0 {
		return 0, ErrNegativeLength
	}
	if err := r.checkLength(int(n), elemSize); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Reader) checkLength(n, elemSize int) error {
	if n > MaxLength {
		return ErrAllocationTooLarge
	}
	if rem := r.Remaining(); rem >= 0 && n*elemSize > rem {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ReadString reads a length-prefixed string; null reads as "".
func (r *Reader) ReadString() (string, error) {
	s, err := r.ReadNullString()
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

// ReadNullString reads a length-prefixed string, returning nil for null.
func (r *Reader) ReadNullString() (*string, error) {
	n, err := r.ReadLength(1)
	if err != nil {
		return nil, err
	}
	if n == NullLength {
		return nil, nil
	}
	b, err := r.ReadRaw(n)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// ReadUUID reads 16 raw bytes.
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	m, err := io.ReadFull(r.r, id[:])
	r.n += int64(m)
	return id, err
}

// ReadNullUUID reads a UUID, returning nil for the -1,-1 marker.
func (r *Reader) ReadNullUUID() (*uuid.UUID, error) {
	id, err := r.ReadUUID()
	if err != nil {
		return nil, err
	}
	if id == nullUUID {
		return nil, nil
	}
	return &id, nil
}

// ReadBytes reads a length-prefixed byte array, nil for null.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadLength(1)
	if err != nil {
		return nil, err
	}
	if n == NullLength {
		return nil, nil
	}
	return r.ReadRaw(n)
}

// StringSize is the encoded size of a non-null string.
func StringSize(s string) int {
	return 4 + len(s)
}
