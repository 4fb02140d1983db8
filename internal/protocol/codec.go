package protocol

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Codec encodes one value kind. Command parameter schemas are lists of
// codecs; the value passed to Length and Write must satisfy Check.
type Codec interface {
	Name() string
	Zero() any
	Check(v any) error
	Length(v any) (int, error)
	Write(w *Writer, v any) error
	Read(r *Reader) (any, error)
}

type valueCodec[T any] struct {
	name   string
	length func(T) int
	write  func(*Writer, T)
	read   func(*Reader) (T, error)
}

func (c *valueCodec[T]) Name() string { return c.name }

func (c *valueCodec[T]) Zero() any {
	var zero T
	return zero
}

func (c *valueCodec[T]) Check(v any) error {
	if _, ok := v.(T); !ok {
		return errors.Wrapf(ErrTypeMismatch, "%s: got %T", c.name, v)
	}
	return nil
}

func (c *valueCodec[T]) Length(v any) (int, error) {
	x, ok := v.(T)
	if !ok {
		return 0, c.Check(v)
	}
	return c.length(x), nil
}

func (c *valueCodec[T]) Write(w *Writer, v any) error {
	x, ok := v.(T)
	if !ok {
		return c.Check(v)
	}
	c.write(w, x)
	return nil
}

func (c *valueCodec[T]) Read(r *Reader) (any, error) {
	x, err := c.read(r)
	if err != nil {
		return nil, err
	}
	return x, nil
}

func fixed[T any](n int) func(T) int {
	return func(T) int { return n }
}

// Parameter codecs for the supported primitive kinds.
var (
	Bool Codec = &valueCodec[bool]{
		name: "bool", length: fixed[bool](1),
		write: (*Writer).WriteBool, read: (*Reader).ReadBool,
	}
	Int8 Codec = &valueCodec[int8]{
		name: "int8", length: fixed[int8](1),
		write: (*Writer).WriteInt8, read: (*Reader).ReadInt8,
	}
	Int16 Codec = &valueCodec[int16]{
		name: "int16", length: fixed[int16](2),
		write: (*Writer).WriteInt16, read: (*Reader).ReadInt16,
	}
	Int32 Codec = &valueCodec[int32]{
		name: "int32", length: fixed[int32](4),
		write: (*Writer).WriteInt32, read: (*Reader).ReadInt32,
	}
	Int64 Codec = &valueCodec[int64]{
		name: "int64", length: fixed[int64](8),
		write: (*Writer).WriteInt64, read: (*Reader).ReadInt64,
	}
	Float32 Codec = &valueCodec[float32]{
		name: "float32", length: fixed[float32](4),
		write: (*Writer).WriteFloat32, read: (*Reader).ReadFloat32,
	}
	Float64 Codec = &valueCodec[float64]{
		name: "float64", length: fixed[float64](8),
		write: (*Writer).WriteFloat64, read: (*Reader).ReadFloat64,
	}
	String Codec = &valueCodec[string]{
		name: "string", length: StringSize,
		write: (*Writer).WriteString, read: (*Reader).ReadString,
	}
	UUID Codec = &valueCodec[uuid.UUID]{
		name: "uuid", length: fixed[uuid.UUID](UUIDSize),
		write: (*Writer).WriteUUID, read: (*Reader).ReadUUID,
	}
	Bytes Codec = &valueCodec[[]byte]{
		name: "bytes", length: func(b []byte) int { return 4 + len(b) },
		write: (*Writer).WriteBytes, read: (*Reader).ReadBytes,
	}
	Int32s Codec = &valueCodec[[]int32]{
		name: "[]int32", length: func(s []int32) int { return 4 + 4*len(s) },
		write: writeInt32s, read: readInt32s,
	}
	Float32s Codec = &valueCodec[[]float32]{
		name: "[]float32", length: func(s []float32) int { return 4 + 4*len(s) },
		write: writeFloat32s, read: readFloat32s,
	}
	Strings Codec = &valueCodec[[]string]{
		name: "[]string", length: stringsSize,
		write: writeStrings, read: readStrings,
	}
)

// EnumOf returns a codec for an int32-backed enum type, written as its
// 4-byte ordinal.
func EnumOf[E ~int32](name string) Codec {
	return &valueCodec[E]{
		name:   "enum:" + name,
		length: fixed[E](4),
		write:  func(w *Writer, e E) { w.WriteInt32(int32(e)) },
		read: func(r *Reader) (E, error) {
			x, err := r.ReadInt32()
			return E(x), err
		},
	}
}

// MessageOf returns a codec for a registered message type. Values are
// written with a presence flag, so a nil pointer is a valid argument.
func MessageOf[T any, PT interface {
	*T
	Message
}](s *Serializer) Codec {
	return &messageCodec[T, PT]{s: s, tag: PT(new(T)).MessageType()}
}

type messageCodec[T any, PT interface {
	*T
	Message
}] struct {
	s   *Serializer
	tag string
}

func (c *messageCodec[T, PT]) Name() string { return "message:" + c.tag }

func (c *messageCodec[T, PT]) Zero() any { return PT(nil) }

func (c *messageCodec[T, PT]) Check(v any) error {
	if _, ok := v.(PT); !ok {
		return errors.Wrapf(ErrTypeMismatch, "%s: got %T", c.Name(), v)
	}
	if !c.s.Registered(c.tag) {
		return errors.Wrapf(ErrUnregisteredType, "type %q", c.tag)
	}
	return nil
}

func (c *messageCodec[T, PT]) Length(v any) (int, error) {
	if err := c.Check(v); err != nil {
		return 0, err
	}
	m := v.(PT)
	if m == nil {
		return 1, nil
	}
	n, err := c.s.Length(m)
	return 1 + n, err
}

func (c *messageCodec[T, PT]) Write(w *Writer, v any) error {
	if err := c.Check(v); err != nil {
		return err
	}
	m := v.(PT)
	w.WriteBool(m != nil)
	if m == nil {
		return nil
	}
	return c.s.Write(w, m)
}

func (c *messageCodec[T, PT]) Read(r *Reader) (any, error) {
	present, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return PT(nil), nil
	}
	m := PT(new(T))
	if err := c.s.ReadInto(r, m); err != nil {
		return nil, err
	}
	return m, nil
}
