package protocol

import (
	"github.com/google/uuid"
)

// Message is a payload record that can travel on the wire.
//
// MessageType returns a stable tag used for registration. Fields visits every
// field in wire order; the same visit drives length calculation, encoding and
// decoding, so the three can never disagree.
//
//	type Position struct {
//		Player uuid.UUID
//		X, Y   float32
//	}
//
//	func (*Position) MessageType() string { return "game.Position" }
//
//	func (p *Position) Fields(f protocol.Fields) {
//		f.UUID(&p.Player)
//		f.Float32(&p.X)
//		f.Float32(&p.Y)
//	}
type Message interface {
	MessageType() string
	Fields(f Fields)
}

// Fields is the visitor a Message walks its fields with. It is only
// implemented inside this package.
type Fields interface {
	Bool(v *bool)
	Int8(v *int8)
	Int16(v *int16)
	Int32(v *int32)
	Int64(v *int64)
	Float32(v *float32)
	Float64(v *float64)
	String(v *string)
	NullString(v **string)
	UUID(v *uuid.UUID)
	NullUUID(v **uuid.UUID)
	Bytes(v *[]byte)
	Int32s(v *[]int32)
	Float32s(v *[]float32)
	Strings(v *[]string)

	visit() *visitor
}

// MaxDepth bounds message nesting.
const MaxDepth = 32

type mode int

const (
	modeLength mode = iota
	modeWrite
	modeRead
)

// visitor implements Fields for all three modes. Errors are sticky: once a
// read fails every later call is a no-op.
type visitor struct {
	mode  mode
	s     *Serializer
	w     *Writer
	r     *Reader
	n     int
	err   error
	depth int
}

func (v *visitor) visit() *visitor { return v }

func (v *visitor) skip() bool { return v.err != nil }

func (v *visitor) Bool(p *bool) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n++
	case modeWrite:
		v.w.WriteBool(*p)
	case modeRead:
		*p, v.err = v.r.ReadBool()
	}
}

func (v *visitor) Int8(p *int8) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n++
	case modeWrite:
		v.w.WriteInt8(*p)
	case modeRead:
		*p, v.err = v.r.ReadInt8()
	}
}

func (v *visitor) Int16(p *int16) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 2
	case modeWrite:
		v.w.WriteInt16(*p)
	case modeRead:
		*p, v.err = v.r.ReadInt16()
	}
}

func (v *visitor) Int32(p *int32) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 4
	case modeWrite:
		v.w.WriteInt32(*p)
	case modeRead:
		*p, v.err = v.r.ReadInt32()
	}
}

func (v *visitor) Int64(p *int64) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 8
	case modeWrite:
		v.w.WriteInt64(*p)
	case modeRead:
		*p, v.err = v.r.ReadInt64()
	}
}

func (v *visitor) Float32(p *float32) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 4
	case modeWrite:
		v.w.WriteFloat32(*p)
	case modeRead:
		*p, v.err = v.r.ReadFloat32()
	}
}

func (v *visitor) Float64(p *float64) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 8
	case modeWrite:
		v.w.WriteFloat64(*p)
	case modeRead:
		*p, v.err = v.r.ReadFloat64()
	}
}

func (v *visitor) String(p *string) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += StringSize(*p)
	case modeWrite:
		v.w.WriteString(*p)
	case modeRead:
		*p, v.err = v.r.ReadString()
	}
}

func (v *visitor) NullString(p **string) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 4
		if *p != nil {
			v.n += len(**p)
		}
	case modeWrite:
		v.w.WriteNullString(*p)
	case modeRead:
		*p, v.err = v.r.ReadNullString()
	}
}

func (v *visitor) UUID(p *uuid.UUID) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += UUIDSize
	case modeWrite:
		v.w.WriteUUID(*p)
	case modeRead:
		*p, v.err = v.r.ReadUUID()
	}
}

func (v *visitor) NullUUID(p **uuid.UUID) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += UUIDSize
	case modeWrite:
		v.w.WriteNullUUID(*p)
	case modeRead:
		*p, v.err = v.r.ReadNullUUID()
	}
}

func (v *visitor) Bytes(p *[]byte) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 4 + len(*p)
	case modeWrite:
		v.w.WriteBytes(*p)
	case modeRead:
		*p, v.err = v.r.ReadBytes()
	}
}

func (v *visitor) Int32s(p *[]int32) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 4 + 4*len(*p)
	case modeWrite:
		writeInt32s(v.w, *p)
	case modeRead:
		*p, v.err = readInt32s(v.r)
	}
}

func (v *visitor) Float32s(p *[]float32) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += 4 + 4*len(*p)
	case modeWrite:
		writeFloat32s(v.w, *p)
	case modeRead:
		*p, v.err = readFloat32s(v.r)
	}
}

func (v *visitor) Strings(p *[]string) {
	if v.skip() {
		return
	}
	switch v.mode {
	case modeLength:
		v.n += stringsSize(*p)
	case modeWrite:
		writeStrings(v.w, *p)
	case modeRead:
		*p, v.err = readStrings(v.r)
	}
}

// message visits a nested message after checking it is registered.
func (v *visitor) message(m Message) {
	if v.skip() {
		return
	}
	if !v.s.Registered(m.MessageType()) {
		v.err = ErrUnregisteredType
		return
	}
	if v.depth >= MaxDepth {
		v.err = ErrMaxDepth
		return
	}
	v.depth++
	m.Fields(v)
	v.depth--
}

// Enum visits a 4-byte enum ordinal.
func Enum[E ~int32](f Fields, p *E) {
	x := int32(*p)
	f.Int32(&x)
	*p = E(x)
}

// NullEnum visits an enum ordinal where -1 means nil.
func NullEnum[E ~int32](f Fields, p **E) {
	x := int32(NullLength)
	if *p != nil {
		x = int32(**p)
	}
	f.Int32(&x)
	if f.visit().mode != modeRead || f.visit().err != nil {
		return
	}
	if x < 0 {
		*p = nil
		return
	}
	e := E(x)
	*p = &e
}

// Nested visits a nested message preceded by its presence flag.
func Nested[T any, PT interface {
	*T
	Message
}](f Fields, p *PT) {
	v := f.visit()
	present := *p != nil
	v.Bool(&present)
	if v.err != nil {
		return
	}
	if !present {
		*p = nil
		return
	}
	if *p == nil {
		*p = PT(new(T))
	}
	v.message(*p)
}

// NestedSlice visits a length-prefixed array of nested messages.
func NestedSlice[T any, PT interface {
	*T
	Message
}](f Fields, p *[]PT) {
	v := f.visit()
	n := int32(NullLength)
	if *p != nil {
		n = int32(len(*p))
	}
	if v.mode == modeRead {
		if v.err != nil {
			return
		}
		length, err := v.r.ReadLength(1)
		if err != nil {
			v.err = err
			return
		}
		if length == NullLength {
			*p = nil
			return
		}
		*p = make([]PT, length)
	} else {
		v.Int32(&n)
	}
	for i := range *p {
		Nested(f, &(*p)[i])
		if v.err != nil {
			return
		}
	}
}

func writeInt32s(w *Writer, s []int32) {
	if s == nil {
		w.WriteInt32(NullLength)
		return
	}
	w.WriteInt32(int32(len(s)))
	for _, x := range s {
		w.WriteInt32(x)
	}
}

func readInt32s(r *Reader) ([]int32, error) {
	n, err := r.ReadLength(4)
	if err != nil || n == NullLength {
		return nil, err
	}
	s := make([]int32, n)
	for i := range s {
		if s[i], err = r.ReadInt32(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func writeFloat32s(w *Writer, s []float32) {
	if s == nil {
		w.WriteInt32(NullLength)
		return
	}
	w.WriteInt32(int32(len(s)))
	for _, x := range s {
		w.WriteFloat32(x)
	}
}

func readFloat32s(r *Reader) ([]float32, error) {
	n, err := r.ReadLength(4)
	if err != nil || n == NullLength {
		return nil, err
	}
	s := make([]float32, n)
	for i := range s {
		if s[i], err = r.ReadFloat32(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func stringsSize(s []string) int {
	n := 4
	for _, x := range s {
		n += StringSize(x)
	}
	return n
}

func writeStrings(w *Writer, s []string) {
	if s == nil {
		w.WriteInt32(NullLength)
		return
	}
	w.WriteInt32(int32(len(s)))
	for _, x := range s {
		w.WriteString(x)
	}
}

func readStrings(r *Reader) ([]string, error) {
	n, err := r.ReadLength(4)
	if err != nil || n == NullLength {
		return nil, err
	}
	s := make([]string, n)
	for i := range s {
		if s[i], err = r.ReadString(); err != nil {
			return nil, err
		}
	}
	return s, nil
}
