package protocol

import (
	"sync"

	"github.com/pkg/errors"
)

// typeCodec holds the three functions derived from a message type's field
// list when it is registered.
type typeCodec struct {
	tag    string
	create func() Message
	length func(s *Serializer, m Message) (int, error)
	write  func(s *Serializer, w *Writer, m Message) error
	read   func(s *Serializer, r *Reader, m Message) error
}

// Serializer is a registry of message types. Registrations are local to the
// instance; two serializers never share types.
type Serializer struct {
	mu    sync.RWMutex
	types map[string]*typeCodec
}

// NewSerializer returns an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{types: make(map[string]*typeCodec)}
}

// Register adds the message type T to s. Registering the same type tag twice
// is an error.
func Register[T any, PT interface {
	*T
	Message
}](s *Serializer) error {
	tag := PT(new(T)).MessageType()
	if tag == "" {
		return errors.New("protocol: empty message type tag")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.types[tag]; ok {
		return errors.Wrapf(ErrDuplicateType, "register %q", tag)
	}
	s.types[tag] = &typeCodec{
		tag:    tag,
		create: func() Message { return PT(new(T)) },
		length: func(s *Serializer, m Message) (int, error) {
			v := &visitor{mode: modeLength, s: s}
			m.Fields(v)
			return v.n, v.err
		},
		write: func(s *Serializer, w *Writer, m Message) error {
			v := &visitor{mode: modeWrite, s: s, w: w}
			m.Fields(v)
			return v.err
		},
		read: func(s *Serializer, r *Reader, m Message) error {
			v := &visitor{mode: modeRead, s: s, r: r}
			m.Fields(v)
			return v.err
		},
	}
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// start-up wiring where a failure is a programming mistake.
func MustRegister[T any, PT interface {
	*T
	Message
}](s *Serializer) {
	if err := Register[T, PT](s); err != nil {
		panic(err)
	}
}

// Registered reports whether a type tag is known to s.
func (s *Serializer) Registered(tag string) bool {
	s.mu.RLock()
	_, ok := s.types[tag]
	s.mu.RUnlock()
	return ok
}

// Types returns the registered type tags.
func (s *Serializer) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.types))
	for tag := range s.types {
		tags = append(tags, tag)
	}
	return tags
}

func (s *Serializer) lookup(tag string) (*typeCodec, error) {
	s.mu.RLock()
	tc, ok := s.types[tag]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnregisteredType, "type %q", tag)
	}
	return tc, nil
}

// Length returns the exact number of bytes Write produces for m.
func (s *Serializer) Length(m Message) (int, error) {
	tc, err := s.lookup(m.MessageType())
	if err != nil {
		return 0, err
	}
	return tc.length(s, m)
}

// Write encodes m's fields into w.
func (s *Serializer) Write(w *Writer, m Message) error {
	tc, err := s.lookup(m.MessageType())
	if err != nil {
		return err
	}
	return tc.write(s, w, m)
}

// Marshal encodes m into a new, exactly sized buffer.
func (s *Serializer) Marshal(m Message) ([]byte, error) {
	n, err := s.Length(m)
	if err != nil {
		return nil, err
	}
	w := NewWriterSize(n)
	if err := s.Write(w, m); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ReadInto decodes fields from r into m.
func (s *Serializer) ReadInto(r *Reader, m Message) error {
	tc, err := s.lookup(m.MessageType())
	if err != nil {
		return err
	}
	return tc.read(s, r, m)
}

// Read decodes a new message of the registered type tag.
func (s *Serializer) Read(r *Reader, tag string) (Message, error) {
	tc, err := s.lookup(tag)
	if err != nil {
		return nil, err
	}
	m := tc.create()
	if err := tc.read(s, r, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Unmarshal decodes b into m.
func (s *Serializer) Unmarshal(b []byte, m Message) error {
	return s.ReadInto(NewBytesReader(b), m)
}
