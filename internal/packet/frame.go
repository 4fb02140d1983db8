package packet

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/protocol"
)

// Frame layout
//
// TCP (the stream keeps frames ordered, so there is no outer length):
//
//   [4 bytes: kind]
//   KeepAlive, Disconnect:   -
//   PingRequest/Response:    [8 bytes: timestamp]
//   RPCCommand:              [4 bytes: target][string: command][4 bytes: payloadLen][payload]
//   Request:                 [4 bytes: requestType][8 bytes: requestID][4 bytes: payloadLen][payload]
//   LobbyUpdate:             [8 bytes: requestID][nested LobbyIdentifier]
//   SessionUpdate:           [nested SessionIdentifier]
//   AvailableLobbiesUpdate:  [8 bytes: requestID][array of nested LobbyIdentifier]
//
// UDP: [16 bytes: senderID] followed by the TCP layout, at most
// MaxDatagramSize bytes in total.

const (
	// MaxDatagramSize is the whole UDP datagram budget including the sender id.
	MaxDatagramSize = 512

	// DatagramHeaderSize is the sender id prefix of every datagram.
	DatagramHeaderSize = protocol.UUIDSize

	// MaxDatagramFrame is the largest frame body that fits a datagram.
	MaxDatagramFrame = MaxDatagramSize - DatagramHeaderSize
)

var (
	ErrDatagramTooLarge = errors.New("packet: datagram exceeds size budget")
	ErrUnknownKind      = errors.New("packet: unknown envelope kind")
	ErrTrailingBytes    = errors.New("packet: trailing bytes after frame")
)

// Frame is one decoded envelope. Only the fields belonging to Kind are used.
type Frame struct {
	Kind Kind

	Timestamp int64

	Target  Target
	Command string

	RequestType RequestType
	RequestID   int64

	Payload []byte

	Lobby   *LobbyIdentifier
	Session *SessionIdentifier
	Lobbies []*LobbyIdentifier
}

func (*Frame) MessageType() string { return "rally.Frame" }

func (fr *Frame) Fields(f protocol.Fields) {
	protocol.Enum(f, &fr.Kind)
	switch fr.Kind {
	case KindPingRequest, KindPingResponse:
		f.Int64(&fr.Timestamp)
	case KindRPCCommand:
		protocol.Enum(f, &fr.Target)
		f.String(&fr.Command)
		f.Bytes(&fr.Payload)
	case KindRequest:
		protocol.Enum(f, &fr.RequestType)
		f.Int64(&fr.RequestID)
		f.Bytes(&fr.Payload)
	case KindLobbyUpdate:
		f.Int64(&fr.RequestID)
		protocol.Nested(f, &fr.Lobby)
	case KindSessionUpdate:
		protocol.Nested(f, &fr.Session)
	case KindAvailableLobbiesUpdate:
		f.Int64(&fr.RequestID)
		protocol.NestedSlice(f, &fr.Lobbies)
	}
}

// Framer builds and parses frames. It owns the serializer for envelope
// payload types.
type Framer struct {
	s *protocol.Serializer
}

// NewFramer registers the envelope types on s and returns a framer using it.
func NewFramer(s *protocol.Serializer) (*Framer, error) {
	if err := RegisterTypes(s); err != nil {
		return nil, err
	}
	if !s.Registered((*Frame)(nil).MessageType()) {
		if err := protocol.Register[Frame](s); err != nil {
			return nil, err
		}
	}
	return &Framer{s: s}, nil
}

// Serializer returns the registry the framer encodes with.
func (fr *Framer) Serializer() *protocol.Serializer {
	return fr.s
}

// Length returns the encoded size of f without a datagram header.
func (fr *Framer) Length(f *Frame) (int, error) {
	if !f.Kind.Valid() {
		return 0, errors.Wrapf(ErrUnknownKind, "%v", f.Kind)
	}
	return fr.s.Length(f)
}

// EncodeTCP returns the stream bytes for f.
func (fr *Framer) EncodeTCP(f *Frame) ([]byte, error) {
	n, err := fr.Length(f)
	if err != nil {
		return nil, err
	}
	w := protocol.NewWriterSize(n)
	if err := fr.s.Write(w, f); err != nil {
		return nil, errors.Wrapf(err, "encode %v frame", f.Kind)
	}
	return w.Bytes(), nil
}

// EncodeUDP returns a datagram for f sent by sender. The size is checked
// before anything is encoded.
func (fr *Framer) EncodeUDP(sender uuid.UUID, f *Frame) ([]byte, error) {
	n, err := fr.Length(f)
	if err != nil {
		return nil, err
	}
	if DatagramHeaderSize+n > MaxDatagramSize {
		return nil, errors.Wrapf(ErrDatagramTooLarge, "%v frame is %d bytes, budget %d",
			f.Kind, DatagramHeaderSize+n, MaxDatagramSize)
	}
	w := protocol.NewWriterSize(DatagramHeaderSize + n)
	w.WriteUUID(sender)
	if err := fr.s.Write(w, f); err != nil {
		return nil, errors.Wrapf(err, "encode %v datagram", f.Kind)
	}
	return w.Bytes(), nil
}

// ReadFrame reads the next frame from a stream.
func (fr *Framer) ReadFrame(r *protocol.Reader) (*Frame, error) {
	f := &Frame{}
	if err := fr.s.ReadInto(r, f); err != nil {
		return nil, err
	}
	if !f.Kind.Valid() {
		return nil, errors.Wrapf(ErrUnknownKind, "%v", f.Kind)
	}
	return f, nil
}

// DecodeDatagram parses a UDP datagram into its sender and frame.
func (fr *Framer) DecodeDatagram(b []byte) (uuid.UUID, *Frame, error) {
	if len(b) > MaxDatagramSize {
		return uuid.Nil, nil, ErrDatagramTooLarge
	}
	r := protocol.NewBytesReader(b)
	sender, err := r.ReadUUID()
	if err != nil {
		return uuid.Nil, nil, errors.Wrap(err, "datagram sender")
	}
	f, err := fr.ReadFrame(r)
	if err != nil {
		return sender, nil, err
	}
	if r.Remaining() != 0 {
		return sender, nil, ErrTrailingBytes
	}
	return sender, f, nil
}
