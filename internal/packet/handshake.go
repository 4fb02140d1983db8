package packet

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/protocol"
)

// Handshake status codes sent by the server right after accept.
const (
	CodeJoin       int32 = 0x4a4f494e // "JOIN"
	CodeLeave      int32 = 0x4c454156 // "LEAV"
	CodeServerFull int32 = 0x46554c4c // "FULL"
)

// HandshakeSize is the server greeting: [4 bytes: code][16 bytes: client id].
const HandshakeSize = 4 + protocol.UUIDSize

var ErrBadHandshake = errors.New("packet: unexpected handshake code")

// WriteGreeting sends the status code and the assigned client id.
func WriteGreeting(w io.Writer, code int32, id uuid.UUID) error {
	buf := protocol.NewWriterSize(HandshakeSize)
	buf.WriteInt32(code)
	buf.WriteUUID(id)
	_, err := w.Write(buf.Bytes())
	return errors.Wrap(err, "write greeting")
}

// ReadGreeting reads the server greeting. A code other than CodeJoin is
// returned together with ErrBadHandshake.
func ReadGreeting(r *protocol.Reader) (int32, uuid.UUID, error) {
	code, err := r.ReadInt32()
	if err != nil {
		return 0, uuid.Nil, errors.Wrap(err, "read greeting code")
	}
	id, err := r.ReadUUID()
	if err != nil {
		return code, uuid.Nil, errors.Wrap(err, "read greeting id")
	}
	if code != CodeJoin {
		return code, id, errors.Wrapf(ErrBadHandshake, "code 0x%08x", uint32(code))
	}
	return code, id, nil
}

// WriteUDPPort tells the server which local port the client's UDP socket is
// bound to.
func WriteUDPPort(w io.Writer, port int) error {
	buf := protocol.NewWriterSize(4)
	buf.WriteInt32(int32(port))
	_, err := w.Write(buf.Bytes())
	return errors.Wrap(err, "write udp port")
}

// ReadUDPPort reads the client's UDP port.
func ReadUDPPort(r *protocol.Reader) (int, error) {
	port, err := r.ReadInt32()
	if err != nil {
		return 0, errors.Wrap(err, "read udp port")
	}
	if port <= 0 || port > 0xffff {
		return 0, errors.Errorf("packet: invalid udp port %d", port)
	}
	return int(port), nil
}

// KeepAlive builds a frame that only proves the sender is alive.
func KeepAlive() *Frame { return &Frame{Kind: KindKeepAlive} }

// Disconnect builds the graceful leave notice.
func Disconnect() *Frame { return &Frame{Kind: KindDisconnect} }

// PingRequest carries the sender's clock in nanoseconds.
func PingRequest(ts int64) *Frame { return &Frame{Kind: KindPingRequest, Timestamp: ts} }

// PingResponse echoes a PingRequest timestamp.
func PingResponse(ts int64) *Frame { return &Frame{Kind: KindPingResponse, Timestamp: ts} }

// Command builds an RPC frame. A nil payload is sent as empty.
func Command(target Target, name string, payload []byte) *Frame {
	if payload == nil {
		payload = []byte{}
	}
	return &Frame{Kind: KindRPCCommand, Target: target, Command: name, Payload: payload}
}

// Request builds a server request frame.
func Request(rt RequestType, id int64, payload []byte) *Frame {
	if payload == nil {
		payload = []byte{}
	}
	return &Frame{Kind: KindRequest, RequestType: rt, RequestID: id, Payload: payload}
}

// LobbyUpdate carries a lobby snapshot; nil means "not in a lobby" or, with
// a request id, a failed request.
func LobbyUpdate(requestID int64, lobby *LobbyIdentifier) *Frame {
	return &Frame{Kind: KindLobbyUpdate, RequestID: requestID, Lobby: lobby}
}

// SessionUpdate tells a client which session holds it; nil means none.
func SessionUpdate(session *SessionIdentifier) *Frame {
	return &Frame{Kind: KindSessionUpdate, Session: session}
}

// AvailableLobbies answers a discovery request. A nil list is sent empty.
func AvailableLobbies(requestID int64, lobbies []*LobbyIdentifier) *Frame {
	if lobbies == nil {
		lobbies = []*LobbyIdentifier{}
	}
	return &Frame{Kind: KindAvailableLobbiesUpdate, RequestID: requestID, Lobbies: lobbies}
}
