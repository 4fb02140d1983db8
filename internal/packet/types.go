package packet

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/skshohagmiah/rally/internal/protocol"
)

// Kind is the envelope tag written first in every frame.
type Kind int32

const (
	KindKeepAlive Kind = iota
	KindDisconnect
	KindPingRequest
	KindPingResponse
	KindRPCCommand
	KindRequest
	KindLobbyUpdate
	KindSessionUpdate
	KindAvailableLobbiesUpdate

	kindCount
)

func (k Kind) Valid() bool { return k >= 0 && k < kindCount }

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "KeepAlive"
	case KindDisconnect:
		return "Disconnect"
	case KindPingRequest:
		return "PingRequest"
	case KindPingResponse:
		return "PingResponse"
	case KindRPCCommand:
		return "RPCCommand"
	case KindRequest:
		return "Request"
	case KindLobbyUpdate:
		return "LobbyUpdate"
	case KindSessionUpdate:
		return "SessionUpdate"
	case KindAvailableLobbiesUpdate:
		return "AvailableLobbiesUpdate"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Target is the routing scope of an inbound command.
type Target int32

const (
	TargetClient Target = iota
	TargetServer
	TargetLobby
	TargetSession

	targetCount
)

func (t Target) Valid() bool { return t >= 0 && t < targetCount }

func (t Target) String() string {
	switch t {
	case TargetClient:
		return "Client"
	case TargetServer:
		return "Server"
	case TargetLobby:
		return "Lobby"
	case TargetSession:
		return "Session"
	default:
		return fmt.Sprintf("Target(%d)", int32(t))
	}
}

// RequestType names the non-command requests a client can make.
type RequestType int32

const (
	RequestAvailableLobbies RequestType = iota
	RequestCreateLobby
	RequestJoinLobby
	RequestLeaveLobby

	requestCount
)

func (r RequestType) Valid() bool { return r >= 0 && r < requestCount }

func (r RequestType) String() string {
	switch r {
	case RequestAvailableLobbies:
		return "GetAvailableLobbies"
	case RequestCreateLobby:
		return "CreateLobby"
	case RequestJoinLobby:
		return "JoinLobby"
	case RequestLeaveLobby:
		return "LeaveLobby"
	default:
		return fmt.Sprintf("RequestType(%d)", int32(r))
	}
}

// Transport selects the socket a frame travels on.
type Transport int

const (
	TCP Transport = iota
	UDP
)

func (t Transport) String() string {
	if t == UDP {
		return "udp"
	}
	return "tcp"
}

// LobbyIdentifier is the public snapshot of a lobby.
type LobbyIdentifier struct {
	ID       uuid.UUID
	Name     string
	Count    int32
	Capacity int32
}

func (*LobbyIdentifier) MessageType() string { return "rally.LobbyIdentifier" }

func (l *LobbyIdentifier) Fields(f protocol.Fields) {
	f.UUID(&l.ID)
	f.String(&l.Name)
	f.Int32(&l.Count)
	f.Int32(&l.Capacity)
}

// SessionIdentifier names a session inside a lobby.
type SessionIdentifier struct {
	ID   uuid.UUID
	Name string
}

func (*SessionIdentifier) MessageType() string { return "rally.SessionIdentifier" }

func (s *SessionIdentifier) Fields(f protocol.Fields) {
	f.UUID(&s.ID)
	f.String(&s.Name)
}

// RegisterTypes adds the envelope payload types to s. Every serializer used
// with the framer must have them.
func RegisterTypes(s *protocol.Serializer) error {
	if !s.Registered((*LobbyIdentifier)(nil).MessageType()) {
		if err := protocol.Register[LobbyIdentifier](s); err != nil {
			return err
		}
	}
	if !s.Registered((*SessionIdentifier)(nil).MessageType()) {
		if err := protocol.Register[SessionIdentifier](s); err != nil {
			return err
		}
	}
	return nil
}
