package command

import "github.com/skshohagmiah/rally/internal/protocol"

// Payload schemas of the discovery requests. They are encoded with Encode
// and Decode like any command, but travel in Request frames.
var (
	AvailableLobbiesRequest = NewId("rally.AvailableLobbies")
	CreateLobbyRequest      = NewId("rally.CreateLobby", protocol.String)
	JoinLobbyRequest        = NewId("rally.JoinLobby", protocol.UUID)
	LeaveLobbyRequest       = NewId("rally.LeaveLobby")
)
