package client

import (
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/schedule"
)

// AvailableLobbies asks for every lobby on the server. The future resolves
// with the answer to this request only.
func (c *Client) AvailableLobbies() *schedule.Future[[]*packet.LobbyIdentifier] {
	future := schedule.NewFuture[[]*packet.LobbyIdentifier]()
	id := c.nextRequest.Add(1)

	c.reqMu.Lock()
	c.listReqs[id] = future
	c.reqMu.Unlock()

	if err := c.request(packet.RequestAvailableLobbies, id, command.AvailableLobbiesRequest); err != nil {
		c.reqMu.Lock()
		delete(c.listReqs, id)
		c.reqMu.Unlock()
		future.Resolve(nil, err)
	}
	return future
}

// CreateLobby asks the server to create a lobby and move the client into
// it. The future resolves with the new lobby.
func (c *Client) CreateLobby(name string) *schedule.Future[*packet.LobbyIdentifier] {
	return c.lobbyRequest(packet.RequestCreateLobby, command.CreateLobbyRequest, name)
}

// JoinLobby moves the client into the lobby with id, leaving its current
// lobby first.
func (c *Client) JoinLobby(id uuid.UUID) *schedule.Future[*packet.LobbyIdentifier] {
	return c.lobbyRequest(packet.RequestJoinLobby, command.JoinLobbyRequest, id)
}

// LeaveLobby takes the client out of its lobby. The future resolves with
// nil once the server confirmed.
func (c *Client) LeaveLobby() *schedule.Future[*packet.LobbyIdentifier] {
	return c.lobbyRequest(packet.RequestLeaveLobby, command.LeaveLobbyRequest)
}

func (c *Client) lobbyRequest(rt packet.RequestType, schema command.Id, args ...any) *schedule.Future[*packet.LobbyIdentifier] {
	future := schedule.NewFuture[*packet.LobbyIdentifier]()
	id := c.nextRequest.Add(1)

	c.reqMu.Lock()
	c.lobbyReqs[id] = pendingLobby{rt: rt, future: future}
	c.reqMu.Unlock()

	if err := c.request(rt, id, schema, args...); err != nil {
		c.reqMu.Lock()
		delete(c.lobbyReqs, id)
		c.reqMu.Unlock()
		future.Resolve(nil, err)
	}
	return future
}

func (c *Client) request(rt packet.RequestType, id int64, schema command.Id, args ...any) error {
	payload, err := command.Encode(schema, args...)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[Client] request %v #%d", rt, id)
	return c.SendRequest(packet.TCP, rt, id, payload)
}

// lobbyUpdate applies a LobbyUpdate. Request id zero is an unsolicited
// push; anything else answers a pending request.
func (c *Client) lobbyUpdate(f *packet.Frame) {
	var pending pendingLobby
	ok := false
	if f.RequestID != 0 {
		c.reqMu.Lock()
		pending, ok = c.lobbyReqs[f.RequestID]
		delete(c.lobbyReqs, f.RequestID)
		c.reqMu.Unlock()
	}

	if ok && f.Lobby == nil && pending.rt != packet.RequestLeaveLobby {
		pending.future.Resolve(nil, errors.Wrapf(ErrRequestFailed, "%v #%d", pending.rt, f.RequestID))
		return
	}

	c.mu.Lock()
	c.lobby = f.Lobby
	if f.Lobby == nil {
		c.session = nil
	}
	c.mu.Unlock()

	c.cbMu.Lock()
	fn := c.onLobbyUpdate
	c.cbMu.Unlock()
	if fn != nil {
		fn(f.Lobby)
	}

	if ok {
		pending.future.Resolve(f.Lobby, nil)
	}
}

// failPending resolves every outstanding request with err.
func (c *Client) failPending(err error) {
	c.reqMu.Lock()
	lobbies, lists := c.lobbyReqs, c.listReqs
	c.lobbyReqs = make(map[int64]pendingLobby)
	c.listReqs = make(map[int64]*schedule.Future[[]*packet.LobbyIdentifier])
	c.reqMu.Unlock()

	for _, p := range lobbies {
		p.future.Resolve(nil, err)
	}
	for _, f := range lists {
		f.Resolve(nil, err)
	}
}
