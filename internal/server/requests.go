package server

import (
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/command"
	rnet "github.com/skshohagmiah/rally/internal/net"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/store"
)

// handleRequest answers one discovery request. Lobby requests are always
// answered on TCP with a LobbyUpdate carrying the request id; a nil lobby
// in the answer means the request failed.
func (s *Server) handleRequest(p *Peer, t packet.Transport, f *packet.Frame) {
	s.requests.Add(1)
	if glog.V(2) {
		glog.Infof("[Server] %s request %v #%d over %v", p.ID(), f.RequestType, f.RequestID, t)
	}

	var (
		err    error
		target *Lobby
	)
	switch f.RequestType {
	case packet.RequestAvailableLobbies:
		if _, err = command.Decode(command.AvailableLobbiesRequest, f.Payload); err == nil {
			err = p.Send(packet.TCP, packet.AvailableLobbies(f.RequestID, s.LobbyIdentifiers()))
		}
		if err != nil {
			glog.Warningf("[Server] %s available lobbies: %v", p.ID(), err)
		}
		return

	case packet.RequestCreateLobby:
		var args command.Args
		if args, err = command.Decode(command.CreateLobbyRequest, f.Payload); err == nil {
			if target, err = s.CreateLobby(args[0].(string)); err == nil {
				err = s.moveTo(p, target)
			}
		}

	case packet.RequestJoinLobby:
		var args command.Args
		if args, err = command.Decode(command.JoinLobbyRequest, f.Payload); err == nil {
			if target = s.Lobby(args[0].(uuid.UUID)); target == nil {
				err = errors.Wrapf(ErrLobbyNotFound, "%s", args[0])
			} else {
				err = s.moveTo(p, target)
			}
		}

	case packet.RequestLeaveLobby:
		if _, err = command.Decode(command.LeaveLobbyRequest, f.Payload); err == nil {
			s.leaveLobby(p)
		}
		s.answer(p, f.RequestID, nil)
		if err != nil {
			glog.Warningf("[Server] %s leave lobby: %v", p.ID(), err)
		}
		return

	default:
		glog.Warningf("[Server] %s sent unknown request %v", p.ID(), f.RequestType)
		return
	}

	if err != nil {
		glog.Warningf("[Server] %s %v #%d failed: %v", p.ID(), f.RequestType, f.RequestID, err)
		s.answer(p, f.RequestID, nil)
		return
	}

	// The session goes out before the answer so a client that sees its
	// request resolved already knows where it was placed.
	if sess := target.SessionOf(p.ID()); sess != nil {
		if err := p.Send(packet.TCP, packet.SessionUpdate(sess.Identifier())); err != nil {
			glog.V(2).Infof("[Server] %s session update: %v", p.ID(), err)
		}
	}
	s.answer(p, f.RequestID, target.Identifier())
	target.pushIdentifier()
}

func (s *Server) answer(p *Peer, requestID int64, ident *packet.LobbyIdentifier) {
	if err := p.Send(packet.TCP, packet.LobbyUpdate(requestID, ident)); err != nil {
		glog.V(2).Infof("[Server] %s answer #%d: %v", p.ID(), requestID, err)
	}
}

// moveTo puts p into l, leaving its previous lobby first. Joining the lobby
// p is already in fails with ErrAlreadyMember and changes nothing. A peer
// that has disconnected cannot join anything.
func (s *Server) moveTo(p *Peer, l *Lobby) error {
	p.membership.Lock()
	defer p.membership.Unlock()

	if p.removed || !p.IsConnected() {
		return errors.Wrapf(rnet.ErrClosed, "client %s", p.ID())
	}
	if cur := p.Lobby(); cur == l {
		return errors.Wrapf(ErrAlreadyMember, "%s in %s", p.ID(), l.Name())
	}
	if l.Count() >= l.Capacity() {
		return errors.Wrapf(ErrLobbyFull, "%s", l.Name())
	}
	s.leaveLocked(p)
	if err := l.join(p); err != nil {
		return err
	}
	p.setLobby(l)
	glog.Infof("[Server] client %s joined lobby %q (%d/%d)", p.ID(), l.Name(), l.Count(), l.Capacity())
	return nil
}

// leaveLobby takes p out of its lobby, if any, and tells the remaining
// members.
func (s *Server) leaveLobby(p *Peer) {
	p.membership.Lock()
	defer p.membership.Unlock()
	s.leaveLocked(p)
}

// leaveLocked is leaveLobby for callers holding p.membership.
func (s *Server) leaveLocked(p *Peer) {
	l := p.Lobby()
	if l == nil {
		return
	}
	p.setLobby(nil)
	if l.leave(p.ID()) {
		glog.Infof("[Server] client %s left lobby %q", p.ID(), l.Name())
		l.pushIdentifier()
	}
}

// CreateLobby creates a lobby with the configured capacity, persisting it
// when a store is configured.
func (s *Server) CreateLobby(name string) (*Lobby, error) {
	if s.stopping.Load() {
		return nil, ErrStopped
	}
	if name == "" {
		return nil, errors.New("server: lobby name cannot be empty")
	}

	l := s.opts.factory(s, uuid.New(), name, s.cfg.LobbyCapacity)
	if s.opts.store != nil {
		rec := store.LobbyRecord{ID: l.ID(), Name: name, Capacity: int32(l.Capacity())}
		if err := s.opts.store.Put(rec); err != nil {
			return nil, errors.Wrap(err, "persist lobby")
		}
	}
	s.addLobby(l)
	glog.Infof("[Server] lobby %q created (%s, capacity %d)", name, l.ID(), l.Capacity())
	return l, nil
}

func (s *Server) addLobby(l *Lobby) {
	s.mu.Lock()
	s.lobbies[l.ID()] = l
	s.order = append(s.order, l.ID())
	s.mu.Unlock()
	s.metrics.LobbyAdded()
}

// Lobby returns a lobby by id, or nil.
func (s *Server) Lobby(id uuid.UUID) *Lobby {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lobbies[id]
}

// Lobbies returns every lobby in creation order.
func (s *Server) Lobbies() []*Lobby {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Lobby, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.lobbies[id])
	}
	return out
}

// LobbyIdentifiers snapshots every lobby for a discovery answer.
func (s *Server) LobbyIdentifiers() []*packet.LobbyIdentifier {
	lobbies := s.Lobbies()
	out := make([]*packet.LobbyIdentifier, 0, len(lobbies))
	for _, l := range lobbies {
		out = append(out, l.Identifier())
	}
	return out
}
