package server

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/packet"
)

// LobbyFactory builds the lobby for a create request or a restored record.
// Applications use it to add their sessions and commands; the default is
// NewLobby.
type LobbyFactory func(s *Server, id uuid.UUID, name string, capacity int) *Lobby

// Lobby is a capacity-bounded group of peers. Newcomers enter the home
// session; the current session is where the lobby's play is happening.
type Lobby struct {
	id       uuid.UUID
	name     string
	capacity int
	server   *Server

	commands *command.Registry

	mu       sync.Mutex
	members  []*Peer
	sessions []*Session
	home     *Session
	current  *Session
}

// NewLobby creates a lobby with a single home session, which is also the
// current one.
func NewLobby(s *Server, id uuid.UUID, name string, capacity int) *Lobby {
	l := &Lobby{
		id:       id,
		name:     name,
		capacity: capacity,
		server:   s,
		commands: command.NewRegistry(command.HotSwap),
	}
	l.home = l.AddSession(s.cfg.HomeSessionName)
	l.current = l.home
	return l
}

// ID returns the lobby id.
func (l *Lobby) ID() uuid.UUID { return l.id }

func (l *Lobby) Name() string { return l.name }

// Capacity is the maximum number of members.
func (l *Lobby) Capacity() int { return l.capacity }

// Server returns the server that owns the lobby.
func (l *Lobby) Server() *Server { return l.server }

// Commands is the table for Lobby-targeted commands.
func (l *Lobby) Commands() *command.Registry { return l.commands }

// Count returns the number of members.
func (l *Lobby) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

// Identifier is a snapshot of the lobby for clients.
func (l *Lobby) Identifier() *packet.LobbyIdentifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identifierLocked()
}

func (l *Lobby) identifierLocked() *packet.LobbyIdentifier {
	return &packet.LobbyIdentifier{
		ID:       l.id,
		Name:     l.name,
		Count:    int32(len(l.members)),
		Capacity: int32(l.capacity),
	}
}

// Members returns a snapshot of the members in join order.
func (l *Lobby) Members() []*Peer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Peer(nil), l.members...)
}

// Contains reports whether client id is a member.
func (l *Lobby) Contains(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indexOf(id) >= 0
}

func (l *Lobby) indexOf(id uuid.UUID) int {
	for i, m := range l.members {
		if m.ID() == id {
			return i
		}
	}
	return -1
}

// AddSession creates an empty session. Names need not be unique, but
// lookups by name return the first match.
func (l *Lobby) AddSession(name string) *Session {
	sess := newSession(l, name)
	l.mu.Lock()
	l.sessions = append(l.sessions, sess)
	l.mu.Unlock()
	l.server.metrics.SessionAdded()
	glog.V(2).Infof("[Lobby] %s: session %q added", l.name, name)
	return sess
}

// Sessions returns every session, home first.
func (l *Lobby) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Session looks a session up by id.
func (l *Lobby) Session(id uuid.UUID) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// SessionByName looks a session up by name.
func (l *Lobby) SessionByName(name string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byNameLocked(name)
}

func (l *Lobby) byNameLocked(name string) (*Session, bool) {
	for _, s := range l.sessions {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// HomeSession is where new members start.
func (l *Lobby) HomeSession() *Session { return l.home }

// CurrentSession returns the session chosen by the last switch, or the home
// session before any switch.
func (l *Lobby) CurrentSession() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// SessionOf returns the session holding the peer, or nil.
func (l *Lobby) SessionOf(id uuid.UUID) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if s.Contains(id) {
			return s
		}
	}
	return nil
}

// SwitchCurrentSession makes the session with id current, moves every
// member into it and tells them.
func (l *Lobby) SwitchCurrentSession(id uuid.UUID) error {
	l.mu.Lock()
	var target *Session
	for _, s := range l.sessions {
		if s.id == id {
			target = s
			break
		}
	}
	if target == nil {
		l.mu.Unlock()
		return errors.Wrapf(ErrSessionNotFound, "%s", id)
	}
	return l.switchLocked(target)
}

// SwitchCurrentSessionByName is SwitchCurrentSession by name. When no
// session has the name the current session stays as it is.
func (l *Lobby) SwitchCurrentSessionByName(name string) error {
	l.mu.Lock()
	target, ok := l.byNameLocked(name)
	if !ok {
		l.mu.Unlock()
		return errors.Wrapf(ErrSessionNotFound, "%q", name)
	}
	return l.switchLocked(target)
}

// switchLocked is called with l.mu held and releases it.
func (l *Lobby) switchLocked(target *Session) error {
	l.current = target
	for _, p := range l.members {
		for _, s := range l.sessions {
			if s != target {
				s.remove(p.ID())
			}
		}
		target.add(p)
	}
	members := append([]*Peer(nil), l.members...)
	l.mu.Unlock()

	glog.Infof("[Lobby] %s: current session is now %q", l.name, target.name)
	return broadcast(members, packet.TCP, packet.SessionUpdate(target.Identifier()))
}

// join adds p to the lobby and its home session.
func (l *Lobby) join(p *Peer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexOf(p.ID()) >= 0 {
		return errors.Wrapf(ErrAlreadyMember, "%s in %s", p.ID(), l.name)
	}
	if len(l.members) >= l.capacity {
		return errors.Wrapf(ErrLobbyFull, "%s (%d/%d)", l.name, len(l.members), l.capacity)
	}
	l.members = append(l.members, p)
	l.home.add(p)
	return nil
}

// leave removes p from the lobby and any session. It reports whether p was
// a member.
func (l *Lobby) leave(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.members = append(l.members[:i], l.members[i+1:]...)
	for _, s := range l.sessions {
		s.remove(id)
	}
	return true
}

// pushIdentifier sends the lobby snapshot to every member.
func (l *Lobby) pushIdentifier() {
	l.mu.Lock()
	ident := l.identifierLocked()
	members := append([]*Peer(nil), l.members...)
	l.mu.Unlock()

	if err := broadcast(members, packet.TCP, packet.LobbyUpdate(0, ident)); err != nil {
		glog.Warningf("[Lobby] %s: lobby update: %v", l.name, err)
	}
}

// Send calls id on every member of the lobby.
func (l *Lobby) Send(t packet.Transport, target packet.Target, id command.Id, args ...any) error {
	payload, err := command.Encode(id, args...)
	if err != nil {
		return err
	}
	return broadcast(l.Members(), t, packet.Command(target, id.Name(), payload))
}

func (l *Lobby) dispatch(ctx command.Context, f *packet.Frame) error {
	_, err := l.commands.Dispatch(ctx, f.Command, f.Payload)
	return err
}

// stop cancels sequences in every session.
func (l *Lobby) stop() {
	for _, s := range l.Sessions() {
		s.Stop()
	}
}
