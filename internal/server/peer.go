package server

import (
	"sync"

	rnet "github.com/skshohagmiah/rally/internal/net"
)

// Peer is the server's view of one connected client.
type Peer struct {
	*rnet.Connection

	// membership serializes lobby moves and removal for this peer. It is
	// taken before the server lock.
	membership sync.Mutex
	removed    bool

	mu    sync.Mutex
	lobby *Lobby
}

// Lobby returns the lobby the peer is in, or nil.
func (p *Peer) Lobby() *Lobby {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lobby
}

func (p *Peer) setLobby(l *Lobby) {
	p.mu.Lock()
	p.lobby = l
	p.mu.Unlock()
}

// Session returns the session holding the peer in its lobby, or nil.
func (p *Peer) Session() *Session {
	l := p.Lobby()
	if l == nil {
		return nil
	}
	return l.SessionOf(p.ID())
}
