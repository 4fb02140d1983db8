package server

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/rally/internal/client"
	"github.com/skshohagmiah/rally/internal/config"
	rnet "github.com/skshohagmiah/rally/internal/net"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
)

func TestDisconnectedPeerCannotJoin(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)
	l, err := s.CreateLobby("arena")
	require.NoError(t, err)

	p := s.Peer(c.ID())
	require.NotNil(t, p)
	s.removePeer(p, nil)

	err = s.moveTo(p, l)
	assert.True(t, errors.Is(err, rnet.ErrClosed), "got %v", err)
	assert.Equal(t, 0, l.Count())
	assert.Nil(t, p.Lobby())
	assert.Nil(t, s.Peer(c.ID()))
}

func TestConcurrentMembershipChanges(t *testing.T) {
	s := startServer(t, nil)
	a, err := s.CreateLobby("a")
	require.NoError(t, err)
	b, err := s.CreateLobby("b")
	require.NoError(t, err)

	var (
		clients []*client.Client
		peers   []*Peer
	)
	for i := 0; i < 4; i++ {
		c := connect(t, s)
		clients = append(clients, c)
		peers = append(peers, s.Peer(c.ID()))
	}

	var wg sync.WaitGroup
	for i, p := range peers {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(p *Peer, w int) {
				defer wg.Done()
				for n := 0; n < 200; n++ {
					switch (n + w) % 3 {
					case 0:
						s.moveTo(p, a)
					case 1:
						s.moveTo(p, b)
					default:
						s.leaveLobby(p)
					}
				}
			}(p, w)
		}
		// Half the clients drop out while their moves are in flight.
		if i%2 == 1 {
			wg.Add(1)
			go func(c *client.Client) {
				defer wg.Done()
				time.Sleep(time.Millisecond)
				c.Disconnect()
			}(clients[i])
		}
	}
	wg.Wait()

	for i, c := range clients {
		if i%2 == 1 {
			id := c.ID()
			require.Eventually(t, func() bool { return s.Peer(id) == nil }, wait, 5*time.Millisecond)
			assert.Nil(t, peers[i].Lobby())
		}
	}

	seen := make(map[uuid.UUID]*Lobby)
	for _, l := range []*Lobby{a, b} {
		for _, m := range l.Members() {
			assert.Nil(t, seen[m.ID()], "%s listed in two lobbies", m.ID())
			seen[m.ID()] = l
			assert.Same(t, l, m.Lobby())
			assert.NotNil(t, s.Peer(m.ID()), "departed client %s still listed", m.ID())
			assert.NotNil(t, l.SessionOf(m.ID()))
		}
		assert.Equal(t, l.Count(), l.HomeSession().Count())
	}
	for _, p := range peers {
		if l := p.Lobby(); l != nil {
			assert.Same(t, l, seen[p.ID()])
		}
	}
}

func TestHandshakeFinishingDuringStopIsDropped(t *testing.T) {
	s := startServer(t, func(cfg *config.ServerConfig) { cfg.ReadTimeout = time.Second })

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	code, id, err := packet.ReadGreeting(protocol.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, packet.CodeJoin, code)

	// The server is waiting for our UDP port when it stops.
	require.NoError(t, s.Stop())
	require.NoError(t, packet.WriteUDPPort(conn, 40000))

	conn.SetReadDeadline(time.Now().Add(wait))
	_, err = io.ReadAll(conn)
	assert.NoError(t, err, "server should close the stream")
	assert.Nil(t, s.Peer(id))
	assert.Empty(t, s.Peers())
}
