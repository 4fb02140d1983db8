package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/rally/internal/client"
	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/config"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
	"github.com/skshohagmiah/rally/internal/store"
)

const wait = 2 * time.Second

func startServer(t *testing.T, mutate func(*config.ServerConfig), opts ...Option) *Server {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.ReadTimeout = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg, opts...)
	require.NoError(t, err)
	go s.Start()
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) (*client.Client, error) {
	t.Helper()

	cfg := config.DefaultClientConfig()
	cfg.Port = s.Addr().Port
	cfg.ReadTimeout = 100 * time.Millisecond

	c, err := client.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	t.Cleanup(c.Disconnect)
	return c, nil
}

func connect(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c, err := dial(t, s)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Peer(c.ID()) != nil }, wait, 5*time.Millisecond)
	return c
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	t.Cleanup(cancel)
	return ctx
}

// lobbyOf creates a lobby with the first client and joins the rest.
func lobbyOf(t *testing.T, s *Server, clients ...*client.Client) *Lobby {
	t.Helper()

	ident, err := clients[0].CreateLobby("arena").Wait(waitCtx(t))
	require.NoError(t, err)
	for _, c := range clients[1:] {
		_, err := c.JoinLobby(ident.ID).Wait(waitCtx(t))
		require.NoError(t, err)
	}
	l := s.Lobby(ident.ID)
	require.NotNil(t, l)
	return l
}

func TestCreateAndJoinLobby(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)

	created, err := alice.CreateLobby("arena").Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "arena", created.Name)
	assert.Equal(t, int32(1), created.Count)
	assert.Equal(t, int32(8), created.Capacity)

	lobbies, err := bob.AvailableLobbies().Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, lobbies, 1)
	assert.Equal(t, created.ID, lobbies[0].ID)

	joined, err := bob.JoinLobby(created.ID).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), joined.Count)

	l := s.Lobby(created.ID)
	require.NotNil(t, l)
	assert.Equal(t, 2, l.Count())
	assert.Equal(t, 2, l.HomeSession().Count())
	assert.Same(t, l, s.Peer(bob.ID()).Lobby())

	// The creator hears about the newcomer.
	require.Eventually(t, func() bool {
		ident := alice.Lobby()
		return ident != nil && ident.Count == 2
	}, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		sess := bob.Session()
		return sess != nil && sess.Name == "home"
	}, wait, 5*time.Millisecond)
}

func TestJoinUnknownLobbyFails(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)

	_, err := c.JoinLobby(uuid.New()).Wait(waitCtx(t))
	assert.True(t, errors.Is(err, client.ErrRequestFailed))
	assert.Nil(t, c.Lobby())
}

func TestJoinFullLobbyFails(t *testing.T) {
	s := startServer(t, func(cfg *config.ServerConfig) { cfg.LobbyCapacity = 1 })
	alice, bob := connect(t, s), connect(t, s)

	ident, err := alice.CreateLobby("solo").Wait(waitCtx(t))
	require.NoError(t, err)

	_, err = bob.JoinLobby(ident.ID).Wait(waitCtx(t))
	assert.True(t, errors.Is(err, client.ErrRequestFailed))
	assert.Equal(t, 1, s.Lobby(ident.ID).Count())
}

func TestLeaveLobby(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	l := lobbyOf(t, s, alice, bob)

	ident, err := bob.LeaveLobby().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Nil(t, ident)
	assert.Nil(t, bob.Lobby())
	assert.Nil(t, bob.Session())

	assert.Equal(t, 1, l.Count())
	assert.Nil(t, s.Peer(bob.ID()).Lobby())
	require.Eventually(t, func() bool {
		ident := alice.Lobby()
		return ident != nil && ident.Count == 1
	}, wait, 5*time.Millisecond)
}

func TestCreateWhileInLobbyMoves(t *testing.T) {
	s := startServer(t, nil)
	alice := connect(t, s)
	first := lobbyOf(t, s, alice)

	second, err := alice.CreateLobby("second").Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, 0, first.Count())
	assert.Equal(t, 1, s.Lobby(second.ID).Count())
	assert.Len(t, s.Lobbies(), 2)
}

func TestDisconnectLeavesLobby(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	l := lobbyOf(t, s, alice, bob)

	bob.Disconnect()

	require.Eventually(t, func() bool { return l.Count() == 1 }, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Peer(bob.ID()) == nil }, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ident := alice.Lobby()
		return ident != nil && ident.Count == 1
	}, wait, 5*time.Millisecond)
}

func TestServerCommandsOverBothTransports(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)

	type call struct {
		ctx command.Context
		n   int32
		msg string
	}
	calls := make(chan call, 4)
	say := command.NewId("say", protocol.Int32, protocol.String)
	require.NoError(t, s.Commands().Add(say, command.Handle2(func(ctx command.Context, n int32, msg string) {
		calls <- call{ctx, n, msg}
	})))

	require.NoError(t, c.SendCommand(packet.TCP, packet.TargetServer, say, int32(1), "tcp"))
	require.NoError(t, c.SendCommand(packet.UDP, packet.TargetServer, say, int32(2), "udp"))

	got := map[packet.Transport]call{}
	for i := 0; i < 2; i++ {
		select {
		case cl := <-calls:
			got[cl.ctx.Transport] = cl
		case <-time.After(wait):
			t.Fatalf("only %d calls arrived", i)
		}
	}
	assert.Equal(t, call{command.Context{Client: c.ID(), Transport: packet.TCP}, 1, "tcp"}, got[packet.TCP])
	assert.Equal(t, call{command.Context{Client: c.ID(), Transport: packet.UDP}, 2, "udp"}, got[packet.UDP])
}

func TestCommandWithoutLobbyIsDropped(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)

	ping := command.NewId("ping")
	require.NoError(t, c.SendCommand(packet.TCP, packet.TargetLobby, ping))
	require.NoError(t, c.SendCommand(packet.TCP, packet.TargetSession, ping))
	require.NoError(t, c.SendCommand(packet.TCP, packet.TargetServer, ping))

	require.Eventually(t, func() bool {
		return s.Stats()["frames_dropped"].(uint64) == 3
	}, wait, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestServerFullRejectsHandshake(t *testing.T) {
	s := startServer(t, func(cfg *config.ServerConfig) { cfg.MaxClients = 1 })
	connect(t, s)

	_, err := dial(t, s)
	assert.True(t, errors.Is(err, client.ErrHandshakeRejected), "got %v", err)
	assert.Len(t, s.Peers(), 1)
	assert.Equal(t, uint64(1), s.Stats()["handshakes_rejected"])
}

func TestStopDisconnectsClients(t *testing.T) {
	s := startServer(t, nil)
	c := connect(t, s)

	closed := make(chan error, 1)
	c.OnDisconnect(func(err error) { closed <- err })

	require.NoError(t, s.Stop())
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("client was not disconnected")
	}
	assert.False(t, c.IsConnected())

	_, err := s.CreateLobby("late")
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestLobbiesRestoredFromStore(t *testing.T) {
	ls, err := store.Open("")
	require.NoError(t, err)
	defer ls.Close()

	first := startServer(t, nil, WithStore(ls))
	l, err := first.CreateLobby("kept")
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second := startServer(t, nil, WithStore(ls))
	lobbies := second.Lobbies()
	require.Len(t, lobbies, 1)
	assert.Equal(t, l.ID(), lobbies[0].ID())
	assert.Equal(t, "kept", lobbies[0].Name())
	assert.Equal(t, 0, lobbies[0].Count())
}

func TestLobbyFactory(t *testing.T) {
	factory := func(s *Server, id uuid.UUID, name string, capacity int) *Lobby {
		l := NewLobby(s, id, name, 2)
		l.AddSession("game")
		return l
	}
	s := startServer(t, nil, WithLobbyFactory(factory))
	c := connect(t, s)

	ident, err := c.CreateLobby("custom").Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), ident.Capacity)

	l := s.Lobby(ident.ID)
	_, ok := l.SessionByName("game")
	assert.True(t, ok)
	assert.Len(t, l.Sessions(), 2)
}
