package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/rally/internal/client"
	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
)

var vote = command.NewId("vote", protocol.Int32)

func TestSessionCommandRouting(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	l := lobbyOf(t, s, alice, bob)

	var lobbyCalls, sessionCalls atomic.Int32
	l.Commands().MustAdd(vote, command.Handle1(func(command.Context, int32) { lobbyCalls.Add(1) }))
	l.HomeSession().Commands().MustAdd(vote, command.Handle1(func(command.Context, int32) { sessionCalls.Add(1) }))

	require.NoError(t, alice.SendCommand(packet.TCP, packet.TargetLobby, vote, int32(1)))
	require.NoError(t, bob.SendCommand(packet.UDP, packet.TargetSession, vote, int32(2)))

	require.Eventually(t, func() bool {
		return lobbyCalls.Load() == 1 && sessionCalls.Load() == 1
	}, wait, 5*time.Millisecond)
}

func TestSessionSendReachesClients(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	l := lobbyOf(t, s, alice, bob)

	hello := command.NewId("hello", protocol.String)
	got := make(chan string, 2)
	for _, c := range []*client.Client{alice, bob} {
		require.NoError(t, c.AddCommand(hello, command.Handle1(func(_ command.Context, msg string) { got <- msg })))
	}

	require.NoError(t, l.HomeSession().Send(packet.TCP, packet.TargetClient, hello, "hi"))
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			assert.Equal(t, "hi", msg)
		case <-time.After(wait):
			t.Fatalf("only %d clients were called", i)
		}
	}
}

func TestSwitchCurrentSession(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	l := lobbyOf(t, s, alice, bob)
	game := l.AddSession("game")

	require.NoError(t, l.SwitchCurrentSessionByName("game"))
	assert.Same(t, game, l.CurrentSession())
	assert.Equal(t, 2, game.Count())
	assert.Equal(t, 0, l.HomeSession().Count())
	assert.Same(t, game, s.Peer(alice.ID()).Session())

	require.Eventually(t, func() bool {
		a, b := alice.Session(), bob.Session()
		return a != nil && b != nil && a.ID == game.ID() && b.ID == game.ID()
	}, wait, 5*time.Millisecond)

	err := l.SwitchCurrentSessionByName("missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Same(t, game, l.CurrentSession())

	require.NoError(t, l.SwitchCurrentSession(l.HomeSession().ID()))
	assert.Equal(t, 2, l.HomeSession().Count())
	assert.Equal(t, 0, game.Count())
}

func TestWaitForResponsesQuorum(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	sess := lobbyOf(t, s, alice, bob).HomeSession()

	tracking := make(chan struct{})
	var got map[ResponseID][]command.Args
	future := sess.RunSequence("vote", func(q *Sequence) error {
		q.TrackResponses(vote)
		close(tracking)
		got = q.WaitForResponses(vote, wait, 5*time.Millisecond)
		return nil
	})

	<-tracking
	require.NoError(t, alice.SendCommand(packet.TCP, packet.TargetSession, vote, int32(1)))
	require.NoError(t, bob.SendCommand(packet.UDP, packet.TargetSession, vote, int32(2)))

	_, err := future.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []command.Args{{int32(1)}}, got[ResponseID{Command: "vote", Client: alice.ID()}])
	assert.Equal(t, []command.Args{{int32(2)}}, got[ResponseID{Command: "vote", Client: bob.ID()}])
}

func TestWaitForResponsesTimeout(t *testing.T) {
	s := startServer(t, nil)
	alice, bob := connect(t, s), connect(t, s)
	sess := lobbyOf(t, s, alice, bob).HomeSession()

	tracking := make(chan struct{})
	var got map[ResponseID][]command.Args
	future := sess.RunSequence("vote", func(q *Sequence) error {
		q.TrackResponses(vote)
		close(tracking)
		got = q.WaitForResponses(vote, 200*time.Millisecond, 5*time.Millisecond)
		return nil
	})

	<-tracking
	require.NoError(t, alice.SendCommand(packet.TCP, packet.TargetSession, vote, int32(1)))

	_, err := future.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestWaitForPredicate(t *testing.T) {
	s := startServer(t, nil)
	alice := connect(t, s)
	sess := lobbyOf(t, s, alice).HomeSession()

	var flag atomic.Bool
	var ok bool
	future := sess.RunSequence("flag", func(q *Sequence) error {
		ok = q.WaitFor(flag.Load, wait, 5*time.Millisecond)
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	flag.Store(true)

	_, err := future.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSequenceErrorAndPanic(t *testing.T) {
	s := startServer(t, nil)
	alice := connect(t, s)
	sess := lobbyOf(t, s, alice).HomeSession()

	boom := errors.New("boom")
	_, err := sess.RunSequence("fails", func(*Sequence) error { return boom }).Wait(waitCtx(t))
	assert.True(t, errors.Is(err, boom))

	_, err = sess.RunSequence("panics", func(*Sequence) error { panic("bad") }).Wait(waitCtx(t))
	assert.Error(t, err)
}

func TestSessionStopCancelsSequences(t *testing.T) {
	s := startServer(t, nil)
	alice := connect(t, s)
	sess := lobbyOf(t, s, alice).HomeSession()

	started := make(chan struct{})
	future := sess.RunSequence("forever", func(q *Sequence) error {
		close(started)
		if !q.WaitFor(func() bool { return false }, time.Minute, 5*time.Millisecond) {
			return q.Context().Err()
		}
		return nil
	})

	<-started
	sess.Stop()

	_, err := future.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = sess.RunSequence("late", func(*Sequence) error { return nil }).Wait(waitCtx(t))
	assert.True(t, errors.Is(err, ErrStopped))
}
