package net

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	frames []*packet.Frame
	via    []packet.Transport
}

func (r *recorder) HandleFrame(_ *Connection, t packet.Transport, f *packet.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.via = append(r.via, t)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// pair holds both ends of a handshaken connection over loopback.
type pair struct {
	client, server *Connection
	serverUDP      *net.UDPConn
	serverFrames   *recorder
	clientFrames   *recorder
}

func newPair(t *testing.T) *pair {
	t.Helper()

	framer, err := packet.NewFramer(protocol.NewSerializer())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	opts := DefaultOptions(ln.Addr().String())
	opts.ReadTimeout = 50 * time.Millisecond
	opts.UDPPort = udp.LocalAddr().(*net.UDPAddr).Port

	p := &pair{serverUDP: udp, serverFrames: &recorder{}, clientFrames: &recorder{}}

	accepted := make(chan *Connection, 1)
	go func() {
		tcp, err := ln.Accept()
		if err != nil {
			return
		}
		c, err := Accept(tcp, uuid.New(), udp, framer, opts)
		if err != nil {
			return
		}
		accepted <- c
	}()

	p.client, err = Dial(context.Background(), framer, opts)
	require.NoError(t, err)
	select {
	case p.server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never completed the handshake")
	}

	// Shared-socket loop standing in for the server's datagram reader.
	go func() {
		buf := make([]byte, packet.MaxDatagramSize)
		for {
			n, _, err := udp.ReadFromUDP(buf)
			if err != nil {
				return
			}
			sender, f, err := framer.DecodeDatagram(buf[:n])
			if err != nil || sender != p.server.ID() {
				continue
			}
			p.server.Deliver(p.serverFrames, f)
		}
	}()

	go p.server.Run(p.serverFrames)
	go p.client.Run(p.clientFrames)
	t.Cleanup(func() {
		p.client.Disconnect()
		p.server.Disconnect()
	})
	return p
}

func TestHandshakeAssignsSameID(t *testing.T) {
	p := newPair(t)
	assert.Equal(t, InServer, p.client.Status())
	assert.Equal(t, InServer, p.server.Status())
	assert.Equal(t, p.server.ID(), p.client.ID())
	assert.NotEqual(t, uuid.Nil, p.client.ID())
	assert.Equal(t, p.client.LocalUDPAddr().Port, p.server.PeerUDPAddr().Port)
}

func TestHandshakeRejected(t *testing.T) {
	framer, err := packet.NewFramer(protocol.NewSerializer())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		tcp, err := ln.Accept()
		if err == nil {
			Reject(tcp, packet.CodeServerFull)
		}
	}()

	c, err := Dial(context.Background(), framer, DefaultOptions(ln.Addr().String()))
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
}

func TestCommandsOverBothTransports(t *testing.T) {
	p := newPair(t)
	move := command.NewId("move", protocol.Float32, protocol.Float32)

	require.NoError(t, p.client.SendCommand(packet.TCP, packet.TargetSession, move, float32(1), float32(2)))
	require.NoError(t, p.client.SendCommand(packet.UDP, packet.TargetSession, move, float32(3), float32(4)))

	assert.Eventually(t, func() bool { return p.serverFrames.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	p.serverFrames.mu.Lock()
	defer p.serverFrames.mu.Unlock()
	byTransport := map[packet.Transport]*packet.Frame{}
	for i, f := range p.serverFrames.frames {
		byTransport[p.serverFrames.via[i]] = f
	}
	require.Len(t, byTransport, 2)
	for tr, want := range map[packet.Transport][]any{
		packet.TCP: {float32(1), float32(2)},
		packet.UDP: {float32(3), float32(4)},
	} {
		f := byTransport[tr]
		assert.Equal(t, "move", f.Command)
		assert.Equal(t, packet.TargetSession, f.Target)
		args, err := command.Decode(move, f.Payload)
		require.NoError(t, err)
		assert.Equal(t, command.Args(want), args)
	}
}

func TestServerToClientDatagram(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.server.Send(packet.UDP, packet.SessionUpdate(&packet.SessionIdentifier{ID: uuid.New(), Name: "x"})))
	assert.Eventually(t, func() bool { return p.clientFrames.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOversizeDatagramRejectedBeforeSend(t *testing.T) {
	p := newPair(t)
	big := command.NewId("blob", protocol.Bytes)

	err := p.client.SendCommand(packet.UDP, packet.TargetServer, big, make([]byte, packet.MaxDatagramSize))
	assert.True(t, errors.Is(err, packet.ErrDatagramTooLarge))

	// The connection is still usable.
	require.NoError(t, p.client.SendCommand(packet.TCP, packet.TargetServer, big, make([]byte, packet.MaxDatagramSize)))
	assert.Eventually(t, func() bool { return p.serverFrames.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPingFiresOncePerPing(t *testing.T) {
	p := newPair(t)

	var fired atomic.Int32
	var negative atomic.Bool
	p.client.OnPing(func(rtt time.Duration) {
		if rtt < 0 {
			negative.Store(true)
		}
		fired.Add(1)
	})

	require.NoError(t, p.client.Ping(packet.TCP))
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.client.Ping(packet.UDP))
	require.NoError(t, p.client.Ping(packet.TCP))
	assert.Eventually(t, func() bool { return fired.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load())
	assert.False(t, negative.Load())

	// Ping traffic is handled by the connection itself.
	assert.Equal(t, 0, p.serverFrames.count())
}

func TestDisconnectCallbackFiresOnce(t *testing.T) {
	p := newPair(t)

	var clientSide, serverSide atomic.Int32
	var serverErr atomic.Value
	p.client.OnDisconnect(func(*Connection, error) { clientSide.Add(1) })
	p.server.OnDisconnect(func(_ *Connection, err error) {
		if err != nil {
			serverErr.Store(err)
		}
		serverSide.Add(1)
	})

	p.client.Disconnect()
	p.client.Disconnect()

	assert.Eventually(t, func() bool { return serverSide.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), clientSide.Load())
	assert.Nil(t, serverErr.Load(), "a Disconnect frame is a graceful close")
	assert.Equal(t, Disconnected, p.server.Status())

	assert.True(t, errors.Is(p.client.SendKeepAlive(packet.TCP), ErrClosed))
}

func TestAbruptCloseReportsError(t *testing.T) {
	p := newPair(t)

	var clientSide, serverSide atomic.Int32
	var serverErr atomic.Value
	p.client.OnDisconnect(func(*Connection, error) { clientSide.Add(1) })
	p.server.OnDisconnect(func(_ *Connection, err error) {
		if err != nil {
			serverErr.Store(err)
		}
		serverSide.Add(1)
	})

	// No Disconnect frame: the stream just goes away.
	p.client.tcp.Close()

	assert.Eventually(t, func() bool { return serverSide.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, serverErr.Load(), "a dropped stream is not a graceful close")
	assert.Equal(t, Disconnected, p.server.Status())
	assert.Eventually(t, func() bool { return p.client.Status() == Disconnected }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), serverSide.Load())
	assert.Equal(t, int32(1), clientSide.Load())
}

func TestReadTimeoutKeepsLoopAlive(t *testing.T) {
	p := newPair(t)

	// Several read timeouts pass with no traffic.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, p.server.IsConnected())
	assert.True(t, p.client.IsConnected())

	require.NoError(t, p.client.SendKeepAlive(packet.TCP))
	require.NoError(t, p.client.Send(packet.TCP, packet.Request(packet.RequestAvailableLobbies, 1, nil)))
	assert.Eventually(t, func() bool { return p.serverFrames.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}
