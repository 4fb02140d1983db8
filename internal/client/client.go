// Package client is the client endpoint: it connects to a rally server,
// runs Client-targeted commands, makes discovery requests and keeps the
// connection alive.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/config"
	"github.com/skshohagmiah/rally/internal/metrics"
	rnet "github.com/skshohagmiah/rally/internal/net"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
	"github.com/skshohagmiah/rally/internal/schedule"
)

var (
	// ErrHandshakeRejected is returned by Connect when the server refuses
	// the client, for example because it is full.
	ErrHandshakeRejected = rnet.ErrHandshakeRejected

	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrRequestFailed    = errors.New("client: request refused by server")
)

// Option configures a Client.
type Option func(*Client)

// WithSerializer shares a serializer so application message types can be
// used as command parameters.
func WithSerializer(s *protocol.Serializer) Option {
	return func(c *Client) { c.serializer = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

type pendingLobby struct {
	rt     packet.RequestType
	future *schedule.Future[*packet.LobbyIdentifier]
}

// Client is one endpoint connected to a server. Client-targeted commands
// are registered on it in strict mode and survive reconnects.
type Client struct {
	cfg        config.ClientConfig
	serializer *protocol.Serializer
	framer     *packet.Framer
	metrics    *metrics.Metrics
	commands   *command.Registry

	mu      sync.Mutex
	conn    *rnet.Connection
	lobby   *packet.LobbyIdentifier
	session *packet.SessionIdentifier

	nextRequest atomic.Int64
	reqMu       sync.Mutex
	lobbyReqs   map[int64]pendingLobby
	listReqs    map[int64]*schedule.Future[[]*packet.LobbyIdentifier]

	pinger    *schedule.Task
	keepAlive *schedule.Task
	pingVia   atomic.Int32
	aliveVia  atomic.Int32

	cbMu            sync.Mutex
	onDisconnect    []func(error)
	onPing          func(time.Duration)
	onLobbyUpdate   func(*packet.LobbyIdentifier)
	onSessionUpdate func(*packet.SessionIdentifier)
}

// New creates a disconnected client.
func New(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		commands:  command.NewRegistry(command.Strict),
		lobbyReqs: make(map[int64]pendingLobby),
		listReqs:  make(map[int64]*schedule.Future[[]*packet.LobbyIdentifier]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.serializer == nil {
		c.serializer = protocol.NewSerializer()
	}
	framer, err := packet.NewFramer(c.serializer)
	if err != nil {
		return nil, err
	}
	c.framer = framer

	c.pinger = schedule.New(cfg.PingInterval, func() {
		c.send(func(conn *rnet.Connection) error {
			return conn.Ping(packet.Transport(c.pingVia.Load()))
		})
	})
	c.keepAlive = schedule.New(cfg.KeepAliveInterval, func() {
		c.send(func(conn *rnet.Connection) error {
			return conn.SendKeepAlive(packet.Transport(c.aliveVia.Load()))
		})
	})
	return c, nil
}

// Connect dials the server and completes the handshake. A refused
// handshake returns ErrHandshakeRejected and leaves the client
// disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && c.conn.IsConnected() {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	opts := &rnet.Options{
		Address:      c.cfg.HostPort(),
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		Metrics:      c.metrics,
	}
	conn, err := rnet.Dial(ctx, c.framer, opts)
	if err != nil {
		glog.Warningf("[Client] connect to %s: %v", opts.Address, err)
		return err
	}

	conn.OnDisconnect(c.disconnected)
	conn.OnPing(func(rtt time.Duration) {
		c.cbMu.Lock()
		fn := c.onPing
		c.cbMu.Unlock()
		if fn != nil {
			fn(rtt)
		}
	})

	c.mu.Lock()
	c.conn = conn
	c.lobby, c.session = nil, nil
	c.mu.Unlock()

	go func() {
		if err := conn.Run(c); err != nil {
			glog.V(2).Infof("[Client] receive loop ended: %v", err)
		}
	}()

	glog.Infof("[Client] connected to %s as %s", opts.Address, conn.ID())
	return nil
}

// Disconnect tells the server and closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// ID is the identity the server assigned, or uuid.Nil before the first
// connect.
func (c *Client) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return uuid.Nil
	}
	return c.conn.ID()
}

// Connection returns the current connection, or nil.
func (c *Client) Connection() *rnet.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Commands is the table for Client-targeted commands sent by the server.
func (c *Client) Commands() *command.Registry { return c.commands }

// AddCommand registers a Client-targeted command.
func (c *Client) AddCommand(id command.Id, h command.Handler) error {
	return c.commands.Add(id, h)
}

// Lobby is the last lobby snapshot the server sent, or nil.
func (c *Client) Lobby() *packet.LobbyIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobby
}

// Session is the session the server last placed the client in, or nil.
func (c *Client) Session() *packet.SessionIdentifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// OnDisconnect registers fn to run when the connection closes. err is nil
// after a graceful disconnect from either side.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.cbMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.cbMu.Unlock()
}

// OnPing sets the callback for ping round trips.
func (c *Client) OnPing(fn func(rtt time.Duration)) {
	c.cbMu.Lock()
	c.onPing = fn
	c.cbMu.Unlock()
}

func (c *Client) OnLobbyUpdate(fn func(*packet.LobbyIdentifier)) {
	c.cbMu.Lock()
	c.onLobbyUpdate = fn
	c.cbMu.Unlock()
}

func (c *Client) OnSessionUpdate(fn func(*packet.SessionIdentifier)) {
	c.cbMu.Lock()
	c.onSessionUpdate = fn
	c.cbMu.Unlock()
}

// SendCommand calls id on target at the server.
func (c *Client) SendCommand(t packet.Transport, target packet.Target, id command.Id, args ...any) error {
	return c.send(func(conn *rnet.Connection) error {
		return conn.SendCommand(t, target, id, args...)
	})
}

// SendRequest sends a raw request frame.
func (c *Client) SendRequest(t packet.Transport, rt packet.RequestType, requestID int64, payload []byte) error {
	return c.send(func(conn *rnet.Connection) error {
		return conn.SendRequest(t, rt, requestID, payload)
	})
}

func (c *Client) send(fn func(*rnet.Connection) error) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	err := fn(conn)
	if err != nil {
		glog.V(2).Infof("[Client] send: %v", err)
	}
	return err
}

// StartPinging pings the server every PingInterval over t.
func (c *Client) StartPinging(t packet.Transport) {
	c.pingVia.Store(int32(t))
	c.pinger.Start()
}

func (c *Client) StopPinging() { c.pinger.Stop() }

// StartKeepAlive sends a KeepAlive every KeepAliveInterval over t.
func (c *Client) StartKeepAlive(t packet.Transport) {
	c.aliveVia.Store(int32(t))
	c.keepAlive.Start()
}

func (c *Client) StopKeepAlive() { c.keepAlive.Stop() }

// disconnected runs once per connection.
func (c *Client) disconnected(conn *rnet.Connection, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.lobby, c.session = nil, nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	// The tasks only send, so stopping them here cannot re-enter close.
	c.pinger.Stop()
	c.keepAlive.Stop()
	c.failPending(rnet.ErrClosed)

	if err != nil {
		glog.Warningf("[Client] disconnected: %v", err)
	} else {
		glog.Infof("[Client] disconnected")
	}

	c.cbMu.Lock()
	callbacks := append(([]func(error))(nil), c.onDisconnect...)
	c.cbMu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

// HandleFrame is the client's FrameHandler.
func (c *Client) HandleFrame(conn *rnet.Connection, t packet.Transport, f *packet.Frame) {
	switch f.Kind {
	case packet.KindRPCCommand:
		if f.Target != packet.TargetClient {
			glog.Warningf("[Client] ignoring %v command %q", f.Target, f.Command)
			return
		}
		ctx := command.Context{Client: uuid.Nil, Transport: t}
		if _, err := c.commands.Dispatch(ctx, f.Command, f.Payload); err != nil {
			glog.Warningf("[Client] command %q: %v", f.Command, err)
			c.metrics.CommandDropped("client")
		}
	case packet.KindLobbyUpdate:
		c.lobbyUpdate(f)
	case packet.KindSessionUpdate:
		c.mu.Lock()
		c.session = f.Session
		c.mu.Unlock()
		c.cbMu.Lock()
		fn := c.onSessionUpdate
		c.cbMu.Unlock()
		if fn != nil {
			fn(f.Session)
		}
	case packet.KindAvailableLobbiesUpdate:
		c.reqMu.Lock()
		future, ok := c.listReqs[f.RequestID]
		delete(c.listReqs, f.RequestID)
		c.reqMu.Unlock()
		if ok {
			future.Resolve(f.Lobbies, nil)
		}
	default:
		glog.Warningf("[Client] unexpected %v frame", f.Kind)
	}
}
