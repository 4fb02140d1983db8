package server

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/config"
	"github.com/skshohagmiah/rally/internal/metrics"
	rnet "github.com/skshohagmiah/rally/internal/net"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
	"github.com/skshohagmiah/rally/internal/store"
)

var (
	ErrStopped         = errors.New("server: stopped")
	ErrLobbyFull       = errors.New("server: lobby is full")
	ErrLobbyNotFound   = errors.New("server: lobby not found")
	ErrSessionNotFound = errors.New("server: session not found")
	ErrAlreadyMember   = errors.New("server: already a member")
)

type options struct {
	serializer      *protocol.Serializer
	metrics         *metrics.Metrics
	store           *store.LobbyStore
	factory         LobbyFactory
	tracerProvider  trace.TracerProvider
	sequenceWorkers int
}

// Option configures a Server.
type Option func(*options)

// WithSerializer shares a serializer with the server, so application
// message types registered on it can be used as command parameters.
func WithSerializer(s *protocol.Serializer) Option {
	return func(o *options) { o.serializer = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore persists created lobbies and restores them on start.
func WithStore(ls *store.LobbyStore) Option {
	return func(o *options) { o.store = ls }
}

func WithLobbyFactory(f LobbyFactory) Option {
	return func(o *options) { o.factory = f }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithSequenceWorkers sets how many sequences each session runs at once.
func WithSequenceWorkers(n int) Option {
	return func(o *options) { o.sequenceWorkers = n }
}

// Server accepts clients over TCP, shares one UDP socket among them and
// routes their commands to the server, lobby, session or connection tables.
type Server struct {
	cfg      config.ServerConfig
	opts     options
	framer   *packet.Framer
	commands *command.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	listener   net.Listener
	udp        *net.UDPConn
	handshakes *semaphore.Weighted

	mu       sync.RWMutex
	peers    map[uuid.UUID]*Peer
	reserved int
	lobbies  map[uuid.UUID]*Lobby
	order    []uuid.UUID

	conns    sync.WaitGroup
	stopping atomic.Bool

	// Metrics
	framesRouted  atomic.Uint64
	framesDropped atomic.Uint64
	requests      atomic.Uint64
	rejected      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New binds the TCP listener and the UDP socket on the same port and
// restores stored lobbies. Call Start to serve.
func New(cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{sequenceWorkers: DefaultWorkerPoolSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.serializer == nil {
		o.serializer = protocol.NewSerializer()
	}
	if o.factory == nil {
		o.factory = NewLobby
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	framer, err := packet.NewFramer(o.serializer)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.HostPort())
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}
	port := listener.Addr().(*net.TCPAddr).Port
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Address, strconv.Itoa(port)))
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "resolve udp address")
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "failed to bind udp")
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:        cfg,
		opts:       o,
		framer:     framer,
		commands:   command.NewRegistry(command.HotSwap),
		metrics:    o.metrics,
		tracer:     o.tracerProvider.Tracer("github.com/skshohagmiah/rally/internal/server"),
		listener:   listener,
		udp:        udp,
		handshakes: semaphore.NewWeighted(int64(cfg.Backlog)),
		peers:      make(map[uuid.UUID]*Peer),
		lobbies:    make(map[uuid.UUID]*Lobby),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := srv.restore(); err != nil {
		srv.closeSockets()
		cancel()
		return nil, err
	}

	glog.Infof("[Server] initialized on %s (tcp+udp), max %d clients", listener.Addr(), cfg.MaxClients)
	return srv, nil
}

// restore recreates the stored lobbies, empty.
func (s *Server) restore() error {
	if s.opts.store == nil {
		return nil
	}
	recs, err := s.opts.store.List()
	if err != nil {
		return errors.Wrap(err, "restore lobbies")
	}
	for _, rec := range recs {
		s.addLobby(s.opts.factory(s, rec.ID, rec.Name, int(rec.Capacity)))
	}
	if len(recs) > 0 {
		glog.Infof("[Server] restored %d lobbies", len(recs))
	}
	return nil
}

// Addr is the TCP address; the UDP socket uses the same port.
func (s *Server) Addr() *net.TCPAddr { return s.listener.Addr().(*net.TCPAddr) }

func (s *Server) Config() config.ServerConfig { return s.cfg }

func (s *Server) Serializer() *protocol.Serializer { return s.framer.Serializer() }

// Commands is the table for Server-targeted commands.
func (s *Server) Commands() *command.Registry { return s.commands }

// Start serves until Stop is called or a socket fails.
func (s *Server) Start() error {
	var g errgroup.Group
	g.Go(func() error {
		err := s.acceptLoop()
		if err != nil {
			s.closeSockets()
		}
		return err
	})
	g.Go(func() error {
		err := s.udpLoop()
		if err != nil {
			s.closeSockets()
		}
		return err
	})
	return g.Wait()
}

func (s *Server) closeSockets() {
	s.listener.Close()
	s.udp.Close()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			glog.Errorf("[Server] accept: %v", err)
			continue
		}

		if err := s.handshakes.Acquire(s.ctx, 1); err != nil {
			rnet.Reject(conn, packet.CodeLeave)
			return nil
		}
		go s.handshake(conn)
	}
}

// handshake admits one stream. It holds a handshake slot until the peer is
// registered.
func (s *Server) handshake(conn net.Conn) {
	if s.stopping.Load() {
		s.handshakes.Release(1)
		rnet.Reject(conn, packet.CodeLeave)
		return
	}

	s.mu.Lock()
	if len(s.peers)+s.reserved >= s.cfg.MaxClients {
		s.mu.Unlock()
		s.handshakes.Release(1)
		s.rejected.Add(1)
		s.metrics.Handshake("full")
		glog.Warningf("[Server] rejecting %s: server full", conn.RemoteAddr())
		rnet.Reject(conn, packet.CodeServerFull)
		return
	}
	s.reserved++
	s.mu.Unlock()

	opts := &rnet.Options{
		DialTimeout:  s.cfg.ReadTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		Metrics:      s.metrics,
	}
	c, err := rnet.Accept(conn, uuid.New(), s.udp, s.framer, opts)
	if err != nil {
		s.mu.Lock()
		s.reserved--
		s.mu.Unlock()
		s.handshakes.Release(1)
		glog.Errorf("[Server] handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	p := &Peer{Connection: c}
	p.OnDisconnect(func(_ *rnet.Connection, err error) { s.removePeer(p, err) })

	// Stop snapshots the peers under s.mu after setting stopping, so a peer
	// published here is always seen by it.
	s.mu.Lock()
	s.reserved--
	admitted := !s.stopping.Load()
	if admitted {
		s.peers[c.ID()] = p
		s.conns.Add(1)
	}
	s.mu.Unlock()
	s.handshakes.Release(1)

	if !admitted {
		glog.V(2).Infof("[Server] dropping %s: server stopping", conn.RemoteAddr())
		c.Disconnect()
		return
	}
	defer s.conns.Done()

	glog.Infof("[Server] client %s joined from %s", p.ID(), conn.RemoteAddr())
	if err := p.Run(s); err != nil {
		glog.V(2).Infof("[Server] client %s loop ended: %v", p.ID(), err)
	}
}

func (s *Server) udpLoop() error {
	buf := make([]byte, packet.MaxDatagramSize+1)
	for {
		n, from, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			glog.Errorf("[Server] udp read: %v", err)
			return err
		}

		sender, f, err := s.framer.DecodeDatagram(buf[:n])
		if err != nil {
			glog.Warningf("[Server] dropping datagram from %v: %v", from, err)
			continue
		}
		p := s.Peer(sender)
		if p == nil {
			glog.V(2).Infof("[Server] datagram from unknown client %s at %v", sender, from)
			continue
		}
		p.Deliver(s, f)
	}
}

// HandleFrame routes frames from every peer. It is the FrameHandler for
// all server-side connections.
func (s *Server) HandleFrame(c *rnet.Connection, t packet.Transport, f *packet.Frame) {
	p := s.Peer(c.ID())
	if p == nil {
		return
	}
	switch f.Kind {
	case packet.KindRPCCommand:
		s.route(p, t, f)
	case packet.KindRequest:
		s.handleRequest(p, t, f)
	default:
		glog.Warningf("[Server] unexpected %v frame from %s", f.Kind, p.ID())
	}
}

// route resolves the command table for f's target. Calls for a lobby or
// session the sender is not in are dropped; the payload is already
// delimited so the stream stays in sync.
func (s *Server) route(p *Peer, t packet.Transport, f *packet.Frame) {
	ctx := command.Context{Client: p.ID(), Transport: t}

	var err error
	switch f.Target {
	case packet.TargetClient:
		_, err = p.Commands().Dispatch(ctx, f.Command, f.Payload)
	case packet.TargetServer:
		_, err = s.commands.Dispatch(ctx, f.Command, f.Payload)
	case packet.TargetLobby:
		l := p.Lobby()
		if l == nil {
			s.drop(p, f, "no_lobby")
			return
		}
		err = l.dispatch(ctx, f)
	case packet.TargetSession:
		sess := p.Session()
		if sess == nil {
			s.drop(p, f, "no_session")
			return
		}
		err = sess.dispatch(ctx, f)
	default:
		s.drop(p, f, "bad_target")
		return
	}

	if err != nil {
		reason := "decode"
		if errors.Is(err, command.ErrUnknownCommand) {
			reason = "unknown"
		}
		glog.Warningf("[Server] %s: %v command %q: %v", p.ID(), f.Target, f.Command, err)
		s.framesDropped.Add(1)
		s.metrics.CommandDropped(reason)
		return
	}
	s.framesRouted.Add(1)
}

func (s *Server) drop(p *Peer, f *packet.Frame, reason string) {
	glog.Warningf("[Server] %s: discarding %v command %q (%d bytes): %s",
		p.ID(), f.Target, f.Command, len(f.Payload), reason)
	s.framesDropped.Add(1)
	s.metrics.CommandDropped(reason)
}

// removePeer runs once per peer when its connection closes.
func (s *Server) removePeer(p *Peer, err error) {
	p.membership.Lock()
	p.removed = true
	s.mu.Lock()
	delete(s.peers, p.ID())
	s.mu.Unlock()
	s.leaveLocked(p)
	p.membership.Unlock()

	if err != nil {
		glog.Infof("[Server] client %s disconnected: %v", p.ID(), err)
	} else {
		glog.Infof("[Server] client %s disconnected", p.ID())
	}
}

// Peer returns a connected client by id.
func (s *Server) Peer(id uuid.UUID) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Peers returns the connected clients.
func (s *Server) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// Stop disconnects every client, cancels running sequences and closes the
// sockets. It is safe to call more than once.
func (s *Server) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	glog.Infof("[Server] stopping")

	s.cancel()
	err := s.listener.Close()

	for _, p := range s.Peers() {
		p.Disconnect()
	}
	for _, l := range s.Lobbies() {
		l.stop()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		glog.Warningf("[Server] connections still draining after 5s")
	}

	if uerr := s.udp.Close(); err == nil {
		err = uerr
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	clients, lobbies := len(s.peers), len(s.lobbies)
	s.mu.RUnlock()

	sessions := 0
	for _, l := range s.Lobbies() {
		sessions += len(l.Sessions())
	}
	return map[string]interface{}{
		"clients":             clients,
		"max_clients":         s.cfg.MaxClients,
		"lobbies":             lobbies,
		"sessions":            sessions,
		"frames_routed":       s.framesRouted.Load(),
		"frames_dropped":      s.framesDropped.Load(),
		"requests":            s.requests.Load(),
		"handshakes_rejected": s.rejected.Load(),
	}
}
