package net

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"

	"github.com/skshohagmiah/rally/internal/command"
	"github.com/skshohagmiah/rally/internal/metrics"
	"github.com/skshohagmiah/rally/internal/packet"
	"github.com/skshohagmiah/rally/internal/protocol"
)

var (
	ErrClosed            = errors.New("net: connection closed")
	ErrHandshakeRejected = errors.New("net: handshake rejected by server")
	ErrNoUDP             = errors.New("net: connection has no udp route")
)

// Status is the lifecycle state of a connection.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	InServer
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case InServer:
		return "InServer"
	default:
		return "Disconnected"
	}
}

// FrameHandler receives every frame the connection does not handle itself.
// KeepAlive, Disconnect and ping frames never reach it.
type FrameHandler interface {
	HandleFrame(c *Connection, t packet.Transport, f *packet.Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(c *Connection, t packet.Transport, f *packet.Frame)

func (fn FrameHandlerFunc) HandleFrame(c *Connection, t packet.Transport, f *packet.Frame) {
	fn(c, t, f)
}

// NetworkSender is the send side of a connection.
type NetworkSender interface {
	Send(t packet.Transport, f *packet.Frame) error
	SendCommand(t packet.Transport, target packet.Target, id command.Id, args ...any) error
	SendRequest(t packet.Transport, rt packet.RequestType, requestID int64, payload []byte) error
	SendKeepAlive(t packet.Transport) error
	SendDisconnect() error
}

// Options configure one connection.
type Options struct {
	Address      string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int

	// UDPPort is the server's datagram port. Zero means the TCP port.
	UDPPort int

	Metrics *metrics.Metrics
}

// DefaultOptions returns default connection options.
func DefaultOptions(address string) *Options {
	return &Options{
		Address:      address,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   64 * 1024,
	}
}

// Connection is one peer reachable over a TCP stream and UDP datagrams. On
// the client it owns its UDP socket; on the server the socket is the
// server's shared one and inbound datagrams arrive through Deliver.
type Connection struct {
	id     uuid.UUID
	framer *packet.Framer
	opts   Options

	status atomic.Int32

	tcp    net.Conn
	buf    *bufio.Reader
	reader *protocol.Reader
	writer *bufio.Writer
	wmu    sync.Mutex

	udp     *net.UDPConn
	ownsUDP bool
	peer    *net.UDPAddr

	commands *command.Registry

	cbMu         sync.Mutex
	onDisconnect []func(*Connection, error)
	onPing       func(time.Duration)

	closeOnce sync.Once
	events    trace.EventLog
}

func newConnection(tcp net.Conn, framer *packet.Framer, opts Options) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	buf := bufio.NewReaderSize(tcp, opts.BufferSize)
	c := &Connection{
		framer:   framer,
		opts:     opts,
		tcp:      tcp,
		buf:      buf,
		reader:   protocol.NewReader(buf),
		writer:   bufio.NewWriterSize(tcp, opts.BufferSize),
		commands: command.NewRegistry(command.Strict),
		events:   trace.NewEventLog("rally.Connection", tcp.RemoteAddr().String()),
	}
	c.setStatus(Connecting)
	return c
}

// tune applies the socket options used for every stream.
func tune(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
}

// Dial connects to a server and runs the client side of the handshake. The
// returned connection is InServer; call Run to start receiving.
func Dial(ctx context.Context, framer *packet.Framer, opts *Options) (*Connection, error) {
	if opts == nil {
		return nil, errors.New("net: options cannot be nil")
	}

	d := net.Dialer{Timeout: opts.DialTimeout}
	tcp, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", opts.Address)
	}
	tune(tcp)

	c := newConnection(tcp, framer, *opts)
	if err := c.clientHandshake(); err != nil {
		c.events.Errorf("handshake: %v", err)
		c.setStatus(Disconnected)
		c.events.Finish()
		tcp.Close()
		if c.udp != nil {
			c.udp.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *Connection) clientHandshake() error {
	if c.opts.DialTimeout > 0 {
		c.tcp.SetReadDeadline(time.Now().Add(c.opts.DialTimeout))
	}
	code, id, err := packet.ReadGreeting(c.reader)
	if errors.Is(err, packet.ErrBadHandshake) {
		c.opts.Metrics.Handshake("rejected")
		return errors.Wrapf(ErrHandshakeRejected, "code 0x%08x", uint32(code))
	}
	if err != nil {
		c.opts.Metrics.Handshake("error")
		return err
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return errors.Wrap(err, "bind udp")
	}
	c.udp = udp
	c.ownsUDP = true

	if err := packet.WriteUDPPort(c.tcp, udp.LocalAddr().(*net.UDPAddr).Port); err != nil {
		return err
	}

	remote := c.tcp.RemoteAddr().(*net.TCPAddr)
	port := c.opts.UDPPort
	if port == 0 {
		port = remote.Port
	}
	c.peer = &net.UDPAddr{IP: remote.IP, Port: port, Zone: remote.Zone}
	c.id = id
	c.tcp.SetReadDeadline(time.Time{})

	c.setStatus(InServer)
	c.opts.Metrics.Handshake("ok")
	c.opts.Metrics.ConnectionOpened()
	c.events.Printf("joined as %s, udp peer %s", id, c.peer)
	return nil
}

// Accept runs the server side of the handshake on an accepted stream.
// Datagrams are sent through the shared socket udp.
func Accept(tcp net.Conn, id uuid.UUID, udp *net.UDPConn, framer *packet.Framer, opts *Options) (*Connection, error) {
	tune(tcp)
	c := newConnection(tcp, framer, *opts)
	c.id = id
	c.udp = udp

	if err := c.serverHandshake(); err != nil {
		c.opts.Metrics.Handshake("error")
		c.events.Errorf("handshake: %v", err)
		c.setStatus(Disconnected)
		c.events.Finish()
		tcp.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) serverHandshake() error {
	if err := packet.WriteGreeting(c.tcp, packet.CodeJoin, c.id); err != nil {
		return err
	}
	if c.opts.DialTimeout > 0 {
		c.tcp.SetReadDeadline(time.Now().Add(c.opts.DialTimeout))
	}
	port, err := packet.ReadUDPPort(c.reader)
	if err != nil {
		return err
	}
	c.tcp.SetReadDeadline(time.Time{})

	remote := c.tcp.RemoteAddr().(*net.TCPAddr)
	c.peer = &net.UDPAddr{IP: remote.IP, Port: port, Zone: remote.Zone}

	c.setStatus(InServer)
	c.opts.Metrics.Handshake("ok")
	c.opts.Metrics.ConnectionOpened()
	c.events.Printf("assigned %s, udp peer %s", c.id, c.peer)
	return nil
}

// Reject answers a stream the server will not admit and closes it.
func Reject(tcp net.Conn, code int32) error {
	defer tcp.Close()
	return packet.WriteGreeting(tcp, code, uuid.Nil)
}

func (c *Connection) ID() uuid.UUID { return c.id }

func (c *Connection) Status() Status { return Status(c.status.Load()) }

func (c *Connection) setStatus(s Status) { c.status.Store(int32(s)) }

func (c *Connection) IsConnected() bool { return c.Status() == InServer }

func (c *Connection) RemoteAddr() net.Addr { return c.tcp.RemoteAddr() }

// LocalUDPAddr returns the address datagrams are received on.
func (c *Connection) LocalUDPAddr() *net.UDPAddr {
	if c.udp == nil {
		return nil
	}
	return c.udp.LocalAddr().(*net.UDPAddr)
}

// PeerUDPAddr returns the address datagrams are sent to.
func (c *Connection) PeerUDPAddr() *net.UDPAddr { return c.peer }

// Commands is the connection's own strict command table.
func (c *Connection) Commands() *command.Registry { return c.commands }

func (c *Connection) Framer() *packet.Framer { return c.framer }

// OnDisconnect registers fn to run once when the connection closes. err is
// nil for a graceful disconnect.
func (c *Connection) OnDisconnect(fn func(*Connection, error)) {
	c.cbMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.cbMu.Unlock()
}

// OnPing sets the callback fired with the round trip time of every answered
// ping.
func (c *Connection) OnPing(fn func(rtt time.Duration)) {
	c.cbMu.Lock()
	c.onPing = fn
	c.cbMu.Unlock()
}

// Run receives frames until the connection closes. Frames not handled by
// the connection are passed to h. Run always closes the connection before
// returning; the returned error is nil after a graceful disconnect.
func (c *Connection) Run(h FrameHandler) error {
	var g errgroup.Group
	g.Go(func() error {
		err := c.tcpLoop(h)
		c.close(err)
		return err
	})
	if c.ownsUDP {
		g.Go(func() error {
			err := c.udpLoop(h)
			c.close(err)
			return err
		})
	}
	return g.Wait()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// tcpLoop reads frames from the stream. The read deadline only guards the
// wait for the first byte of a frame so a timeout never splits one.
func (c *Connection) tcpLoop(h FrameHandler) error {
	for c.Status() != Disconnected {
		if c.opts.ReadTimeout > 0 {
			c.tcp.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		if _, err := c.buf.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			return c.loopError(err)
		}
		c.tcp.SetReadDeadline(time.Time{})

		f, err := c.framer.ReadFrame(c.reader)
		if err != nil {
			return c.loopError(err)
		}
		if done := c.dispatch(h, packet.TCP, f); done {
			return nil
		}
	}
	return nil
}

func (c *Connection) udpLoop(h FrameHandler) error {
	buf := make([]byte, packet.MaxDatagramSize+1)
	for c.Status() != Disconnected {
		if c.opts.ReadTimeout > 0 {
			c.udp.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		n, from, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return c.loopError(err)
		}
		sender, f, err := c.framer.DecodeDatagram(buf[:n])
		if err != nil {
			glog.Warningf("[Connection] dropping datagram from %v: %v", from, err)
			continue
		}
		if sender != c.id {
			glog.V(2).Infof("[Connection] datagram for %s arrived at %s", sender, c.id)
		}
		if done := c.dispatch(h, packet.UDP, f); done {
			return nil
		}
	}
	return nil
}

// loopError hides the error a loop sees after the connection was closed
// locally.
func (c *Connection) loopError(err error) error {
	if c.Status() == Disconnected {
		return nil
	}
	return err
}

// Deliver hands a datagram frame received on a shared socket to the
// connection.
func (c *Connection) Deliver(h FrameHandler, f *packet.Frame) {
	if done := c.dispatch(h, packet.UDP, f); done {
		c.close(nil)
	}
}

// dispatch handles connection-level frames and forwards the rest. It
// reports true when the peer asked to disconnect.
func (c *Connection) dispatch(h FrameHandler, t packet.Transport, f *packet.Frame) bool {
	c.opts.Metrics.FrameReceived(f.Kind.String(), t.String())
	if glog.V(3) {
		glog.Infof("[Connection] %s <- %v over %v", c.id, f.Kind, t)
	}

	switch f.Kind {
	case packet.KindKeepAlive:
	case packet.KindDisconnect:
		c.events.Printf("peer disconnected")
		return true
	case packet.KindPingRequest:
		if err := c.Send(t, packet.PingResponse(f.Timestamp)); err != nil {
			glog.Warningf("[Connection] %s ping reply: %v", c.id, err)
		}
	case packet.KindPingResponse:
		rtt := time.Since(time.Unix(0, f.Timestamp))
		if rtt < 0 {
			rtt = 0
		}
		c.opts.Metrics.ObservePing(rtt)
		c.cbMu.Lock()
		fn := c.onPing
		c.cbMu.Unlock()
		if fn != nil {
			fn(rtt)
		}
	default:
		if h != nil {
			h.HandleFrame(c, t, f)
		}
	}
	return false
}

// Send encodes f and writes it on the chosen transport.
func (c *Connection) Send(t packet.Transport, f *packet.Frame) error {
	if c.Status() == Disconnected {
		return ErrClosed
	}
	var err error
	if t == packet.UDP {
		err = c.sendUDP(f)
	} else {
		err = c.sendTCP(f)
	}
	if err != nil {
		return err
	}
	c.opts.Metrics.FrameSent(f.Kind.String(), t.String())
	return nil
}

func (c *Connection) sendTCP(f *packet.Frame) error {
	b, err := c.framer.EncodeTCP(f)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.opts.WriteTimeout > 0 {
		c.tcp.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := c.writer.Write(b); err != nil {
		return errors.Wrap(err, "tcp write")
	}
	return errors.Wrap(c.writer.Flush(), "tcp flush")
}

func (c *Connection) sendUDP(f *packet.Frame) error {
	if c.udp == nil || c.peer == nil {
		return ErrNoUDP
	}
	b, err := c.framer.EncodeUDP(c.id, f)
	if err != nil {
		if errors.Is(err, packet.ErrDatagramTooLarge) {
			c.opts.Metrics.DatagramOversize()
		}
		return err
	}
	_, err = c.udp.WriteToUDP(b, c.peer)
	return errors.Wrap(err, "udp write")
}

// SendCommand encodes args with id's schema and sends the call.
func (c *Connection) SendCommand(t packet.Transport, target packet.Target, id command.Id, args ...any) error {
	payload, err := command.Encode(id, args...)
	if err != nil {
		return err
	}
	return c.Send(t, packet.Command(target, id.Name(), payload))
}

func (c *Connection) SendRequest(t packet.Transport, rt packet.RequestType, requestID int64, payload []byte) error {
	return c.Send(t, packet.Request(rt, requestID, payload))
}

func (c *Connection) SendKeepAlive(t packet.Transport) error {
	return c.Send(t, packet.KeepAlive())
}

// SendDisconnect tells the peer this side is leaving. It always uses TCP.
func (c *Connection) SendDisconnect() error {
	return c.Send(packet.TCP, packet.Disconnect())
}

// Ping sends a ping stamped with the current time.
func (c *Connection) Ping(t packet.Transport) error {
	return c.Send(t, packet.PingRequest(time.Now().UnixNano()))
}

// Disconnect sends a Disconnect frame if possible and closes the
// connection. It is safe to call more than once.
func (c *Connection) Disconnect() {
	if c.Status() != Disconnected {
		if err := c.SendDisconnect(); err != nil {
			glog.V(2).Infof("[Connection] %s disconnect notice: %v", c.id, err)
		}
	}
	c.close(nil)
}

// close tears the connection down once and fires the disconnect callbacks.
func (c *Connection) close(err error) {
	c.closeOnce.Do(func() {
		was := c.Status()
		c.setStatus(Disconnected)
		c.tcp.Close()
		if c.ownsUDP {
			c.udp.Close()
		}
		if was == InServer {
			c.opts.Metrics.ConnectionClosed()
		}

		if err != nil {
			c.events.Errorf("closed: %v", err)
			glog.Infof("[Connection] %s closed: %v", c.id, err)
		} else {
			c.events.Printf("closed")
			glog.V(2).Infof("[Connection] %s closed", c.id)
		}
		c.events.Finish()

		c.cbMu.Lock()
		callbacks := append(([]func(*Connection, error))(nil), c.onDisconnect...)
		c.cbMu.Unlock()
		for _, fn := range callbacks {
			fn(c, err)
		}
	})
}

var _ NetworkSender = (*Connection)(nil)
