package netstack

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mikaelmello/pingwatch/core"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	icmpPrivilegedNetwork = "ip4:icmp"

	// maxDatagram is the largest IPv4 payload we read from the socket.
	maxDatagram = 65535
)

var (
	// ErrUnsupportedProtocol is returned when opening a handle for anything but ICMP.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrNotBound is returned when sending on a handle that was not bound.
	ErrNotBound = errors.New("handle is not bound")

	// ErrAlreadyBound is returned when binding a handle twice.
	ErrAlreadyBound = errors.New("handle is already bound")

	// ErrClosed is returned when using a closed handle or stack.
	ErrClosed = errors.New("use of closed handle")
)

// packetConn is the part of ipv4.PacketConn the stack relies on.
type packetConn interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	Close() error
}

type listenFunc func(network, address string) (packetConn, error)

// Stack multiplexes raw ICMP sockets between handles. It implements core.Transport.
type Stack struct {
	logger *log.Logger
	listen listenFunc

	mu      sync.Mutex
	sockets map[string]*socket
	closed  bool
}

// NewStack creates a stack opening privileged raw ICMP sockets.
func NewStack(logger *log.Logger) *Stack {
	return newStack(logger, listenICMP)
}

func newStack(logger *log.Logger, listen listenFunc) *Stack {
	if logger == nil {
		logger = core.NewLogger(uint32(log.WarnLevel), nil)
	}

	return &Stack{
		logger:  logger,
		listen:  listen,
		sockets: make(map[string]*socket),
	}
}

// Open creates an unbound handle for protocol.
func (s *Stack) Open(protocol int) (core.Handle, error) {
	if protocol != core.ProtocolICMP {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocol, protocol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	return &handle{stack: s}, nil
}

// Close closes every socket of the stack, handles still bound are released.
func (s *Stack) Close() error {
	s.mu.Lock()
	s.closed = true
	sockets := s.sockets
	s.sockets = make(map[string]*socket)
	s.mu.Unlock()

	var err error
	for _, sock := range sockets {
		err = multierr.Append(err, sock.close())
	}
	for _, sock := range sockets {
		<-sock.done
	}

	return err
}

// attach binds h to the socket of local, opening it on first use.
func (s *Stack) attach(h *handle, local net.IP) (*socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	key := local.String()
	sock, ok := s.sockets[key]
	if !ok {
		s.logger.Infof("Starting to listen to packets in network %s on %s", icmpPrivilegedNetwork, key)

		conn, err := s.listen(icmpPrivilegedNetwork, key)
		if err != nil {
			return nil, fmt.Errorf("could not listen to ICMP packets on %s: %w", key, err)
		}

		sock = newSocket(key, conn, s.logger)
		s.sockets[key] = sock
		go sock.readLoop()
	}

	sock.add(h)
	return sock, nil
}

// detach removes h from its socket, closing the socket once nobody uses it.
func (s *Stack) detach(h *handle, sock *socket) error {
	s.mu.Lock()
	last := sock.remove(h)
	if last && s.sockets[sock.key] == sock {
		delete(s.sockets, sock.key)
	}
	s.mu.Unlock()

	if !last {
		return nil
	}

	s.logger.Infof("Closing socket on %s, no handle left", sock.key)
	return sock.close()
}

type handle struct {
	stack *Stack

	mu     sync.Mutex
	sock   *socket
	recv   func([]byte) bool
	closed bool
}

func (h *handle) Bind(local net.IP) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.sock != nil {
		return ErrAlreadyBound
	}

	sock, err := h.stack.attach(h, local)
	if err != nil {
		return err
	}

	h.sock = sock
	return nil
}

func (h *handle) OnReceive(fn func([]byte) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recv = fn
}

func (h *handle) receiver() func([]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	return h.recv
}

func (h *handle) SendTo(pkt []byte, dst net.IP) error {
	h.mu.Lock()
	sock, closed := h.sock, h.closed
	h.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if sock == nil {
		return ErrNotBound
	}

	return sock.send(pkt, dst)
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sock := h.sock
	h.mu.Unlock()

	if sock == nil {
		return nil
	}

	return h.stack.detach(h, sock)
}

// socket is one raw socket and the handles sharing it.
type socket struct {
	key    string
	conn   packetConn
	logger *log.Logger

	mu      sync.Mutex
	handles []*handle

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newSocket(key string, conn packetConn, logger *log.Logger) *socket {
	return &socket{
		key:    key,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *socket) add(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles = append(s.handles, h)
}

// remove reports whether h was the last handle of the socket.
func (s *socket) remove(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, other := range s.handles {
		if other == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}

	return len(s.handles) == 0
}

func (s *socket) snapshot() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*handle(nil), s.handles...)
}

func (s *socket) send(pkt []byte, dst net.IP) error {
	s.logger.Tracef("Writing %d bytes to %s", len(pkt), dst)

	if _, err := s.conn.WriteTo(pkt, nil, &net.IPAddr{IP: dst}); err != nil {
		return fmt.Errorf("error while sending to %s: %w", dst, err)
	}

	return nil
}

// close does not wait for the read loop, which may be delivering to a handler that is
// closing its own handle.
func (s *socket) close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

// readLoop delivers every inbound datagram until the socket is closed.
func (s *socket) readLoop() {
	defer close(s.done)

	buffer := make([]byte, maxDatagram)
	for {
		n, cm, src, err := s.conn.ReadFrom(buffer)
		if err != nil {
			if s.closing.Load() {
				return
			}
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			s.logger.Errorf("Error while reading from socket on %s, stopping: %s", s.key, err)
			return
		}

		pkt, err := frame(buffer[:n], cm, src)
		if err != nil {
			s.logger.Warnf("Dropping datagram from %s: %s", src, err)
			continue
		}

		s.dispatch(pkt)
	}
}

// dispatch offers pkt to every handle until one consumes it.
func (s *socket) dispatch(pkt []byte) {
	for _, h := range s.snapshot() {
		recv := h.receiver()
		if recv != nil && recv(pkt) {
			return
		}
	}

	s.logger.Tracef("Datagram of %d bytes not consumed by any handle", len(pkt))
}

// frame prepends an IPv4 header rebuilt from the control message to an ICMP payload.
func frame(payload []byte, cm *ipv4.ControlMessage, src net.Addr) ([]byte, error) {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		Protocol: core.ProtocolICMP,
	}

	if addr, ok := src.(*net.IPAddr); ok {
		h.Src = addr.IP
	}
	if cm != nil {
		h.TTL = cm.TTL
		h.Dst = cm.Dst
		if h.Src == nil {
			h.Src = cm.Src
		}
	}

	b, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("could not marshal IPv4 header: %w", err)
	}

	sum := core.Checksum(b)
	b[10] = byte(sum >> 8)
	b[11] = byte(sum)

	return append(b, payload...), nil
}

// listenICMP opens a raw ICMP socket reporting the TTL and addresses of inbound datagrams.
func listenICMP(network, address string) (packetConn, error) {
	conn, err := icmp.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}

	pc := conn.IPv4PacketConn()
	if pc == nil {
		conn.Close()
		return nil, fmt.Errorf("network %s is not IPv4", network)
	}

	if err := pc.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not set control message in connection: %w", err)
	}

	return pc, nil
}
