package core

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// ErrNotIPv4 is returned when starting a session towards a destination that is not IPv4.
var ErrNotIPv4 = errors.New("destination is not an IPv4 address")

// Session is a watchdog pinging a single destination at a fixed interval.
//
// Timer fires and inbound datagrams are handled one at a time under the session lock,
// result handlers included. Handlers may call Stop, Done, IsActive and the other getters,
// never Start nor the Add*Handler methods.
type Session struct {
	// Stats contain the overall statistics of the session
	Stats Statistics

	settings  *Settings
	transport Transport
	scheduler Scheduler
	clock     clock.Clock

	// logger is an instance of logrus used to log activities related to this session
	logger *log.Logger

	// mu serializes the timer and receive handlers.
	mu sync.Mutex

	// id is the echo identifier of the current activation.
	id uint16

	// seq is the sequence number of the last echo request, 0 before the first send.
	seq uint16

	// sentAt is the time the last echo request was handed to the transport.
	sentAt time.Time

	// attempted is set when a request was tried in the current reply window.
	attempted bool

	// inFlight is set when the request with sequence seq was transmitted.
	inFlight bool

	// answered is set when a matching reply for seq has been reported.
	answered bool

	// stateMu guards dst and done, which handlers read while mu is held.
	stateMu sync.RWMutex
	dst     net.IP
	done    chan struct{}

	handle Handle
	timer  Timer

	// active mirrors handle != nil for readers not holding mu.
	active atomic.Bool

	// gen identifies the current activation, stale timer fires and receives compare against it.
	gen uint64

	// stopRequested is polled on every timer fire.
	stopRequested atomic.Bool

	// handler is the result handler given to Start, replaced on every Start.
	handler ResultHandler

	// rtHandlers are called with every result after handler and survive restarts.
	rtHandlers []ResultHandler

	// sendHandlers are called after every transmitted echo request.
	sendHandlers []SendHandler
}

// NewSession creates a new Session that is not active until Start is called.
func NewSession(transport Transport, scheduler Scheduler, clk clock.Clock, settings *Settings) (*Session, error) {
	logger := NewLogger(settings.LoggingLevel, nil)

	logger.Debug("Validating settings")

	if err := settings.validate(); err != nil {
		return nil, err
	}

	logger.Debug("Settings configured correctly")

	done := make(chan struct{})
	close(done)

	session := &Session{
		Stats:     NewStatistics(clk.Now),
		settings:  settings,
		transport: transport,
		scheduler: scheduler,
		clock:     clk,
		logger:    logger,
		id:        settings.Identifier,
		done:      done,
	}

	logger.Infof("Created session with id %#04x, payload size %d, interval %s",
		settings.Identifier, settings.PayloadSize, settings.Interval)

	return session, nil
}

// Start (re)initializes the session towards dst and begins the periodic cycle, the first
// request being sent when the first interval elapses. An active session is torn down
// first. Opening or binding the transport handle is a configuration error.
func (s *Session) Start(dst net.IP, handler ResultHandler) error {
	if !isIPv4(dst) {
		return fmt.Errorf("%w: %s", ErrNotIPv4, dst)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		s.logger.Infof("Tearing down session to %s before restarting", s.Address())
		s.teardown()
	}

	s.id = s.settings.Identifier
	s.seq = 0
	s.attempted = false
	s.inFlight = false
	s.answered = false
	s.handler = handler
	s.stopRequested.Store(false)

	s.stateMu.Lock()
	s.dst = dst.To4()
	s.stateMu.Unlock()

	s.logger.Infof("Opening ICMP handle for destination %s", dst)

	handle, err := s.transport.Open(ProtocolICMP)
	if err != nil {
		return fmt.Errorf("could not open ICMP handle: %w", err)
	}

	s.gen++
	gen := s.gen

	handle.OnReceive(func(pkt []byte) bool {
		return s.handleReceive(gen, pkt)
	})

	if err := handle.Bind(net.IPv4zero); err != nil {
		if cerr := handle.Close(); cerr != nil {
			s.logger.Warnf("Could not close ICMP handle after failed bind: %s", cerr)
		}
		return fmt.Errorf("could not bind ICMP handle: %w", err)
	}

	s.handle = handle
	s.active.Store(true)

	s.stateMu.Lock()
	s.done = make(chan struct{})
	s.stateMu.Unlock()

	s.Stats.SessionStarted()

	s.logger.Infof("Session to %s started, first fire in %s", dst, s.settings.Interval)
	s.arm(gen)

	return nil
}

// Stop requests the end of the session. It takes effect on the next timer fire, replies
// arriving before it are still handled.
func (s *Session) Stop() {
	s.logger.Info("Requesting to end session")
	s.stopRequested.Store(true)
}

// Done is closed once the current activation has been torn down.
// It is already closed before the first Start.
func (s *Session) Done() <-chan struct{} {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.done
}

// IsActive returns whether the session holds a transport handle
func (s *Session) IsActive() bool {
	return s.active.Load()
}

// Address is the destination of the current activation
func (s *Session) Address() net.IP {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.dst
}

// Identifier is the echo identifier tagging the traffic of this session
func (s *Session) Identifier() uint16 {
	return s.settings.Identifier
}

// PacketSize is the size in bytes of every echo request sent by this session
func (s *Session) PacketSize() int {
	return echoHeaderLen + s.settings.PayloadSize
}

// AddResultHandler adds a handler function that will be called with every result
func (s *Session) AddResultHandler(handler ResultHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rtHandlers = append(s.rtHandlers, handler)
}

// AddSendHandler adds a handler function that will be called after every transmitted request
func (s *Session) AddSendHandler(handler SendHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendHandlers = append(s.sendHandlers, handler)
}

// arm schedules the next fire of activation gen. Must be called with mu held.
func (s *Session) arm(gen uint64) {
	s.logger.Debugf("Arming timer to fire in %s", s.settings.Interval)
	s.timer = s.scheduler.AfterFunc(s.settings.Interval, func() {
		s.handleTimer(gen)
	})
}

// teardown releases the handle and the pending timer. Must be called with mu held.
func (s *Session) teardown() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.logger.Warnf("Could not close ICMP handle: %s", err)
		}
		s.handle = nil
	}
	s.active.Store(false)

	s.gen++
	s.Stats.SessionEnded()
	close(s.done)

	s.logger.Info("Session ended")
}

func (s *Session) handleTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.handle == nil {
		s.logger.Debug("Ignoring timer fire of a previous activation")
		return
	}

	s.onTimerFire()
}

func (s *Session) handleReceive(gen uint64, pkt []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.handle == nil {
		return false
	}

	return s.onReceive(pkt)
}

// report calls all handlers for a result. Must be called with mu held.
func (s *Session) report(r *Result) {
	s.logger.Debugf("Calling all handlers for %s result of seq %d", r.Outcome, r.Seq)

	if s.handler != nil {
		s.handler(s, r)
	}
	for _, f := range s.rtHandlers {
		f(s, r)
	}
}
