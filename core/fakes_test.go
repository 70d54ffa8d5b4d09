package core

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	testDst   = net.IPv4(192, 168, 10, 10)
	testLocal = net.IPv4(192, 168, 10, 2)
)

// fakeTransport records the lifecycle of every handle it opens
type fakeTransport struct {
	mu      sync.Mutex
	events  []string
	handles []*fakeHandle
	openErr error
	bindErr error
	sendErr error
}

func (f *fakeTransport) Open(protocol int) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}

	f.events = append(f.events, "open")
	h := &fakeHandle{transport: f, protocol: protocol}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTransport) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.handles)
}

func (f *fakeTransport) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, h := range f.handles {
		if h.closed {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.handles[len(f.handles)-1]
}

type fakeHandle struct {
	transport *fakeTransport
	protocol  int
	bound     net.IP
	recv      func([]byte) bool
	sent      [][]byte
	dsts      []net.IP
	closed    bool
}

func (h *fakeHandle) Bind(local net.IP) error {
	if h.transport.bindErr != nil {
		return h.transport.bindErr
	}
	h.bound = local
	return nil
}

func (h *fakeHandle) OnReceive(fn func([]byte) bool) {
	h.recv = fn
}

func (h *fakeHandle) SendTo(pkt []byte, dst net.IP) error {
	if h.transport.sendErr != nil {
		return h.transport.sendErr
	}
	h.sent = append(h.sent, pkt)
	h.dsts = append(h.dsts, dst)
	return nil
}

func (h *fakeHandle) Close() error {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()

	h.transport.events = append(h.transport.events, "close")
	h.closed = true
	return nil
}

// deliver offers a datagram the way the transport would
func (h *fakeHandle) deliver(pkt []byte) bool {
	return h.recv(pkt)
}

// sentSeqs decodes the sequence numbers of all transmitted requests
func (h *fakeHandle) sentSeqs(t *testing.T) []uint16 {
	seqs := make([]uint16, 0, len(h.sent))
	for _, pkt := range h.sent {
		seqs = append(seqs, decodeEcho(t, pkt).Seq)
	}
	return seqs
}

// fakeScheduler keeps every armed timer so the test decides when it fires
type fakeScheduler struct {
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeScheduler) pending() []*fakeTimer {
	var p []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			p = append(p, t)
		}
	}
	return p
}

// fire runs the oldest pending timer and reports whether there was one
func (f *fakeScheduler) fire() bool {
	p := f.pending()
	if len(p) == 0 {
		return false
	}
	p[0].fired = true
	p[0].fn()
	return true
}

type recorder struct {
	results []Result
}

func (r *recorder) handle(_ *Session, res *Result) {
	r.results = append(r.results, *res)
}

func (r *recorder) last() Result {
	return r.results[len(r.results)-1]
}

func (r *recorder) count(o Outcome) int {
	n := 0
	for _, res := range r.results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

type harness struct {
	session   *Session
	transport *fakeTransport
	scheduler *fakeScheduler
	clock     *clock.Mock
	results   *recorder
}

func newHarness(t *testing.T, settings *Settings) *harness {
	h := &harness{
		transport: &fakeTransport{},
		scheduler: &fakeScheduler{},
		clock:     clock.NewMock(),
		results:   &recorder{},
	}

	s, err := NewSession(h.transport, h.scheduler, h.clock, settings)
	require.NoError(t, err)
	h.session = s

	return h
}

func newStartedHarness(t *testing.T, settings *Settings) *harness {
	h := newHarness(t, settings)
	require.NoError(t, h.session.Start(testDst, h.results.handle))
	return h
}

// buildEchoReply builds a full IPv4 datagram carrying an echo reply
func buildEchoReply(t *testing.T, id, seq uint16, payload []byte) []byte {
	return buildICMPDatagram(t, layers.ICMPv4TypeEchoReply, id, seq, payload)
}

func buildICMPDatagram(t *testing.T, typ uint8, id, seq uint16, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    testDst.To4(),
		DstIP:    testLocal.To4(),
	}
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	err := gopacket.SerializeLayers(buf, opts, ip, echo, gopacket.Payload(payload))
	require.NoError(t, err)

	return buf.Bytes()
}

// decodeEcho decodes an echo message with gopacket as an independent parser
func decodeEcho(t *testing.T, pkt []byte) *layers.ICMPv4 {
	packet := gopacket.NewPacket(pkt, layers.LayerTypeICMPv4, gopacket.Default)
	layer := packet.Layer(layers.LayerTypeICMPv4)
	require.NotNil(t, layer, "packet is not an ICMPv4 message")

	return layer.(*layers.ICMPv4)
}

var errFake = errors.New("fake failure")
