package core

import (
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	echoCode      = 0
	echoHeaderLen = 8
)

// buildEchoRequest marshals an echo request carrying size filler bytes, byte i being i mod 256.
// The checksum over header and payload is filled in by the marshaller.
func buildEchoRequest(id, seq uint16, size int) ([]byte, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: echoCode,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: data,
		},
	}

	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("could not marshal ICMP message with Echo body: %w", err)
	}

	return b, nil
}

// sendEchoRequest sends the next echo request to the destination. A request that cannot
// be built or transmitted is skipped, the next fire tries again.
func (s *Session) sendEchoRequest() {
	s.seq++
	s.attempted = true
	s.inFlight = false
	s.answered = false

	s.logger.Infof("Making a new echo request with seq %d to address %s", s.seq, s.dst)

	pkt, err := buildEchoRequest(s.id, s.seq, s.settings.PayloadSize)
	if err != nil {
		s.logger.Warnf("Skipping echo request %d: %s", s.seq, err)
		return
	}

	s.logger.Tracef("Writing ICMP message %x to address %s", pkt, s.dst)

	if err := s.handle.SendTo(pkt, s.dst); err != nil {
		s.logger.Warnf("Skipping echo request %d, could not send: %s", s.seq, err)
		return
	}

	s.sentAt = s.clock.Now()
	s.inFlight = true
	s.Stats.EchoRequested()

	for _, f := range s.sendHandlers {
		f(s, s.seq)
	}
}

// onReceive checks whether the datagram is the reply to the request in flight and
// reports it. Datagrams of other consumers of the channel are left unconsumed.
func (s *Session) onReceive(pkt []byte) bool {
	s.logger.Tracef("Raw packet received: %x", pkt)

	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		s.logger.Debugf("Ignoring packet without a valid IPv4 header: %s", err)
		return false
	}

	if h.Len < ipv4.HeaderLen || len(pkt) < h.Len+echoHeaderLen {
		s.logger.Debugf("Ignoring packet of %d bytes, too short for an echo reply", len(pkt))
		return false
	}

	m, err := icmp.ParseMessage(ProtocolICMP, pkt[h.Len:])
	if err != nil {
		s.logger.Debugf("Ignoring packet that is not an ICMP message: %s", err)
		return false
	}

	if m.Type != ipv4.ICMPTypeEchoReply {
		s.logger.Debugf("Ignoring ICMP message of type %v", m.Type)
		return false
	}

	body, ok := m.Body.(*icmp.Echo)
	if !ok {
		return false
	}

	if uint16(body.ID) != s.id || uint16(body.Seq) != s.seq {
		s.logger.Debugf("Echo reply id %#04x seq %d does not match session id %#04x seq %d",
			body.ID, body.Seq, s.id, s.seq)
		return false
	}

	if !s.inFlight {
		s.logger.Debugf("Echo reply seq %d matches no transmitted request", body.Seq)
		return false
	}

	if s.answered {
		s.logger.Debugf("Dropping duplicate echo reply for seq %d", s.seq)
		return true
	}

	rtt := s.clock.Now().Sub(s.sentAt)
	s.answered = true

	s.logger.Infof("Echo reply from %s seq %d time=%s", h.Src, s.seq, rtt)

	s.Stats.EchoReplied(rtt)
	s.report(successResult(s.seq, rtt))

	return true
}

// onTimerFire closes the current reply window, then either sends the next request and
// re-arms the timer or, when a stop was requested, tears the session down for good.
func (s *Session) onTimerFire() {
	s.logger.Info("Timer has fired")

	// only a window whose request was attempted counts as lost
	if s.attempted && !s.answered {
		s.Stats.EchoTimedOut()
	}

	if !s.answered || s.settings.ReportEveryCycle {
		s.report(timeoutResult())
	}

	s.attempted = false
	s.inFlight = false
	s.answered = false

	if s.stopRequested.Load() {
		s.logger.Info("Stop requested, not firing more requests")
		s.teardown()
		return
	}

	s.sendEchoRequest()
	s.arm(s.gen)
}
