package cmd

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mikaelmello/pingwatch/core"
)

// printer writes one line per result and a summary at the end of the run
type printer struct {
	out io.Writer
}

func (p *printer) printOnStart(s *core.Session, dst net.IP) {
	fmt.Fprintf(p.out, "PING %s id %#04x %d bytes of data\n", dst, s.Identifier(), s.PacketSize())
}

func (p *printer) printOnResult(s *core.Session, r *core.Result) {
	switch r.Outcome {
	case core.Success:
		fmt.Fprintf(p.out, "%d bytes from %s: icmp_seq=%d time=%d ms\n",
			s.PacketSize(), s.Address(), r.Seq, r.RoundTripMillis())
	case core.Timeout:
		fmt.Fprintf(p.out, "No reply from %s: timeout expired\n", s.Address())
	}
}

func (p *printer) printOnEnd(s *core.Session) {
	fmt.Fprintln(p.out)

	start, _ := s.Stats.GetStartTime()
	end, ok := s.Stats.GetEndTime()
	if !ok {
		end = start
	}
	totalTime := end.Sub(start).Truncate(time.Millisecond)

	fmt.Fprintf(p.out, "--- %s ping statistics ---\n", s.Address())
	fmt.Fprintf(p.out, "%d packets transmitted, %d received, %d timed out, %.0f%% packet loss, time %s\n",
		s.Stats.GetTotalSent(), s.Stats.GetTotalRecv(), s.Stats.GetTotalTimedOut(),
		s.Stats.GetPktLoss()*100, totalTime)

	if s.Stats.GetTotalRecv() == 0 {
		return
	}

	fmt.Fprintf(p.out, "rtt min/avg/max/mdev = %.3f/%.3f/%.3f/%.3f ms\n",
		millis(s.Stats.GetRTTMin()), millis(s.Stats.GetRTTAvg()),
		millis(s.Stats.GetRTTMax()), millis(s.Stats.GetRTTMDev()))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
