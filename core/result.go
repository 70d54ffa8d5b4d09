package core

import (
	"fmt"
	"time"
)

// Outcome is the end result of a watchdog cycle
type Outcome int

const (
	// Success is the outcome of an echo request answered by a matching reply
	Success Outcome = iota
	// Timeout is the outcome of a reply window closing without a matching reply
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is reported to the result handlers of a session.
// Timeout results always carry a zero sequence number and round trip.
type Result struct {
	Outcome   Outcome
	Seq       uint16
	RoundTrip time.Duration
}

// RoundTripMillis is the round trip time truncated to whole milliseconds.
func (r *Result) RoundTripMillis() uint32 {
	return uint32(r.RoundTrip / time.Millisecond)
}

// ResultHandler is called with every result of a session.
type ResultHandler func(*Session, *Result)

// SendHandler is called with the sequence number of every transmitted echo request.
type SendHandler func(*Session, uint16)

func successResult(seq uint16, rtt time.Duration) *Result {
	return &Result{Outcome: Success, Seq: seq, RoundTrip: rtt}
}

func timeoutResult() *Result {
	return &Result{Outcome: Timeout}
}
