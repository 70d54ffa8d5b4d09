package cmd

import (
	"fmt"

	"github.com/mikaelmello/pingwatch/core"
)

// floodPrinter prints a dot for every request and erases it when the reply arrives, so the
// line only keeps the unanswered ones. Handlers run under the session lock, one at a time.
type floodPrinter struct {
	printer
}

// register adds the callbacks of the printer to the session
func (p *floodPrinter) register(s *core.Session) {
	s.AddSendHandler(p.floodPrintOnSend)
	s.AddResultHandler(p.floodPrintOnResult)
}

func (p *floodPrinter) floodPrintOnSend(_ *core.Session, _ uint16) {
	fmt.Fprint(p.out, ".")
}

func (p *floodPrinter) floodPrintOnResult(_ *core.Session, r *core.Result) {
	if r.Outcome == core.Success {
		fmt.Fprint(p.out, "\b \b")
	}
}

func (p *floodPrinter) floodPrintOnEnd(s *core.Session) {
	fmt.Fprintln(p.out)
	p.printOnEnd(s)
}
