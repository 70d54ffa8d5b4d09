package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mikaelmello/pingwatch/core"
	"github.com/mikaelmello/pingwatch/metrics"
	log "github.com/sirupsen/logrus"
)

const metricsShutdownTimeout = time.Second

// transport is a core.Transport owned by the runner and released when the run ends
type transport interface {
	core.Transport
	Close() error
}

// Runner is the struct that is responsible for running the program
type Runner struct {
	session   *core.Session
	settings  *core.Settings
	transport transport
	clock     clock.Clock
	dst       net.IP
	logger    *log.Logger
	metrics   *metrics.Metrics
	sigch     chan os.Signal

	printer *printer
	flood   *floodPrinter

	// sent counts transmitted requests, it is only touched by session handlers.
	sent int

	mu          sync.Mutex
	metricsAddr net.Addr
}

// newRunner creates a runner with the initialized values
func newRunner(t transport, clk clock.Clock, dst net.IP, settings *core.Settings, out io.Writer, flood bool) (*Runner, error) {
	session, err := core.NewSession(t, core.NewClockScheduler(clk), clk, settings)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		session:   session,
		settings:  settings,
		transport: t,
		clock:     clk,
		dst:       dst,
		logger:    core.NewLogger(settings.LoggingLevel, nil),
		metrics:   metrics.NewMetrics(),
		sigch:     make(chan os.Signal, 1),
		printer:   &printer{out: out},
	}

	if flood {
		r.flood = &floodPrinter{printer{out: out}}
		r.flood.register(session)
	}

	session.AddSendHandler(r.metrics.ObserveSend)
	session.AddResultHandler(r.metrics.Observe)

	if settings.MaxCount > 0 {
		session.AddSendHandler(r.countSent)
	}

	return r, nil
}

// Run pings the destination until the count or the deadline is reached, the context is
// cancelled or a termination signal is received.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		if err := r.transport.Close(); err != nil {
			r.logger.Warnf("Could not close transport: %s", err)
		}
	}()

	shutdown, err := r.serveMetrics()
	if err != nil {
		return err
	}
	defer shutdown()

	var handler core.ResultHandler
	if r.flood == nil {
		handler = r.printer.printOnResult
		r.printer.printOnStart(r.session, r.dst)
	}

	if err := r.session.Start(r.dst, handler); err != nil {
		return err
	}
	done := r.session.Done()

	if r.settings.Deadline > 0 {
		deadline := r.clock.AfterFunc(r.settings.Deadline, r.RequestStop)
		defer deadline.Stop()
	}

	r.handleSignals(ctx, done)
	defer signal.Stop(r.sigch)

	<-done

	if r.flood != nil {
		r.flood.floodPrintOnEnd(r.session)
	} else {
		r.printer.printOnEnd(r.session)
	}

	return nil
}

// RequestStop requests the stop of the session
func (r *Runner) RequestStop() {
	r.session.Stop()
}

// MetricsAddr is the address the metrics endpoint listens on, nil when it is disabled
func (r *Runner) MetricsAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.metricsAddr
}

// countSent requests the stop once the last request of the count is sent, its reply
// window is still closed by the next fire.
func (r *Runner) countSent(_ *core.Session, _ uint16) {
	r.sent++
	if r.sent >= r.settings.MaxCount {
		r.logger.Infof("Sent %d requests, requesting stop", r.sent)
		r.RequestStop()
	}
}

// handleSignals stops the session on interrupt, termination or cancellation of ctx
func (r *Runner) handleSignals(ctx context.Context, done <-chan struct{}) {
	signal.Notify(r.sigch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-r.sigch:
			r.logger.Infof("Received %s", sig)
			r.RequestStop()
		case <-ctx.Done():
			r.RequestStop()
		case <-done:
		}
	}()
}

// serveMetrics starts the prometheus endpoint when configured and returns its shutdown.
func (r *Runner) serveMetrics() (func(), error) {
	if r.settings.MetricsAddr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", r.settings.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("could not listen for metrics on %s: %w", r.settings.MetricsAddr, err)
	}

	r.mu.Lock()
	r.metricsAddr = ln.Addr()
	r.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.logger.Infof("Serving metrics on http://%s/metrics", ln.Addr())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Errorf("Metrics server stopped: %s", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Warnf("Could not shut down metrics server: %s", err)
		}
	}, nil
}
