// Package daemon implements the socket listener and daemon lifecycle (C1,
// C13): binding the configured endpoint, accepting one connection per
// request, and publishing Starting/Ready/Stopping state through an
// atomic-replace health snapshot backed by an exclusive lock/PID pair.
// Grounded in shape on 8cc77864_steveyegge-beads__internal-rpc-server_core.go.go's
// Server (shutdownChan/stopOnce/doneChan/readyChan fields) and
// fabf46f0_chazu-procyon__cmd-trashtalk-daemon-main.go.go's Unix-socket
// accept loop with per-connection, one-request handling.
package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"weaver/internal/config"
	"weaver/internal/logging"
	"weaver/internal/protocol"
	"weaver/internal/router"
	"weaver/internal/wireerr"
)

// Daemon owns the listener, the router dispatching each request, and the
// runtime artefacts (lock, PID, health) that make its liveness observable
// to a second weaverd started on the same runtime directory and to
// `weaver daemon status`.
type Daemon struct {
	cfg    config.Config
	router *router.Router
	paths  Paths

	lock     *lockHandle
	listener net.Listener

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	readyChan    chan struct{}
	doneChan     chan struct{}
}

// New builds a Daemon. Run must be called to actually bind and serve.
func New(cfg config.Config, r *router.Router) *Daemon {
	return &Daemon{
		cfg:          cfg,
		router:       r,
		paths:        Paths{Dir: cfg.RuntimeDir},
		shutdownChan: make(chan struct{}),
		readyChan:    make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Ready is closed once the listener is bound and the health snapshot says
// Ready. In-process callers (the package tests) wait on this before
// dialling; weaverd itself runs in the foreground and does not detach.
func (d *Daemon) Ready() <-chan struct{} { return d.readyChan }

// Done is closed once Run has finished all shutdown cleanup.
func (d *Daemon) Done() <-chan struct{} { return d.doneChan }

// Shutdown triggers a graceful stop; safe to call more than once and from
// any goroutine (a signal handler, typically).
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Run validates configuration, acquires the lock, binds the listener, and
// serves connections until ctx is cancelled or Shutdown is called. It
// returns only after every artefact has been cleaned up.
//
// Failure semantics per spec: invalid configuration aborts before any
// artefact is created; a bind failure removes the lock/PID it already
// created before returning.
func (d *Daemon) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryDaemon).Sugar()

	if err := d.cfg.Validate(); err != nil {
		return wireerr.New(wireerr.InvalidConfiguration, "%v", err)
	}

	lock, err := acquireLock(d.paths)
	if err != nil {
		return err
	}
	d.lock = lock

	if err := writeHealth(d.paths, StateStarting); err != nil {
		lock.release()
		return wireerr.New(wireerr.InvalidConfiguration, "write health snapshot: %v", err)
	}

	ep := resolveEndpoint(d.cfg.SocketPath, d.paths.DefaultSocket())
	ln, err := bind(ep)
	if err != nil {
		lock.release()
		return err
	}
	d.listener = ln

	if err := writeHealth(d.paths, StateReady); err != nil {
		ln.Close()
		lock.release()
		return wireerr.New(wireerr.InvalidConfiguration, "write health snapshot: %v", err)
	}
	close(d.readyChan)
	log.Infow("daemon ready", "network", ep.network, "address", ep.address)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(ln, log)
	}()

	select {
	case <-ctx.Done():
	case <-d.shutdownChan:
	}

	log.Info("daemon stopping")
	if err := writeHealth(d.paths, StateStopping); err != nil {
		log.Warnw("failed to write stopping health snapshot", "error", err)
	}
	ln.Close()
	<-acceptDone

	d.drain(log)

	lock.release()
	close(d.doneChan)
	log.Info("daemon stopped")
	return nil
}

// drain waits for in-flight connection workers to finish, bounded by the
// configured shutdown deadline; workers still running past the deadline
// are abandoned (their connections will be severed when the process exits
// or, in tests, when the listener's sockets are torn down).
func (d *Daemon) drain(log *zap.SugaredLogger) {
	deadline := time.Duration(d.cfg.ShutdownDeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(deadline):
		log.Warn("shutdown deadline exceeded with connections still in flight")
	}
}

// acceptLoop hands each accepted connection to its own worker goroutine.
// Transient accept errors are logged and retried with bounded exponential
// backoff; a closed listener (the shutdown signal) ends the loop cleanly.
func (d *Daemon) acceptLoop(ln net.Listener, log *zap.SugaredLogger) {
	backoff := 10 * time.Millisecond
	const maxBackoff = time.Second

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnw("accept error, backing off", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 10 * time.Millisecond

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn)
		}()
	}
}

// handleConn serves exactly one request for conn, per spec's one-line
// request envelope and one-connection-per-request wire contract, then
// closes the connection.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	framer := protocol.NewFramer(conn)
	writer := protocol.NewWriter(conn)

	req, err := framer.ReadRequest()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		we := wireerr.New(wireerr.MalformedJsonl, "%v", err)
		writer.WriteResponse(protocol.ErrorMessage(we))
		writer.WriteResponse(protocol.ExitMessage(1))
		return
	}

	d.router.Handle(context.Background(), req, func(msg protocol.Message) {
		writer.WriteResponse(msg)
	})
}
