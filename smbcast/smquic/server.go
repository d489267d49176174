package smquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gordian-engine/sharedmap/internal/smtrace"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smbcast/smwire"
	"github.com/gordian-engine/sharedmap/smpubsub"
	"github.com/quic-go/quic-go"
)

// Server exports the deliveries of an [*smbcast.Hub]
// to every connected [Client].
type Server struct {
	log *slog.Logger

	hub *smbcast.Hub

	ql *quic.Listener

	tracer smtrace.Tracer

	helloTimeout time.Duration

	wg sync.WaitGroup
}

// ServerConfig is the configuration for [NewServer].
type ServerConfig struct {
	// The hub whose deliveries are exported.
	Hub *smbcast.Hub

	// Local UDP address to listen on, e.g. "127.0.0.1:0".
	ListenAddr string

	// Must contain a server certificate.
	// The server clones it and sets NextProtos.
	TLS *tls.Config

	// If nil, [DefaultConfig] is used.
	QUIC *quic.Config

	// How long a new connection has to send its hello.
	// If zero, a reasonable default is used.
	HelloTimeout time.Duration

	// Optional. Each subscriber connection is traced as one span.
	TracerProvider smtrace.TracerProvider
}

// validate panics if there are any illegal settings in the configuration.
func (c ServerConfig) validate() {
	var panicErrs error

	if c.Hub == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.Hub may not be nil"))
	}

	if c.TLS == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ServerConfig.TLS may not be nil"))
	} else if len(c.TLS.Certificates) == 0 && c.TLS.GetCertificate == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("ServerConfig.TLS must provide a certificate via Certificates or GetCertificate"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewServer starts listening on cfg.ListenAddr.
// The ctx parameter controls the lifecycle of the Server;
// cancel the context to stop it,
// and then use [*Server.Wait] to block until all background work has completed.
//
// NewServer returns runtime errors that happen during initialization.
// Configuration errors cause a panic.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) (*Server, error) {
	cfg.validate()

	qc := cfg.QUIC
	if qc == nil {
		qc = DefaultConfig()
	}

	ql, err := quic.ListenAddr(cfg.ListenAddr, withNextProto(cfg.TLS), qc)
	if err != nil {
		return nil, fmt.Errorf("failed to set up QUIC listener: %w", err)
	}

	helloTimeout := cfg.HelloTimeout
	if helloTimeout == 0 {
		helloTimeout = 2 * time.Second
	}

	s := &Server{
		log: log,

		hub: cfg.Hub,

		ql: ql,

		tracer: smtrace.NewTracer(cfg.TracerProvider),

		helloTimeout: helloTimeout,
	}

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.ql.Addr()
}

// Wait blocks until the server has finished all background work.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) acceptConnections(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if err := s.ql.Close(); err != nil {
			s.log.Debug("Error closing QUIC listener", "err", err)
		}
	}()

	for {
		qc, err := s.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info(
					"Accept loop quitting due to context cancellation",
					"cause", context.Cause(ctx),
				)
				return
			}

			// Debug-level because this could be spammy under garbage connections.
			s.log.Debug("Failed to accept incoming connection", "err", err)
			continue
		}

		s.wg.Add(1)
		go s.serveConnection(ctx, qc)
	}
}

// serveConnection runs for the lifetime of one child connection.
func (s *Server) serveConnection(ctx context.Context, qc quic.Connection) {
	defer s.wg.Done()

	log := s.log.With("remote", qc.RemoteAddr().String())

	ctx, span := s.tracer.Start(
		ctx,
		"serve subscriber",
		smtrace.WithAttributes(
			smtrace.RemoteAddrAttr(qc),
		),
	)
	defer span.End()

	id, err := s.readHello(ctx, qc)
	if err != nil {
		log.Debug("Closing connection after failed hello", "err", err)
		smtrace.SpanError(span, err)
		_ = qc.CloseWithError(closeCodeProtocol, "hello failed")
		return
	}
	log = log.With("subscriber", id.String())
	span.SetAttributes(smtrace.StringAttr("subscriber", id.String()))

	ss, err := qc.OpenUniStreamSync(ctx)
	if err != nil {
		log.Debug("Failed to open delivery stream", "err", err)
		smtrace.SpanError(span, err)
		_ = qc.CloseWithError(closeCodeProtocol, "failed to open stream")
		return
	}

	// Stop when either the server stops or the child goes away.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(qc.Context(), cancel)
	defer stop()

	enc := smwire.NewEncoder(ss)

	snap, changes := s.hub.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	span.AddEvent("send initial snapshot", smtrace.WithAttributes(smtrace.IntAttr("keys", len(keys))))
	for _, k := range keys {
		if err := enc.Encode(smbcast.Entry{Key: k, Value: snap[k]}); err != nil {
			log.Debug("Failed to send initial snapshot", "err", err)
			smtrace.SpanError(span, err)
			_ = qc.CloseWithError(closeCodeProtocol, "write failed")
			return
		}
	}

	log.Info("Subscriber connected", "initial_keys", len(keys))

	err = smpubsub.Follow(connCtx, changes, func(c smbcast.Change) error {
		span.AddEvent("send change", smtrace.WithAttributes(smtrace.IntAttr("entries", len(c.Entries))))
		for _, e := range c.Entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})

	if ctx.Err() != nil {
		_ = qc.CloseWithError(closeCodeShutdown, "server shutting down")
		return
	}

	log.Info("Subscriber disconnected", "cause", err)
	_ = qc.CloseWithError(closeCodeShutdown, "")
}

func (s *Server) readHello(ctx context.Context, qc quic.Connection) (uuid.UUID, error) {
	hctx, cancel := context.WithTimeout(ctx, s.helloTimeout)
	defer cancel()

	rs, err := qc.AcceptUniStream(hctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to accept hello stream: %w", err)
	}

	if err := rs.SetReadDeadline(time.Now().Add(s.helloTimeout)); err != nil {
		return uuid.Nil, fmt.Errorf("failed to set hello read deadline: %w", err)
	}

	id, err := smwire.ReadHello(rs)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
