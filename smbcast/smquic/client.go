package smquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smbcast/smwire"
	"github.com/gordian-engine/sharedmap/smpubsub"
	"github.com/quic-go/quic-go"
)

// Client is the child side of a QUIC broadcast channel.
// It maintains a local copy of every delivered namespace value
// and implements [smbcast.Subscriber].
//
// A Client redials its server whenever the connection drops.
// Because every delivery carries a full value,
// a reconnected client converges on the server's current state
// from the initial snapshot alone.
type Client struct {
	log *slog.Logger

	id uuid.UUID

	addr        string
	tlsConf     *tls.Config
	quicConf    *quic.Config
	redialDelay time.Duration

	maxFrameSize int

	mu     sync.RWMutex
	values map[string][]byte

	// Head of the change stream; always unpublished.
	// Only the run goroutine publishes, while holding mu.
	changes *smpubsub.Stream[Change]

	done chan struct{}
}

// Change is an alias so callers of Client do not need to import smbcast
// just to name the stream element type.
type Change = smbcast.Change

var _ smbcast.Subscriber = (*Client)(nil)

// ClientConfig is the configuration for [NewClient].
type ClientConfig struct {
	// Address of the parent's [Server].
	Addr string

	// Must be able to verify the server certificate,
	// typically through RootCAs.
	TLS *tls.Config

	// If nil, [DefaultConfig] is used.
	QUIC *quic.Config

	// Delay between connection attempts.
	// If zero, a reasonable default is used.
	RedialDelay time.Duration

	// Identifies this subscriber in the server's logs.
	// If zero, a random ID is generated.
	ID uuid.UUID

	// Upper bound on a decoded value.
	// If zero, [smwire.DefaultMaxFrameSize] is used.
	MaxFrameSize int
}

// NewClient returns a Client that starts dialing cfg.Addr in the background.
// The ctx parameter controls the lifecycle of the Client;
// cancel the context to stop it,
// and then use [*Client.Wait] to block until it has stopped.
func NewClient(ctx context.Context, log *slog.Logger, cfg ClientConfig) *Client {
	if cfg.TLS == nil {
		panic(errors.New("BUG: ClientConfig.TLS may not be nil"))
	}

	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	qc := cfg.QUIC
	if qc == nil {
		qc = DefaultConfig()
	}

	redialDelay := cfg.RedialDelay
	if redialDelay == 0 {
		redialDelay = 500 * time.Millisecond
	}

	c := &Client{
		log: log.With("subscriber", id.String()),

		id: id,

		addr:        cfg.Addr,
		tlsConf:     withNextProto(cfg.TLS),
		quicConf:    qc,
		redialDelay: redialDelay,

		maxFrameSize: cfg.MaxFrameSize,

		values: make(map[string][]byte),

		changes: smpubsub.NewStream[Change](),

		done: make(chan struct{}),
	}

	go c.run(ctx)

	return c
}

// ID returns the subscriber ID sent in the hello.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Wait blocks until the client's background work has finished.
func (c *Client) Wait() {
	<-c.done
}

// Get implements [smbcast.Subscriber].
func (c *Client) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]
	return v, ok
}

// Changes implements [smbcast.Subscriber].
// Each received frame is published as its own Change.
func (c *Client) Changes() *smpubsub.Stream[Change] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.changes
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		}

		c.log.Info("Connection to parent ended; will redial", "err", err, "delay", c.redialDelay)

		t := time.NewTimer(c.redialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-t.C:
		}
	}
}

// session dials the server once and applies frames until the connection fails.
func (c *Client) session(ctx context.Context) error {
	qc, err := quic.DialAddr(ctx, c.addr, c.tlsConf, c.quicConf)
	if err != nil {
		return fmt.Errorf("failed to dial parent at %s: %w", c.addr, err)
	}
	defer func() {
		_ = qc.CloseWithError(closeCodeShutdown, "")
	}()

	// Closing the connection unblocks the decoder below.
	stop := context.AfterFunc(ctx, func() {
		_ = qc.CloseWithError(closeCodeShutdown, "")
	})
	defer stop()

	hs, err := qc.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open hello stream: %w", err)
	}
	if err := smwire.WriteHello(hs, c.id); err != nil {
		return err
	}
	if err := hs.Close(); err != nil {
		return fmt.Errorf("failed to close hello stream: %w", err)
	}

	rs, err := qc.AcceptUniStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to accept delivery stream: %w", err)
	}

	c.log.Debug("Connected to parent", "addr", c.addr)

	dec := smwire.NewDecoder(rs, c.maxFrameSize)
	for {
		e, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("parent closed delivery stream")
			}
			return err
		}

		c.apply(e)
	}
}

func (c *Client) apply(e smbcast.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[e.Key] = e.Value

	c.changes.Publish(Change{Entries: []smbcast.Entry{e}})
	c.changes = c.changes.Next
}
