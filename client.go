package cipherlink

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// Backoff bounds between attempts to dial the server.
const (
	minDialDelay = 200 * time.Millisecond
	maxDialDelay = 5 * time.Second
)

// Jitter source, seeded per process so clients restarted together spread out.
var jitter = struct {
	sync.Mutex
	rand *rand.Rand
}{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

// dialDelay returns a random delay in [backoff/2, backoff).
func dialDelay(backoff time.Duration) time.Duration {
	jitter.Lock()
	defer jitter.Unlock()
	return backoff/2 + time.Duration(jitter.rand.Int63n(int64(backoff/2)))
}

// Client accepts local plaintext connections and forwards each of them through its
// own tunnel to the server.
type Client struct {
	Config *Config
	Log    *zap.Logger // If nil, nothing is logged.
	Stats  Stats
}

// ListenAndServe listens on the configured local address and serves connections
// until ctx is canceled.
func (c *Client) ListenAndServe(ctx context.Context) error {
	if err := checkConfig(c.Config); err != nil {
		return err
	}
	l, err := net.Listen("tcp", c.Config.ListenAddr)
	if err != nil {
		return err
	}
	orNop(c.Log).Info("accepting local connections", zap.Stringer("address", l.Addr()), zap.String("server", c.Config.ServerAddr()))
	return c.Serve(ctx, l)
}

// Serve accepts local connections on l until ctx is canceled or accepting fails
// permanently. Serve closes l, and returns after all pairs it started have been
// torn down.
func (c *Client) Serve(ctx context.Context, l net.Listener) error {
	if err := checkConfig(c.Config); err != nil {
		l.Close()
		return err
	}
	return acceptLoop(ctx, l, orNop(c.Log), c.handle)
}

func (c *Client) handle(ctx context.Context, local net.Conn) {
	log := orNop(c.Log).With(zap.Stringer("local", local.RemoteAddr()))

	tunnel, err := c.dial(ctx, log)
	if err != nil {
		log.Error("local connection closed: dialing server", zap.Error(err))
		local.Close()
		return
	}
	log.Info("pair opened", zap.Stringer("server", tunnel.RemoteAddr()))

	c.Stats.pairOpened()
	r := Forward(ctx, tunnel, local, log)
	c.Stats.pairClosed(r)
}

// dial connects a new tunnel to the server. Failed attempts are retried up to
// Config.DialRetries times with exponential backoff and jitter. Each attempt uses a
// fresh connection.
func (c *Client) dial(ctx context.Context, log *zap.Logger) (*Conn, error) {
	addr := c.Config.ServerAddr()
	backoff := minDialDelay
	for attempt := 0; ; attempt++ {
		tunnel, err := DialContext(ctx, "tcp", addr, c.Config)
		if err == nil {
			return tunnel, nil
		}
		if ctx.Err() != nil {
			return nil, xerrors.Errorf("dialing %s: %w", addr, ctx.Err())
		}
		if attempt >= c.Config.DialRetries {
			return nil, xerrors.Errorf("dialing %s after %d attempts: %w", addr, attempt+1, err)
		}

		wait := dialDelay(backoff)
		log.Warn("dialing server, retrying", zap.Error(err), zap.Duration("delay", wait))
		select {
		case <-ctx.Done():
			return nil, xerrors.Errorf("dialing %s: %w", addr, ctx.Err())
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * 1.6)
		if backoff > maxDialDelay {
			backoff = maxDialDelay
		}
	}
}
