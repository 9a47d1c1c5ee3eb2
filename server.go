package cipherlink

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server accepts tunnels and connects each of them to the plaintext destination.
type Server struct {
	Config *Config
	Log    *zap.Logger // If nil, nothing is logged.
	Stats  Stats

	// DialTarget opens the plaintext destination connection for a new tunnel. If nil,
	// Config.Target is dialed over TCP.
	DialTarget func(ctx context.Context) (net.Conn, error)
}

// ListenAndServe listens on the configured bind address and serves tunnels until
// ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	l, err := Listen("tcp", s.Config.BindAddr(), s.Config)
	if err != nil {
		return err
	}
	orNop(s.Log).Info("listening for tunnels", zap.Stringer("address", l.Addr()), zap.String("target", s.Config.Target))
	return s.Serve(ctx, l)
}

// Serve accepts tunnels on l until ctx is canceled or accepting fails
// permanently. Connections from l that are not a *Conn are turned into one. Serve
// closes l, and returns after all pairs it started have been torn down.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if err := s.check(); err != nil {
		l.Close()
		return err
	}
	return acceptLoop(ctx, l, orNop(s.Log), s.handle)
}

func (s *Server) check() error {
	if err := checkConfig(s.Config); err != nil {
		return err
	}
	if s.DialTarget == nil && s.Config.Target == "" {
		return prefixError(ErrBadConfig, "no target configured for server")
	}
	return nil
}

func (s *Server) dialTarget(ctx context.Context) (net.Conn, error) {
	if s.DialTarget != nil {
		return s.DialTarget(ctx)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", s.Config.Target)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := orNop(s.Log).With(zap.Stringer("remote", conn.RemoteAddr()))

	tunnel, ok := conn.(*Conn)
	if !ok {
		var err error
		tunnel, err = NewConn(conn, s.Config)
		if err != nil {
			log.Error("new tunnel", zap.Error(err))
			conn.Close()
			return
		}
	}
	log.Debug("tunnel accepted")

	dctx, cancel := context.WithTimeout(ctx, s.Config.dialTimeout())
	peer, err := s.dialTarget(dctx)
	cancel()
	if err != nil {
		log.Error("tunnel closed: dialing target", zap.Error(err))
		tunnel.Close()
		return
	}
	log.Info("pair opened", zap.Stringer("target", peer.RemoteAddr()))

	s.Stats.pairOpened()
	r := Forward(ctx, tunnel, peer, log)
	s.Stats.pairClosed(r)
}

// acceptLoop calls handle in a new goroutine for each connection accepted on l.
// Temporary accept errors are retried with a growing delay, as net/http does.
func acceptLoop(ctx context.Context, l net.Listener, log *zap.Logger, handle func(context.Context, net.Conn)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warn("accept, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, conn)
		}()
	}
}
