package cipherlink

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// Reason classifies why a forwarding pair was torn down.
type Reason string

const (
	ReasonPeerEOF   Reason = "peer-eof"   // Plaintext peer closed its side.
	ReasonTunnelEOF Reason = "tunnel-eof" // Remote end closed the tunnel between frames.
	ReasonAuth      Reason = "auth"       // A frame failed authentication.
	ReasonProtocol  Reason = "protocol"   // Malformed, oversized or truncated frame, or unknown version.
	ReasonTransport Reason = "transport"  // Read or write error on either connection.
	ReasonCanceled  Reason = "canceled"   // Context was canceled.
)

// Result describes the end of a forwarding pair.
type Result struct {
	Reason    Reason
	Cause     error // First error seen, the one that ended the pair.
	BytesUp   int64 // Plaintext bytes from peer into tunnel.
	BytesDown int64 // Plaintext bytes from tunnel to peer.
	Duration  time.Duration
}

// Err returns nil if the pair ended because either side closed normally, and the
// cause otherwise.
func (r *Result) Err() error {
	switch r.Reason {
	case ReasonPeerEOF, ReasonTunnelEOF:
		return nil
	}
	return r.Cause
}

// classify returns the reason for an error from the tunnel side of a pair.
func classify(err error) Reason {
	switch {
	case xerrors.Is(err, ErrTunnelClosed):
		return ReasonTunnelEOF
	case xerrors.Is(err, ErrAuthenticationFailed):
		return ReasonAuth
	case xerrors.Is(err, ErrProtocol),
		xerrors.Is(err, ErrUnsupportedVersion),
		xerrors.Is(err, ErrFrameTooLarge),
		xerrors.Is(err, ErrMalformedInput):
		return ReasonProtocol
	}
	return ReasonTransport
}

// drainTimeout bounds how long a pair keeps delivering the other direction after
// one side sent EOF.
const drainTimeout = 5 * time.Second

type pair struct {
	tunnel *Conn
	peer   net.Conn

	mu     sync.Mutex
	reason Reason // First reason recorded, kept for the result.
	cause  error

	closeOnce sync.Once

	up   atomic.Int64
	down atomic.Int64
}

type closeWriter interface {
	CloseWrite() error
}

func (p *pair) record(reason Reason, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A failure while draining after an EOF replaces the EOF reason.
	replace := reason == ReasonAuth || reason == ReasonProtocol
	if p.reason == "" || replace && (p.reason == ReasonPeerEOF || p.reason == ReasonTunnelEOF) {
		p.reason = reason
		p.cause = cause
	}
}

// finish records the reason if it is the first, and closes both connections,
// which unblocks the other pump.
func (p *pair) finish(reason Reason, cause error) {
	p.record(reason, cause)
	p.closeOnce.Do(func() {
		p.tunnel.Close()
		p.peer.Close()
	})
}

// halfClose ends one direction after an EOF: w gets an EOF of its own, and the
// other direction may continue reading from r until it sees EOF too or
// drainTimeout passes. A socket closed with unread incoming data is reset, and
// the remote may lose what it sent last. If w cannot be half-closed, the pair is
// finished right away.
func (p *pair) halfClose(reason Reason, cause error, w closeWriter, r net.Conn) {
	p.record(reason, cause)
	if err := w.CloseWrite(); err != nil {
		p.finish(reason, cause)
		return
	}
	if err := r.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
		p.finish(reason, cause)
	}
}

// Forward moves bytes between tunnel and peer in both directions until either
// side closes, an error occurs, or ctx is canceled. Data read from peer is sent in
// one frame per read, frames received from tunnel are written to peer. The two
// directions run concurrently, so a stalled direction does not block the other.
//
// When one side sends EOF, the EOF is passed on to the other side with a half
// close, and data still underway in the other direction is delivered for up to
// drainTimeout. Any error closes both connections at once. Forward returns after
// both directions have stopped and both connections are closed, and logs exactly
// one event describing the end of the pair.
func Forward(ctx context.Context, tunnel *Conn, peer net.Conn, log *zap.Logger) *Result {
	log = orNop(log)
	start := time.Now()
	p := &pair{tunnel: tunnel, peer: peer}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.peerToTunnel(tunnel.config.chunkSize())
	}()
	go func() {
		defer wg.Done()
		p.tunnelToPeer()
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.finish(ReasonCanceled, ctx.Err())
		case <-done:
		}
	}()

	wg.Wait()
	close(done)
	p.finish(ReasonTransport, nil)

	p.mu.Lock()
	r := &Result{
		Reason:    p.reason,
		Cause:     p.cause,
		BytesUp:   p.up.Load(),
		BytesDown: p.down.Load(),
		Duration:  time.Since(start),
	}
	p.mu.Unlock()
	logResult(log, r)
	return r
}

func (p *pair) peerToTunnel(chunkSize int) {
	buf := make([]byte, chunkSize)
	for {
		n, err := p.peer.Read(buf)
		if n > 0 {
			if werr := p.tunnel.SendFrame(buf[:n]); werr != nil {
				p.finish(classify(werr), xerrors.Errorf("sending frame: %w", werr))
				return
			}
			p.up.Add(int64(n))
		}
		if err == io.EOF {
			p.halfClose(ReasonPeerEOF, err, p.tunnel, p.tunnel)
			return
		}
		if err != nil {
			p.finish(ReasonTransport, xerrors.Errorf("reading from peer: %w", err))
			return
		}
	}
}

func (p *pair) tunnelToPeer() {
	for {
		plaintext, err := p.tunnel.ReceiveFrame()
		if err == ErrTunnelClosed {
			if cw, ok := p.peer.(closeWriter); ok {
				p.halfClose(ReasonTunnelEOF, err, cw, p.peer)
			} else {
				p.finish(ReasonTunnelEOF, err)
			}
			return
		}
		if err != nil {
			p.finish(classify(err), xerrors.Errorf("receiving frame: %w", err))
			return
		}
		if len(plaintext) == 0 {
			continue
		}
		if _, err := p.peer.Write(plaintext); err != nil {
			p.finish(ReasonTransport, xerrors.Errorf("writing to peer: %w", err))
			return
		}
		p.down.Add(int64(len(plaintext)))
	}
}

func logResult(log *zap.Logger, r *Result) {
	fields := []zap.Field{
		zap.String("reason", string(r.Reason)),
		zap.Int64("up", r.BytesUp),
		zap.Int64("down", r.BytesDown),
		zap.Duration("duration", r.Duration),
	}
	switch r.Reason {
	case ReasonPeerEOF, ReasonTunnelEOF:
		log.Info("pair closed", fields...)
	case ReasonAuth:
		log.Error("pair closed: authentication failed, possible tampering or key mismatch", append(fields, zap.Error(r.Cause))...)
	case ReasonProtocol:
		log.Error("pair closed: protocol error", append(fields, zap.Error(r.Cause))...)
	default:
		log.Warn("pair closed", append(fields, zap.Error(r.Cause))...)
	}
}
