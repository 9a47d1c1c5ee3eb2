package cipherlink

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Stats counts tunnels and traffic of a Server or Client. All methods are safe for
// concurrent use. The zero value is ready to use.
type Stats struct {
	opened      atomic.Int64
	closed      atomic.Int64
	bytesUp     atomic.Int64 // Plaintext bytes from peers into tunnels.
	bytesDown   atomic.Int64 // Plaintext bytes from tunnels to peers.
	authFailed  atomic.Int64
	protoErrors atomic.Int64
}

// StatsSnapshot is a copy of the counters at one moment.
type StatsSnapshot struct {
	Opened         int64
	Closed         int64
	BytesUp        int64
	BytesDown      int64
	AuthFailures   int64
	ProtocolErrors int64
}

// Active returns the number of pairs that were opened but not yet closed.
func (s StatsSnapshot) Active() int64 {
	return s.Opened - s.Closed
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Opened:         s.opened.Load(),
		Closed:         s.closed.Load(),
		BytesUp:        s.bytesUp.Load(),
		BytesDown:      s.bytesDown.Load(),
		AuthFailures:   s.authFailed.Load(),
		ProtocolErrors: s.protoErrors.Load(),
	}
}

func (s *Stats) pairOpened() {
	s.opened.Inc()
}

func (s *Stats) pairClosed(r *Result) {
	s.closed.Inc()
	s.bytesUp.Add(r.BytesUp)
	s.bytesDown.Add(r.BytesDown)
	switch r.Reason {
	case ReasonAuth:
		s.authFailed.Inc()
	case ReasonProtocol:
		s.protoErrors.Inc()
	}
}

// Report logs the counters every interval while there is activity, until ctx is
// done.
func (s *Stats) Report(ctx context.Context, log *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev StatsSnapshot
	for {
		select {
		case <-ticker.C:
			cur := s.Snapshot()
			if cur == prev && cur.Active() == 0 {
				continue
			}
			log.Info("stats",
				zap.Int64("active", cur.Active()),
				zap.Int64("opened", cur.Opened-prev.Opened),
				zap.Int64("closed", cur.Closed-prev.Closed),
				zap.Int64("up", cur.BytesUp-prev.BytesUp),
				zap.Int64("down", cur.BytesDown-prev.BytesDown),
				zap.Int64("authfail", cur.AuthFailures),
				zap.Int64("protoerr", cur.ProtocolErrors),
			)
			prev = cur
		case <-ctx.Done():
			return
		}
	}
}
