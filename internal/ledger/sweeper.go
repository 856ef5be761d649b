package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long a flushed terminal invocation stays
// queryable.
const DefaultRetention = 15 * time.Minute

// Sweeper periodically evicts invocations that are terminal, telemetry
// flushed and older than the retention window.
type Sweeper struct {
	ledger    *Ledger
	interval  time.Duration
	retention time.Duration
}

// NewSweeper creates a sweeper for l.
func NewSweeper(l *Ledger, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{ledger: l, interval: interval, retention: retention}
}

// Start runs the sweeper. It blocks until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("Ledger sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Ledger sweeper stopped")
			return
		case <-ticker.C:
			s.RunCycle()
		}
	}
}

// RunCycle performs one sweep and returns the number of evicted invocations.
func (s *Sweeper) RunCycle() int {
	cutoff := s.ledger.Now().Add(-s.retention)
	n := s.ledger.Evict(cutoff)
	if n > 0 {
		log.Debug().Int("evicted", n).Int("remaining", s.ledger.Len()).Msg("Ledger sweep")
	}
	return n
}
