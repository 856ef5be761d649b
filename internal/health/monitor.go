// Package health polls the backing service, classifies its health and
// derives the capability downgrade policy from the latest snapshot.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/internal/telemetry"
	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// Defaults for Options.
const (
	DefaultInterval          = 10 * time.Second
	DefaultBackoffMultiplier = 1.5
	DefaultMaxInterval       = 60 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
)

// subscriberBuffer is the per-subscriber channel depth. Slow subscribers
// miss snapshots rather than stalling the poll loop.
const subscriberBuffer = 8

// Options configure a Monitor. Zero fields take the defaults.
type Options struct {
	Interval          time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
	ProbeTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.MaxInterval < o.Interval {
		o.MaxInterval = o.Interval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// ── Monitor ──────────────────────────────────────────────────

// Monitor owns the poll loop. It keeps only the latest snapshot and the
// current poll interval.
type Monitor struct {
	probe contracts.HealthProbe
	opts  Options
	now   func() time.Time

	mu       sync.RWMutex
	snapshot models.HealthSnapshot
	interval time.Duration
	schedule *backoff.ExponentialBackOff

	subMu sync.Mutex
	subs  map[chan models.HealthSnapshot]struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// OnStatusChange fires after a poll that changed the status.
	OnStatusChange func(prev, next models.HealthSnapshot)
}

// NewMonitor creates a monitor. The initial snapshot is unknown.
func NewMonitor(probe contracts.HealthProbe, opts Options) *Monitor {
	opts = opts.withDefaults()
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     opts.Interval,
		RandomizationFactor: 0,
		Multiplier:          opts.BackoffMultiplier,
		MaxInterval:         opts.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	m := &Monitor{
		probe:    probe,
		opts:     opts,
		now:      time.Now,
		schedule: schedule,
		subs:     make(map[chan models.HealthSnapshot]struct{}),
	}
	m.resetSchedule()
	m.snapshot = models.HealthSnapshot{Status: models.HealthUnknown, Timestamp: m.now()}
	return m
}

// WithClock overrides the snapshot clock.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	m.snapshot.Timestamp = now()
	return m
}

// resetSchedule rewinds the backoff and consumes the initial interval so
// the next failure yields interval*multiplier. Caller holds mu or owns m.
func (m *Monitor) resetSchedule() {
	m.schedule.Reset()
	m.interval = m.schedule.NextBackOff()
}

// Snapshot returns the latest snapshot.
func (m *Monitor) Snapshot() models.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// CurrentInterval returns the delay before the next poll.
func (m *Monitor) CurrentInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// FallbackCapabilities derives the switches from the latest snapshot.
func (m *Monitor) FallbackCapabilities() models.FallbackCapabilities {
	return FallbackFor(m.Snapshot().Status)
}

// PollOnce probes the backing service, stores the classified snapshot and
// adjusts the interval: reset on available, backoff otherwise.
func (m *Monitor) PollOnce(ctx context.Context) models.HealthSnapshot {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	started := m.now()
	res, err := m.probe.Probe(pctx)
	snap := classify(res, err, m.now(), m.now().Sub(started))

	m.mu.Lock()
	prev := m.snapshot
	m.snapshot = snap
	if snap.Status == models.HealthAvailable {
		m.resetSchedule()
	} else {
		m.interval = m.schedule.NextBackOff()
	}
	interval := m.interval
	m.mu.Unlock()

	if snap.LatencyMs != nil {
		telemetry.ObserveProbe(*snap.LatencyMs)
	}
	telemetry.SetHealthStatus(snap.Status)

	if prev.Status != snap.Status {
		log.Info().
			Str("old", string(prev.Status)).
			Str("new", string(snap.Status)).
			Str("error", snap.Error).
			Dur("next_poll", interval).
			Msg("Backing service health changed")
		if m.OnStatusChange != nil {
			m.OnStatusChange(prev, snap)
		}
	} else {
		log.Debug().Str("status", string(snap.Status)).Dur("next_poll", interval).Msg("Health poll")
	}

	m.broadcast(snap)
	return snap
}

func classify(res *models.ProbeResult, err error, now time.Time, measured time.Duration) models.HealthSnapshot {
	snap := models.HealthSnapshot{Timestamp: now}
	if err != nil || res == nil {
		snap.Status = models.HealthUnavailable
		if err != nil {
			snap.Error = err.Error()
		} else {
			snap.Error = "probe returned no result"
		}
		return snap
	}

	latency := res.LatencyMs
	if latency <= 0 {
		latency = measured.Milliseconds()
	}
	snap.LatencyMs = &latency

	switch res.Status {
	case models.ProbeHealthy:
		snap.Status = models.HealthAvailable
	case models.ProbeDegraded:
		snap.Status = models.HealthDegraded
		snap.Error = res.Message
	case models.ProbeUnknown:
		snap.Status = models.HealthUnknown
		snap.Error = res.Message
	default:
		snap.Status = models.HealthUnavailable
		snap.Error = res.Message
	}
	return snap
}

// ── Poll Loop ────────────────────────────────────────────────

// Start begins the poll loop. The first poll runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	log.Info().
		Dur("interval", m.opts.Interval).
		Dur("max_interval", m.opts.MaxInterval).
		Float64("multiplier", m.opts.BackoffMultiplier).
		Msg("Health monitor started")

	go m.loop(ctx, m.stopCh, m.doneCh)
}

// Stop halts the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.runMu.Unlock()

	<-done
	log.Info().Msg("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			m.PollOnce(ctx)
			timer.Reset(m.CurrentInterval())
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ── Subscribers ──────────────────────────────────────────────

// Subscribe returns a channel that receives every new snapshot.
func (m *Monitor) Subscribe() chan models.HealthSnapshot {
	ch := make(chan models.HealthSnapshot, subscriberBuffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Monitor) Unsubscribe(ch chan models.HealthSnapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Monitor) broadcast(snap models.HealthSnapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
