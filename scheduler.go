package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SchedulerConfig configures the replication loop.
type SchedulerConfig struct {
	// BaseInterval is the wait after a successful cycle and the growth
	// step of the failure backoff. Default: 15m.
	BaseInterval time.Duration

	// MaxInterval caps backoff growth; a wait pushed past it snaps back
	// to BaseInterval. Default: 3h.
	MaxInterval time.Duration

	// CycleTimeout bounds a single cycle. Zero leaves cycles unbounded.
	CycleTimeout time.Duration
}

// DefaultSchedulerConfig returns the scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BaseInterval: 15 * time.Minute,
		MaxInterval:  3 * time.Hour,
		CycleTimeout: 30 * time.Minute,
	}
}

// BackoffState is the saw-tooth wait between replication cycles.
//
// Success pins the wait at the base. The first failure in a row keeps the
// wait unchanged; every further failure adds one base step, and a wait
// pushed past the cap snaps back to the base instead of sticking at the
// ceiling. A gateway that lost its uplink therefore probes gently most of
// the time yet still returns to quick retries a few times a day.
type BackoffState struct {
	Base time.Duration
	Max  time.Duration

	// Wait is the current sleep before the next cycle.
	Wait time.Duration

	// FirstAttempt marks that no failure has been absorbed since the
	// last success.
	FirstAttempt bool
}

// NewBackoffState returns a backoff resting at its base wait.
func NewBackoffState(base, max time.Duration) BackoffState {
	return BackoffState{Base: base, Max: max, Wait: base, FirstAttempt: true}
}

// Advance folds one cycle outcome into the state.
func (b *BackoffState) Advance(success bool) {
	if success {
		b.Wait = b.Base
		b.FirstAttempt = true
		return
	}
	if b.FirstAttempt {
		b.FirstAttempt = false
		return
	}
	b.Wait += b.Base
	if b.Wait > b.Max {
		b.Wait = b.Base
	}
}

// CycleRunner runs one replication cycle.
//
// This interface allows the scheduler to be tested with scripted cycles.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

var _ CycleRunner = (*Replicator)(nil)

// SchedulerState is what the loop is doing right now.
type SchedulerState string

const (
	// SchedulerStopped means the loop is not running.
	SchedulerStopped SchedulerState = "stopped"
	// SchedulerRunning means a cycle is in flight.
	SchedulerRunning SchedulerState = "running"
	// SchedulerIdle means the loop is sleeping until the next cycle.
	SchedulerIdle SchedulerState = "idle"
)

// SchedulerStats is a point-in-time snapshot of the replication loop.
type SchedulerStats struct {
	State               SchedulerState `json:"state"`
	Wait                time.Duration  `json:"wait"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CyclesRun           int64          `json:"cycles_run"`
	CyclesFailed        int64          `json:"cycles_failed"`
	RecordsUploaded     int64          `json:"records_uploaded"`
	LastCycleAt         time.Time      `json:"last_cycle_at"`
	NextCycleAt         time.Time      `json:"next_cycle_at"`
	LastError           string         `json:"last_error,omitempty"`
	LastReport          *CycleReport   `json:"last_report,omitempty"`
}

// CycleEvent is fanned out to subscribers after every cycle.
type CycleEvent struct {
	At       time.Time     `json:"at"`
	Report   *CycleReport  `json:"report,omitempty"`
	Error    string        `json:"error,omitempty"`
	NextWait time.Duration `json:"next_wait"`
}

// Scheduler owns the replication loop: run a cycle, publish the outcome,
// sleep out the backoff, repeat. The first cycle starts immediately on
// Start, with no leading sleep.
//
// A cycle that uploads nothing counts as a failure for backoff purposes.
// Nothing-to-do and cannot-reach-the-cloud look identical from the edge,
// and the cheap response to both is the same: wait longer.
type Scheduler struct {
	runner CycleRunner
	config SchedulerConfig
	log    zerolog.Logger

	mu      sync.RWMutex
	backoff BackoffState
	stats   SchedulerStats
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	feed *cycleFeed
}

// NewScheduler creates a scheduler around a cycle runner.
func NewScheduler(runner CycleRunner, config SchedulerConfig, log zerolog.Logger) *Scheduler {
	if config.BaseInterval <= 0 {
		config.BaseInterval = DefaultSchedulerConfig().BaseInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultSchedulerConfig().MaxInterval
	}

	s := &Scheduler{
		runner:  runner,
		config:  config,
		log:     log.With().Str("component", "scheduler").Logger(),
		backoff: NewBackoffState(config.BaseInterval, config.MaxInterval),
		feed:    newCycleFeed(),
	}
	s.stats.State = SchedulerStopped
	s.stats.Wait = s.backoff.Wait
	return s
}

// Start launches the replication loop in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
	return nil
}

// Stop halts the loop, cancelling an in-flight cycle, and waits for it
// to wind down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// Stats returns a snapshot of the loop.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Subscribe registers a cycle event listener. Slow listeners miss events
// rather than stall the loop.
func (s *Scheduler) Subscribe() (uint64, <-chan CycleEvent) {
	return s.feed.subscribe()
}

// Unsubscribe removes a listener and closes its channel.
func (s *Scheduler) Unsubscribe(id uint64) {
	s.feed.unsubscribe(id)
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	// The watcher goroutine can outlive Stop, and a restart reassigns the
	// field; it must close over this run's channel, not read the field.
	stopCh := s.stopCh

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		s.runOnce(ctx)

		s.mu.Lock()
		wait := s.backoff.Wait
		s.stats.State = SchedulerIdle
		s.stats.NextCycleAt = time.Now().Add(wait)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			s.mu.Lock()
			s.stats.State = SchedulerStopped
			s.mu.Unlock()
			return
		case <-timer.C:
		}
	}
}

// runOnce executes one cycle inside the crash boundary and folds its
// outcome into the backoff, the stats and the event feed.
func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	s.stats.State = SchedulerRunning
	s.mu.Unlock()

	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CycleTimeout)
		defer cancel()
	}

	report, err := s.safeCycle(ctx)
	success := err == nil && report != nil && report.RecordsUploaded > 0

	s.mu.Lock()
	s.backoff.Advance(success)
	wait := s.backoff.Wait
	s.stats.Wait = wait
	s.stats.CyclesRun++
	s.stats.LastCycleAt = time.Now()
	s.stats.LastReport = report
	if report != nil {
		s.stats.RecordsUploaded += int64(report.RecordsUploaded)
	}
	if success {
		s.stats.ConsecutiveFailures = 0
		s.stats.LastError = ""
	} else {
		s.stats.CyclesFailed++
		s.stats.ConsecutiveFailures++
		if err != nil {
			s.stats.LastError = err.Error()
		} else {
			s.stats.LastError = "no records uploaded"
		}
	}
	s.mu.Unlock()

	event := CycleEvent{At: time.Now(), Report: report, NextWait: wait}
	if err != nil {
		event.Error = err.Error()
	}
	s.feed.publish(event)

	switch {
	case err != nil:
		s.log.Error().Err(err).Dur("next_wait", wait).Msg("cycle failed")
	case !success:
		s.log.Info().Dur("next_wait", wait).Msg("nothing to upload")
	default:
		s.log.Info().
			Int("records", report.RecordsUploaded).
			Dur("next_wait", wait).
			Msg("cycle succeeded")
	}
}

// safeCycle invokes the runner, converting a panic into an error. The
// replication loop must survive anything a cycle does; the process dying
// in a remote greenhouse means a truck roll.
func (s *Scheduler) safeCycle(ctx context.Context) (report *CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return s.runner.RunCycle(ctx)
}

// cycleFeed fans cycle events out to status and telemetry subscribers.
type cycleFeed struct {
	mu     sync.Mutex
	subs   map[uint64]chan CycleEvent
	nextID uint64
}

func newCycleFeed() *cycleFeed {
	return &cycleFeed{subs: make(map[uint64]chan CycleEvent)}
}

func (f *cycleFeed) subscribe() (uint64, <-chan CycleEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ch := make(chan CycleEvent, 16)
	f.subs[f.nextID] = ch
	return f.nextID, ch
}

func (f *cycleFeed) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *cycleFeed) publish(ev CycleEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
