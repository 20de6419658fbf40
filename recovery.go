package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper defaults.
var (
	DefaultSweepInterval    = 30 * time.Second
	DefaultSweepMinAge      = time.Minute
	DefaultSweepParallelism = 4
)

// Recover re-runs workflows parked in a non-terminal status, typically
// after a crash or restart. Only workflows whose last update is older
// than olderThan are touched (zero means all incomplete ones); each is
// driven by a regular Run, so locks, resume points and rollback
// semantics apply unchanged. Returns how many workflows were driven to
// a terminal status.
func (o *Orchestrator) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	return o.recover(ctx, olderThan, DefaultSweepParallelism)
}

func (o *Orchestrator) recover(ctx context.Context, olderThan time.Duration, parallelism int) (int, error) {
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().UTC().Add(-olderThan)
	}
	incomplete, err := o.store.ListIncomplete(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(incomplete) == 0 {
		return 0, nil
	}
	o.log.InfoContext(ctx, "recovering incomplete workflows", "count", len(incomplete))

	if parallelism <= 0 {
		parallelism = DefaultSweepParallelism
	}
	var resumed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(parallelism)
	for _, wf := range incomplete {
		wf := wf
		g.Go(func() error {
			err := o.Run(ctx, wf.ID)
			switch {
			case err == nil:
				resumed.Add(1)
			case errors.Is(err, ErrLocked):
				// Another runner owns it; nothing to do.
				o.log.DebugContext(ctx, "workflow already claimed", "workflow_id", wf.ID)
			default:
				o.log.WarnContext(ctx, "recovery run failed", "workflow_id", wf.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return int(resumed.Load()), nil
}

// Sweeper periodically recovers incomplete workflows. Run one per
// process next to the orchestrator; the per-workflow lock keeps
// concurrent sweepers from double-driving anything.
//
// Example:
//
//	sweeper := workflow.NewSweeper(orc).WithInterval(10 * time.Second)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop(context.Background())
type Sweeper struct {
	o           *Orchestrator
	interval    time.Duration
	minAge      time.Duration
	parallelism int
	logger      *slog.Logger
	stopCh      chan struct{}
	stoppedCh   chan struct{}
}

// NewSweeper creates a sweeper over the orchestrator's store.
func NewSweeper(o *Orchestrator) *Sweeper {
	return &Sweeper{
		o:           o,
		interval:    DefaultSweepInterval,
		minAge:      DefaultSweepMinAge,
		parallelism: DefaultSweepParallelism,
		logger:      slog.Default().With("component", "workflow.sweeper"),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

// WithInterval sets the poll interval.
//
// Returns the sweeper for method chaining.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithMinAge sets how stale a workflow's last update must be before the
// sweeper picks it up. Keeps the sweeper off workflows a live runner is
// actively driving.
func (s *Sweeper) WithMinAge(d time.Duration) *Sweeper {
	if d >= 0 {
		s.minAge = d
	}
	return s
}

// WithParallelism bounds how many workflows one sweep drives at once.
func (s *Sweeper) WithParallelism(n int) *Sweeper {
	if n > 0 {
		s.parallelism = n
	}
	return s
}

// WithLogger sets a custom logger for the sweeper.
//
// Returns the sweeper for method chaining.
func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	if l != nil {
		s.logger = l
	}
	return s
}

// Start begins the sweep loop, with one immediate sweep so workflows
// interrupted by a restart resume without waiting for the first tick.
// Blocks until the context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		"interval", s.interval, "min_age", s.minAge, "parallelism", s.parallelism)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			close(s.stoppedCh)
			return ctx.Err()
		case <-s.stopCh:
			close(s.stoppedCh)
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop gracefully stops the sweeper.
//
// Signals the loop to stop and waits for it to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	close(s.stopCh)

	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.o.recover(ctx, s.minAge, s.parallelism)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep resumed workflows", "count", n)
	}
}
