// Package sweep drives the periodic maintenance of tracker groups:
// timeout checks, flush of dirty trackers and removal of terminal ones.
//
// The sweeper supports two execution modes. Start launches a single
// background goroutine with a ticker, runs never overlap because they
// share that one goroutine. Cooperative callers skip Start and invoke
// RunOnce from their own loop instead.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack"
)

type Config struct {
	// Interval between sweep runs in the threaded mode.
	Interval time.Duration `configKey:"interval" validate:"required"`
	Logger   *zap.Logger
	Clock    clockwork.Clock
}

func NewConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Logger:   zap.NewNop(),
		Clock:    clockwork.NewRealClock(),
	}
}

type Sweeper struct {
	config Config
	logger *zap.Logger
	clock  clockwork.Clock

	lock   sync.Mutex
	groups []*dictrack.Group

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	started  bool
}

func New(config Config, groups ...*dictrack.Group) (*Sweeper, error) {
	if config.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	s := &Sweeper{
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
		groups: groups,
		stop:   make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s, nil
}

// AddGroup registers another group, it is included from the next run on.
func (s *Sweeper) AddGroup(group *dictrack.Group) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.groups = append(s.groups, group)
}

// Start launches the background goroutine. The ticker stops when the
// context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return errors.New("sweeper is already started")
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.Chan():
				if err := s.RunOnce(ctx); err != nil {
					s.logger.Error("sweep run failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop terminates the background goroutine and waits for an in-flight
// run to finish. It is a no-op in the cooperative mode.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// RunOnce sweeps all groups. The groups are isolated from each other:
// a failure in one is logged and aggregated, the remaining groups are
// still swept.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.lock.Lock()
	groups := make([]*dictrack.Group, len(s.groups))
	copy(groups, s.groups)
	s.lock.Unlock()

	errs := errors.NewMultiError()
	for _, group := range groups {
		if err := s.sweepGroup(ctx, group); err != nil {
			s.logger.Error(
				"group sweep failed",
				zap.String("group", group.Name()),
				zap.Error(err),
			)
			errs.AppendWithPrefixf(err, `cannot sweep group "%s"`, group.Name())
		}
	}
	return errs.ErrorOrNil()
}

func (s *Sweeper) sweepGroup(ctx context.Context, group *dictrack.Group) error {
	errs := errors.NewMultiError()
	if err := group.CheckTimeouts(ctx); err != nil {
		errs.Append(err)
	}
	if err := group.Flush(ctx); err != nil {
		errs.Append(err)
	}
	if err := group.SweepExpired(ctx); err != nil {
		errs.Append(err)
	}
	return errs.ErrorOrNil()
}
