package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrSweepInProgress = errors.New("lifecycle: sweep already in progress")

// Reclaimer removes expired challenges. *Service implements it.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

// Sweeper runs a Reclaimer on a fixed interval. Sweeps never overlap: a tick
// or Trigger that lands while one is running is skipped.
type Sweeper struct {
	r        Reclaimer
	interval time.Duration

	running sync.Mutex

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(r Reclaimer, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w, got: %s", ErrBadInterval, interval)
	}

	return &Sweeper{
		r:        r,
		interval: interval,
	}, nil
}

// Start sweeps once, then on every tick until ctx is done or Stop is called.
// Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.lock.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lock.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.release(done)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// release forgets the loop that owns done so Start can launch a new one after
// the parent context ends. Stop has already cleared the fields when it ran.
func (s *Sweeper) release(done chan struct{}) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	_, err := s.Trigger(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		slog.Debug("sweep skipped, previous sweep still running")
	case errors.Is(err, context.Canceled):
	default:
		slog.Error("error during challenge sweep", "err", err)
	}
}

// Trigger runs a sweep now. It returns ErrSweepInProgress instead of waiting
// when another sweep holds the lock.
func (s *Sweeper) Trigger(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer s.running.Unlock()

	return s.r.ReclaimExpired(ctx)
}
