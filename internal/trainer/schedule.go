package trainer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// DefaultCron runs the update cycle at the top of every hour.
const DefaultCron = "0 * * * *"

// retryDelay is the wait after the cron expression fails to evaluate.
const retryDelay = 30 * time.Second

// Schedule runs the update cycle on a cron expression.
type Schedule struct {
	trainer *Trainer
	expr    string
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewSchedule validates expr and binds it to t.
func NewSchedule(t *Trainer, expr string) (*Schedule, error) {
	if expr == "" {
		expr = DefaultCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Schedule{trainer: t, expr: expr, logger: t.logger.Named("schedule")}, nil
}

// Next returns the first tick strictly after ref.
func (s *Schedule) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, ref, false)
}

// Run blocks until ctx is cancelled, running an update at every tick.
func (s *Schedule) Run(ctx context.Context) error {
	s.logger.Info("trainer schedule started", zap.String("cron", s.expr))
	for {
		next, err := s.Next(time.Now())
		if err != nil {
			s.logger.Error("cannot compute next tick", zap.String("cron", s.expr), zap.Error(err))
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("trainer schedule stopped")
			return nil
		case <-timer.C:
			s.runJob(ctx)
		}
	}
}

// runJob runs one update unless the previous one is still going.
func (s *Schedule) runJob(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous update still running, skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// Errors are logged by the trainer.
	_, _ = s.trainer.Update(ctx)
}
