// Package scheduler runs the periodic sweeps that turn expired deadlines and
// timeouts into explicit state changes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/config"
	"github.com/Aidin1998/tradeguard/internal/coordination"
)

// Job is one periodic sweep
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Sweeps is the set of coordination sweeps the scheduler drives
type Sweeps interface {
	EvaluateDeadlines(ctx context.Context) ([]coordination.DeadlineOutcome, error)
	EvaluateAssignmentTimeouts(ctx context.Context) (int, error)
	EvaluateSupervision(ctx context.Context) (int, error)
	RetryUnassigned(ctx context.Context) (int, error)
}

// Jobs builds the standard sweeps. A zero interval leaves that sweep out.
func Jobs(svc Sweeps, cfg config.SchedulerConfig, logger *zap.Logger) []Job {
	counted := func(name string, fn func(context.Context) (int, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			n, err := fn(ctx)
			if n > 0 {
				logger.Info("Sweep acted", zap.String("job", name), zap.Int("count", n))
			}
			return err
		}
	}

	all := []Job{
		{Name: "deadlines", Interval: cfg.DeadlineInterval, Run: func(ctx context.Context) error {
			outcomes, err := svc.EvaluateDeadlines(ctx)
			for _, o := range outcomes {
				logger.Info("Deadline enforced",
					zap.String("trade_id", o.TradeID),
					zap.String("action", string(o.Action)),
					zap.String("status", string(o.Status)),
				)
			}
			return err
		}},
		{Name: "assignments", Interval: cfg.AssignmentInterval, Run: counted("assignments", svc.EvaluateAssignmentTimeouts)},
		{Name: "supervision", Interval: cfg.SupervisionInterval, Run: counted("supervision", svc.EvaluateSupervision)},
		{Name: "unassigned", Interval: cfg.RetryInterval, Run: counted("unassigned", svc.RetryUnassigned)},
	}

	jobs := make([]Job, 0, len(all))
	for _, j := range all {
		if j.Interval > 0 {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Scheduler runs each job on its own ticker
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler for jobs
func New(jobs []Job, logger *zap.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start launches one goroutine per job
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.run(ctx, job, s.stopCh)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop signals every job and waits for in-flight sweeps to return
func (s *Scheduler) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.wg.Wait()
}

// RunOnce runs every job once, in order, and returns the first error
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var first error
	for _, job := range s.jobs {
		if err := s.execute(ctx, job); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Scheduler) run(ctx context.Context, job Job, stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			_ = s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep panicked", zap.String("job", job.Name), zap.Any("recover", r))
		}
	}()
	if err = job.Run(ctx); err != nil {
		s.logger.Error("Sweep failed", zap.String("job", job.Name), zap.Error(err))
	}
	return err
}
