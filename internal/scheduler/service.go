package scheduler

import (
	"context"
	"sync"
	"time"

	"sharedrive/pkg/logger"
)

// Job is periodic background work such as sweeping expired upload sessions.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
	nextRun  time.Time
}

type Scheduler struct {
	tasks  map[string]*Job
	tick   time.Duration
	mu     sync.Mutex
	logger logger.Logger
	stop   chan struct{}
	done   chan struct{}
	now    func() time.Time
}

func NewScheduler(tick time.Duration, log logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		tasks:  make(map[string]*Job),
		tick:   tick,
		logger: log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Schedule registers job, replacing any job with the same name. The first
// run happens one interval from now.
func (s *Scheduler) Schedule(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.nextRun = s.now().Add(job.Interval)
	s.tasks[job.Name] = &job
	s.logger.Info("Scheduled job", map[string]interface{}{
		"job":      job.Name,
		"interval": job.Interval.String(),
	})
}

// Start runs due jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.processTasks(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("Scheduler started", nil)
}

// Stop halts the loop and waits for an in-progress run to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) processTasks(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []*Job
	for _, job := range s.tasks {
		if !now.Before(job.nextRun) {
			due = append(due, job)
			job.nextRun = now.Add(job.Interval)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.execute(ctx, job, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) {
	start := time.Now()
	if err := job.Run(ctx, now); err != nil {
		s.logger.Error("Scheduled job failed", map[string]interface{}{
			"job":   job.Name,
			"error": err.Error(),
		})
		return
	}
	s.logger.Debug("Scheduled job finished", map[string]interface{}{
		"job":         job.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
