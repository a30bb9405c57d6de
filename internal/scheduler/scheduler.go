package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/example/microlearn/internal/logger"
)

// Scheduler manages periodic background jobs for the application
type Scheduler struct {
	scheduler *gocron.Scheduler
	log       *logger.Logger
}

// New creates a new scheduler instance
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	s := gocron.NewScheduler(time.UTC)
	// One job run at a time per job; a slow sync round must not pile up
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		log:       log,
	}
}

// Every registers fn to run every interval. The first run happens one
// interval after Start.
func (s *Scheduler) Every(interval time.Duration, name string, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	_, err := s.scheduler.Every(interval).Tag(name).WaitForSchedule().Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Scheduled job panicked", "job", name, "panic", r)
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.log.Debug("Scheduled job", "job", name, "interval", interval.String())
	return nil
}

// Start begins running all scheduled tasks in a non-blocking manner
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop terminates all scheduled tasks
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	return s.scheduler.Len()
}
