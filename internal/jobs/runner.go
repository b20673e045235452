package jobs

import (
	"context"
	"sync"

	"github.com/fraterny/quest-backend/internal/platform/logger"
)

// Runner launches background work off the request path. Every job runs
// in its own goroutine with panic recovery; Wait blocks until all jobs
// started so far have returned.
type Runner struct {
	log *logger.Logger
	wg  sync.WaitGroup
}

func NewRunner(baseLog *logger.Logger) *Runner {
	return &Runner{log: baseLog.With("service", "JobRunner")}
}

func (r *Runner) Go(name string, fn func(ctx context.Context)) {
	if r == nil || fn == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("Background job panicked", "job", name, "panic", rec)
			}
		}()
		fn(context.Background())
	}()
}

func (r *Runner) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
