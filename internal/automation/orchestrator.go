// Package automation runs one stateless tick of order automation: the
// lifecycle scan, queue draining and recovery of abandoned sends.
package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/lifecycle"
	"github.com/socsahar/Vapes-Shop-sub001/internal/metrics"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
	"github.com/socsahar/Vapes-Shop-sub001/internal/notify"
)

// Task names, also the CronRun job names.
const (
	TaskLifecycle = "order_lifecycle"
	TaskDispatch  = "notification_dispatch"
	TaskRecovery  = "queue_recovery"
)

const (
	defaultBatchSize  = 50
	defaultMaxBatches = 10
	defaultStaleAfter = 10 * time.Minute
)

type Scanner interface {
	ScanAndTransition(ctx context.Context, now time.Time) (lifecycle.ScanResult, error)
}

type BatchProcessor interface {
	ProcessBatch(ctx context.Context, limit int) (notify.BatchResult, error)
}

type Requeuer interface {
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
}

// RunRecorder persists per-task run records.
type RunRecorder interface {
	StartRun(ctx context.Context, job string, at time.Time) error
	FinishRun(ctx context.Context, run models.CronRun) error
}

// Leaser hands out short exclusive leases. A lease is an optimisation only.
type Leaser interface {
	Acquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

type Orchestrator struct {
	Machine    Scanner
	Dispatcher BatchProcessor
	Queue      Requeuer
	Runs       RunRecorder
	Lease      Leaser
	Log        *zap.Logger

	// BatchSize is the dispatch batch limit; MaxBatches caps how many
	// batches one tick drains.
	BatchSize  int
	MaxBatches int
	// Budget bounds the wall-clock time of one tick.
	Budget time.Duration
	// StaleAfter is how long an entry may sit in sending before it is
	// handed back to the queue.
	StaleAfter time.Duration
}

type TaskResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RunSummary is the outcome of one tick.
type RunSummary struct {
	Opened     int          `json:"opened"`
	Closed     int          `json:"closed"`
	Reminders  int          `json:"reminders"`
	Processed  int          `json:"processed"`
	Failed     int          `json:"failed"`
	Requeued   int64        `json:"requeued"`
	DurationMS int64        `json:"duration_ms"`
	Errors     []string     `json:"errors"`
	Tasks      []TaskResult `json:"tasks"`
}

// counters feed the CronRun record of one task.
type counters struct {
	processed int
	failed    int
}

// RunOnce executes every task in order. A task failure is recorded and the
// next task still runs, so RunOnce itself never fails.
func (o *Orchestrator) RunOnce(ctx context.Context, now time.Time) RunSummary {
	start := time.Now()
	if o.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Budget)
		defer cancel()
	}

	sum := RunSummary{Errors: []string{}}

	o.runTask(ctx, &sum, TaskLifecycle, now, func(ctx context.Context) (counters, error) {
		res, err := o.Machine.ScanAndTransition(ctx, now)
		sum.Opened += len(res.Opened)
		sum.Closed += len(res.Closed)
		sum.Reminders += res.Reminders
		sum.Errors = append(sum.Errors, res.Errors...)
		return counters{
			processed: len(res.Opened) + len(res.Closed) + res.Reminders + res.Recovered,
			failed:    len(res.Errors),
		}, err
	})

	o.runTask(ctx, &sum, TaskDispatch, now, func(ctx context.Context) (counters, error) {
		var c counters
		for i := 0; i < o.maxBatches(); i++ {
			if ctx.Err() != nil {
				break
			}
			res, err := o.Dispatcher.ProcessBatch(ctx, o.batchSize())
			sum.Processed += res.Processed
			sum.Failed += res.Failed
			c.processed += res.Processed
			c.failed += res.Failed
			if err != nil {
				return c, err
			}
			if res.Processed < o.batchSize() {
				break
			}
		}
		return c, nil
	})

	o.runTask(ctx, &sum, TaskRecovery, now, func(ctx context.Context) (counters, error) {
		n, err := o.Queue.RequeueStale(ctx, now.Add(-o.staleAfter()))
		sum.Requeued += n
		if n > 0 {
			o.Log.Warn("requeued entries stuck in sending", zap.Int64("entries", n))
		}
		return counters{processed: int(n)}, err
	})

	sum.DurationMS = time.Since(start).Milliseconds()
	o.Log.Info("automation tick finished",
		zap.Int("opened", sum.Opened),
		zap.Int("closed", sum.Closed),
		zap.Int("reminders", sum.Reminders),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Int64("requeued", sum.Requeued),
		zap.Int64("duration_ms", sum.DurationMS),
		zap.Int("errors", len(sum.Errors)),
	)
	return sum
}

func (o *Orchestrator) runTask(
	ctx context.Context,
	sum *RunSummary,
	name string,
	now time.Time,
	fn func(ctx context.Context) (counters, error),
) {
	log := o.Log.With(zap.String("task", name))
	// bookkeeping must land even when the budget is spent
	bg := context.WithoutCancel(ctx)

	if o.Lease != nil {
		release, ok, err := o.Lease.Acquire(ctx, name)
		switch {
		case err != nil:
			log.Warn("lease unavailable, running without it", zap.Error(err))
		case !ok:
			log.Info("task running elsewhere, skipped")
			sum.Tasks = append(sum.Tasks, TaskResult{Name: name, Status: "skipped"})
			return
		}
		defer release()
	}

	started := time.Now()
	if err := o.Runs.StartRun(bg, name, now); err != nil {
		log.Error("failed to record task start", zap.Error(err))
	}

	c, err := o.call(ctx, fn)

	elapsed := time.Since(started)
	finished := started.Add(elapsed).UTC()
	run := models.CronRun{
		JobName:     name,
		Status:      models.CronSuccess,
		FinishedAt:  &finished,
		DurationMS:  elapsed.Milliseconds(),
		Processed:   c.processed,
		FailedCount: c.failed,
	}
	if err != nil {
		run.Status = models.CronFailed
		run.LastError = err.Error()
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", name, err))
		log.Error("task failed", zap.Error(err), zap.Duration("took", elapsed))
	} else {
		log.Debug("task finished", zap.Int("processed", c.processed), zap.Duration("took", elapsed))
	}
	if ferr := o.Runs.FinishRun(bg, run); ferr != nil {
		log.Error("failed to record task result", zap.Error(ferr))
	}

	metrics.TaskDuration.WithLabelValues(name, string(run.Status)).Observe(elapsed.Seconds())
	sum.Tasks = append(sum.Tasks, TaskResult{
		Name:       name,
		Status:     string(run.Status),
		DurationMS: run.DurationMS,
		Error:      run.LastError,
	})
}

// call turns a panic inside a task into an error.
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) (counters, error)) (c counters, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return defaultBatchSize
}

func (o *Orchestrator) maxBatches() int {
	if o.MaxBatches > 0 {
		return o.MaxBatches
	}
	return defaultMaxBatches
}

func (o *Orchestrator) staleAfter() time.Duration {
	if o.StaleAfter > 0 {
		return o.StaleAfter
	}
	return defaultStaleAfter
}
