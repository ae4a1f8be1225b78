package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/socsahar/Vapes-Shop-sub001/internal/email"
	"github.com/socsahar/Vapes-Shop-sub001/internal/metrics"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
	"github.com/socsahar/Vapes-Shop-sub001/internal/worker"
)

// Queue is the subset of the queue store the dispatcher drives.
type Queue interface {
	FetchPending(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
	MarkSending(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, now time.Time, errText string, permanent bool, retryAt *time.Time) (models.QueueStatus, bool, error)
	CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error)
}

// Resolver expands a system entry into concrete messages.
type Resolver interface {
	Resolve(ctx context.Context, entry models.QueueEntry) ([]email.Message, error)
}

type Dispatcher struct {
	Queue     Queue
	Router    Resolver
	Renderer  *Renderer
	Transport email.Transport
	Pool      worker.Pool
	Log       *zap.Logger

	// Limiter paces transport calls. A system entry expands into one call
	// per recipient, and each of them waits for its own token.
	Limiter *rate.Limiter

	// CallTimeout bounds each transport call.
	CallTimeout time.Duration
	// SendRetry is the in-call backoff budget for transient transport errors.
	SendRetry time.Duration
	// RetryBase is the delay before a failed entry is due again; it doubles
	// with every attempt up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration

	Now func() time.Time
}

// BatchResult reports one ProcessBatch call. Processed counts entries this
// dispatcher claimed; Failed those that ended the batch with an error.
type BatchResult struct {
	Processed       int `json:"processed"`
	Failed          int `json:"failed"`
	Messages        int `json:"messages"`
	MessageFailures int `json:"message_failures"`
}

// ProcessBatch sends up to limit due entries. Only a failure to fetch the
// batch is returned as an error; per-entry failures are recorded on the
// entries themselves.
func (d *Dispatcher) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	entries, err := d.Queue.FetchPending(ctx, d.now(), limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch pending: %w", err)
	}

	var (
		mu  sync.Mutex
		res BatchResult
	)
	worker.Run(ctx, d.Pool, entries, func(ctx context.Context, e models.QueueEntry) {
		out := d.handle(ctx, e)

		mu.Lock()
		defer mu.Unlock()
		if out.claimed {
			res.Processed++
		}
		if out.failed {
			res.Failed++
		}
		res.Messages += out.sent
		res.MessageFailures += out.sendFailures
	})

	d.recordDepth(context.WithoutCancel(ctx))
	return res, nil
}

type entryOutcome struct {
	claimed      bool
	failed       bool
	sent         int
	sendFailures int
}

func (d *Dispatcher) handle(ctx context.Context, e models.QueueEntry) entryOutcome {
	log := d.Log.With(zap.Int64("entry_id", e.ID), zap.String("recipient", e.Recipient))

	// ----------------------------
	// Mark as Sending
	// ----------------------------
	ok, err := d.Queue.MarkSending(ctx, e.ID, d.now())
	if err != nil {
		log.Error("failed to claim entry", zap.Error(err))
		return entryOutcome{}
	}
	if !ok {
		metrics.QueueEntries.WithLabelValues("skipped").Inc()
		log.Debug("entry claimed elsewhere")
		return entryOutcome{}
	}

	out := entryOutcome{claimed: true}

	var sendErr error
	if e.IsSystem() {
		out.sent, out.sendFailures, sendErr = d.fanOut(ctx, log, e)
	} else {
		sendErr = d.sendDirect(ctx, e)
		if sendErr == nil {
			out.sent = 1
		} else {
			out.sendFailures = 1
		}
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	if sendErr == nil {
		if ok, err := d.Queue.MarkSent(ctx, e.ID, d.now()); err != nil {
			log.Error("failed to update sent status", zap.Error(err))
		} else if !ok {
			log.Warn("entry left sending before it could be marked sent")
		}
		metrics.QueueEntries.WithLabelValues("sent").Inc()
		return out
	}

	out.failed = true
	d.fail(ctx, log, e, sendErr)
	return out
}

// fanOut sends every resolved message independently. The entry counts as
// delivered once each message was attempted, unless every one of them
// failed transiently; then the whole fan-out is retried with recipients
// recomputed.
func (d *Dispatcher) fanOut(ctx context.Context, log *zap.Logger, e models.QueueEntry) (sent, failed int, err error) {
	messages, err := d.Router.Resolve(ctx, e)
	if err != nil {
		return 0, 0, err
	}
	if len(messages) == 0 {
		log.Info("system notification has no recipients")
		return 0, 0, nil
	}

	var lastErr error
	allTransient := true
	for _, msg := range messages {
		if err := d.send(ctx, msg); err != nil {
			failed++
			lastErr = err
			if email.IsPermanent(err) {
				allTransient = false
			}
			log.Warn("fan-out message failed",
				zap.String("to", msg.To),
				zap.Error(err),
			)
			continue
		}
		sent++
	}

	if sent == 0 && allTransient {
		return 0, failed, fmt.Errorf("all %d messages failed: %w", failed, lastErr)
	}
	return sent, failed, nil
}

func (d *Dispatcher) sendDirect(ctx context.Context, e models.QueueEntry) error {
	var (
		rendered Rendered
		err      error
	)
	if e.Template != "" {
		rendered, err = d.Renderer.Direct(e.Template, e.Data)
		if err == nil && e.Subject != "" {
			rendered.Subject = e.Subject
		}
	} else {
		rendered, err = d.Renderer.Markdown(e.Subject, e.Body)
	}
	if err != nil {
		return email.Permanent(err)
	}

	return d.send(ctx, email.Message{
		To:      e.Recipient,
		Subject: rendered.Subject,
		Text:    rendered.Text,
		HTML:    rendered.HTML,
	})
}

func (d *Dispatcher) send(ctx context.Context, msg email.Message) error {
	// ----------------------------
	// Rate Limit
	// ----------------------------
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	if d.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.CallTimeout)
		defer cancel()
	}

	if err := email.SendWithRetry(ctx, d.Transport, msg, d.SendRetry); err != nil {
		metrics.EmailFailures.Inc()
		return err
	}
	metrics.EmailsSent.Inc()
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, e models.QueueEntry, sendErr error) {
	permanent := email.IsPermanent(sendErr)

	var retryAt *time.Time
	if !permanent {
		at := d.now().Add(d.retryDelay(e.Attempts + 1))
		retryAt = &at
	}

	status, ok, err := d.Queue.MarkFailed(ctx, e.ID, d.now(), sendErr.Error(), permanent, retryAt)
	if err != nil {
		log.Error("failed to update failure status", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("entry left sending before its failure was recorded")
		return
	}

	if status == models.StatusFailed {
		metrics.QueueEntries.WithLabelValues("failed").Inc()
		log.Error("entry failed permanently",
			zap.Bool("permanent_error", permanent),
			zap.Int("attempts", e.Attempts+1),
			zap.Error(sendErr),
		)
		return
	}

	metrics.QueueEntries.WithLabelValues("retry").Inc()
	log.Warn("entry send failed, will retry",
		zap.Int("attempts", e.Attempts+1),
		zap.Timep("retry_at", retryAt),
		zap.Error(sendErr),
	)
}

// retryDelay is the exponential delay before attempt n+1.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	if d.RetryBase <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.RetryBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = d.RetryMax
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Hour
	}
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) recordDepth(ctx context.Context) {
	counts, err := d.Queue.CountByStatus(ctx)
	if err != nil {
		d.Log.Warn("failed to count queue entries", zap.Error(err))
		return
	}
	for _, st := range []models.QueueStatus{models.StatusPending, models.StatusSending, models.StatusSent, models.StatusFailed} {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
