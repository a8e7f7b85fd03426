package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/barter/internal/config"
	"github.com/klingon-exchange/barter/internal/metrics"
	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// Sink receives outbox messages. A message counts as delivered only when
// every sink accepts it; sinks must tolerate seeing the same message again.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg *storage.OutboxMessage) error
}

// Backoff bounds for failed deliveries.
const (
	baseRetryInterval = 10 * time.Second
	maxRetryInterval  = 10 * time.Minute
)

// Dispatcher periodically drains the outbox into its sinks.
type Dispatcher struct {
	store  *storage.Storage
	sinks  []Sink
	config config.NotifyConfig
	now    func() time.Time
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. Zero config values fall back to the
// defaults from config.DefaultConfig.
func NewDispatcher(store *storage.Storage, cfg config.NotifyConfig, log *logging.Logger, sinks ...Sink) *Dispatcher {
	defaults := config.DefaultConfig().Notify
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaults.RetentionPeriod
	}
	if log == nil {
		log = logging.GetDefault()
	}

	return &Dispatcher{
		store:  store,
		sinks:  sinks,
		config: cfg,
		now:    time.Now,
		log:    log.Component("notify"),
	}
}

// SetClock replaces the dispatcher's time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start runs the dispatcher until Stop is called or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run()
	d.log.Info("Notification dispatcher started", "poll_interval", d.config.PollInterval, "sinks", len(d.sinks))
}

// Stop stops the dispatcher and waits for the current pass to finish.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.log.Info("Notification dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer close(d.done)

	pollTicker := time.NewTicker(d.config.PollInterval)
	cleanupTicker := time.NewTicker(d.config.CleanupInterval)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	d.Cleanup(d.ctx)

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-pollTicker.C:
			if _, err := d.ProcessDue(d.ctx); err != nil {
				d.log.Warn("Failed to process notifications", "error", err)
			}
		case <-cleanupTicker.C:
			d.Cleanup(d.ctx)
		}
	}
}

// ProcessDue delivers one batch of due notifications and returns how many
// were delivered.
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	msgs, err := d.store.GetDueNotifications(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, msg) {
			delivered++
		}
	}

	d.reportDepth(ctx)
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *storage.OutboxMessage) bool {
	err := d.fanOut(ctx, msg)
	now := d.now()

	if err == nil {
		if err := d.store.MarkNotificationDelivered(ctx, msg.MessageID, now); err != nil {
			d.log.Warn("Failed to mark notification delivered", "message_id", msg.MessageID, "error", err)
		}
		d.log.Debug("Notification delivered", "message_id", msg.MessageID, "event", msg.Event)
		return true
	}

	if msg.RetryCount+1 >= d.config.MaxAttempts {
		d.log.Warn("Giving up on notification",
			"message_id", msg.MessageID,
			"attempts", msg.RetryCount+1,
			"error", err)
		if err := d.store.MarkNotificationFailed(ctx, msg.MessageID, now, err.Error()); err != nil {
			d.log.Warn("Failed to mark notification failed", "message_id", msg.MessageID, "error", err)
		}
		return false
	}

	next := now.Add(retryBackoff(msg.RetryCount))
	d.log.Debug("Notification delivery failed, scheduling retry",
		"message_id", msg.MessageID,
		"retry_count", msg.RetryCount,
		"next_retry", next,
		"error", err)
	if err := d.store.ScheduleNotificationRetry(ctx, msg.MessageID, now, next, err.Error()); err != nil {
		d.log.Warn("Failed to schedule notification retry", "message_id", msg.MessageID, "error", err)
	}
	return false
}

// fanOut hands msg to every sink concurrently and joins their errors.
func (d *Dispatcher) fanOut(ctx context.Context, msg *storage.OutboxMessage) error {
	errs := make([]error, len(d.sinks))

	eg := &errgroup.Group{}
	for i, sink := range d.sinks {
		eg.Go(func() error {
			err := sink.Deliver(ctx, msg)
			metrics.Delivery(sink.Name(), err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	var failed []string
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("delivery failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Cleanup removes delivered and failed notifications past the retention
// period.
func (d *Dispatcher) Cleanup(ctx context.Context) {
	olderThan := d.now().Add(-d.config.RetentionPeriod)

	count, err := d.store.CleanupNotifications(ctx, olderThan)
	if err != nil {
		d.log.Warn("Failed to cleanup notifications", "error", err)
		return
	}
	if count > 0 {
		d.log.Info("Cleaned up old notifications", "count", count)
	}
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	stats, err := d.store.GetOutboxStats(ctx)
	if err != nil {
		return
	}
	for _, status := range []storage.OutboxStatus{
		storage.OutboxStatusPending, storage.OutboxStatusDelivered, storage.OutboxStatusFailed,
	} {
		metrics.OutboxDepth(string(status), stats[status])
	}
}

// retryBackoff doubles from 10s per attempt, capped at 10m.
func retryBackoff(retryCount int) time.Duration {
	backoff := baseRetryInterval
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff > maxRetryInterval {
			return maxRetryInterval
		}
	}
	return backoff
}
