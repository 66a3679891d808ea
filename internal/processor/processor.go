// Package processor is the delivery pipeline: a bounded admission queue, a
// worker pool applying per-type policy (expiry, quiet hours, blocks, rate
// limits, dedup, batching), and concurrent channel fanout with retry.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pulsefeed/notification-engine/internal/batch"
	"github.com/pulsefeed/notification-engine/internal/dedup"
	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/metrics"
	"github.com/pulsefeed/notification-engine/internal/ratelimit"
	"github.com/pulsefeed/notification-engine/internal/render"
)

// EnqueueResult is the synchronous outcome of an Enqueue call.
type EnqueueResult string

const (
	ResultAccepted        EnqueueResult = "accepted"
	ResultQueueFull       EnqueueResult = "queue_full"
	ResultRejectedInvalid EnqueueResult = "rejected_invalid"
)

// Config tunes the pipeline.
type Config struct {
	WorkerCount    int
	QueueCapacity  int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AdapterTimeout time.Duration
	DrainDeadline  time.Duration
}

// DeliverySummary is the joined result of a single dispatch fanout.
type DeliverySummary struct {
	Status   domain.Status
	Results  map[domain.Channel]*domain.SendResult
	Failures map[domain.Channel]error
}

// Processor owns queued items and in-flight work.
type Processor struct {
	cfg      Config
	repo     domain.NotificationRepository
	prefs    domain.PreferenceRepository
	rules    *domain.RuleTable
	renderer *render.Renderer
	limiter  *ratelimit.Limiter
	dedupe   *dedup.Set
	batcher  *batch.Engine
	adapters map[domain.Channel]domain.ChannelAdapter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// onDelivered fires after a delivered status write; the badge cache
	// invalidation hangs off it.
	onDelivered func(n *domain.Notification)

	queue chan *domain.Notification

	mu       sync.Mutex
	running  bool
	draining bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func New(
	cfg Config,
	repo domain.NotificationRepository,
	prefs domain.PreferenceRepository,
	rules *domain.RuleTable,
	renderer *render.Renderer,
	limiter *ratelimit.Limiter,
	dedupe *dedup.Set,
	adapters []domain.ChannelAdapter,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Processor {
	byChannel := make(map[domain.Channel]domain.ChannelAdapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	return &Processor{
		cfg:      cfg,
		repo:     repo,
		prefs:    prefs,
		rules:    rules,
		renderer: renderer,
		limiter:  limiter,
		dedupe:   dedupe,
		adapters: byChannel,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		queue:    make(chan *domain.Notification, cfg.QueueCapacity),
	}
}

// SetBatcher wires the batching engine; its dispatch callback should be the
// processor's DispatchDigest.
func (p *Processor) SetBatcher(b *batch.Engine) { p.batcher = b }

// SetDeliveredHook installs the post-delivery callback.
func (p *Processor) SetDeliveredHook(fn func(n *domain.Notification)) { p.onDelivered = fn }

// Start launches the worker pool.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("processor started",
		"workers", p.cfg.WorkerCount,
		"queue_capacity", p.cfg.QueueCapacity,
	)
}

// Stop drains the queue for up to DrainDeadline, then aborts in-flight work.
// Enqueue refuses new items as soon as Stop begins.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.draining = true
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.DrainDeadline)
	for len(p.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if p.batcher != nil {
		p.batcher.FlushAll()
	}

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("processor stopped gracefully")
	case <-time.After(10 * time.Second):
		p.logger.Warn("processor stop timed out")
	}
}

// QueueDepth reports how many accepted items await a worker.
func (p *Processor) QueueDepth() int { return len(p.queue) }

// Enqueue admits a notification without blocking. Re-enqueueing an item that
// already reached a terminal state is a no-op that still reports accepted.
func (p *Processor) Enqueue(ctx context.Context, n *domain.Notification) (EnqueueResult, error) {
	if n.Status.IsTerminal() {
		p.metrics.RecordEnqueue(string(ResultAccepted))
		return ResultAccepted, nil
	}
	if err := n.Validate(); err != nil {
		p.metrics.RecordEnqueue(string(ResultRejectedInvalid))
		return ResultRejectedInvalid, err
	}
	if n.IsExpired(p.now()) {
		p.metrics.RecordEnqueue(string(ResultRejectedInvalid))
		return ResultRejectedInvalid, domain.NewValidationError("expires_at", "notification is already expired")
	}

	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		p.metrics.RecordEnqueue(string(ResultQueueFull))
		return ResultQueueFull, domain.ErrShutdown
	}

	select {
	case p.queue <- n:
		p.metrics.RecordEnqueue(string(ResultAccepted))
		p.metrics.SetQueueDepth(len(p.queue))
		return ResultAccepted, nil
	default:
		p.metrics.RecordEnqueue(string(ResultQueueFull))
		return ResultQueueFull, domain.ErrQueueFull
	}
}

// EnqueueWait is the blocking variant; the producer waits for queue space or
// context cancellation.
func (p *Processor) EnqueueWait(ctx context.Context, n *domain.Notification) (EnqueueResult, error) {
	if n.Status.IsTerminal() {
		return ResultAccepted, nil
	}
	if err := n.Validate(); err != nil {
		return ResultRejectedInvalid, err
	}

	p.mu.Lock()
	draining := p.draining
	p.mu.Unlock()
	if draining {
		return ResultQueueFull, domain.ErrShutdown
	}

	select {
	case p.queue <- n:
		p.metrics.RecordEnqueue(string(ResultAccepted))
		return ResultAccepted, nil
	case <-ctx.Done():
		return ResultQueueFull, ctx.Err()
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.queue:
			p.metrics.SetQueueDepth(len(p.queue))
			p.process(ctx, n, logger)
		}
	}
}

// process runs the policy pipeline for one dequeued item.
func (p *Processor) process(ctx context.Context, n *domain.Notification, logger *slog.Logger) {
	logger = logger.With("notification_id", n.ID, "type", n.Type, "recipient_id", n.RecipientID)
	now := p.now()

	if n.IsExpired(now) {
		p.fail(ctx, n, domain.FailureExpired, logger)
		return
	}

	rule := p.rules.Resolve(n.Type)
	prefs := p.loadPreferences(ctx, n.RecipientID)

	// Digests re-enter at dispatch only: policy already applied at batch entry.
	if !n.IsDigest() {
		if prefs.IsSenderBlocked(n.SenderID) {
			p.fail(ctx, n, domain.FailureBlockedSender, logger)
			return
		}
		if !prefs.TypeAllowed(n.Type) {
			p.fail(ctx, n, domain.FailureTypeDisabled, logger)
			return
		}

		if n.RespectQuietHours && n.Priority != domain.PriorityUrgent && prefs.InQuietHours(now) {
			p.deferQuiet(ctx, n, prefs.QuietHoursEndAfter(now), logger)
			return
		}

		// Admission policy charges once, on the first attempt. A retry already
		// spent its rate-limit budget and registered its own dedup
		// fingerprint, and an item that has dispatched must not re-batch.
		firstAttempt := n.Attempts == 0

		if rule.RateLimit && firstAttempt {
			hourly := prefs.HourlyCap(n.Type, rule.HourlyCap)
			daily := prefs.DailyCap(n.Type, rule.DailyCap)
			if !p.limiter.Allow(n.RecipientID, n.Type, hourly, daily) {
				p.metrics.RecordOutcome(string(n.Type), "rate_limited")
				p.fail(ctx, n, domain.FailureRateLimited, logger)
				return
			}
		}

		if rule.Dedup && firstAttempt {
			if !p.dedupe.Admit(dedup.Fingerprint(n), rule.DedupTTL) {
				p.metrics.RecordOutcome(string(n.Type), "deduplicated")
				p.fail(ctx, n, domain.FailureDuplicate, logger)
				return
			}
		}

		if rule.Batch && firstAttempt && n.Bundleable() && prefs.BatchingEnabled && p.batcher != nil {
			window := rule.BatchWindow
			if prefs.BatchWindow > 0 {
				window = prefs.BatchWindow
			}
			batchID := p.batcher.Add(n, window, rule.MaxBatchSize)
			meta := domain.StatusMeta{BatchID: &batchID, Attempts: n.Attempts}
			if err := p.repo.UpdateStatus(ctx, n.ID, n.Status, domain.StatusBatched, meta); err != nil {
				logger.Error("batched status write failed", "error", err)
			}
			p.metrics.RecordOutcome(string(n.Type), "batched")
			return
		}
	}

	p.dispatch(ctx, n, rule, prefs, logger)
}

// dispatch renders once and fans out over the effective channels.
func (p *Processor) dispatch(ctx context.Context, n *domain.Notification, rule domain.Rule, prefs *domain.Preferences, logger *slog.Logger) {
	effective := prefs.ChannelsFor(n.Type, n.Channels&rule.AllowedChannels)

	// Email is reserved for notifications that warrant leaving the product.
	if effective.Has(domain.ChannelEmail) && n.Priority.Rank() < domain.PriorityHigh.Rank() {
		effective &^= domain.MaskEmail
	}

	if effective.IsEmpty() {
		p.fail(ctx, n, domain.FailureNoChannels, logger)
		return
	}

	msg := p.renderer.Render(n)
	if msg.Title == "" && msg.BodyText == "" {
		p.fail(ctx, n, domain.FailureRenderEmpty, logger)
		return
	}

	attempts := n.Attempts + 1
	if err := p.repo.UpdateStatus(ctx, n.ID, n.Status, domain.StatusSent, domain.StatusMeta{Attempts: attempts}); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			// Someone else already advanced or terminated this item.
			logger.Debug("sent transition lost", "from", n.Status)
			return
		}
		logger.Error("sent status write failed", "error", err)
		return
	}
	n.Status = domain.StatusSent
	n.Attempts = attempts

	summary := p.fanOut(ctx, n, msg, effective, logger)
	p.join(ctx, n, summary, logger)
}

// fanOut calls every selected adapter concurrently and joins the results.
func (p *Processor) fanOut(ctx context.Context, n *domain.Notification, msg *domain.RenderedMessage, mask domain.ChannelMask, logger *slog.Logger) *DeliverySummary {
	summary := &DeliverySummary{
		Results:  make(map[domain.Channel]*domain.SendResult),
		Failures: make(map[domain.Channel]error),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ch := range mask.Channels() {
		adapter, ok := p.adapters[ch]
		if !ok {
			mu.Lock()
			summary.Failures[ch] = domain.NewPermanentError(ch, "no_adapter", "channel has no adapter configured")
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(ch domain.Channel, adapter domain.ChannelAdapter) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
			defer cancel()

			result, err := adapter.SendToUser(callCtx, n, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failures[ch] = err
				p.metrics.RecordChannelResult(string(ch), "failed")
				return
			}
			summary.Results[ch] = result
			p.metrics.RecordChannelResult(string(ch), "ok")
			p.metrics.RecordDeliveryLatency(string(ch), p.now().Sub(n.CreatedAt))
		}(ch, adapter)
	}

	wg.Wait()
	return summary
}

// join writes the final status for a completed fanout: delivered if any
// channel succeeded, retry if any failure was transient, failed otherwise.
func (p *Processor) join(ctx context.Context, n *domain.Notification, summary *DeliverySummary, logger *slog.Logger) {
	delivered := 0
	for _, r := range summary.Results {
		delivered += r.Delivered
	}

	if delivered > 0 {
		now := p.now().UTC()
		meta := domain.StatusMeta{DeliveredAt: &now, Attempts: n.Attempts}
		if err := p.repo.UpdateStatus(ctx, n.ID, domain.StatusSent, domain.StatusDelivered, meta); err != nil &&
			!errors.Is(err, domain.ErrPreconditionFailed) {
			logger.Error("delivered status write failed", "error", err)
		}
		n.Status = domain.StatusDelivered
		n.DeliveredAt = &now
		summary.Status = domain.StatusDelivered
		p.metrics.RecordOutcome(string(n.Type), "delivered")
		if p.onDelivered != nil {
			p.onDelivered(n)
		}
		logger.Info("notification delivered", "attempts", n.Attempts, "channels_ok", len(summary.Results))
		return
	}

	transient := false
	for _, err := range summary.Failures {
		if domain.IsRetryable(err) {
			transient = true
			break
		}
	}

	if !transient {
		summary.Status = domain.StatusFailed
		p.metrics.RecordOutcome(string(n.Type), "failed")
		p.failFrom(ctx, n, domain.StatusSent, domain.FailureAllChannels, logger)
		return
	}

	if n.Attempts >= p.cfg.MaxAttempts {
		summary.Status = domain.StatusFailed
		p.metrics.RecordOutcome(string(n.Type), "failed")
		p.failFrom(ctx, n, domain.StatusSent, domain.FailureAfterRetries, logger)
		return
	}

	// Transient failure: hand the item back to the scheduler with backoff.
	delay := p.backoff(n.Attempts)
	retryAt := p.now().Add(delay)
	meta := domain.StatusMeta{Attempts: n.Attempts, ScheduledAt: &retryAt}
	if err := p.repo.UpdateStatus(ctx, n.ID, domain.StatusSent, domain.StatusPending, meta); err != nil &&
		!errors.Is(err, domain.ErrPreconditionFailed) {
		logger.Error("retry reschedule failed", "error", err)
		return
	}
	summary.Status = domain.StatusPending
	p.metrics.RecordOutcome(string(n.Type), "retry")
	logger.Warn("notification will be retried", "attempt", n.Attempts, "delay", delay)
}

// SendImmediate bypasses rate limiting, dedup and batching; the notification
// still renders and traverses the full dispatch fanout.
func (p *Processor) SendImmediate(ctx context.Context, n *domain.Notification) (*DeliverySummary, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.IsExpired(p.now()) {
		return nil, domain.NewValidationError("expires_at", "notification is already expired")
	}

	rule := p.rules.Resolve(n.Type)
	prefs := p.loadPreferences(ctx, n.RecipientID)
	logger := p.logger.With("notification_id", n.ID)

	effective := prefs.ChannelsFor(n.Type, n.Channels&rule.AllowedChannels)
	if effective.Has(domain.ChannelEmail) && n.Priority.Rank() < domain.PriorityHigh.Rank() {
		effective &^= domain.MaskEmail
	}
	if effective.IsEmpty() {
		p.fail(ctx, n, domain.FailureNoChannels, logger)
		return &DeliverySummary{Status: domain.StatusFailed}, domain.ErrNoChannels
	}

	msg := p.renderer.Render(n)
	attempts := n.Attempts + 1
	if err := p.repo.UpdateStatus(ctx, n.ID, n.Status, domain.StatusSent, domain.StatusMeta{Attempts: attempts}); err != nil {
		return nil, err
	}
	n.Status = domain.StatusSent
	n.Attempts = attempts

	summary := p.fanOut(ctx, n, msg, effective, logger)
	p.join(ctx, n, summary, logger)
	return summary, nil
}

// DispatchDigest persists a flushed digest and dispatches it like an
// immediate notification. Wired as the batch engine's dispatch callback.
func (p *Processor) DispatchDigest(digest *domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AdapterTimeout+10*time.Second)
	defer cancel()

	logger := p.logger.With("notification_id", digest.ID, "batch_id", digest.BatchID)

	if err := p.repo.Create(ctx, digest); err != nil {
		logger.Error("digest create failed", "error", err)
		return
	}
	p.metrics.RecordBatchFlush(len(digest.MemberIDs))

	rule := p.rules.Resolve(digest.Type)
	prefs := p.loadPreferences(ctx, digest.RecipientID)
	p.dispatch(ctx, digest, rule, prefs, logger)
}

func (p *Processor) loadPreferences(ctx context.Context, userID string) *domain.Preferences {
	prefs, err := p.prefs.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("preference lookup failed, using defaults", "user_id", userID, "error", err)
		}
		return domain.DefaultPreferences(userID)
	}
	return prefs
}

// fail terminates the item from its current status.
func (p *Processor) fail(ctx context.Context, n *domain.Notification, reason string, logger *slog.Logger) {
	p.failFrom(ctx, n, n.Status, reason, logger)
}

func (p *Processor) failFrom(ctx context.Context, n *domain.Notification, expected domain.Status, reason string, logger *slog.Logger) {
	meta := domain.StatusMeta{FailureReason: reason, Attempts: n.Attempts}
	if err := p.repo.UpdateStatus(ctx, n.ID, expected, domain.StatusFailed, meta); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			logger.Debug("failed transition lost", "reason", reason)
			return
		}
		logger.Error("failed status write failed", "reason", reason, "error", err)
		return
	}
	n.Status = domain.StatusFailed
	n.FailureReason = reason
	logger.Info("notification failed", "reason", reason)
}

// deferQuiet pushes the item past the recipient's quiet window; the scheduled
// release loop will re-enqueue it.
func (p *Processor) deferQuiet(ctx context.Context, n *domain.Notification, until time.Time, logger *slog.Logger) {
	meta := domain.StatusMeta{Attempts: n.Attempts, ScheduledAt: &until}
	if err := p.repo.UpdateStatus(ctx, n.ID, n.Status, domain.StatusPending, meta); err != nil &&
		!errors.Is(err, domain.ErrPreconditionFailed) {
		logger.Error("quiet hours deferral failed", "error", err)
		return
	}
	p.metrics.RecordOutcome(string(n.Type), "deferred")
	logger.Info("notification deferred for quiet hours", "until", until)
}

// backoff computes base * 2^(attempt-1) with ±20% jitter, capped.
func (p *Processor) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	max := p.cfg.MaxBackoff
	if max <= 0 {
		max = 5 * time.Minute
	}
	if d > max {
		d = max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
