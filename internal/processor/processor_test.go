package processor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/notification-engine/internal/batch"
	"github.com/pulsefeed/notification-engine/internal/dedup"
	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/ratelimit"
	"github.com/pulsefeed/notification-engine/internal/render"
)

// memRepo is an in-memory NotificationRepository with the same CAS semantics
// as the PostgreSQL implementation.
type memRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.Notification
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[uuid.UUID]*domain.Notification)}
}

func (r *memRepo) Create(ctx context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *n
	r.items[n.ID] = &clone
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.Status, meta domain.StatusMeta) error {
	if !expected.CanTransition(next) {
		return domain.ErrPreconditionFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != expected {
		if expected == next && n.Status == next {
			return nil
		}
		return domain.ErrPreconditionFailed
	}

	n.Status = next
	if meta.FailureReason != "" {
		n.FailureReason = meta.FailureReason
	}
	if meta.DeliveredAt != nil {
		n.DeliveredAt = meta.DeliveredAt
	}
	if meta.ReadAt != nil {
		n.ReadAt = meta.ReadAt
	}
	if meta.Attempts > n.Attempts {
		n.Attempts = meta.Attempts
	}
	if meta.ScheduledAt != nil {
		n.ScheduledAt = *meta.ScheduledAt
	}
	if meta.BatchID != nil {
		n.BatchID = meta.BatchID
	}
	return nil
}

func (r *memRepo) ListByRecipient(ctx context.Context, recipientID string, filter domain.ListFilter) (*domain.ListResult, error) {
	return &domain.ListResult{}, nil
}

func (r *memRepo) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	return r.listPending(now, limit, func(n *domain.Notification) bool { return n.Attempts == 0 })
}

func (r *memRepo) ListPendingRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	return r.listPending(now, limit, func(n *domain.Notification) bool { return n.Attempts > 0 })
}

func (r *memRepo) listPending(now time.Time, limit int, match func(*domain.Notification) bool) ([]*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Notification
	for _, n := range r.items {
		if n.Status == domain.StatusPending && !n.ScheduledAt.After(now) && match(n) {
			clone := *n
			out = append(out, &clone)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.items {
		if n.RecipientID == recipientID && n.Status == domain.StatusDelivered && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) status(t *testing.T, id uuid.UUID) *domain.Notification {
	t.Helper()
	n, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n
}

// memPrefs is an in-memory PreferenceRepository.
type memPrefs struct {
	mu    sync.Mutex
	prefs map[string]*domain.Preferences
}

func newMemPrefs() *memPrefs {
	return &memPrefs{prefs: make(map[string]*domain.Preferences)}
}

func (r *memPrefs) Get(ctx context.Context, userID string) (*domain.Preferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *memPrefs) Upsert(ctx context.Context, p *domain.Preferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *p
	r.prefs[p.UserID] = &clone
	return nil
}

// fakeAdapter returns a scripted result for its channel and counts calls.
type fakeAdapter struct {
	domain.StatCounters
	channel domain.Channel
	result  *domain.SendResult
	err     error

	mu    sync.Mutex
	calls int
}

func (a *fakeAdapter) Channel() domain.Channel { return a.channel }

func (a *fakeAdapter) SendToUser(ctx context.Context, n *domain.Notification, msg *domain.RenderedMessage) (*domain.SendResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func (a *fakeAdapter) Health(ctx context.Context) domain.HealthState { return domain.HealthOK }
func (a *fakeAdapter) Stats() domain.AdapterStats                    { return a.Snapshot() }

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func okAdapter(ch domain.Channel) *fakeAdapter {
	return &fakeAdapter{channel: ch, result: &domain.SendResult{Delivered: 1}}
}

type testEnv struct {
	proc    *Processor
	repo    *memRepo
	prefs   *memPrefs
	inApp   *fakeAdapter
	push    *fakeAdapter
	email   *fakeAdapter
	limiter *ratelimit.Limiter
	dedupe  *dedup.Set
	now     time.Time
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.AdapterTimeout == 0 {
		cfg.AdapterTimeout = time.Second
	}
	if cfg.DrainDeadline == 0 {
		cfg.DrainDeadline = time.Second
	}

	env := &testEnv{
		repo:    newMemRepo(),
		prefs:   newMemPrefs(),
		inApp:   okAdapter(domain.ChannelInApp),
		push:    okAdapter(domain.ChannelPush),
		email:   okAdapter(domain.ChannelEmail),
		limiter: ratelimit.New(2),
		dedupe:  dedup.New(2),
		now:     time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}

	rules := domain.NewRuleTable(domain.DefaultRules(), domain.RuleDefaults{
		DedupTTL:     30 * time.Minute,
		BatchWindow:  10 * time.Minute,
		MaxBatchSize: 20,
		Expiry:       7 * 24 * time.Hour,
	})

	env.proc = New(cfg, env.repo, env.prefs, rules, render.NewRenderer(render.DefaultTemplates()),
		env.limiter, env.dedupe,
		[]domain.ChannelAdapter{env.inApp, env.push, env.email},
		slog.Default(), nil)
	env.proc.now = func() time.Time { return env.now }
	return env
}

// submit persists a notification and runs it through the pipeline inline.
func (e *testEnv) submit(t *testing.T, n *domain.Notification) {
	t.Helper()
	require.NoError(t, e.repo.Create(context.Background(), n))
	e.proc.process(context.Background(), n, slog.Default())
}

func notification(typ domain.NotificationType) *domain.Notification {
	n := domain.NewNotification("user-1", "user-2", typ, "New thing", "something happened")
	n.NoteID = "note-1"
	n.TemplateVars = map[string]string{"sender_name": "alice"}
	return n
}

func TestProcess_DeliversAndRecordsStatus(t *testing.T) {
	env := newTestEnv(t, Config{})

	var delivered *domain.Notification
	env.proc.SetDeliveredHook(func(n *domain.Notification) { delivered = n })

	n := notification(domain.TypeMention) // mention: no batching, urgent priority
	n.Priority = domain.PriorityUrgent
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, 1, env.inApp.callCount())
	assert.Equal(t, 1, env.push.callCount())
	assert.Equal(t, 1, env.email.callCount(), "urgent priority reaches email")
	require.NotNil(t, delivered)
	assert.Equal(t, n.ID, delivered.ID)
}

func TestProcess_EmailRequiresHighPriority(t *testing.T) {
	env := newTestEnv(t, Config{})

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityNormal
	env.submit(t, n)

	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, n.ID).Status)
	assert.Equal(t, 1, env.inApp.callCount())
	assert.Equal(t, 0, env.email.callCount(), "normal priority never emails")
}

func TestProcess_ExpiredFails(t *testing.T) {
	env := newTestEnv(t, Config{})

	n := notification(domain.TypeMention)
	n.ExpiresAt = env.now.Add(-time.Minute)
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureExpired, stored.FailureReason)
	assert.Equal(t, 0, env.inApp.callCount())
}

func TestProcess_BlockedSenderFails(t *testing.T) {
	env := newTestEnv(t, Config{})

	prefs := domain.DefaultPreferences("user-1")
	prefs.BlockedSenders = []string{"user-2"}
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	n := notification(domain.TypeMention)
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureBlockedSender, stored.FailureReason)
}

func TestProcess_DisabledTypeFails(t *testing.T) {
	env := newTestEnv(t, Config{})

	prefs := domain.DefaultPreferences("user-1")
	prefs.TypeEnabled = map[domain.NotificationType]bool{domain.TypeMention: false}
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	n := notification(domain.TypeMention)
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureTypeDisabled, stored.FailureReason)
}

func TestProcess_QuietHoursDefers(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.now = time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)

	prefs := domain.DefaultPreferences("user-1")
	prefs.QuietHoursEnabled = true
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "07:00"
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	n := notification(domain.TypeFollow)
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, "2026-08-25T07:00:00Z", stored.ScheduledAt.Format(time.RFC3339))
	assert.Equal(t, 0, env.inApp.callCount())
}

func TestProcess_UrgentBypassesQuietHours(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.now = time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)

	prefs := domain.DefaultPreferences("user-1")
	prefs.QuietHoursEnabled = true
	prefs.QuietStart = "22:00"
	prefs.QuietEnd = "07:00"
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	n := notification(domain.TypeDirectMessage) // rule default priority urgent
	n.Priority = domain.PriorityUrgent
	env.submit(t, n)

	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, n.ID).Status)
}

func TestProcess_RateLimited(t *testing.T) {
	env := newTestEnv(t, Config{})

	prefs := domain.DefaultPreferences("user-1")
	prefs.HourlyCaps = map[domain.NotificationType]int{domain.TypeFollow: 1}
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	first := notification(domain.TypeFollow)
	first.SenderID = "user-2"
	env.submit(t, first)
	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, first.ID).Status)

	second := notification(domain.TypeFollow)
	second.SenderID = "user-3"
	env.submit(t, second)

	stored := env.repo.status(t, second.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureRateLimited, stored.FailureReason)
}

func TestProcess_Deduplicates(t *testing.T) {
	env := newTestEnv(t, Config{})

	first := notification(domain.TypeFollow)
	env.submit(t, first)
	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, first.ID).Status)

	// Same sender, recipient, type and content within the TTL.
	duplicate := notification(domain.TypeFollow)
	env.submit(t, duplicate)

	stored := env.repo.status(t, duplicate.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureDuplicate, stored.FailureReason)
	assert.Equal(t, 1, env.inApp.callCount())
}

func TestProcess_BatchesBundleableTypes(t *testing.T) {
	env := newTestEnv(t, Config{})
	batcher := batch.NewEngine(time.Minute, env.proc.DispatchDigest, slog.Default())
	env.proc.SetBatcher(batcher)

	n := notification(domain.TypeLike)
	n.Priority = domain.PriorityLow
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusBatched, stored.Status)
	require.NotNil(t, stored.BatchID)
	assert.Equal(t, 1, batcher.OpenCount())
	assert.Equal(t, 0, env.inApp.callCount(), "batched members do not dispatch")
}

func TestProcess_DigestFlushDispatchesOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	batcher := batch.NewEngine(time.Minute, env.proc.DispatchDigest, slog.Default())
	env.proc.SetBatcher(batcher)

	// Like rule: batch size 20; flush explicitly after three members.
	var members []*domain.Notification
	for _, sender := range []string{"user-2", "user-3", "user-4"} {
		n := notification(domain.TypeLike)
		n.SenderID = sender
		n.NoteID = "note-" + sender
		n.Priority = domain.PriorityLow
		env.submit(t, n)
		members = append(members, n)
	}

	batcher.FlushUser("user-1")

	for _, m := range members {
		assert.Equal(t, domain.StatusBatched, env.repo.status(t, m.ID).Status)
	}

	// The digest was persisted and delivered in-app.
	assert.Equal(t, 1, env.inApp.callCount())

	batchID := env.repo.status(t, members[0].ID).BatchID
	require.NotNil(t, batchID)

	found := false
	env.repo.mu.Lock()
	for _, n := range env.repo.items {
		if n.IsDigest() {
			found = true
			assert.Equal(t, domain.StatusDelivered, n.Status)
			assert.Equal(t, *batchID, *n.BatchID)
			assert.Len(t, n.MemberIDs, 3)
		}
	}
	env.repo.mu.Unlock()
	assert.True(t, found, "digest persisted")
}

func TestProcess_BatchingDisabledByPreference(t *testing.T) {
	env := newTestEnv(t, Config{})
	batcher := batch.NewEngine(time.Minute, env.proc.DispatchDigest, slog.Default())
	env.proc.SetBatcher(batcher)

	prefs := domain.DefaultPreferences("user-1")
	prefs.BatchingEnabled = false
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	n := notification(domain.TypeLike)
	n.Priority = domain.PriorityLow
	env.submit(t, n)

	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, n.ID).Status)
	assert.Equal(t, 0, batcher.OpenCount())
}

func TestProcess_NoChannelsFails(t *testing.T) {
	env := newTestEnv(t, Config{})

	prefs := domain.DefaultPreferences("user-1")
	prefs.ChannelOverrides = map[domain.NotificationType]domain.ChannelMask{
		domain.TypeMention: 0,
	}
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	n := notification(domain.TypeMention)
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureNoChannels, stored.FailureReason)
}

func TestProcess_TransientFailureReschedules(t *testing.T) {
	env := newTestEnv(t, Config{MaxAttempts: 3, BaseBackoff: 2 * time.Second})
	env.inApp.err = domain.NewTransientError(domain.ChannelInApp, "no_connections", "no live connections")
	env.inApp.result = nil
	env.push.err = domain.NewTransientError(domain.ChannelPush, "gateway_unavailable", "502")
	env.email.err = domain.NewTransientError(domain.ChannelEmail, "smtp_connect", "connection refused")

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityUrgent
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.ScheduledAt.After(env.now), "retry is scheduled in the future")

	// Backoff for attempt 1 is base*1 with ±20% jitter.
	delay := stored.ScheduledAt.Sub(env.now)
	assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)
}

func TestProcess_RetryRoundTripDelivers(t *testing.T) {
	env := newTestEnv(t, Config{MaxAttempts: 3, BaseBackoff: time.Second})

	// Follow is the strictest admission case: dedup with a 24h TTL plus a
	// one-per-hour cap, both consumed by the first attempt.
	prefs := domain.DefaultPreferences("user-1")
	prefs.HourlyCaps = map[domain.NotificationType]int{domain.TypeFollow: 1}
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	env.inApp.err = domain.NewTransientError(domain.ChannelInApp, "no_connections", "no live connections")
	env.push.err = domain.NewTransientError(domain.ChannelPush, "gateway_unavailable", "502")

	n := notification(domain.TypeFollow)
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	require.Equal(t, domain.StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.True(t, stored.ScheduledAt.After(env.now))

	// The channels recover; the release loop finds the retry once its
	// backoff has elapsed and runs it back through the pipeline.
	env.inApp.err = nil
	env.push.err = nil
	env.now = stored.ScheduledAt.Add(time.Second)

	retries, err := env.repo.ListPendingRetries(context.Background(), env.now, 10)
	require.NoError(t, err)
	require.Len(t, retries, 1)
	env.proc.process(context.Background(), retries[0], slog.Default())

	stored = env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	require.NotNil(t, stored.DeliveredAt)
}

func TestProcess_RetryBypassesBatching(t *testing.T) {
	env := newTestEnv(t, Config{})
	batcher := batch.NewEngine(time.Minute, env.proc.DispatchDigest, slog.Default())
	env.proc.SetBatcher(batcher)

	// A like that already dispatched once must redeliver, not re-enter a
	// digest window.
	n := notification(domain.TypeLike)
	n.Priority = domain.PriorityLow
	n.Attempts = 1
	env.submit(t, n)

	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, n.ID).Status)
	assert.Equal(t, 0, batcher.OpenCount())
}

func TestProcess_PermanentFailureFailsImmediately(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.inApp.err = domain.NewPermanentError(domain.ChannelInApp, "no_connections", "nope")
	env.push.err = domain.NewPermanentError(domain.ChannelPush, "no_devices", "no registered devices")
	env.email.err = domain.NewPermanentError(domain.ChannelEmail, "no_address", "unknown user")

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityUrgent
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureAllChannels, stored.FailureReason)
	assert.Equal(t, 1, stored.Attempts)
}

func TestProcess_ExhaustedRetriesFail(t *testing.T) {
	env := newTestEnv(t, Config{MaxAttempts: 3})
	env.inApp.err = domain.NewTransientError(domain.ChannelInApp, "no_connections", "nope")
	env.push.err = domain.NewTransientError(domain.ChannelPush, "gateway_unavailable", "503")
	env.email.err = domain.NewTransientError(domain.ChannelEmail, "smtp_connect", "refused")

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityUrgent
	n.Attempts = 2 // this dispatch is the third and final attempt
	env.submit(t, n)

	stored := env.repo.status(t, n.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.FailureAfterRetries, stored.FailureReason)
}

func TestProcess_PartialSuccessDelivers(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.push.err = domain.NewTransientError(domain.ChannelPush, "gateway_unavailable", "503")

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityUrgent
	env.submit(t, n)

	// One successful channel is a delivery; the transient push failure does
	// not trigger a retry.
	assert.Equal(t, domain.StatusDelivered, env.repo.status(t, n.ID).Status)
}

func TestProcess_LostSentRaceStopsQuietly(t *testing.T) {
	env := newTestEnv(t, Config{})

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityUrgent
	require.NoError(t, env.repo.Create(context.Background(), n))

	// Another worker already advanced the stored item to sent.
	require.NoError(t, env.repo.UpdateStatus(context.Background(), n.ID,
		domain.StatusPending, domain.StatusSent, domain.StatusMeta{Attempts: 1}))

	env.proc.process(context.Background(), n, slog.Default())
	assert.Equal(t, 0, env.inApp.callCount(), "losing worker must not dispatch")
}

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 1})

	t.Run("accepted", func(t *testing.T) {
		res, err := env.proc.Enqueue(context.Background(), notification(domain.TypeLike))
		require.NoError(t, err)
		assert.Equal(t, ResultAccepted, res)
	})

	t.Run("queue full", func(t *testing.T) {
		res, err := env.proc.Enqueue(context.Background(), notification(domain.TypeLike))
		assert.ErrorIs(t, err, domain.ErrQueueFull)
		assert.Equal(t, ResultQueueFull, res)
	})

	t.Run("invalid rejected", func(t *testing.T) {
		n := notification(domain.TypeLike)
		n.Title = ""
		res, err := env.proc.Enqueue(context.Background(), n)
		assert.Error(t, err)
		assert.Equal(t, ResultRejectedInvalid, res)
	})

	t.Run("expired rejected", func(t *testing.T) {
		n := notification(domain.TypeLike)
		n.ExpiresAt = env.now.Add(-time.Minute)
		n.ScheduledAt = env.now.Add(-2 * time.Hour)
		n.CreatedAt = n.ScheduledAt
		res, _ := env.proc.Enqueue(context.Background(), n)
		assert.Equal(t, ResultRejectedInvalid, res)
	})

	t.Run("terminal status is a no-op", func(t *testing.T) {
		n := notification(domain.TypeLike)
		n.Status = domain.StatusRead
		res, err := env.proc.Enqueue(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, ResultAccepted, res)
		assert.Equal(t, 1, env.proc.QueueDepth(), "terminal items never join the queue")
	})
}

func TestEnqueue_RefusedWhileDraining(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.proc.Start(context.Background())
	env.proc.Stop()

	res, err := env.proc.Enqueue(context.Background(), notification(domain.TypeLike))
	assert.ErrorIs(t, err, domain.ErrShutdown)
	assert.Equal(t, ResultQueueFull, res)
}

func TestStartStop_ProcessesQueuedWork(t *testing.T) {
	env := newTestEnv(t, Config{WorkerCount: 2})

	n := notification(domain.TypeMention)
	n.Priority = domain.PriorityUrgent
	require.NoError(t, env.repo.Create(context.Background(), n))

	env.proc.Start(context.Background())
	res, err := env.proc.Enqueue(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, res)

	assert.Eventually(t, func() bool {
		return env.repo.status(t, n.ID).Status == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	env.proc.Stop()
}

func TestSendImmediate_SkipsPolicy(t *testing.T) {
	env := newTestEnv(t, Config{})

	// A limit that would reject the second normal submission.
	prefs := domain.DefaultPreferences("user-1")
	prefs.HourlyCaps = map[domain.NotificationType]int{domain.TypeSystemAlert: 1}
	require.NoError(t, env.prefs.Upsert(context.Background(), prefs))

	for i := 0; i < 3; i++ {
		n := notification(domain.TypeSystemAlert)
		n.Priority = domain.PriorityUrgent
		require.NoError(t, env.repo.Create(context.Background(), n))

		summary, err := env.proc.SendImmediate(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, summary.Status)
	}
}

func TestBackoff(t *testing.T) {
	env := newTestEnv(t, Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})

	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		d := env.proc.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempt %d", attempt)
	}

	// Deep attempts are capped (before jitter) at MaxBackoff.
	d := env.proc.backoff(10)
	assert.LessOrEqual(t, d, 12*time.Second)
}
