// Package batch collapses bursts of similar notifications into one digest
// per recipient per window. Batches are keyed (recipient, type, group key)
// and flush on size, window expiry, or an explicit per-user flush.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// DispatchFunc delivers a flushed digest. It runs outside the engine's
// critical section and must tolerate being called from multiple goroutines.
type DispatchFunc func(digest *domain.Notification)

type key struct {
	recipientID string
	typ         domain.NotificationType
	groupKey    string
}

type openBatch struct {
	id        uuid.UUID
	members   []*domain.Notification
	openedAt  time.Time
	windowEnd time.Time
	maxSize   int
}

// Engine owns the table of open batches.
type Engine struct {
	mu   sync.Mutex
	open map[key]*openBatch

	checkInterval time.Duration
	dispatch      DispatchFunc
	logger        *slog.Logger
	now           func() time.Time

	onFlush func(members int)
}

func NewEngine(checkInterval time.Duration, dispatch DispatchFunc, logger *slog.Logger) *Engine {
	return &Engine{
		open:          make(map[key]*openBatch),
		checkInterval: checkInterval,
		dispatch:      dispatch,
		logger:        logger,
		now:           time.Now,
	}
}

// SetFlushHook installs a metrics callback invoked once per flushed digest.
func (e *Engine) SetFlushHook(fn func(members int)) { e.onFlush = fn }

// Add routes a notification into its batch, opening one if needed. The
// window parameter is the effective batch window (rule or user preference
// override); maxSize caps the batch. A size-triggered flush happens
// synchronously with respect to the caller but dispatches outside the lock.
// Returns the batch id the member joined.
func (e *Engine) Add(n *domain.Notification, window time.Duration, maxSize int) uuid.UUID {
	now := e.now()

	e.mu.Lock()
	k := key{recipientID: n.RecipientID, typ: n.Type, groupKey: n.GroupKey}
	b, ok := e.open[k]
	if !ok || len(b.members) >= b.maxSize || now.After(b.windowEnd) {
		// A full or expired batch still in the table is flushed below; a
		// fresh one is opened for this arrival either way.
		var stale *openBatch
		if ok {
			stale = b
			delete(e.open, k)
		}
		b = &openBatch{
			id:        uuid.New(),
			openedAt:  now,
			windowEnd: now.Add(window),
			maxSize:   maxSize,
		}
		e.open[k] = b
		if stale != nil {
			e.mu.Unlock()
			e.flush(stale)
			e.mu.Lock()
		}
	}

	batchID := b.id
	b.members = append(b.members, n)
	full := len(b.members) >= b.maxSize
	if full {
		delete(e.open, k)
	}
	e.mu.Unlock()

	if full {
		e.flush(b)
	}
	return batchID
}

// FlushUser flushes every open batch for one recipient, out of band.
func (e *Engine) FlushUser(userID string) {
	e.flushMatching(func(k key) bool { return k.recipientID == userID })
}

// FlushAll drains the whole table; used during shutdown.
func (e *Engine) FlushAll() {
	e.flushMatching(func(key) bool { return true })
}

func (e *Engine) flushMatching(match func(key) bool) {
	e.mu.Lock()
	var due []*openBatch
	for k, b := range e.open {
		if match(k) {
			due = append(due, b)
			delete(e.open, k)
		}
	}
	e.mu.Unlock()

	for _, b := range due {
		e.flush(b)
	}
}

// Run fires the window-expiry check every checkInterval until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushExpired()
		}
	}
}

func (e *Engine) flushExpired() {
	now := e.now()
	e.flushMatchingBatch(func(b *openBatch) bool { return !now.Before(b.windowEnd) })
}

func (e *Engine) flushMatchingBatch(match func(*openBatch) bool) {
	e.mu.Lock()
	var due []*openBatch
	for k, b := range e.open {
		if match(b) {
			due = append(due, b)
			delete(e.open, k)
		}
	}
	e.mu.Unlock()

	for _, b := range due {
		e.flush(b)
	}
}

// OpenCount returns the number of currently open batches.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

func (e *Engine) flush(b *openBatch) {
	if len(b.members) == 0 {
		return
	}
	digest := e.synthesize(b)
	e.logger.Info("batch flushed",
		"batch_id", b.id,
		"recipient_id", digest.RecipientID,
		"type", digest.Type,
		"members", len(b.members),
	)
	if e.onFlush != nil {
		e.onFlush(len(b.members))
	}
	e.dispatch(digest)
}

// synthesize builds the digest notification covering the batch members.
func (e *Engine) synthesize(b *openBatch) *domain.Notification {
	first := b.members[0]
	now := e.now().UTC()

	channels := domain.ChannelMask(0)
	priority := domain.PriorityLow
	memberIDs := make([]uuid.UUID, 0, len(b.members))
	for _, m := range b.members {
		channels |= m.Channels
		priority = domain.MaxPriority(priority, m.Priority)
		memberIDs = append(memberIDs, m.ID)
	}

	batchID := b.id
	digest := &domain.Notification{
		ID:          uuid.New(),
		RecipientID: first.RecipientID,
		SenderID:    domain.SystemSender,
		Type:        first.Type,
		Title:       digestTitle(first.Type, len(b.members)),
		Body:        digestBody(first.Type, b.members),
		ActionLink:  first.ActionLink,
		Channels:    channels,
		Priority:    priority,
		CreatedAt:   now,
		ScheduledAt: now,
		ExpiresAt:   now.Add(24 * time.Hour),
		Status:      domain.StatusPending,
		GroupKey:    first.GroupKey,
		BatchID:     &batchID,
		MemberIDs:   memberIDs,
	}
	return digest
}

func digestTitle(typ domain.NotificationType, count int) string {
	if count == 1 {
		return fmt.Sprintf("1 new %s", typ.Noun())
	}
	return fmt.Sprintf("%d new %ss", count, typ.Noun())
}

// digestBody names up to two distinct senders and counts the rest.
func digestBody(typ domain.NotificationType, members []*domain.Notification) string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range members {
		name := m.TemplateVars["sender_name"]
		if name == "" {
			name = m.SenderID
		}
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}

	var who string
	switch {
	case len(names) == 1:
		who = names[0]
	case len(names) == 2:
		who = names[0] + " and " + names[1]
	case len(names) == 3:
		who = fmt.Sprintf("%s and 1 other", strings.Join(names[:2], ", "))
	default:
		who = fmt.Sprintf("%s and %d others", strings.Join(names[:2], ", "), len(names)-2)
	}

	switch typ {
	case domain.TypeLike:
		return who + " liked your notes"
	case domain.TypeComment:
		return who + " commented on your notes"
	case domain.TypeReply:
		return who + " replied to your comments"
	case domain.TypeRepost:
		return who + " reposted your notes"
	case domain.TypeQuote:
		return who + " quoted your notes"
	default:
		if len(members) == 1 {
			return fmt.Sprintf("%s sent you a %s", who, typ.Noun())
		}
		return fmt.Sprintf("%s sent you %d %ss", who, len(members), typ.Noun())
	}
}
