// Package adapter implements the delivery channels. Each adapter fans one
// rendered message out to all of a user's targets on its channel, enforces
// its own outbound caps, and classifies failures as transient or permanent.
package adapter

import (
	"context"
	"fmt"

	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/socket"
)

// SocketAdapter is the real-time in-app channel, backed by the connection
// registry. Delivery is at-most-once per connection; a recipient with no
// live connection is a transient condition (they may connect before the
// notification expires).
type SocketAdapter struct {
	registry *socket.Registry
	counters domain.StatCounters
}

func NewSocketAdapter(registry *socket.Registry) *SocketAdapter {
	return &SocketAdapter{registry: registry}
}

func (a *SocketAdapter) Channel() domain.Channel { return domain.ChannelInApp }

func (a *SocketAdapter) SendToUser(ctx context.Context, n *domain.Notification, msg *domain.RenderedMessage) (*domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransientError(domain.ChannelInApp, "cancelled", err.Error())
	}

	sent := a.registry.SendToUser(n.RecipientID, n.Type, msg.SocketPayload)
	if sent == 0 {
		a.counters.RecordError(true)
		return nil, domain.NewTransientError(domain.ChannelInApp, "no_connections", "recipient has no live connections")
	}

	a.counters.RecordSent()
	result := &domain.SendResult{Delivered: sent}
	for i := 0; i < sent; i++ {
		result.Targets = append(result.Targets, domain.TargetResult{
			Target: fmt.Sprintf("connection-%d", i+1),
			OK:     true,
		})
	}
	return result, nil
}

func (a *SocketAdapter) Health(ctx context.Context) domain.HealthState {
	return domain.HealthOK
}

func (a *SocketAdapter) Stats() domain.AdapterStats { return a.counters.Snapshot() }
