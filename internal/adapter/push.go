package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// UnreadCounter supplies the badge count attached to push payloads.
type UnreadCounter interface {
	Unread(ctx context.Context, userID string) (int64, error)
}

// PushConfig tunes the push gateway adapter.
type PushConfig struct {
	GatewayURL    string
	APIKey        string
	Timeout       time.Duration
	TokenHorizon  time.Duration
	RatePerMinute int
}

// PushAdapter delivers via an external HTTP push gateway. One request per
// registered device; stale tokens are skipped and tokens the gateway reports
// as invalid are deactivated so they stop consuming attempts.
type PushAdapter struct {
	cfg      PushConfig
	client   *http.Client
	devices  domain.DeviceRepository
	badges   UnreadCounter
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
	counters domain.StatCounters
}

func NewPushAdapter(cfg PushConfig, devices domain.DeviceRepository, badges UnreadCounter, logger *slog.Logger) *PushAdapter {
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}
	return &PushAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		devices: devices,
		badges:  badges,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}
}

func (a *PushAdapter) Channel() domain.Channel { return domain.ChannelPush }

// gatewayRequest is the wire shape the gateway accepts.
type gatewayRequest struct {
	Token    string          `json:"token"`
	Platform string          `json:"platform"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Badge    int64           `json:"badge,omitempty"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (a *PushAdapter) SendToUser(ctx context.Context, n *domain.Notification, msg *domain.RenderedMessage) (*domain.SendResult, error) {
	devices, err := a.devices.ListActive(ctx, n.RecipientID)
	if err != nil {
		a.counters.RecordError(true)
		return nil, domain.NewTransientError(domain.ChannelPush, "device_lookup_failed", err.Error())
	}
	if len(devices) == 0 {
		a.counters.RecordError(false)
		return nil, domain.NewPermanentError(domain.ChannelPush, "no_devices", "recipient has no registered devices")
	}

	var badge int64
	if a.badges != nil {
		if count, err := a.badges.Unread(ctx, n.RecipientID); err == nil {
			badge = count
		}
	}

	now := a.now()
	result := &domain.SendResult{}
	transient := 0

	for _, d := range devices {
		if d.TokenExpired(now, a.cfg.TokenHorizon) {
			result.Targets = append(result.Targets, domain.TargetResult{
				Target: d.DeviceID,
				Error:  "token_expired",
			})
			continue
		}

		if !a.limiter.Allow() {
			// Outbound cap hit mid-fanout: the remaining devices will be
			// covered by the retry.
			transient++
			result.Targets = append(result.Targets, domain.TargetResult{
				Target: d.DeviceID,
				Error:  "rate_capped",
			})
			continue
		}

		tr := a.sendOne(ctx, d, n, msg, badge)
		result.Targets = append(result.Targets, tr)
		if tr.OK {
			result.Delivered++
		} else if tr.Error == "invalid_token" {
			if err := a.devices.Deactivate(ctx, d.UserID, d.DeviceID); err != nil {
				a.logger.Warn("device deactivation failed", "device_id", d.DeviceID, "error", err)
			}
		} else if tr.Error != "permanent" {
			transient++
		}
	}

	if result.Delivered > 0 {
		a.counters.RecordSent()
		return result, nil
	}
	if transient > 0 {
		a.counters.RecordError(true)
		return result, domain.NewTransientError(domain.ChannelPush, "gateway_unavailable", "no device delivery succeeded")
	}
	a.counters.RecordError(false)
	return result, domain.NewPermanentError(domain.ChannelPush, "all_targets_failed", "every device target failed permanently")
}

func (a *PushAdapter) sendOne(ctx context.Context, d *domain.DeviceRegistration, n *domain.Notification, msg *domain.RenderedMessage, badge int64) domain.TargetResult {
	body, err := json.Marshal(gatewayRequest{
		Token:    d.PushToken,
		Platform: string(d.Platform),
		Title:    msg.Title,
		Body:     msg.BodyText,
		Badge:    badge,
		Priority: string(n.Priority),
		Payload:  msg.PushPayload,
	})
	if err != nil {
		return domain.TargetResult{Target: d.DeviceID, Error: "permanent"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return domain.TargetResult{Target: d.DeviceID, Error: "permanent"}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.TargetResult{Target: d.DeviceID, Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var gw gatewayResponse
		messageID := ""
		if err := json.Unmarshal(respBody, &gw); err == nil {
			messageID = gw.MessageID
		}
		return domain.TargetResult{Target: d.DeviceID, OK: true, MessageID: messageID}

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return domain.TargetResult{Target: d.DeviceID, Error: "invalid_token"}

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.TargetResult{Target: d.DeviceID, Error: fmt.Sprintf("gateway %d", resp.StatusCode)}

	default:
		return domain.TargetResult{Target: d.DeviceID, Error: "permanent"}
	}
}

// Health probes the gateway with a HEAD request.
func (a *PushAdapter) Health(ctx context.Context) domain.HealthState {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.GatewayURL, nil)
	if err != nil {
		return domain.HealthDown
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return domain.HealthDown
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return domain.HealthDegraded
	}
	return domain.HealthOK
}

func (a *PushAdapter) Stats() domain.AdapterStats { return a.counters.Snapshot() }
