package adapter

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// EmailConfig tunes the SMTP adapter.
type EmailConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	Timeout       time.Duration
	RatePerMinute int
	RatePerHour   int
}

// sendFunc matches smtp.SendMail so tests can intercept the wire call.
type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailClassifier decides whether an SMTP failure is worth retrying.
type EmailClassifier func(err error) bool

// EmailAdapter delivers transactional email over SMTP. Outbound volume is
// capped per minute and per hour; hitting a cap classifies as transient so
// the notification is retried after backoff instead of dropped.
type EmailAdapter struct {
	cfg       EmailConfig
	directory domain.UserDirectory
	send      sendFunc
	classify  EmailClassifier
	minute    *rate.Limiter
	hour      *rate.Limiter
	counters  domain.StatCounters
}

func NewEmailAdapter(cfg EmailConfig, directory domain.UserDirectory) *EmailAdapter {
	a := &EmailAdapter{
		cfg:       cfg,
		directory: directory,
		send:      smtp.SendMail,
		classify:  defaultEmailClassifier,
		minute:    capLimiter(cfg.RatePerMinute, time.Minute),
		hour:      capLimiter(cfg.RatePerHour, time.Hour),
	}
	return a
}

func capLimiter(n int, per time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(n)), 1)
}

// SetSendFunc replaces the wire call; tests use this.
func (a *EmailAdapter) SetSendFunc(fn sendFunc) { a.send = fn }

// SetClassifier replaces the retry classification for SMTP errors.
func (a *EmailAdapter) SetClassifier(fn EmailClassifier) { a.classify = fn }

func (a *EmailAdapter) Channel() domain.Channel { return domain.ChannelEmail }

func (a *EmailAdapter) SendToUser(ctx context.Context, n *domain.Notification, msg *domain.RenderedMessage) (*domain.SendResult, error) {
	address, err := a.directory.EmailFor(ctx, n.RecipientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.counters.RecordError(false)
			return nil, domain.NewPermanentError(domain.ChannelEmail, "no_address", "recipient has no email address")
		}
		a.counters.RecordError(true)
		return nil, domain.NewTransientError(domain.ChannelEmail, "directory_unavailable", err.Error())
	}

	if !a.minute.Allow() || !a.hour.Allow() {
		a.counters.RecordError(true)
		return nil, domain.NewTransientError(domain.ChannelEmail, "rate_capped", "outbound email cap reached")
	}

	if err := ctx.Err(); err != nil {
		return nil, domain.NewTransientError(domain.ChannelEmail, "cancelled", err.Error())
	}

	body := a.compose(address, msg)
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	if err := a.send(addr, auth, a.cfg.From, []string{address}, body); err != nil {
		retryable := a.classify(err)
		a.counters.RecordError(retryable)
		if retryable {
			return nil, domain.NewTransientError(domain.ChannelEmail, "smtp_failed", err.Error())
		}
		return nil, domain.NewPermanentError(domain.ChannelEmail, "smtp_rejected", err.Error())
	}

	a.counters.RecordSent()
	return &domain.SendResult{
		Delivered: 1,
		Targets:   []domain.TargetResult{{Target: address, OK: true}},
	}, nil
}

// compose builds a multipart/alternative message with text and HTML parts.
func (a *EmailAdapter) compose(to string, msg *domain.RenderedMessage) []byte {
	const boundary = "pf-alt-1"

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", a.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.BodyText)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.BodyHTML)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

// defaultEmailClassifier treats 4xx SMTP replies and connection failures as
// transient and 5xx replies as permanent.
func defaultEmailClassifier(err error) bool {
	s := err.Error()
	if len(s) >= 3 && s[0] == '5' && s[1] >= '0' && s[1] <= '9' && s[2] >= '0' && s[2] <= '9' {
		return false
	}
	return true
}

// Health reports on the configured relay; an unresolvable host is down.
func (a *EmailAdapter) Health(ctx context.Context) domain.HealthState {
	if a.cfg.Host == "" {
		return domain.HealthDown
	}
	return domain.HealthOK
}

func (a *EmailAdapter) Stats() domain.AdapterStats { return a.counters.Snapshot() }
