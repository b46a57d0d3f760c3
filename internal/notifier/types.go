package notifier

import (
	"context"
	"errors"
	"time"

	"lotwatch/internal/model"
)

// ErrPermanent marks a push failure after which the subscription must be dropped.
var ErrPermanent = errors.New("push subscription permanently unreachable")

// Config controls dispatch. Channel credentials live with the senders.
type Config struct {
	PushEnabled bool
	// Workers is the number of concurrent push sends.
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
	// TargetURL is opened when the user taps the push notification.
	TargetURL string
}

// Options are per-dispatch overrides (CLI -no-email / -no-push).
type Options struct {
	SkipEmail bool
	// SkipPush covers Web Push and the phone alert channels.
	SkipPush bool
}

func (o Options) skips(channel string) bool {
	switch channel {
	case "email":
		return o.SkipEmail
	case "pushover", "ntfy":
		return o.SkipPush
	}
	return false
}

// Digest is the rendered summary sent to digest channels.
type Digest struct {
	Subject  string
	Body     string
	Listings []model.Listing
	At       time.Time
}

type DigestSender interface {
	Name() string
	SendDigest(ctx context.Context, d Digest) error
}

// PushSender delivers one encrypted payload to one subscription.
// Implementations wrap ErrPermanent when the subscription is gone.
type PushSender interface {
	Send(ctx context.Context, sub model.Subscription, payload []byte) error
}

// ChannelResult is the outcome for one digest channel.
type ChannelResult struct {
	Channel string `json:"channel"`
	Sent    bool   `json:"sent"`
	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type PushFailure struct {
	Endpoint  string `json:"endpoint"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// PushReport aggregates one push fan-out. Subscriptions is the size of the
// durable set when the fan-out started.
type PushReport struct {
	Skipped       string        `json:"skipped,omitempty"`
	Subscriptions int           `json:"subscriptions"`
	Attempted     int           `json:"attempted"`
	Delivered     int           `json:"delivered"`
	Removed       int           `json:"removed"`
	Transient     int           `json:"transient"`
	Failures      []PushFailure `json:"failures,omitempty"`
}

type Report struct {
	New     int             `json:"new"`
	Updated int             `json:"updated"`
	Digests []ChannelResult `json:"digests,omitempty"`
	Push    PushReport      `json:"push"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key,omitempty"`
	Count   int       `json:"count,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventSent                = "notify.sent"
	EventFailed              = "notify.failed"
	EventSubscriptionRemoved = "push.subscription_removed"
)
