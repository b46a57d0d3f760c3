package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// SubscriptionKeys is the Web Push credential pair issued by the browser.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a push endpoint plus its credentials.
// Two subscriptions are the same when endpoint and both keys match.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// Key returns the structural identity used as the durable primary key.
func (s Subscription) Key() string {
	h := sha256.New()
	h.Write([]byte(s.Endpoint))
	h.Write([]byte{0})
	h.Write([]byte(s.Keys.P256dh))
	h.Write([]byte{0})
	h.Write([]byte(s.Keys.Auth))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize trims surrounding whitespace from all fields.
func (s Subscription) Normalize() Subscription {
	return Subscription{
		Endpoint: strings.TrimSpace(s.Endpoint),
		Keys: SubscriptionKeys{
			P256dh: strings.TrimSpace(s.Keys.P256dh),
			Auth:   strings.TrimSpace(s.Keys.Auth),
		},
	}
}

func (s Subscription) Validate() error {
	switch {
	case s.Endpoint == "":
		return errors.Join(ErrInvalidSubscription, errors.New("endpoint required"))
	case !strings.HasPrefix(s.Endpoint, "https://") && !strings.HasPrefix(s.Endpoint, "http://"):
		return errors.Join(ErrInvalidSubscription, errors.New("endpoint must be an http(s) URL"))
	case s.Keys.P256dh == "" || s.Keys.Auth == "":
		return errors.Join(ErrInvalidSubscription, errors.New("keys.p256dh and keys.auth required"))
	}
	return nil
}
