// Package notifier fans one cycle's results out to the configured channels.
//
// # Digest channels
//
// Digest channels (email, telegram) receive one message per cycle listing the
// new listings in store order. A cycle with no new listings sends nothing.
// Updated listings are recorded in the report and logs only.
//
// # Push
//
// Web Push delivers one small payload to every stored subscription. Each
// subscription is attempted independently and paced by a token bucket.
// Failures wrapping ErrPermanent (the push service says the endpoint is gone)
// remove the subscription from the Registry; anything else is transient and
// the subscription is kept for the next cycle.
package notifier
