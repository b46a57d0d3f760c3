// Package model holds the records shared by storage, the cycle and the notifier.
package model

import (
	"strings"
	"time"
)

// Listing is one auction record, keyed by ID across cycles.
//
// FirstSeen is set once by the store. LastSeen never moves backwards.
type Listing struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	Location      string    `json:"location"`
	EndTime       string    `json:"end_time"`
	Price         float64   `json:"price"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	MatchedModels []string  `json:"matched_models,omitempty"`

	// Description is only used for filtering and is not persisted.
	Description string `json:"-"`
}

// JoinModels renders MatchedModels in their persisted form.
func (l Listing) JoinModels() string { return strings.Join(l.MatchedModels, ",") }

// SplitModels parses the persisted comma-joined form.
func SplitModels(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
