package storage

import (
	"fmt"
	"strings"
	"time"

	"lotwatch/internal/model"
)

type change int

const (
	changeNew change = iota
	changeUpdated
	changeUnchanged
)

// normalizeBatch validates ids and collapses duplicates: the last occurrence
// wins, but the record keeps the position of its first occurrence.
func normalizeBatch(batch []model.Listing) ([]model.Listing, error) {
	out := make([]model.Listing, 0, len(batch))
	idx := make(map[string]int, len(batch))
	for i, l := range batch {
		l.ID = strings.TrimSpace(l.ID)
		if l.ID == "" {
			return nil, fmt.Errorf("%w: record %d has an empty id", ErrInvalidListing, i)
		}
		if j, ok := idx[l.ID]; ok {
			out[j] = l
			continue
		}
		idx[l.ID] = len(out)
		out = append(out, l)
	}
	return out, nil
}

// mutableDiffers reports whether any tracked field changed since the stored copy.
// MatchedModels is overwritten on every upsert but never drives classification.
func mutableDiffers(prev, cur model.Listing) bool {
	return prev.Price != cur.Price ||
		prev.EndTime != cur.EndTime ||
		prev.Title != cur.Title ||
		prev.Location != cur.Location ||
		prev.URL != cur.URL
}

// merge computes the row to write and its classification.
// prev is nil for ids the store has never seen.
func merge(prev *model.Listing, cur model.Listing, now time.Time) (model.Listing, change) {
	if prev == nil {
		cur.FirstSeen = now
		cur.LastSeen = now
		return cur, changeNew
	}
	cur.FirstSeen = prev.FirstSeen
	cur.LastSeen = now
	if prev.LastSeen.After(now) {
		cur.LastSeen = prev.LastSeen
	}
	if mutableDiffers(*prev, cur) {
		return cur, changeUpdated
	}
	return cur, changeUnchanged
}

func (r *UpsertResult) add(l model.Listing, c change) {
	switch c {
	case changeNew:
		r.New = append(r.New, l)
	case changeUpdated:
		r.Updated = append(r.Updated, l)
	default:
		r.Unchanged++
	}
}

// tsLayout is fixed width so text timestamps sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
