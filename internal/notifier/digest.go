package notifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lotwatch/internal/model"
)

const (
	pushTitle      = "lotwatch"
	previewTitles  = 3
	previewRuneMax = 40
)

// ComposeDigest renders the new listings, in the order given, as one plain-text digest.
func ComposeDigest(newListings []model.Listing, at time.Time) Digest {
	var b strings.Builder
	fmt.Fprintf(&b, "New listings found (%d):\n\n", len(newListings))
	for _, l := range newListings {
		fmt.Fprintf(&b, "%s (%s) -> %s\n", l.Title, priceLocation(l), l.URL)
	}
	return Digest{
		Subject:  fmt.Sprintf("lotwatch: %d new listing(s)", len(newListings)),
		Body:     b.String(),
		Listings: newListings,
		At:       at,
	}
}

func priceLocation(l model.Listing) string {
	price := fmt.Sprintf("$%.2f", l.Price)
	loc := strings.TrimSpace(l.Location)
	if loc == "" {
		return price
	}
	return price + ", " + loc
}

// PushPayload is the JSON document delivered to the service worker.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Summary is the one-line alert text: the count plus up to three titles,
// each cut to 40 runes.
func Summary(newListings []model.Listing) string {
	titles := make([]string, 0, previewTitles)
	for i, l := range newListings {
		if i == previewTitles {
			break
		}
		titles = append(titles, truncateRunes(l.Title, previewRuneMax))
	}
	return fmt.Sprintf("%d new listing(s): %s", len(newListings), strings.Join(titles, ", "))
}

// BuildPushPayload wraps Summary for the service worker.
func BuildPushPayload(newListings []model.Listing, targetURL string) ([]byte, error) {
	return json.Marshal(PushPayload{Title: pushTitle, Body: Summary(newListings), URL: targetURL})
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
