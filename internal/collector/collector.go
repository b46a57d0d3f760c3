// Package collector fetches current auction listings from GovDeals.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"lotwatch/internal/model"
	logx "lotwatch/pkg/logx"
)

const (
	Source = "govdeals"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
)

var (
	// ErrCaptcha means the site served a CAPTCHA or login wall instead of results.
	ErrCaptcha = errors.New("captcha or login wall detected")
	// ErrFetch means no configured state could be fetched.
	ErrFetch = errors.New("govdeals fetch failed")
)

// CaptchaError carries the state and the marker that tripped detection.
type CaptchaError struct {
	State  string
	Marker string
}

func (e *CaptchaError) Error() string {
	return fmt.Sprintf("govdeals state %s: %s (marker %q)", e.State, ErrCaptcha, e.Marker)
}

func (e *CaptchaError) Unwrap() error { return ErrCaptcha }

var wallMarkers = []string{"captcha", "please log in", "access denied"}

// Selectors cover the card layouts GovDeals has used for search results.
const (
	selItem     = "div.listingContainer, div.item-card, li.listing-item"
	selTitle    = "a.item-title, h3.listing-title, .title a"
	selPrice    = ".current-bid, .price, .bid-amount"
	selLocation = ".location, .agency-location, .city-state"
	selEndTime  = ".end-time, .auction-end, .closes"
)

type Config struct {
	BaseURL   string
	States    []string
	Keyword   string
	MinPrice  float64
	MaxPrice  float64 // <= 0 means unbounded
	Timeout   time.Duration
	UserAgent string
}

type GovDeals struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

// NewGovDeals returns a collector. client may be nil.
func NewGovDeals(cfg Config, client *http.Client, log logx.Logger) *GovDeals {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.Keyword) == "" {
		cfg.Keyword = "thinkpad"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GovDeals{cfg: cfg, client: client, log: log}
}

func (g *GovDeals) Name() string { return Source }

// Collect fetches every configured state. A state that fails to fetch is
// logged and skipped; a CAPTCHA on any state aborts the whole collection.
func (g *GovDeals) Collect(ctx context.Context) ([]model.Listing, error) {
	var (
		out      []model.Listing
		failures []error
	)
	for _, state := range g.cfg.States {
		state = strings.TrimSpace(state)
		if state == "" {
			continue
		}
		body, err := g.fetch(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.log.Warn("state fetch failed; skipping", logx.String("state", state), logx.Err(err))
			failures = append(failures, fmt.Errorf("state %s: %w", state, err))
			continue
		}
		if marker, ok := detectWall(body); ok {
			return nil, &CaptchaError{State: state, Marker: marker}
		}
		items, err := parseListings(bytes.NewReader(body), state, g.cfg)
		if err != nil {
			g.log.Warn("state parse failed; skipping", logx.String("state", state), logx.Err(err))
			failures = append(failures, fmt.Errorf("state %s: %w", state, err))
			continue
		}
		g.log.Debug("state collected", logx.String("state", state), logx.Int("listings", len(items)))
		out = append(out, items...)
	}
	if len(failures) > 0 && len(failures) == countNonEmpty(g.cfg.States) {
		return nil, fmt.Errorf("%w: %w", ErrFetch, errors.Join(failures...))
	}
	return out, nil
}

func (g *GovDeals) searchURL(state string) string {
	q := url.Values{}
	q.Set("fa", "Main.AdvSearchResultsNew")
	q.Set("searchPg", "1")
	q.Set("kWord", g.cfg.Keyword)
	q.Set("state", state)
	q.Set("sortBy", "ad")
	q.Set("Agency", "0")
	q.Set("sType", "1")
	q.Set("pgSize", "96")
	return strings.TrimRight(g.cfg.BaseURL, "/") + "/index.cfm?" + q.Encode()
}

func (g *GovDeals) fetch(ctx context.Context, state string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.searchURL(state), nil)
	if err != nil {
		return nil, err
	}
	if ua := strings.TrimSpace(g.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return body, nil
}

func detectWall(body []byte) (string, bool) {
	lower := bytes.ToLower(body)
	for _, m := range wallMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return m, true
		}
	}
	return "", false
}

func parseListings(r io.Reader, state string, cfg Config) ([]model.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	var out []model.Listing
	doc.Find(selItem).Each(func(_ int, item *goquery.Selection) {
		title := text(item.Find(selTitle).First())
		price := parsePrice(text(item.Find(selPrice).First()))
		location := text(item.Find(selLocation).First())
		if location == "" {
			location = state
		}
		endTime := text(item.Find(selEndTime).First())
		href, _ := item.Find("a[href]").First().Attr("href")
		href = strings.TrimSpace(href)
		if href != "" && !strings.HasPrefix(href, "http") {
			href = base + "/" + strings.TrimLeft(href, "/")
		}

		if price < cfg.MinPrice || (cfg.MaxPrice > 0 && price > cfg.MaxPrice) {
			return
		}
		id := listingID(href)
		if id == "" || title == "" {
			return
		}
		out = append(out, model.Listing{
			ID:          Source + "-" + id,
			Source:      Source,
			Title:       title,
			URL:         href,
			Location:    location,
			EndTime:     endTime,
			Price:       price,
			Description: title,
		})
	})
	return out, nil
}

func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// parsePrice reads the first number in text like "$1,234.50 USD". Unparseable text is 0.
func parsePrice(s string) float64 {
	s = strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(s))
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}

// listingID prefers the itemnum query value and falls back to the whole href.
func listingID(href string) string {
	if i := strings.LastIndex(href, "itemnum="); i >= 0 {
		id, _, _ := strings.Cut(href[i+len("itemnum="):], "&")
		return id
	}
	return href
}

func countNonEmpty(in []string) int {
	n := 0
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}
