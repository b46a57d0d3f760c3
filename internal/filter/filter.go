// Package filter keeps listings that name a wanted brand and model.
package filter

import (
	"strings"

	"lotwatch/internal/model"
)

// Filter matches case-insensitively against title + description.
// A listing passes when it contains any brand keyword and at least one model
// token; MatchedModels records the tokens in configured order.
type Filter struct {
	brands []string
	models []string
}

func New(brands, models []string) *Filter {
	return &Filter{brands: lowerAll(brands), models: lowerAll(models)}
}

func (f *Filter) Apply(in []model.Listing) []model.Listing {
	out := make([]model.Listing, 0, len(in))
	for _, l := range in {
		matched, ok := f.Match(l)
		if !ok {
			continue
		}
		l.MatchedModels = matched
		out = append(out, l)
	}
	return out
}

// Match reports the model tokens found in l.
func (f *Filter) Match(l model.Listing) ([]string, bool) {
	combined := strings.ToLower(l.Title + " " + l.Description)

	// Brand check first; it rejects most of a result page.
	brand := false
	for _, b := range f.brands {
		if strings.Contains(combined, b) {
			brand = true
			break
		}
	}
	if !brand {
		return nil, false
	}

	var matched []string
	for _, m := range f.models {
		if strings.Contains(combined, m) {
			matched = append(matched, m)
		}
	}
	return matched, len(matched) > 0
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
