package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is a weekly calendar trigger: the given weekdays at Hour:Minute,
// evaluated in Timezone (IANA name; empty means process local time).
type Trigger struct {
	Days     []time.Weekday
	Hour     int
	Minute   int
	Timezone string
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var dayAbbr = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// ParseDays accepts day names, comma lists ("tue,fri"), ranges ("mon-fri") and "*".
// The result is sorted and de-duplicated.
func ParseDays(raw []string) ([]time.Weekday, error) {
	seen := map[time.Weekday]bool{}
	for _, item := range raw {
		for _, tok := range strings.Split(item, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == "" {
				continue
			}
			if tok == "*" || tok == "daily" {
				for d := time.Sunday; d <= time.Saturday; d++ {
					seen[d] = true
				}
				continue
			}
			if lo, hi, ok := strings.Cut(tok, "-"); ok {
				a, okA := dayNames[strings.TrimSpace(lo)]
				b, okB := dayNames[strings.TrimSpace(hi)]
				if !okA || !okB {
					return nil, fmt.Errorf("invalid day range %q", tok)
				}
				for d := a; ; d = (d + 1) % 7 {
					seen[d] = true
					if d == b {
						break
					}
				}
				continue
			}
			d, ok := dayNames[tok]
			if !ok {
				return nil, fmt.Errorf("invalid day %q", tok)
			}
			seen[d] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("at least one day required")
	}
	out := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t Trigger) Validate() error {
	if len(t.Days) == 0 {
		return fmt.Errorf("trigger: at least one day required")
	}
	for _, d := range t.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("trigger: invalid weekday %d", d)
		}
	}
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("trigger: hour must be 0..23, got %d", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("trigger: minute must be 0..59, got %d", t.Minute)
	}
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger: invalid timezone %q: %w", tz, err)
		}
	}
	return nil
}

func (t Trigger) sortedDays() []time.Weekday {
	days := append([]time.Weekday(nil), t.Days...)
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	out := days[:0]
	for i, d := range days {
		if i > 0 && days[i-1] == d {
			continue
		}
		out = append(out, d)
	}
	return out
}

// String is the canonical form, e.g. "tue,fri 08:00 America/New_York".
// Persisted job state is only reused when this string is unchanged.
func (t Trigger) String() string {
	days := t.sortedDays()
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, dayAbbr[d])
	}
	tz := strings.TrimSpace(t.Timezone)
	if tz == "" {
		tz = "Local"
	}
	return fmt.Sprintf("%s %02d:%02d %s", strings.Join(names, ","), t.Hour, t.Minute, tz)
}

func (t Trigger) cronSpec() string {
	days := t.sortedDays()
	nums := make([]string, 0, len(days))
	for _, d := range days {
		nums = append(nums, strconv.Itoa(int(d)))
	}
	spec := fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, strings.Join(nums, ","))
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	return spec
}

var triggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule compiles the trigger. Next() on the result walks wall-clock time in
// the trigger's location, so DST shifts move the UTC instant, not the local hour.
func (t Trigger) Schedule() (cron.Schedule, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	sched, err := triggerParser.Parse(t.cronSpec())
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	return sched, nil
}

// Next returns the first occurrence strictly after after.
func (t Trigger) Next(after time.Time) (time.Time, error) {
	sched, err := t.Schedule()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
