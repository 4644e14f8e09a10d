package ir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity is the width of an aggregation period.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// ParseGranularity parses "day" or "week".
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case GranularityDay, "":
		return GranularityDay, nil
	case GranularityWeek:
		return GranularityWeek, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// PeriodKey identifies one aggregation window. Start is the local midnight
// that opens the window, in the location the key was built for.
type PeriodKey struct {
	Granularity Granularity
	Start       time.Time
}

// PeriodFor returns the period of the given granularity containing t.
// Weeks are ISO weeks starting on Monday.
func PeriodFor(t time.Time, g Granularity, loc *time.Location) PeriodKey {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if g == GranularityWeek {
		offset := (int(start.Weekday()) + 6) % 7
		start = start.AddDate(0, 0, -offset)
	}
	return PeriodKey{Granularity: g, Start: start}
}

// End returns the exclusive end of the period.
func (p PeriodKey) End() time.Time {
	if p.Granularity == GranularityWeek {
		return p.Start.AddDate(0, 0, 7)
	}
	return p.Start.AddDate(0, 0, 1)
}

// Next returns the following period.
func (p PeriodKey) Next() PeriodKey {
	return PeriodKey{Granularity: p.Granularity, Start: p.End()}
}

// String renders "day:2026-10-17" or "week:2026-W42".
func (p PeriodKey) String() string {
	if p.Granularity == GranularityWeek {
		year, week := p.Start.ISOWeek()
		return fmt.Sprintf("week:%04d-W%02d", year, week)
	}
	return "day:" + p.Start.Format(time.DateOnly)
}

// ParsePeriodKey parses the String form back into a key in loc.
func ParsePeriodKey(s string, loc *time.Location) (PeriodKey, error) {
	if loc == nil {
		loc = time.UTC
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return PeriodKey{}, fmt.Errorf("period key %q: missing granularity prefix", s)
	}
	g, err := ParseGranularity(kind)
	if err != nil {
		return PeriodKey{}, fmt.Errorf("period key %q: %w", s, err)
	}

	if g == GranularityDay {
		day, err := time.ParseInLocation(time.DateOnly, value, loc)
		if err != nil {
			return PeriodKey{}, fmt.Errorf("period key %q: %w", s, err)
		}
		return PeriodKey{Granularity: g, Start: day}, nil
	}

	yearStr, weekStr, ok := strings.Cut(value, "-W")
	if !ok {
		return PeriodKey{}, fmt.Errorf("period key %q: want YYYY-Www", s)
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return PeriodKey{}, fmt.Errorf("period key %q: year: %w", s, err)
	}
	week, err := strconv.Atoi(weekStr)
	if err != nil || week < 1 || week > 53 {
		return PeriodKey{}, fmt.Errorf("period key %q: invalid week", s)
	}
	// January 4th always falls in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
	monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
	key := PeriodKey{Granularity: g, Start: monday.AddDate(0, 0, 7*(week-1))}
	if y, _ := key.Start.ISOWeek(); y != year {
		return PeriodKey{}, fmt.Errorf("period key %q: year has no such week", s)
	}
	return key, nil
}

// PeriodRange is a half-open span of time split into periods.
type PeriodRange struct {
	From        time.Time
	To          time.Time
	Granularity Granularity
}

// Periods lists the keys of every period overlapping [From, To).
func (r PeriodRange) Periods(loc *time.Location) []PeriodKey {
	if !r.To.After(r.From) {
		return nil
	}
	var keys []PeriodKey
	for p := PeriodFor(r.From, r.Granularity, loc); p.Start.Before(r.To); p = p.Next() {
		keys = append(keys, p)
	}
	return keys
}

// AggregateBucket is the derived total for one subject, category and period.
// It is a cache entry: it can be discarded and rebuilt from sessions at any
// time.
type AggregateBucket struct {
	SubjectID      string        `json:"subject_id"`
	Category       Category      `json:"category"`
	PeriodKey      string        `json:"period_key"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	TotalDuration  time.Duration `json:"total_duration"`
	SessionCount   int           `json:"session_count"`
	AnomalyCount   int           `json:"anomaly_count"`
	LastComputedAt time.Time     `json:"last_computed_at"`

	// Revision is the store revision the bucket reflects.
	Revision int64 `json:"revision"`

	// Contributions maps each counted session to its clipped duration.
	Contributions map[string]time.Duration `json:"contributions,omitempty"`

	// AnomalyIDs lists the anomalous records counted in AnomalyCount.
	AnomalyIDs []string `json:"anomaly_ids,omitempty"`
}

// CacheKey identifies the bucket in a cache.
func (b AggregateBucket) CacheKey() string {
	return BucketKey(b.SubjectID, b.Category, b.PeriodKey)
}

// BucketKey builds a cache key from its parts.
func BucketKey(subjectID string, category Category, period string) string {
	return joinKey(subjectID, string(category), period)
}

// Clone returns a deep copy so cached buckets are never updated in place.
func (b AggregateBucket) Clone() AggregateBucket {
	c := b
	if b.Contributions != nil {
		c.Contributions = make(map[string]time.Duration, len(b.Contributions))
		for k, v := range b.Contributions {
			c.Contributions[k] = v
		}
	}
	if b.AnomalyIDs != nil {
		c.AnomalyIDs = append([]string(nil), b.AnomalyIDs...)
	}
	return c
}
