package aggregate

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// DailyEntry is one row of a subject's attendance time log: the first
// login, the last logout and the attended hours of one origin on one day.
type DailyEntry struct {
	SubjectID   string  `json:"subject_id" yaml:"subject_id"`
	Date        string  `json:"date" yaml:"date"`
	OriginID    string  `json:"origin_id" yaml:"origin_id"`
	LoginTime   string  `json:"login_time" yaml:"login_time"`
	LogoutTime  string  `json:"logout_time" yaml:"logout_time"`
	ActiveHours float64 `json:"active_hours" yaml:"active_hours"`
	Sessions    int     `json:"sessions" yaml:"sessions"`
}

// DailyLog lists attendance per day and origin for days overlapping
// [from, to). Times are HH:MM in the aggregator's location; hours are
// rounded to two decimals. Only counted sessions contribute.
func (a *Aggregator) DailyLog(ctx context.Context, subjectID string, from, to time.Time) ([]DailyEntry, error) {
	days := ir.PeriodRange{From: from, To: to, Granularity: ir.GranularityDay}.Periods(a.loc)
	if len(days) == 0 {
		return []DailyEntry{}, nil
	}
	sessions, err := a.store.ListSessions(ctx, ir.SessionFilter{
		SubjectID: subjectID,
		Category:  ir.CategoryAttendance,
		From:      days[0].Start,
		To:        days[len(days)-1].End(),
	})
	if err != nil {
		return nil, storeErr("list sessions", err)
	}

	type acc struct {
		first, last time.Time
		active      time.Duration
		count       int
	}
	entries := []DailyEntry{}
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start, end := day.Start, day.End()
		byOrigin := make(map[string]*acc)
		for _, s := range sessions {
			if !s.Countable() || !s.Overlaps(start, end) {
				continue
			}
			d := s.Clipped(start, end)
			in, out := s.StartedAt, *s.EndedAt
			if in.Before(start) {
				in = start
			}
			if out.After(end) {
				out = end
			}
			e, ok := byOrigin[s.OriginID]
			if !ok {
				e = &acc{first: in, last: out}
				byOrigin[s.OriginID] = e
			}
			if in.Before(e.first) {
				e.first = in
			}
			if out.After(e.last) {
				e.last = out
			}
			e.active += d
			e.count++
		}

		origins := make([]string, 0, len(byOrigin))
		for o := range byOrigin {
			origins = append(origins, o)
		}
		sort.Strings(origins)
		for _, o := range origins {
			e := byOrigin[o]
			entries = append(entries, DailyEntry{
				SubjectID:   subjectID,
				Date:        start.Format(time.DateOnly),
				OriginID:    o,
				LoginTime:   clockTime(e.first, a.loc, end),
				LogoutTime:  clockTime(e.last, a.loc, end),
				ActiveHours: math.Round(e.active.Hours()*100) / 100,
				Sessions:    e.count,
			})
		}
	}
	return entries, nil
}

// clockTime renders t as HH:MM; the exclusive day end renders as 23:59.
func clockTime(t time.Time, loc *time.Location, end time.Time) string {
	if !t.Before(end) {
		t = end.Add(-time.Minute)
	}
	return t.In(loc).Format("15:04")
}
