package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors
// (@daily, @every 1h). The seconds field is rejected; @every intervals are
// taken as given.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates expr and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("cron expression is required")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "invalid cron %q", expr),
			"use 5 fields: minute hour day-of-month month day-of-week")
	}
	return s, nil
}

// NextRuns returns up to n upcoming fire times after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadLocation resolves an IANA zone name; empty means local time.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "timezone %q", tz)
	}
	return loc, nil
}

func formatRuns(ts []time.Time) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.Format("2006-01-02 15:04:05")
	}
	return strings.Join(parts, ", ")
}
