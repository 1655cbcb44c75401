package utilities

import (
	"time"

	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
)

// LocalDay returns the calendar date of t in loc, encoded YYYY-MM-DD. Daily
// quota counters roll over when this value changes.
func LocalDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(database.DateLayout)
}

// WeekStart returns the Monday-anchored start of the calendar week containing
// t, truncated to local midnight in loc.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	// Go weekday: Sunday=0 .. Saturday=6; Monday anchor means Sunday belongs
	// to the previous week.
	offset := (int(lt.Weekday()) + 6) % 7
	d := lt.AddDate(0, 0, -offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

// WeekStartDate is WeekStart encoded YYYY-MM-DD, the uniqueness key for
// weekly usage records.
func WeekStartDate(t time.Time, loc *time.Location) string {
	return WeekStart(t, loc).Format(database.DateLayout)
}
