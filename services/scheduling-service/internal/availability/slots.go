package availability

import (
	"time"

	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/model"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// AvailableSlots returns slot start times within [windowStart, windowEnd) where a booking of
// length duration would not overlap any of the busy intervals.
//
// All times are expected to be in the same location (timezone).
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		if !overlapsAny(t, t.Add(duration), busy) {
			slots = append(slots, t)
		}
	}
	return slots
}

// DayWindow resolves the opening interval of business on the local date
// (YYYY-MM-DD). ok is false when the date does not parse or the business is
// closed that day.
func DayWindow(business model.Business, date string) (Interval, bool) {
	loc := business.Location()
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return Interval{}, false
	}
	hours := business.Hours
	if len(hours) == 0 {
		hours = model.DefaultBusinessHours()
	}
	start, end, ok := hours.Window(day, loc)
	if !ok {
		return Interval{}, false
	}
	return Interval{Start: start, End: end}, true
}

// Busy converts blocking appointments into intervals.
func Busy(appts []model.Appointment) []Interval {
	out := make([]Interval, 0, len(appts))
	for _, a := range appts {
		if !a.Active || !a.Status.Blocking() {
			continue
		}
		out = append(out, Interval{Start: a.StartTime, End: a.EndTime()})
	}
	return out
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
