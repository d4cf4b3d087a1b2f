package campaign

import (
	"fmt"
	"time"

	"zapflow/internal/models"
)

// Window is when a campaign may send: between Start and End when set, and
// within the daily DailyStart-DailyEnd range when one is configured. A
// daily range whose start is after its end spans midnight.
type Window struct {
	Start *time.Time
	End   *time.Time

	daily      bool
	dailyStart time.Duration
	dailyEnd   time.Duration
}

// WindowOf reads the scheduling fields of c.
func WindowOf(c *models.Campaign) (Window, error) {
	w := Window{Start: c.ScheduleStart, End: c.ScheduleEnd}
	if c.DailyStart == "" && c.DailyEnd == "" {
		return w, nil
	}
	start, err := parseClock(c.DailyStart)
	if err != nil {
		return w, fmt.Errorf("daily start: %w", err)
	}
	end, err := parseClock(c.DailyEnd)
	if err != nil {
		return w, fmt.Errorf("daily end: %w", err)
	}
	if start != end {
		w.daily, w.dailyStart, w.dailyEnd = true, start, end
	}
	return w, nil
}

// parseClock parses "HH:MM" into an offset from midnight. An empty value
// is midnight.
func parseClock(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Check returns how long to wait before the window is open at now. When
// it will not open again before End, elapsed is true.
func (w Window) Check(now time.Time) (wait time.Duration, elapsed bool) {
	if w.End != nil && !now.Before(*w.End) {
		return 0, true
	}
	at := now
	if w.Start != nil && at.Before(*w.Start) {
		at = *w.Start
	}
	at = w.nextDailyOpen(at)
	if w.End != nil && !at.Before(*w.End) {
		return 0, true
	}
	return at.Sub(now), false
}

// nextDailyOpen returns t when it is inside the daily range, otherwise
// the next moment the range opens.
func (w Window) nextDailyOpen(t time.Time) time.Time {
	if !w.daily {
		return t
	}
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := t.Sub(midnight)

	inside := offset >= w.dailyStart && offset < w.dailyEnd
	if w.dailyStart > w.dailyEnd {
		inside = offset >= w.dailyStart || offset < w.dailyEnd
	}
	if inside {
		return t
	}
	open := midnight.Add(w.dailyStart)
	if !open.After(t) {
		open = time.Date(y, m, d+1, 0, 0, 0, 0, t.Location()).Add(w.dailyStart)
	}
	return open
}
