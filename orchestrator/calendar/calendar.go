// Package calendar provides business-hour arithmetic for SLA deadlines.
// The work window is 09:00-18:00 Monday through Friday with a 12:00-13:00
// lunch break, so a full working day contributes 28800 seconds.
package calendar

import (
	"time"
)

const (
	dayStartHour   = 9
	dayEndHour     = 18
	lunchStartHour = 12
	lunchEndHour   = 13

	lunchBreak = time.Hour

	// WorkdaySeconds is the usable span of one working day.
	WorkdaySeconds = int64((dayEndHour - dayStartHour - 1) * 3600)
)

// HolidayCalendar reports non-working dates beyond weekends.
type HolidayCalendar interface {
	IsHoliday(day time.Time) bool
}

// Clock performs deadline math against a holiday calendar.
type Clock struct {
	holidays HolidayCalendar
}

// NewClock builds a Clock. A nil calendar means weekends only.
func NewClock(holidays HolidayCalendar) *Clock {
	return &Clock{holidays: holidays}
}

// IsWorkday reports whether the date falls on a working day.
func (c *Clock) IsWorkday(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c.holidays != nil && c.holidays.IsHoliday(t) {
		return false
	}
	return true
}

// AddWorkSeconds advances start by secs of working time. Whole working days
// keep the start clock; a remainder that would run past 18:00 moves in full
// to the next working day at 09:00, and a remainder crossing 12:00 absorbs
// the lunch hour.
func (c *Clock) AddWorkSeconds(start time.Time, secs int64) time.Time {
	cur := c.alignForward(start)
	if secs <= 0 {
		return cur
	}

	days := secs / WorkdaySeconds
	rem := secs % WorkdaySeconds
	for i := int64(0); i < days; i++ {
		cur = c.nextWorkdaySameClock(cur)
	}
	if rem == 0 {
		return cur
	}
	return c.addRemainder(cur, time.Duration(rem)*time.Second)
}

// AddBusinessDays advances t by n working days, keeping the clock time.
func (c *Clock) AddBusinessDays(t time.Time, n int) time.Time {
	for i := 0; i < n; i++ {
		t = c.nextWorkdaySameClock(t)
	}
	return t
}

// alignForward moves t to the nearest valid work moment at or after t.
func (c *Clock) alignForward(t time.Time) time.Time {
	for {
		if !c.IsWorkday(t) {
			t = at(t.AddDate(0, 0, 1), dayStartHour)
			continue
		}
		if t.Before(at(t, dayStartHour)) {
			return at(t, dayStartHour)
		}
		if !t.Before(at(t, dayEndHour)) {
			t = at(t.AddDate(0, 0, 1), dayStartHour)
			continue
		}
		if !t.Before(at(t, lunchStartHour)) && t.Before(at(t, lunchEndHour)) {
			return at(t, lunchEndHour)
		}
		return t
	}
}

// addRemainder lands rem within the cursor's day, or restarts the whole
// remainder at the next working day's opening when it would pass 18:00.
// rem is always under a full working day, so the restart settles in one hop.
func (c *Clock) addRemainder(cur time.Time, rem time.Duration) time.Time {
	end := cur.Add(rem)
	lunch := at(cur, lunchStartHour)
	if cur.Before(lunch) && end.After(lunch) {
		end = end.Add(lunchBreak)
	}
	if end.After(at(cur, dayEndHour)) {
		next := at(c.nextWorkdaySameClock(cur), dayStartHour)
		return c.addRemainder(next, rem)
	}
	return end
}

func (c *Clock) nextWorkdaySameClock(t time.Time) time.Time {
	n := t.AddDate(0, 0, 1)
	for !c.IsWorkday(n) {
		n = n.AddDate(0, 0, 1)
	}
	return n
}

func at(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}
