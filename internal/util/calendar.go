package util

import (
	"time"
)

// SessionPhase is a US equity session phase. The string values double as the
// origin status reported by calendar-backed adapters.
type SessionPhase string

const (
	PhaseOvernight  SessionPhase = "overnight"
	PhasePreMarket  SessionPhase = "pre_market"
	PhaseOpen       SessionPhase = "open"
	PhaseAfterHours SessionPhase = "after_hours"
	PhaseClosed     SessionPhase = "closed"
)

// Session boundaries in minutes after midnight, exchange time.
const (
	preOpenMin    = 4 * 60
	openMin       = 9*60 + 30
	closeMin      = 16 * 60
	postCloseMin  = 20 * 60
	earlyCloseMin = 13 * 60
)

// TradingCalendar provides NYSE session awareness: regular hours, extended
// hours, the overnight session, full holidays and early closes.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar in America/New_York.
func NewTradingCalendar() (*TradingCalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &TradingCalendar{loc: loc}, nil
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsTradingDay reports whether t's exchange-local date has a regular session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	d := t.In(tc.loc)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !isHoliday(d)
}

// IsMarketOpen reports whether the regular session is open at t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.Phase(t) == PhaseOpen
}

// Phase returns the session phase at t. The overnight session runs from
// 20:00 on a trading eve (Sunday through Thursday) to 04:00 on the next
// trading day.
func (tc *TradingCalendar) Phase(t time.Time) SessionPhase {
	d := t.In(tc.loc)
	m := d.Hour()*60 + d.Minute()

	if tc.IsTradingDay(d) {
		closeAt := closeMin
		postAt := postCloseMin
		if isEarlyClose(d) {
			closeAt = earlyCloseMin
			postAt = 17 * 60
		}
		switch {
		case m < preOpenMin:
			return PhaseOvernight
		case m < openMin:
			return PhasePreMarket
		case m < closeAt:
			return PhaseOpen
		case m < postAt:
			return PhaseAfterHours
		}
	}
	if m >= postCloseMin && tc.IsTradingDay(d.AddDate(0, 0, 1)) {
		return PhaseOvernight
	}
	return PhaseClosed
}

// NextOpen returns the next regular-session open strictly after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	d := t.In(tc.loc)
	for i := 0; i < 15; i++ {
		day := d.AddDate(0, 0, i)
		open := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, tc.loc)
		if tc.IsTradingDay(open) && open.After(t) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next regular-session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	d := t.In(tc.loc)
	for i := 0; i < 15; i++ {
		day := d.AddDate(0, 0, i)
		hour := 16
		if isEarlyClose(day) {
			hour = 13
		}
		closeAt := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, tc.loc)
		if tc.IsTradingDay(closeAt) && !closeAt.Before(t) {
			return closeAt
		}
	}
	return time.Time{}
}

func isHoliday(d time.Time) bool {
	y, m, day := d.Date()
	for _, h := range holidays(y) {
		if h.month == m && h.day == day {
			return true
		}
	}
	return false
}

func isEarlyClose(d time.Time) bool {
	y, m, day := d.Date()
	switch {
	case m == time.July && day == 3 && d.Weekday() != time.Saturday && d.Weekday() != time.Sunday:
		return !isHoliday(d)
	case m == time.December && day == 24 && d.Weekday() != time.Saturday && d.Weekday() != time.Sunday:
		return true
	case m == time.November:
		thanks := nthWeekday(y, time.November, time.Thursday, 4)
		return day == thanks+1
	}
	return false
}

type monthDay struct {
	month time.Month
	day   int
}

func holidays(y int) []monthDay {
	easter := easterSunday(y)
	goodFriday := easter.AddDate(0, 0, -2)
	hs := []monthDay{
		{time.January, nthWeekday(y, time.January, time.Monday, 3)},
		{time.February, nthWeekday(y, time.February, time.Monday, 3)},
		{goodFriday.Month(), goodFriday.Day()},
		{time.May, lastWeekday(y, time.May, time.Monday)},
		{time.September, nthWeekday(y, time.September, time.Monday, 1)},
		{time.November, nthWeekday(y, time.November, time.Thursday, 4)},
	}
	fixed := []monthDay{{time.July, 4}, {time.December, 25}}
	if y >= 2022 {
		fixed = append(fixed, monthDay{time.June, 19})
	}
	for _, f := range fixed {
		hs = append(hs, observed(y, f))
	}
	// New Year's Day on a Sunday is observed Monday; on a Saturday it is not
	// observed at all.
	ny := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	switch ny.Weekday() {
	case time.Sunday:
		hs = append(hs, monthDay{time.January, 2})
	case time.Saturday:
	default:
		hs = append(hs, monthDay{time.January, 1})
	}
	return hs
}

func observed(y int, md monthDay) monthDay {
	d := time.Date(y, md.month, md.day, 0, 0, 0, 0, time.UTC)
	switch d.Weekday() {
	case time.Saturday:
		d = d.AddDate(0, 0, -1)
	case time.Sunday:
		d = d.AddDate(0, 0, 1)
	}
	return monthDay{d.Month(), d.Day()}
}

func nthWeekday(y int, m time.Month, wd time.Weekday, n int) int {
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return 1 + offset + 7*(n-1)
}

func lastWeekday(y int, m time.Month, wd time.Weekday) int {
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.Day() - offset
}

// easterSunday uses the anonymous Gregorian algorithm.
func easterSunday(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
