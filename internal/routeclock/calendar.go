package routeclock

import (
	"time"
)

// Weekday is RouteSpark's canonical 1..7 weekday numbering (Monday=1),
// distinct from time.Weekday's 0=Sunday numbering used by the standard
// library.
type Weekday int

const (
	Monday    Weekday = 1
	Tuesday   Weekday = 2
	Wednesday Weekday = 3
	Thursday  Weekday = 4
	Friday    Weekday = 5
	Saturday  Weekday = 6
	Sunday    Weekday = 7
)

// weekdayNames indexes 1..7 (Monday..Sunday) to the canonical lowercase
// schedule-key name.
var weekdayNames = [...]string{"", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// Name returns the lowercase weekday name used as a schedule key.
func (w Weekday) Name() string {
	if w < 1 || w > 7 {
		return ""
	}
	return weekdayNames[w]
}

// FromTime converts a time.Time into RouteSpark's 1..7 Monday-first numbering.
func FromTime(t time.Time) Weekday {
	d := int(t.Weekday()) // 0=Sunday..6=Saturday
	if d == 0 {
		return Sunday
	}
	return Weekday(d)
}

// ScheduleKeyFromDay returns the canonical lowercase weekday name for a
// RouteSpark 1..7 day number.
func ScheduleKeyFromDay(day int) string {
	return Weekday(day).Name()
}

// Calendar resolves route timezones and calendar-shape flags used by the
// feature builder and schedule model.
type Calendar struct {
	clock    Clock
	holidays HolidayCalendar
}

// HolidayCalendar reports whether a given week (anchored on date, for a
// given route) is a holiday week. It is an interface so the static
// default calendar can be swapped for a real holiday-data service — the
// low-quantity notification daemon and similar out-of-core collaborators
// consult but never mutate this.
type HolidayCalendar interface {
	IsHolidayWeek(route string, date time.Time) bool
}

// StaticHolidays is a default HolidayCalendar backed by a fixed set of
// month/day pairs observed every year (major US-style holidays), good
// enough as a default and trivially replaceable.
type StaticHolidays struct {
	MonthDays map[[2]int]bool // [month, day] -> true
}

// NewStaticHolidays returns a StaticHolidays populated with common
// fixed-date holidays.
func NewStaticHolidays() *StaticHolidays {
	return &StaticHolidays{
		MonthDays: map[[2]int]bool{
			{1, 1}:   true, // New Year's Day
			{7, 4}:   true, // Independence Day
			{11, 11}: true, // Veterans Day
			{12, 25}: true, // Christmas
		},
	}
}

// IsHolidayWeek reports whether any day in the Mon-Sun week containing
// date falls on a fixed holiday date.
func (s *StaticHolidays) IsHolidayWeek(route string, date time.Time) bool {
	start := WeekStart(date)
	for i := 0; i < 7; i++ {
		d := start.AddDate(0, 0, i)
		if s.MonthDays[[2]int{int(d.Month()), d.Day()}] {
			return true
		}
	}
	return false
}

// WeekStart returns the Monday 00:00 that begins the week containing t.
func WeekStart(t time.Time) time.Time {
	wd := FromTime(t)
	offset := int(wd) - 1
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, -offset)
}

// NewCalendar creates a Calendar with the given clock and holiday source.
func NewCalendar(clock Clock, holidays HolidayCalendar) *Calendar {
	if holidays == nil {
		holidays = NewStaticHolidays()
	}
	return &Calendar{clock: clock, holidays: holidays}
}

// ResolveTimezone loads a *time.Location for a route, defaulting to UTC
// if tzName is empty or unrecognized.
func ResolveTimezone(tzName string) *time.Location {
	if tzName == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsFirstWeekendOfMonth reports whether date falls on the first
// Saturday/Sunday weekend of its month.
func IsFirstWeekendOfMonth(date time.Time) bool {
	wd := date.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return false
	}
	limit := 7
	if wd == time.Sunday {
		limit = 8
	}
	return date.Day() <= limit
}

// IsLastWeekendOfMonth reports whether date falls on the last
// Saturday/Sunday weekend of its month.
func IsLastWeekendOfMonth(date time.Time) bool {
	wd := date.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return false
	}
	lastOfMonth := time.Date(date.Year(), date.Month()+1, 0, 0, 0, 0, 0, date.Location())
	return lastOfMonth.Day()-date.Day() < 7
}

// DaysUntilFirstWeekend returns the number of days from date until the
// nearest day, date itself included, that IsFirstWeekendOfMonth accepts.
// That day is a Sunday when date is the Sunday of a first weekend or when
// the month begins on a Sunday. It returns 14 when none of date through
// date+13 qualifies.
func DaysUntilFirstWeekend(date time.Time) int {
	for i := 0; i < 14; i++ {
		d := date.AddDate(0, 0, i)
		if IsFirstWeekendOfMonth(d) {
			return i
		}
	}
	return 14
}

// CoversFirstWeekend reports whether the delivery window [date, date+span]
// covers any day of the first weekend of the month.
func CoversFirstWeekend(date time.Time, spanDays int) bool {
	for i := 0; i <= spanDays; i++ {
		if IsFirstWeekendOfMonth(date.AddDate(0, 0, i)) {
			return true
		}
	}
	return false
}

// CoversWeekend reports whether the delivery window [date, date+span]
// covers any Saturday or Sunday.
func CoversWeekend(date time.Time, spanDays int) bool {
	for i := 0; i <= spanDays; i++ {
		wd := date.AddDate(0, 0, i).Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	return false
}

// IsHolidayWeek delegates to the configured HolidayCalendar.
func (c *Calendar) IsHolidayWeek(route string, date time.Time) bool {
	return c.holidays.IsHolidayWeek(route, date)
}
