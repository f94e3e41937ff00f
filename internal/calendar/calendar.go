// Package calendar implements the business calendar used to compute step due dates
// and escalation fire times. Weekends and holidays are evaluated in the configured
// timezone; the holiday list can be replaced at runtime.
package calendar

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
)

const dateLayout = "2006-01-02"

// Strictness controls how a due date becomes an escalation fire time
type Strictness string

const (
	// StrictnessStrict fires at the start of the first business day after the due
	// date, shifting a non-business due date to the next business day first.
	StrictnessStrict Strictness = "strict"
	// StrictnessFlexible fires at the start of the first business day after the
	// due date without shifting it.
	StrictnessFlexible Strictness = "flexible"
	// StrictnessExtended adds a grace period to the strict fire time.
	StrictnessExtended Strictness = "extended"
)

// ParseStrictness validates a strictness name (case-insensitive)
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(strings.ToLower(s)) {
	case StrictnessStrict:
		return StrictnessStrict, nil
	case StrictnessFlexible:
		return StrictnessFlexible, nil
	case StrictnessExtended:
		return StrictnessExtended, nil
	}
	return "", fmt.Errorf("invalid strictness: %s", s)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Calendar answers business-day questions. It is safe for concurrent use.
type Calendar struct {
	loc        *time.Location
	weekend    map[time.Weekday]bool
	strictness Strictness
	grace      time.Duration

	mu       sync.RWMutex
	holidays map[string]bool
}

// New builds a calendar from configuration
func New(cfg config.CalendarConfig) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	strictness := StrictnessStrict
	if cfg.Strictness != "" {
		if strictness, err = ParseStrictness(cfg.Strictness); err != nil {
			return nil, err
		}
	}

	weekend := make(map[time.Weekday]bool, len(cfg.WeekendDays))
	for _, name := range cfg.WeekendDays {
		d, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("invalid weekend day: %s", name)
		}
		weekend[d] = true
	}
	if len(weekend) == 7 {
		return nil, fmt.Errorf("calendar has no business days")
	}

	c := &Calendar{
		loc:        loc,
		weekend:    weekend,
		strictness: strictness,
		grace:      time.Duration(cfg.GraceHours) * time.Hour,
	}
	if err := c.SetHolidays(cfg.Holidays); err != nil {
		return nil, err
	}
	return c, nil
}

// Location returns the calendar's timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Strictness returns the configured fire-time policy
func (c *Calendar) Strictness() Strictness {
	return c.strictness
}

// SetHolidays atomically replaces the holiday list. Dates use YYYY-MM-DD.
func (c *Calendar) SetHolidays(dates []string) error {
	holidays := make(map[string]bool, len(dates))
	for _, d := range dates {
		if _, err := time.ParseInLocation(dateLayout, d, c.loc); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		holidays[d] = true
	}
	c.mu.Lock()
	c.holidays = holidays
	c.mu.Unlock()
	return nil
}

// IsBusinessDay reports whether t's calendar date is neither a weekend day nor a holiday
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.weekend[t.Weekday()] {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.holidays[t.Format(dateLayout)]
}

// StartOfDay returns midnight of t's date in the calendar timezone
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	t = t.In(c.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// NextBusinessDay returns the start of the first business day strictly after t's date
func (c *Calendar) NextBusinessDay(t time.Time) time.Time {
	day := c.StartOfDay(t)
	for {
		day = addDays(day, 1)
		if c.IsBusinessDay(day) {
			return day
		}
	}
}

// AddBusinessDays moves t forward by n business days, keeping its time of day.
// Non-business days are skipped and not counted; n <= 0 returns t unchanged.
func (c *Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	t = t.In(c.loc)
	for n > 0 {
		t = addDays(t, 1)
		if c.IsBusinessDay(t) {
			n--
		}
	}
	return t
}

// FireTime converts a due date into the instant its escalation fires
func (c *Calendar) FireTime(due time.Time) time.Time {
	switch c.strictness {
	case StrictnessFlexible:
		return c.NextBusinessDay(due)
	case StrictnessExtended:
		fire := c.strictFireTime(due).Add(c.grace)
		if !c.IsBusinessDay(fire) {
			fire = c.NextBusinessDay(fire)
		}
		return fire
	default:
		return c.strictFireTime(due)
	}
}

func (c *Calendar) strictFireTime(due time.Time) time.Time {
	effective := due
	if !c.IsBusinessDay(effective) {
		effective = c.NextBusinessDay(effective)
	}
	return c.NextBusinessDay(effective)
}

// addDays steps by calendar date so DST transitions do not shift the time of day
func addDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
