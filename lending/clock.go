package lending

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock only moves when told to. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// AdvanceDays moves the clock by n calendar days.
func (c *ManualClock) AdvanceDays(n int) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
	return c.now
}

// =============================================================================
// DAY - Calendar day used for notification de-duplication
// =============================================================================

const dayLayout = "2006-01-02"

// Day is a calendar date formatted as YYYY-MM-DD.
type Day string

// DayOf returns the calendar day of t in loc (UTC when loc is nil).
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc).Format(dayLayout))
}

func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", err
	}
	return Day(s), nil
}

func (d Day) String() string { return string(d) }

// Start returns midnight of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t, _ := time.ParseInLocation(dayLayout, string(d), loc)
	return t
}

func (d Day) AddDays(n int) Day {
	return Day(d.Start(time.UTC).AddDate(0, 0, n).Format(dayLayout))
}
