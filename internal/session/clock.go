package session

import (
	"context"
	"time"
)

// Session is the closed set of trading-session classifications.
type Session string

const (
	PreMarket Session = "pre_market"
	Regular   Session = "regular"
	AfterHours Session = "after_hours"
	Closed    Session = "closed"
)

// Clock classifies wall-clock time into sessions honoring the U.S.
// exchange calendar. No other component in this codebase may compare
// time.Now() against market hours directly; everything routes through
// here, grounded on the teacher's GetCurrentSession but extended with
// holiday awareness per the original market status manager.
type Clock struct {
	loc      *time.Location
	holidays map[string]bool // "2026-01-01" style keys
	now      func() time.Time
}

// NewClock builds a Clock in America/New_York time with the built-in
// NYSE holiday calendar (see nyseHolidays) pre-seeded.
func NewClock() (*Clock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &Clock{loc: loc, holidays: nyseHolidays(), now: time.Now}, nil
}

// CurrentSession classifies the current instant.
func (c *Clock) CurrentSession() Session {
	return c.SessionAt(c.now())
}

// SessionAt classifies an arbitrary instant, exposed for testing and
// for the Gap/Extended-Hours Guard's gap computation at the prior
// session's close.
func (c *Clock) SessionAt(t time.Time) Session {
	et := t.In(c.loc)
	if !c.isTradingDay(et) {
		return Closed
	}
	minutes := et.Hour()*60 + et.Minute()
	const (
		preStart    = 4 * 60
		regularOpen = 9*60 + 30
		regularClose = 16 * 60
		postEnd     = 20 * 60
	)
	switch {
	case minutes >= preStart && minutes < regularOpen:
		return PreMarket
	case minutes >= regularOpen && minutes < regularClose:
		return Regular
	case minutes >= regularClose && minutes < postEnd:
		return AfterHours
	default:
		return Closed
	}
}

// IsTradingDay reports whether date is a NYSE trading day (not a
// weekend or holiday).
func (c *Clock) IsTradingDay(date time.Time) bool {
	return c.isTradingDay(date.In(c.loc))
}

func (c *Clock) isTradingDay(et time.Time) bool {
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[et.Format("2006-01-02")]
}

// WaitUntilNextOpen blocks until the next regular-session open, or
// returns immediately if the market is already in the regular
// session. It is a suspension point per §5: callers must pass a
// context so the scheduler can abort cleanly on shutdown.
func (c *Clock) WaitUntilNextOpen(ctx context.Context) error {
	if c.CurrentSession() == Regular {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timeUntilNextCheck()):
			if c.CurrentSession() == Regular {
				return nil
			}
		}
	}
}

// timeUntilNextCheck returns a short poll interval; the clock does not
// attempt to compute the exact open instant across holiday gaps, it
// simply polls, matching the teacher-and-original-source idiom of
// sleeping and rechecking rather than precomputing a wakeup time.
func (c *Clock) timeUntilNextCheck() time.Duration {
	return time.Minute
}

// nyseHolidays returns a small fixed calendar of the 2026 NYSE
// holidays. There is no config override; weekdays outside 2026 are
// all treated as trading days.
func nyseHolidays() map[string]bool {
	dates := []string{
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
		"2026-05-25", "2026-06-19", "2026-07-03", "2026-09-07",
		"2026-11-26", "2026-12-25",
	}
	out := make(map[string]bool, len(dates))
	for _, d := range dates {
		out[d] = true
	}
	return out
}
