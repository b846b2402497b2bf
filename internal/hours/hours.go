// Package hours answers whether a human operator is assumed present,
// based on wall-clock time and a configured weekly schedule.
package hours

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vtorres/leadline/internal/config"
)

// minuteOfDay converts HH:MM to minutes since local midnight.
type interval struct {
	open  int // minutes since midnight, inclusive
	close int // minutes since midnight, exclusive
}

// Schedule is a parsed weekly business-hours schedule in a fixed timezone.
type Schedule struct {
	loc      *time.Location
	weekdays map[time.Weekday]interval // absent weekday means closed
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

// ParseSchedule builds a Schedule from configuration. Each weekday entry is
// either "closed" or "HH:MM-HH:MM" (half-open: the close minute itself is
// outside business hours).
func ParseSchedule(cfg config.HoursConfig) (*Schedule, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("hours: load timezone %q: %w", cfg.Timezone, err)
	}

	s := &Schedule{loc: loc, weekdays: make(map[time.Weekday]interval)}
	for name, spec := range cfg.Weekdays {
		day, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("hours: unknown weekday %q", name)
		}
		spec = strings.TrimSpace(strings.ToLower(spec))
		if spec == "closed" || spec == "" {
			continue
		}
		iv, err := parseInterval(spec)
		if err != nil {
			return nil, fmt.Errorf("hours: weekday %q: %w", name, err)
		}
		s.weekdays[day] = iv
	}
	return s, nil
}

// parseInterval parses "HH:MM-HH:MM" into an interval.
func parseInterval(spec string) (interval, error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return interval{}, fmt.Errorf("invalid interval %q", spec)
	}
	open, err := parseClock(strings.TrimSpace(parts[0]))
	if err != nil {
		return interval{}, err
	}
	cl, err := parseClock(strings.TrimSpace(parts[1]))
	if err != nil {
		return interval{}, err
	}
	if cl <= open {
		return interval{}, fmt.Errorf("interval %q: close must be after open", spec)
	}
	return interval{open: open, close: cl}, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

// IsOpen reports whether now falls within business hours. The answer is
// computed fresh from the clock on every call.
func (s *Schedule) IsOpen(now time.Time) bool {
	local := now.In(s.loc)
	iv, ok := s.weekdays[local.Weekday()]
	if !ok {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= iv.open && minute < iv.close
}

// Oracle wraps a Schedule behind an atomically swappable pointer so a
// configuration reload takes effect on the next call without a restart.
type Oracle struct {
	schedule atomic.Pointer[Schedule]
}

// NewOracle creates an Oracle with the given initial schedule.
func NewOracle(s *Schedule) (*Oracle, error) {
	if s == nil {
		return nil, fmt.Errorf("hours: schedule is required")
	}
	o := &Oracle{}
	o.schedule.Store(s)
	return o, nil
}

// Reload swaps in a new schedule.
func (o *Oracle) Reload(s *Schedule) {
	if s != nil {
		o.schedule.Store(s)
	}
}

// IsOpen reports whether a human operator is assumed present at now.
func (o *Oracle) IsOpen(now time.Time) bool {
	return o.schedule.Load().IsOpen(now)
}

// ShouldAutoResume reports whether a paused conversation may be handed back
// to the automated responder: exactly when no human is assumed present.
func (o *Oracle) ShouldAutoResume(now time.Time) bool {
	return !o.IsOpen(now)
}
