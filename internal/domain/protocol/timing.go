package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimingType discriminates the variants of a TimingRule.
type TimingType string

const (
	TimingDelay    TimingType = "delay"
	TimingSpecific TimingType = "specific"
)

// TimeUnit is the unit of a delay rule.
type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
)

// TimingRule says when a stage falls due relative to the reference date.
//
// A delay rule uses Value and Unit. A specific rule uses DaysAfter and Time
// ("HH:MM", 24h clock).
type TimingRule struct {
	Type      TimingType `json:"type"`
	Value     int        `json:"value,omitempty"`
	Unit      TimeUnit   `json:"unit,omitempty"`
	DaysAfter int        `json:"days_after,omitempty"`
	Time      string     `json:"time,omitempty"`
}

// Delay builds a delay rule.
func Delay(value int, unit TimeUnit) TimingRule {
	return TimingRule{Type: TimingDelay, Value: value, Unit: unit}
}

// Specific builds a specific-time rule.
func Specific(daysAfter int, hhmm string) TimingRule {
	return TimingRule{Type: TimingSpecific, DaysAfter: daysAfter, Time: hhmm}
}

func (r TimingRule) String() string {
	switch r.Type {
	case TimingDelay:
		return fmt.Sprintf("delay:%d:%s", r.Value, r.Unit)
	case TimingSpecific:
		return fmt.Sprintf("specific:%d:%s", r.DaysAfter, r.Time)
	}
	return string(r.Type)
}

// ParseTimingRule parses the compact form produced by String, e.g.
// "delay:1:days" or "specific:2:10:00".
func ParseTimingRule(s string) (TimingRule, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return TimingRule{}, fmt.Errorf("%w: %q", ErrInvalidTimingRule, s)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimingRule{}, fmt.Errorf("%w: %q", ErrInvalidTimingRule, s)
	}

	var rule TimingRule
	switch TimingType(parts[0]) {
	case TimingDelay:
		rule = Delay(n, TimeUnit(parts[2]))
	case TimingSpecific:
		rule = Specific(n, parts[2])
	default:
		return TimingRule{}, fmt.Errorf("%w: unknown type %q", ErrInvalidTimingRule, parts[0])
	}
	if err := ValidateTimingRule(rule); err != nil {
		return TimingRule{}, err
	}
	return rule, nil
}

// ValidateTimingRule checks a rule without resolving it.
func ValidateTimingRule(rule TimingRule) error {
	switch rule.Type {
	case TimingDelay:
		if rule.Value < 0 {
			return fmt.Errorf("%w: negative delay %d", ErrInvalidTimingRule, rule.Value)
		}
		var limit int64
		switch rule.Unit {
		case UnitMinutes:
			limit = math.MaxInt64 / int64(time.Minute)
		case UnitHours:
			limit = math.MaxInt64 / int64(time.Hour)
		case UnitDays:
			limit = math.MaxInt32
		case UnitWeeks:
			limit = math.MaxInt32 / 7
		default:
			return fmt.Errorf("%w: unknown unit %q", ErrInvalidTimingRule, rule.Unit)
		}
		if int64(rule.Value) > limit {
			return fmt.Errorf("%w: delay of %d %s is out of range", ErrInvalidTimingRule, rule.Value, rule.Unit)
		}
		return nil
	case TimingSpecific:
		if rule.DaysAfter < 0 {
			return fmt.Errorf("%w: negative days_after %d", ErrInvalidTimingRule, rule.DaysAfter)
		}
		_, _, err := parseClock(rule.Time)
		return err
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidTimingRule, rule.Type)
}

// ResolveDueDate computes the due date of a stage from the reference date.
// Days and weeks are calendar arithmetic in the reference's location, so the
// wall-clock time is kept across month ends and DST changes. Minutes and
// hours are absolute durations.
func ResolveDueDate(reference time.Time, rule TimingRule) (time.Time, error) {
	if err := ValidateTimingRule(rule); err != nil {
		return time.Time{}, err
	}

	switch rule.Type {
	case TimingDelay:
		switch rule.Unit {
		case UnitMinutes:
			return reference.Add(time.Duration(rule.Value) * time.Minute), nil
		case UnitHours:
			return reference.Add(time.Duration(rule.Value) * time.Hour), nil
		case UnitDays:
			return reference.AddDate(0, 0, rule.Value), nil
		default:
			return reference.AddDate(0, 0, 7*rule.Value), nil
		}
	default:
		hour, minute, _ := parseClock(rule.Time)
		y, m, d := reference.Date()
		return time.Date(y, m, d+rule.DaysAfter, hour, minute, 0, 0, reference.Location()), nil
	}
}

// parseClock parses "HH:MM". A single-digit hour is accepted, minutes must
// have two digits.
func parseClock(s string) (int, int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, 0, fmt.Errorf("%w: bad time %q", ErrInvalidTimingRule, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidTimingRule, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidTimingRule, s)
	}
	return hour, minute, nil
}
