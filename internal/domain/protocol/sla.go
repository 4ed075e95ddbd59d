package protocol

import "time"

// SLAStatus is the urgency class of a due date.
type SLAStatus string

const (
	SLAOnTime  SLAStatus = "ontime"
	SLAWarning SLAStatus = "warning"
	SLALate    SLAStatus = "late"
)

// DefaultWarningThreshold is how close to the due date a stage turns to warning.
const DefaultWarningThreshold = 15 * time.Minute

// Classifier classifies due dates against the current time.
type Classifier struct {
	// Warning is the inclusive window before the due date classified as warning.
	Warning time.Duration
	// Location is the operator's time zone, used for DueToday.
	Location *time.Location
}

// NewClassifier returns a classifier. A non-positive threshold falls back to
// DefaultWarningThreshold and a nil location to UTC.
func NewClassifier(warning time.Duration, loc *time.Location) Classifier {
	if warning <= 0 {
		warning = DefaultWarningThreshold
	}
	if loc == nil {
		loc = time.UTC
	}
	return Classifier{Warning: warning, Location: loc}
}

// Classify returns late when due is before now, warning when due is at most
// the threshold ahead of now (both bounds inclusive), and ontime otherwise.
func (c Classifier) Classify(due, now time.Time) SLAStatus {
	if due.Before(now) {
		return SLALate
	}
	warning := c.Warning
	if warning <= 0 {
		warning = DefaultWarningThreshold
	}
	if due.Sub(now) <= warning {
		return SLAWarning
	}
	return SLAOnTime
}

// DueToday reports whether due falls on the same calendar day as now in the
// operator's time zone. It does not influence Classify.
func (c Classifier) DueToday(due, now time.Time) bool {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	dy, dm, dd := due.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	return dy == ny && dm == nm && dd == nd
}

// Classify uses DefaultWarningThreshold.
func Classify(due, now time.Time) SLAStatus {
	return Classifier{Warning: DefaultWarningThreshold}.Classify(due, now)
}
