// Package daterange provides the pure date-range arithmetic used by the
// shared listener cache: containment, lazy-extension math, and snapshot
// filtering. Ranges are immutable values; operations construct new ranges.
package daterange

import (
	"fmt"
	"time"

	"github.com/openvisit/visitwatch/visitdb"
)

// Range a closed time interval [Start, End]
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New construct a Range, rejecting inverted bounds
func New(start, end time.Time) (Range, error) {
	if end.Before(start) {
		return Range{}, fmt.Errorf(
			"range end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339),
		)
	}
	return Range{Start: start, End: end}, nil
}

// Window construct the Range [center-radius, center+radius]
func Window(center time.Time, radius time.Duration) Range {
	return Range{Start: center.Add(-radius), End: center.Add(radius)}
}

// String produce ASCII representation
func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// ContainsTime whether t falls within the range, bounds inclusive
func (r Range) ContainsTime(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Contains whether other lies fully within the range
func (r Range) Contains(other Range) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

// Overlaps whether the two ranges share any instant
func (r Range) Overlaps(other Range) bool {
	return !r.End.Before(other.Start) && !other.End.Before(r.Start)
}

// Union the smallest range covering both inputs
func Union(a, b Range) Range {
	out := a
	if b.Start.Before(out.Start) {
		out.Start = b.Start
	}
	if b.End.After(out.End) {
		out.End = b.End
	}
	return out
}

// NeedsExtension whether requested exceeds current on either side
func NeedsExtension(current, requested Range) bool {
	return requested.Start.Before(current.Start) || requested.End.After(current.End)
}

// Extend widen current to cover requested, padding the widened side by
// buffer so adjacent requests do not each force a new live query
func Extend(current, requested Range, buffer time.Duration) Range {
	out := current
	if requested.Start.Before(out.Start) {
		out.Start = requested.Start.Add(-buffer)
	}
	if requested.End.After(out.End) {
		out.End = requested.End.Add(buffer)
	}
	return out
}

// FilterVisits keep records whose Date falls within r, bounds inclusive.
// One linear pass per subscriber per snapshot; subscriber counts are small
// so this stays cheaper than maintaining an index.
func FilterVisits(records []visitdb.VisitRecord, r Range) []visitdb.VisitRecord {
	out := make([]visitdb.VisitRecord, 0, len(records))
	for _, record := range records {
		if r.ContainsTime(record.Date) {
			out = append(out, record)
		}
	}
	return out
}
