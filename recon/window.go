package recon

import (
	"fmt"
	"time"
)

// =============================================================================
// WINDOW - Half-open processing interval [From, To)
// =============================================================================

// Window bounds every stage invocation. From is inclusive, To exclusive.
// Both are kept in UTC.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow builds a validated UTC window.
func NewWindow(from, to time.Time) (Window, error) {
	w := Window{From: from.UTC(), To: to.UTC()}
	return w, w.Validate()
}

// MustWindow panics on an invalid window. Intended for tests and constants.
func MustWindow(from, to time.Time) Window {
	w, err := NewWindow(from, to)
	if err != nil {
		panic(err)
	}
	return w
}

// Validate rejects zero and inverted windows.
func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidWindow)
	}
	if !w.To.After(w.From) {
		return fmt.Errorf("%w: to %s is not after from %s", ErrInvalidWindow,
			w.To.Format(time.RFC3339), w.From.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls in [From, To).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// ContainsDay reports whether a day-granular date belongs to the window.
// A statement day belongs when it starts at or after the day of From and
// before To.
func (w Window) ContainsDay(day time.Time) bool {
	d := TruncateDay(day)
	return !d.Before(TruncateDay(w.From)) && d.Before(w.To)
}

// Baseline returns the `days` whole UTC days preceding the day of From. The
// bounds are day-aligned so a sub-day window still sees full daily rows.
func (w Window) Baseline(days int) Window {
	start := TruncateDay(w.From)
	return Window{From: start.AddDate(0, 0, -days), To: start}
}

// Duration returns To - From.
func (w Window) Duration() time.Duration { return w.To.Sub(w.From) }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// TruncateDay returns midnight UTC of t's UTC date.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats a day the way statements and baselines key them.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
