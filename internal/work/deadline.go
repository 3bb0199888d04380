package work

import "time"

// Deadline tracks a per-item time allowance
type Deadline struct {
	start  time.Time
	now    func() time.Time
	budget time.Duration
}

// NewDeadline starts a deadline of the given budget. A non-positive budget never expires.
func NewDeadline(budget time.Duration) *Deadline {
	return newDeadlineAt(budget, time.Now)
}

func newDeadlineAt(budget time.Duration, now func() time.Time) *Deadline {
	return &Deadline{start: now(), now: now, budget: budget}
}

// Elapsed returns the time since the deadline started
func (d *Deadline) Elapsed() time.Duration {
	return d.now().Sub(d.start)
}

// Remaining returns the time left, or zero when spent
func (d *Deadline) Remaining() time.Duration {
	if d.budget <= 0 {
		return time.Duration(1<<63 - 1)
	}
	if left := d.budget - d.Elapsed(); left > 0 {
		return left
	}
	return 0
}

// Expired reports whether the budget has been spent
func (d *Deadline) Expired() bool {
	return d.budget > 0 && d.Elapsed() >= d.budget
}

// Allows reports whether an optional step expected to take about estimate still fits
func (d *Deadline) Allows(estimate time.Duration) bool {
	if d.budget <= 0 {
		return true
	}
	return d.Remaining() > estimate
}
