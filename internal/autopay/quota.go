package autopay

import (
	"fmt"
	"time"
)

// Period is the rolling window over which a peer quota applies.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Period lengths in seconds. Monthly is a fixed 30 days, not calendar-aware.
const (
	hourlySeconds  int64 = 3_600
	dailySeconds   int64 = 86_400
	weeklySeconds  int64 = 604_800
	monthlySeconds int64 = 2_592_000
)

// Seconds returns the period length. Unknown periods fall back to daily.
func (p Period) Seconds() int64 {
	switch p {
	case PeriodHourly:
		return hourlySeconds
	case PeriodDaily:
		return dailySeconds
	case PeriodWeekly:
		return weeklySeconds
	case PeriodMonthly:
		return monthlySeconds
	default:
		return dailySeconds
	}
}

// Duration returns the period length as a time.Duration.
func (p Period) Duration() time.Duration {
	return time.Duration(p.Seconds()) * time.Second
}

// Valid reports whether p is one of the known periods.
func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Quota is a capped, period-resetting spending allowance for one peer.
// Quotas are created only by explicit user action, never implicitly by the
// engine observing a new peer.
type Quota struct {
	ID          string    `json:"id"`
	PeerPubkey  string    `json:"peerPubkey"`
	PeerName    string    `json:"peerName"`
	LimitSats   int64     `json:"limitSats"`
	UsedSats    int64     `json:"usedSats"`
	Period      Period    `json:"period"`
	PeriodStart time.Time `json:"periodStart"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks quota invariants before persistence.
func (q *Quota) Validate() error {
	if q.PeerPubkey == "" {
		return fmt.Errorf("autopay: quota peerPubkey is required")
	}
	if q.LimitSats < 0 {
		return fmt.Errorf("autopay: quota limitSats must be >= 0")
	}
	if q.UsedSats < 0 {
		return fmt.Errorf("autopay: quota usedSats must be >= 0")
	}
	if !q.Period.Valid() {
		return fmt.Errorf("autopay: unknown quota period %q", q.Period)
	}
	return nil
}

// Remaining returns the unspent allowance, never negative.
func (q *Quota) Remaining() int64 {
	if q.UsedSats >= q.LimitSats {
		return 0
	}
	return q.LimitSats - q.UsedSats
}

// PercentUsed returns used/limit as a fraction in [0,1]. A zero limit
// reports 0.
func (q *Quota) PercentUsed() float64 {
	if q.LimitSats == 0 {
		return 0
	}
	pct := float64(q.UsedSats) / float64(q.LimitSats)
	if pct > 1 {
		return 1
	}
	return pct
}

// IsExhausted reports whether the quota has no remaining allowance.
func (q *Quota) IsExhausted() bool {
	return q.UsedSats >= q.LimitSats
}

// ShouldReset reports whether the current period has elapsed. It has no side
// effects; calling it repeatedly without Reset returns the same answer for
// the same now.
func (q *Quota) ShouldReset(now time.Time) bool {
	return now.Sub(q.PeriodStart) >= q.Period.Duration()
}

// Reset zeroes the used amount. It deliberately does NOT advance PeriodStart:
// the caller sets PeriodStart alongside the reset so a retried Reset cannot
// drift the window.
func (q *Quota) Reset() {
	q.UsedSats = 0
}
