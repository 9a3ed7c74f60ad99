package autopay

import "time"

// HistoryEntry is an immutable audit record of an evaluated-and-acted-upon
// payment. The engine never mutates or deletes entries; retention belongs to
// storage.
type HistoryEntry struct {
	ID         string    `json:"id"`
	PeerPubkey string    `json:"peerPubkey"`
	PeerName   string    `json:"peerName"`
	AmountSats int64     `json:"amountSats"`
	Approved   bool      `json:"wasApproved"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// SpentInWindow sums the approved amounts with timestamp in [windowStart, now].
// Unapproved entries never count toward spend.
func SpentInWindow(entries []*HistoryEntry, windowStart, now time.Time) int64 {
	var total int64
	for _, e := range entries {
		if !e.Approved {
			continue
		}
		if e.Timestamp.Before(windowStart) || e.Timestamp.After(now) {
			continue
		}
		total += e.AmountSats
	}
	return total
}

// StartOfDay returns local-calendar midnight for t. The daily spend window is
// calendar-anchored, not a rolling 24 hours: a payment at 23:59 stops
// counting against the limit one minute later.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SpentToday sums approved amounts since local midnight.
func SpentToday(entries []*HistoryEntry, now time.Time) int64 {
	return SpentInWindow(entries, StartOfDay(now), now)
}
