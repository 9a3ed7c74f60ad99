package autopay

import (
	"fmt"
	"time"
)

// Rule is a user-defined allow rule. Rules are kept as an ordered list;
// evaluation order is list order and the first enabled match wins. There is
// no "most specific" tie-break.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Optional filters. A nil filter matches anything; set filters are ANDed.
	MaxAmountSats *int64  `json:"maxAmountSats,omitempty"`
	MethodFilter  *string `json:"methodFilter,omitempty"`
	PeerFilter    *string `json:"peerFilter,omitempty"`

	// Position is the rule's slot in the evaluation order, maintained by the
	// store. Lower evaluates first.
	Position int `json:"position"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks rule invariants before persistence.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("autopay: rule name is required")
	}
	if r.MaxAmountSats != nil && *r.MaxAmountSats < 0 {
		return fmt.Errorf("autopay: rule maxAmountSats must be >= 0")
	}
	return nil
}

// Matches reports whether the rule applies to the given payment. A disabled
// rule never matches. Peer and method filters are exact string matches.
func (r *Rule) Matches(peer string, amountSats int64, method string) bool {
	if !r.Enabled {
		return false
	}
	if r.MaxAmountSats != nil && amountSats > *r.MaxAmountSats {
		return false
	}
	if r.MethodFilter != nil && *r.MethodFilter != method {
		return false
	}
	if r.PeerFilter != nil && *r.PeerFilter != peer {
		return false
	}
	return true
}

// FirstMatch scans rules in list order and returns the first match, or nil.
// Remaining rules are not evaluated once a match is found.
func FirstMatch(rules []*Rule, peer string, amountSats int64, method string) *Rule {
	for _, r := range rules {
		if r.Matches(peer, amountSats, method) {
			return r
		}
	}
	return nil
}
