package broker

import "time"

// RecalculationRequest is the message the route layer publishes when a
// mutation should trigger a deferred replay. A nil AfterDate requests a
// full replay from the initial balance.
type RecalculationRequest struct {
	AccountID int64      `json:"account_id"`
	AfterDate *time.Time `json:"after_date,omitempty"`
}

// merge widens the pending request for an account so one replay covers
// both windows: a full replay absorbs everything, otherwise the earlier
// lower bound wins.
func (r RecalculationRequest) merge(other RecalculationRequest) RecalculationRequest {
	if r.AfterDate == nil || other.AfterDate == nil {
		return RecalculationRequest{AccountID: r.AccountID}
	}
	if other.AfterDate.Before(*r.AfterDate) {
		return other
	}
	return r
}
