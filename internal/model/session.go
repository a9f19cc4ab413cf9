package model

import "time"

type Session struct {
	ID               string        `db:"id" json:"id"`
	UserID           string        `db:"user_id" json:"userId"`
	NodeID           string        `db:"node_id" json:"nodeId"`
	Model            string        `db:"model" json:"model"`
	HFRepo           *string       `db:"hf_repo" json:"hfRepo,omitempty"`
	ContextLength    int           `db:"context_length" json:"contextLength"`
	MinutesPurchased int           `db:"minutes_purchased" json:"minutesPurchased"`
	AmountSats       int64         `db:"amount_sats" json:"amountSats"`
	State            SessionState  `db:"state" json:"state"`
	PaymentMethod    PaymentMethod `db:"payment_method" json:"paymentMethod"`
	PaymentReference *string       `db:"payment_reference" json:"paymentReference,omitempty"`
	RefundSats       int64         `db:"refund_sats" json:"refundSats"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
	PaidAt           *time.Time    `db:"paid_at" json:"paidAt,omitempty"`
	StartedAt        *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	ExpiresAt        *time.Time    `db:"expires_at" json:"expiresAt,omitempty"`
	EndedAt          *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
}

// Expired reports whether the purchased window has elapsed. Sessions that
// never reached active have no expiry.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// RemainingSeconds is what a resuming client has left, floored at zero.
func (s *Session) RemainingSeconds(now time.Time) int64 {
	if s.ExpiresAt == nil {
		return 0
	}
	rem := int64(s.ExpiresAt.Sub(now).Seconds())
	if rem < 0 {
		return 0
	}
	return rem
}

type CreateSessionParams struct {
	ID               string
	UserID           string
	NodeID           string
	Model            string
	HFRepo           *string
	ContextLength    int
	MinutesPurchased int
	AmountSats       int64
	PaymentMethod    PaymentMethod
	PaymentReference *string
}
