package model

import "time"

// LedgerTransaction is one signed balance mutation. The sum of amounts for a
// user always equals that user's balance_sats.
type LedgerTransaction struct {
	ID               int64           `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"userId"`
	Type             TransactionType `db:"type" json:"type"`
	AmountSats       int64           `db:"amount_sats" json:"amountSats"`
	FeeSats          int64           `db:"fee_sats" json:"feeSats"`
	BalanceAfter     int64           `db:"balance_after" json:"balanceAfter"`
	Description      string          `db:"description" json:"description"`
	RelatedSessionID *string         `db:"related_session_id" json:"relatedSessionId,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
}
