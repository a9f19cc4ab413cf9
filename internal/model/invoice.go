package model

import "time"

// Invoice mirrors a BOLT-11 invoice held by the Lightning daemon. The row is
// the single source of truth for "paid" outside the daemon; status only moves
// to paid after the daemon reports settlement.
type Invoice struct {
	PaymentHash string         `db:"payment_hash" json:"paymentHash"`
	Bolt11      string         `db:"bolt11" json:"bolt11"`
	AmountSats  int64          `db:"amount_sats" json:"amountSats"`
	Purpose     InvoicePurpose `db:"purpose" json:"purpose"`
	RelatedID   string         `db:"related_id" json:"relatedId"`
	UserID      string         `db:"user_id" json:"userId"`
	Status      InvoiceStatus  `db:"status" json:"status"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	ExpiresAt   time.Time      `db:"expires_at" json:"expiresAt"`
	PaidAt      *time.Time     `db:"paid_at" json:"paidAt,omitempty"`
}

type CreateInvoiceParams struct {
	PaymentHash string
	Bolt11      string
	AmountSats  int64
	Purpose     InvoicePurpose
	RelatedID   string
	UserID      string
	ExpiresAt   time.Time
}
