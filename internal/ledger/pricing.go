package ledger

import "time"

// SessionPrice is the gross cost of a session.
func SessionPrice(pricePerMinuteSats int64, minutes int) int64 {
	return pricePerMinuteSats * int64(minutes)
}

// CommissionSplit divides a gross amount into the node owner's earning and
// the house commission. The commission is floored so rounding always favors
// the node owner; earning + commission == amount holds exactly.
func CommissionSplit(amountSats int64, commissionRate float64) (earningSats, commissionSats int64) {
	commissionSats = int64(float64(amountSats) * commissionRate)
	if commissionSats < 0 {
		commissionSats = 0
	}
	if commissionSats > amountSats {
		commissionSats = amountSats
	}
	return amountSats - commissionSats, commissionSats
}

// Prorate computes the charge for an early-ended session: integer minute
// ceiling on elapsed time, capped at the purchased amount. The remainder is
// the refund.
func Prorate(pricePerMinuteSats int64, minutesPurchased int, startedAt, endedAt time.Time) (chargeSats, refundSats int64) {
	elapsed := endedAt.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	minutesUsed := int64(elapsed / time.Minute)
	if elapsed%time.Minute != 0 {
		minutesUsed++
	}
	if minutesUsed > int64(minutesPurchased) {
		minutesUsed = int64(minutesPurchased)
	}
	if minutesUsed < 1 {
		minutesUsed = 1
	}
	chargeSats = pricePerMinuteSats * minutesUsed
	refundSats = pricePerMinuteSats*int64(minutesPurchased) - chargeSats
	return chargeSats, refundSats
}
