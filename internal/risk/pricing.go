package risk

// ComputeSlTp computes stop-loss/take-profit prices from an entry price and
// percentage distances (§4.6 step 2). isBuy mirrors the direction: SL below
// and TP above entry for buys, the reverse for sells. Grounded on the
// teacher's isStopLossTriggered/isTakeProfitTriggered direction logic,
// repurposed from a live price-crossing check into the price computation
// the order engine needs before placing protective legs.
func ComputeSlTp(entryPrice, slPct, tpPct float64, isBuy bool) (slPrice, tpPrice float64) {
	if isBuy {
		slPrice = entryPrice * (1 - slPct/100)
		tpPrice = entryPrice * (1 + tpPct/100)
		return
	}
	slPrice = entryPrice * (1 + slPct/100)
	tpPrice = entryPrice * (1 - tpPct/100)
	return
}
