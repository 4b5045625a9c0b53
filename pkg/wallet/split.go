package wallet

// Split divides a gross amount between a payee and the platform. The payee's
// share is floored so the platform absorbs the rounding remainder; the two
// parts always sum back to the gross amount.
func Split(grossAmount int64, payeeSharePercent int64) (payeeAmount int64, platformAmount int64) {
	if grossAmount <= 0 {
		return 0, 0
	}
	if payeeSharePercent < 0 {
		payeeSharePercent = 0
	}
	if payeeSharePercent > 100 {
		payeeSharePercent = 100
	}
	payeeAmount = grossAmount * payeeSharePercent / 100
	platformAmount = grossAmount - payeeAmount
	return payeeAmount, platformAmount
}

// TransferFee computes the fee on one side of a peer transfer, rounding up so
// the platform never undercharges. rate is in basis points.
func TransferFee(amount int64, feeRateBasisPoints int64) int64 {
	if amount <= 0 || feeRateBasisPoints <= 0 {
		return 0
	}
	return (amount*feeRateBasisPoints + basisPointDenominator - 1) / basisPointDenominator
}

const basisPointDenominator = 10_000
