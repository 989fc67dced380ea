package escrow

import "math/bits"

// FeeShares splits the platform fee across milestones in proportion to each
// milestone's amount. Every share except the last is rounded half-up; the
// last absorbs the rounding remainder so the shares always sum to exactly
// platformFee. A milestone worth 10% of the total carries 10% of the fee
// regardless of position. platformFee must not exceed the milestone total.
func FeeShares(platformFee int64, amounts []int64) []int64 {
	if len(amounts) == 0 {
		return nil
	}

	var total int64
	for _, amt := range amounts {
		total += amt
	}

	shares := make([]int64, len(amounts))
	if total == 0 {
		shares[len(shares)-1] = platformFee
		return shares
	}

	var assigned int64
	for i, amt := range amounts[:len(amounts)-1] {
		shares[i] = proportionalShare(platformFee, amt, total)
		assigned += shares[i]
	}
	shares[len(shares)-1] = platformFee - assigned
	return shares
}

// proportionalShare computes round(fee*amount/total) with ties rounding up,
// through a 128-bit intermediate so the product cannot overflow int64 even
// for totals near the int64 ceiling. Requires 0 <= fee <= total and
// 0 < amount <= total.
func proportionalShare(fee, amount, total int64) int64 {
	hi, lo := bits.Mul64(uint64(fee), uint64(amount))
	quo, rem := bits.Div64(hi, lo, uint64(total))
	if 2*rem >= uint64(total) {
		quo++
	}
	return int64(quo)
}
