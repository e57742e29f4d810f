package market

import "math/bits"

// SafeAdd returns a+b or ErrOverflow.
func SafeAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SafeSub returns a-b or ErrOverflow when b exceeds a.
func SafeSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// muldiv computes a*b/c through a 128-bit intermediate. Fails when c
// is zero or the quotient does not fit in 64 bits.
func muldiv(a, b, c uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if c == 0 || hi >= c {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// ScalePrice converts a market token quantity at a price into pricing
// tokens: quantity * price / decimalFactor.
func ScalePrice(quantity, price, decimalFactor uint64) (uint64, error) {
	return muldiv(quantity, price, decimalFactor)
}

// FillQuantity converts a pricing token budget at a resting order's
// price into the market token quantity it buys.
func FillQuantity(inputPrice, orderPrice, decimalFactor uint64) (uint64, error) {
	return muldiv(inputPrice, decimalFactor, orderPrice)
}

// feeBasis is the denominator of TakerFee rates.
const feeBasis = 10_000_000

// Fee computes the taker fee on a pricing token amount.
func Fee(rate uint32, base uint64) (uint64, error) {
	return muldiv(base, uint64(rate), feeBasis)
}
