package exchange

import "github.com/holiman/uint256"

var hundred = uint256.NewInt(100)

// fee computes floor(amount * feePercent / 100), truncating toward zero.
// The 512-bit intermediate cannot overflow for feePercent <= 100, which Open
// enforces, so the quotient always fits. The fee is denominated in the wanted
// asset of the order being filled and is paid by the filler: the maker pays
// nothing, the taker pays the spread.
func fee(amount *uint256.Int, feePercent uint64) *uint256.Int {
	f := new(uint256.Int)
	f.MulDivOverflow(amount, uint256.NewInt(feePercent), hundred)
	return f
}
