package planner

import (
	"math/bits"

	"github.com/xyproto/veriload/elfconst"
)

// addU64OrZero adds two u64 values, saturating to 0 on overflow rather
// than wrapping. Every cross-stage address computation in this pipeline
// uses this instead of raw `+`.
func addU64OrZero(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0
	}
	return sum
}

// addI64OrZero adds a signed addend to a u64 base, saturating to 0 if
// the mathematical (unbounded) result would fall outside [0, 2^64).
// Go has no native i128 to widen into, so a sign-aware carry check
// detects the same condition.
func addI64OrZero(base uint64, addend int64) uint64 {
	if addend >= 0 {
		return addU64OrZero(base, uint64(addend))
	}
	neg := uint64(-addend)
	if neg > base {
		return 0
	}
	return base - neg
}

// bitsAdd64NoCarry adds a and b, reporting ok=false instead of wrapping
// if the addition overflows u64.
func bitsAdd64NoCarry(a, b uint64) (sum uint64, ok bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// pageFloor rounds down to the nearest elfconst.PageSize boundary.
func pageFloor(x uint64) uint64 {
	return x &^ (elfconst.PageSize - 1)
}

// pageCeilChecked rounds up to the nearest elfconst.PageSize boundary,
// returning ok=false if doing so would overflow u64.
func pageCeilChecked(x uint64) (uint64, bool) {
	if x%elfconst.PageSize == 0 {
		return x, true
	}
	rounded, carry := bits.Add64(x, elfconst.PageSize-(x%elfconst.PageSize), 0)
	if carry != 0 {
		return 0, false
	}
	return rounded, true
}

// dynBaseForPos computes the deterministic ET_DYN base for an object at
// ordered position pos: DynBaseStart + pos*DynBaseStride, saturating to
// 0 if either the multiplication or the addition would overflow u64.
// The widening multiply (math/bits.Mul64) plus a carry-checked add is
// exact: a nonzero high word is precisely the overflow condition.
func dynBaseForPos(pos int) uint64 {
	if pos < 0 {
		return 0
	}
	p := uint64(pos)
	hi, lo := bits.Mul64(p, elfconst.DynBaseStride)
	if hi != 0 {
		return 0
	}
	sum, carry := bits.Add64(elfconst.DynBaseStart, lo, 0)
	if carry != 0 {
		return 0
	}
	return sum
}
