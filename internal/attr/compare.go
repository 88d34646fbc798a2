package attr

import "math"

// Equal reports whether two values match under the given numeric tolerance.
//
// Scalars compare by identity, numbers by |a-b| <= tolerance (inclusive).
// Sequences compare element-wise over the shorter length; extra trailing
// elements on either side are ignored. Mappings compare one-directionally:
// every key of a must exist in b and match, keys only present in b are
// ignored. Mismatched shapes, including either side being absent, compare
// as false. The tolerance applies recursively to nested numbers.
func Equal(a, b Value, tolerance float64) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindString:
		return a.str == b.str
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return math.Abs(a.num-b.num) <= tolerance
	case KindSequence:
		n := len(a.seq)
		if len(b.seq) < n {
			n = len(b.seq)
		}
		for i := 0; i < n; i++ {
			if !Equal(a.seq[i], b.seq[i], tolerance) {
				return false
			}
		}
		return true
	case KindMapping:
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv, tolerance) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EqualColor compares two color attribute values. Both absent counts as a
// match, exactly one absent does not. Present values must be sequences of
// numbers; components compare pairwise over the shorter length. For xy
// colors the component deltas are scaled by 100 before the tolerance check,
// so a tolerance calibrated for 8-bit channels also covers the unit square.
func EqualColor(a, b Value, tolerance float64, xy bool) bool {
	if !a.Present() && !b.Present() {
		return true
	}
	if !a.Present() || !b.Present() {
		return false
	}
	if a.kind != KindSequence || b.kind != KindSequence {
		return false
	}
	factor := 1.0
	if xy {
		factor = 100.0
	}
	n := len(a.seq)
	if len(b.seq) < n {
		n = len(b.seq)
	}
	for i := 0; i < n; i++ {
		ca, cb := a.seq[i], b.seq[i]
		if ca.kind != KindNumber || cb.kind != KindNumber {
			return false
		}
		if math.Abs(ca.num-cb.num)*factor > tolerance {
			return false
		}
	}
	return true
}
