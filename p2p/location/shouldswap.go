package location

import "math"

// ShouldSwap decides whether two nodes exchange locations. It compares
// the product of each node's distances to its friends before (A) and
// after (B) the exchange: a swap that shortens links (A > B) always
// happens, otherwise it happens with probability A/B. shared is the XOR
// of both nodes' random values, so both sides reach the same answer.
func ShouldSwap(myLoc float64, myFriends []float64, hisLoc float64, hisFriends []float64, shared int64) bool {
	// probably swapping with ourselves
	if math.Abs(hisLoc-myLoc) <= math.SmallestNonzeroFloat64*2 {
		return false
	}

	a := 1.0
	for _, f := range myFriends {
		if math.Abs(f-myLoc) <= math.SmallestNonzeroFloat64 {
			continue
		}
		a *= Distance(f, myLoc)
	}
	for _, f := range hisFriends {
		if math.Abs(f-hisLoc) <= math.SmallestNonzeroFloat64 {
			continue
		}
		a *= Distance(f, hisLoc)
	}

	b := 1.0
	for _, f := range myFriends {
		if math.Abs(f-hisLoc) <= math.SmallestNonzeroFloat64 {
			continue
		}
		b *= Distance(f, hisLoc)
	}
	for _, f := range hisFriends {
		if math.Abs(f-myLoc) <= math.SmallestNonzeroFloat64 {
			continue
		}
		b *= Distance(f, myLoc)
	}

	if a > b {
		return true
	}
	p := a / b
	randProb := float64(shared&math.MaxInt64) / float64(math.MaxInt64)
	return randProb < p
}
