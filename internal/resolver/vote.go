package resolver

// WeightedShares computes each side's normalized share of a two-party
// disagreement vote. leadWeight is the lead's configured weight for this
// question type; the owner carries the complement. A ballot's confidence
// scales its side's weight, so a hesitant authority concedes share to a
// certain one. Zero confidence is treated as full confidence.
func WeightedShares(leadWeight float64, lead, owner Ballot) (leadShare, ownerShare float64) {
	lc, oc := lead.Confidence, owner.Confidence
	if lc <= 0 || lc > 1 {
		lc = 1
	}
	if oc <= 0 || oc > 1 {
		oc = 1
	}
	ls := leadWeight * lc
	os := (1 - leadWeight) * oc
	total := ls + os
	if total == 0 {
		return 0.5, 0.5
	}
	return ls / total, os / total
}
