package matching

import (
	"math/big"

	"github.com/roach88/sqfstream/internal/units"
)

// PerInterval expresses a per-second net impact over one interval, the way it
// is shown to contributors ("+3.2 DAI/month of matching").
func PerInterval(netImpact *big.Int, interval units.Interval) *big.Int {
	return units.PerInterval(netImpact, interval)
}

// Eligible reports whether a reputation score meets the matching threshold.
// Contributors below the threshold still stream, but attract no matching.
func Eligible(score, minimum int64) bool {
	return score >= minimum
}
