// Package matching computes the quadratic-funding effect of a proposed change
// in a contributor's flow rate toward one grantee.
//
// The matching pool distributes its total flow pro rata to member units. A
// grantee's units are (sum of square roots of its contributors' scaled flow
// rates) squared, so replacing one contributor's rate means removing the old
// root and adding the new one before squaring again:
//
//	newUnits  = (sqrt(units*K) - sqrt(prev/SCALE) + sqrt(new/SCALE))^2 / K
//	poolUnits = totalUnits + (newUnits - units)
//	newRate   = newUnits * totalFlowRate / poolUnits
//	netImpact = newRate - member.FlowRate
//
// Everything is exact integer arithmetic. Compute is a pure function over an
// explicit Input value; it holds no state and is safe for concurrent use.
// Results must be recomputed from the latest pool read, never cached.
package matching

import (
	"fmt"
	"math/big"

	"github.com/roach88/sqfstream/internal/bigmath"
)

// Protocol constants of the deployed matching contract.
const (
	// DefaultScale divides raw flow rates before taking their square root.
	DefaultScale int64 = 1_000_000

	// DefaultK scales member units before taking their square root.
	DefaultK int64 = 100_000
)

// PoolState is the distribution pool's aggregate at rest.
type PoolState struct {
	TotalUnits    *big.Int `json:"total_units" yaml:"total_units"`
	TotalFlowRate *big.Int `json:"total_flow_rate" yaml:"total_flow_rate"`
}

// Member is one grantee's position in the pool.
type Member struct {
	Units    *big.Int `json:"units" yaml:"units"`
	FlowRate *big.Int `json:"flow_rate" yaml:"flow_rate"`
}

// Change is a contributor's proposed rate change toward the grantee.
type Change struct {
	PreviousFlowRate *big.Int `json:"previous_flow_rate" yaml:"previous_flow_rate"`
	NewFlowRate      *big.Int `json:"new_flow_rate" yaml:"new_flow_rate"`
}

// Params holds the two scaling constants. They must match the deployed contract.
type Params struct {
	Scale *big.Int
	K     *big.Int
}

// DefaultParams returns the protocol constants SCALE=1e6 and K=1e5.
func DefaultParams() Params {
	return Params{
		Scale: big.NewInt(DefaultScale),
		K:     big.NewInt(DefaultK),
	}
}

// Validate rejects non-positive constants.
func (p Params) Validate() error {
	if !bigmath.IsPositive(p.Scale) {
		return bigmath.NewDomainError(bigmath.ErrCodeDivisionByZero, "matching.params", "scale must be positive")
	}
	if !bigmath.IsPositive(p.K) {
		return bigmath.NewDomainError(bigmath.ErrCodeDivisionByZero, "matching.params", "k must be positive")
	}
	return nil
}

// Input is the complete, immutable input of one matching computation.
type Input struct {
	Pool   PoolState
	Member Member
	Change Change
	Params Params
}

// Result carries the net impact together with every intermediate value, so
// callers (and auditors) can check each step of the formula.
type Result struct {
	ScaledPrevious     *big.Int
	ScaledNew          *big.Int
	NewGranteeUnits    *big.Int
	UnitsDelta         *big.Int
	NewPoolUnits       *big.Int
	NewGranteeFlowRate *big.Int
	NetImpact          *big.Int

	// ShortCircuit is true when the change was a no-op and the formula was skipped.
	ShortCircuit bool
}

// Compute evaluates the matching formula for in.
//
// A change whose previous and new rates are equal (including 0 -> 0) is a
// no-op and yields NetImpact = 0 without evaluating the formula. Evaluating
// it anyway would report a spurious impact from the floor of sqrt(units*K).
//
// A resulting pool with zero units, a negative scaled rate or negative member
// units are caller bugs and return a *bigmath.DomainError.
func Compute(in Input) (Result, error) {
	params := in.Params
	if params.Scale == nil && params.K == nil {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	prev := bigmath.OrZero(in.Change.PreviousFlowRate)
	next := bigmath.OrZero(in.Change.NewFlowRate)
	if prev.Cmp(next) == 0 {
		return Result{
			ScaledPrevious:     new(big.Int).Quo(prev, params.Scale),
			ScaledNew:          new(big.Int).Quo(next, params.Scale),
			NewGranteeUnits:    bigmath.Clone(bigmath.OrZero(in.Member.Units)),
			UnitsDelta:         new(big.Int),
			NewPoolUnits:       bigmath.Clone(bigmath.OrZero(in.Pool.TotalUnits)),
			NewGranteeFlowRate: bigmath.Clone(bigmath.OrZero(in.Member.FlowRate)),
			NetImpact:          new(big.Int),
			ShortCircuit:       true,
		}, nil
	}

	units := bigmath.OrZero(in.Member.Units)
	totalUnits := bigmath.OrZero(in.Pool.TotalUnits)
	totalFlowRate := bigmath.OrZero(in.Pool.TotalFlowRate)
	memberRate := bigmath.OrZero(in.Member.FlowRate)

	res := Result{
		ScaledPrevious: new(big.Int).Quo(prev, params.Scale),
		ScaledNew:      new(big.Int).Quo(next, params.Scale),
	}

	rootUnits, err := bigmath.Sqrt(new(big.Int).Mul(units, params.K))
	if err != nil {
		return Result{}, fmt.Errorf("member units: %w", err)
	}
	rootPrev, err := bigmath.Sqrt(res.ScaledPrevious)
	if err != nil {
		return Result{}, fmt.Errorf("previous flow rate: %w", err)
	}
	rootNew, err := bigmath.Sqrt(res.ScaledNew)
	if err != nil {
		return Result{}, fmt.Errorf("new flow rate: %w", err)
	}

	sum := new(big.Int).Sub(rootUnits, rootPrev)
	sum.Add(sum, rootNew)
	res.NewGranteeUnits = new(big.Int).Quo(sum.Mul(sum, sum), params.K)

	res.UnitsDelta = new(big.Int).Sub(res.NewGranteeUnits, units)
	res.NewPoolUnits = new(big.Int).Add(totalUnits, res.UnitsDelta)

	if res.NewPoolUnits.Sign() == 0 {
		return Result{}, bigmath.NewDomainError(bigmath.ErrCodeDivisionByZero, "matching.pool_units",
			"proposed change leaves the pool with zero units")
	}

	res.NewGranteeFlowRate, err = bigmath.MulQuo(res.NewGranteeUnits, totalFlowRate, res.NewPoolUnits)
	if err != nil {
		return Result{}, err
	}
	res.NetImpact = new(big.Int).Sub(res.NewGranteeFlowRate, memberRate)

	return res, nil
}

// ComputeNetImpact evaluates the formula with the default protocol constants
// and returns only the net impact on the grantee's matching flow rate.
func ComputeNetImpact(pool PoolState, member Member, change Change) (*big.Int, error) {
	res, err := Compute(Input{Pool: pool, Member: member, Change: change, Params: DefaultParams()})
	if err != nil {
		return nil, err
	}
	return res.NetImpact, nil
}
