// Package liquidation projects when a sender's streamable balance runs out.
//
// The estimate is a pure, on-demand projection. It is recomputed by the
// caller whenever one of its inputs changes; nothing here runs in the
// background or remembers a previous answer.
package liquidation

import (
	"math/big"

	"github.com/roach88/sqfstream/internal/balance"
	"github.com/roach88/sqfstream/internal/units"
)

// BufferIntervals is how many intervals of runway the suggestions aim for.
const BufferIntervals = 3

// Input describes the account's position after a proposed rate change.
type Input struct {
	// Snapshot is the latest flow snapshot of the sender for the super token.
	Snapshot balance.Snapshot

	// WrapAmount is about to be added to the streamable balance (may be nil).
	WrapAmount *big.Int

	// AccountFlowRate is the sender's aggregate net flow rate (negative when streaming out).
	AccountFlowRate *big.Int

	// PreviousFlowRate is the flow currently sent to the receiver being edited.
	PreviousFlowRate *big.Int

	// NewFlowRate is the proposed flow to that receiver.
	NewFlowRate *big.Int
}

// EffectiveOutflow returns -accountFlowRate - previous + new: the net rate
// at which the balance drains once the change is applied.
func EffectiveOutflow(in Input) *big.Int {
	out := new(big.Int)
	if in.AccountFlowRate != nil {
		out.Neg(in.AccountFlowRate)
	}
	if in.PreviousFlowRate != nil {
		out.Sub(out, in.PreviousFlowRate)
	}
	if in.NewFlowRate != nil {
		out.Add(out, in.NewFlowRate)
	}
	return out
}

// Estimate returns the unix timestamp at which the balance reaches zero.
//
// ok is false when the effective outflow is <= 0: the balance never depletes
// and there is no estimate (never a date). Otherwise
//
//	at = Snapshot.UpdatedAt + floor((BalanceAtUpdate + WrapAmount) / outflow)
//
// An already-negative balance yields a timestamp before UpdatedAt.
func Estimate(in Input) (at int64, ok bool) {
	outflow := EffectiveOutflow(in)
	if outflow.Sign() <= 0 {
		return 0, false
	}

	funds := new(big.Int)
	if in.Snapshot.BalanceAtUpdate != nil {
		funds.Set(in.Snapshot.BalanceAtUpdate)
	}
	if in.WrapAmount != nil {
		funds.Add(funds, in.WrapAmount)
	}

	// Div is Euclidean; with a positive divisor that is floor division.
	secs := new(big.Int).Div(funds, outflow)
	if !secs.IsInt64() {
		if secs.Sign() > 0 {
			return maxTimestamp, true
		}
		return minTimestamp, true
	}
	return saturatingAdd(in.Snapshot.UpdatedAt, secs.Int64()), true
}

const (
	maxTimestamp = int64(^uint64(0) >> 1)
	minTimestamp = -maxTimestamp - 1
)

func saturatingAdd(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return maxTimestamp
	}
	if b < 0 && s > a {
		return minTimestamp
	}
	return s
}

// SuggestedWrap returns how much to wrap alongside the change.
//
// When a per-interval amount is being streamed and the estimate falls within
// BufferIntervals months of now, wrapping BufferIntervals intervals' worth is
// suggested. Otherwise the suggestion is zero.
func SuggestedWrap(in Input, amountPerInterval *big.Int, now int64) *big.Int {
	if amountPerInterval == nil || amountPerInterval.Sign() <= 0 {
		return new(big.Int)
	}
	at, ok := Estimate(in)
	if !ok || at >= now+BufferIntervals*units.SecondsPerMonth {
		return new(big.Int)
	}
	return new(big.Int).Mul(amountPerInterval, big.NewInt(BufferIntervals))
}

// SuggestedBalance is BufferIntervals months of the new flow rate.
func SuggestedBalance(newFlowRate *big.Int) *big.Int {
	if newFlowRate == nil || newFlowRate.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(newFlowRate, big.NewInt(BufferIntervals*units.SecondsPerMonth))
}
