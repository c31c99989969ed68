// Package balance projects a streaming account's balance at any instant.
//
// A Snapshot is what the indexer reports at the moment an account's flows last
// changed. Between changes the balance moves linearly with the account's net
// flow rate, so the balance at time t is
//
//	BalanceAtUpdate + NetFlowRate * (t - UpdatedAt)
//
// The projection is NEVER clamped. A negative result is the protocol's
// liquidation signal and callers decide how to present it.
package balance

import (
	"errors"
	"fmt"
	"math/big"
)

// Snapshot is an immutable, indexer-reported view of an account's super token
// balance. A newer read supersedes a snapshot; snapshots are never mutated.
type Snapshot struct {
	Account string `json:"account" yaml:"account"`
	Token   string `json:"token" yaml:"token"`

	// BalanceAtUpdate is the balance in atomic units at UpdatedAt.
	BalanceAtUpdate *big.Int `json:"balance_at_update" yaml:"balance_at_update"`

	// NetFlowRate is the signed sum of all flows, in atomic units per second.
	// Negative means the account streams out more than it receives.
	NetFlowRate *big.Int `json:"net_flow_rate" yaml:"net_flow_rate"`

	// UpdatedAt is the unix timestamp (seconds) of the last flow change.
	UpdatedAt int64 `json:"updated_at" yaml:"updated_at"`
}

// ErrIncompleteSnapshot is returned by Validate when a required amount is missing.
var ErrIncompleteSnapshot = errors.New("incomplete flow snapshot")

// Validate checks that the snapshot's amounts are present.
func (s Snapshot) Validate() error {
	if s.BalanceAtUpdate == nil {
		return fmt.Errorf("%w: balance_at_update is nil", ErrIncompleteSnapshot)
	}
	if s.NetFlowRate == nil {
		return fmt.Errorf("%w: net_flow_rate is nil", ErrIncompleteSnapshot)
	}
	return nil
}

// Project returns the balance at asOf. Pure and O(1).
//
// Nil amounts are read as zero. The result is unclamped and may be negative.
// asOf is expected to be >= UpdatedAt; earlier instants are extrapolated
// backwards by the same linear rule.
func Project(s Snapshot, asOf int64) *big.Int {
	elapsed := big.NewInt(asOf - s.UpdatedAt)
	out := new(big.Int)
	if s.NetFlowRate != nil {
		out.Mul(s.NetFlowRate, elapsed)
	}
	if s.BalanceAtUpdate != nil {
		out.Add(out, s.BalanceAtUpdate)
	}
	return out
}

// Project is a method form of the package-level Project.
func (s Snapshot) Project(asOf int64) *big.Int {
	return Project(s, asOf)
}

// Depleted reports whether the projected balance at asOf is below zero.
func (s Snapshot) Depleted(asOf int64) bool {
	return Project(s, asOf).Sign() < 0
}
