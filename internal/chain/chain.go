// Package chain defines the external capabilities the funding core consumes:
// indexer reads, token and streaming-contract operations, and the reputation
// score lookup.
//
// Operations are prepared into opaque OperationHandle values and confirmed
// through Operator.Submit, which blocks until the chain settles the operation
// or rejects it. Implementations must be safe for concurrent use: reads happen
// independently of, and possibly concurrently with, plan execution.
//
// Simulator is an in-memory implementation used by the CLI, scenarios and tests.
package chain

import (
	"context"
	"math/big"

	"github.com/roach88/sqfstream/internal/balance"
	"github.com/roach88/sqfstream/internal/matching"
)

// OpKind names a family of on-chain operations.
type OpKind string

const (
	OpApprove          OpKind = "approve"
	OpWrap             OpKind = "wrap"
	OpUpdatePermission OpKind = "update_permission"
	OpAllocate         OpKind = "allocate"
	OpDeleteFlow       OpKind = "delete_flow"
)

// OperationHandle is an opaque, prepared on-chain operation.
// Only the Operator that produced a handle can submit it.
type OperationHandle interface {
	// Kind reports the operation family.
	Kind() OpKind

	// String describes the operation for logs.
	String() string
}

// Reader is the read side: indexer snapshots and contract views.
type Reader interface {
	// FlowSnapshot returns the latest flow snapshot of account for token.
	FlowSnapshot(ctx context.Context, account, token string) (balance.Snapshot, error)

	// PoolState returns the distribution pool's aggregate.
	PoolState(ctx context.Context, poolID string) (matching.PoolState, error)

	// Member returns one grantee's pool membership.
	Member(ctx context.Context, poolID, grantee string) (matching.Member, error)

	// Allowance returns the underlying-token allowance owner granted to the super token.
	Allowance(ctx context.Context, owner string) (*big.Int, error)

	// FlowRate returns the current flow from sender to receiver.
	FlowRate(ctx context.Context, sender, receiver string) (*big.Int, error)

	// NativeBalance returns the account's gas-token balance.
	NativeBalance(ctx context.Context, account string) (*big.Int, error)
}

// Operator prepares and submits write operations.
type Operator interface {
	// Approve lets the super token pull amount of the underlying token.
	Approve(ctx context.Context, amount *big.Int) (OperationHandle, error)

	// Wrap converts amount of the underlying token into the super token at 1:1.
	Wrap(ctx context.Context, amount *big.Int) (OperationHandle, error)

	// UpdatePermission authorizes operator to manage flows up to flowRate.
	UpdatePermission(ctx context.Context, operator string, flowRate *big.Int) (OperationHandle, error)

	// Submit sends the operation and blocks until it is confirmed.
	// A revert, signer rejection or timeout returns a *ChainError.
	Submit(ctx context.Context, h OperationHandle) error
}

// Allocator prepares the funding strategy's flow-changing calls.
type Allocator interface {
	// Allocate asks the strategy to stream flowRate from the caller to recipient.
	Allocate(ctx context.Context, recipient string, flowRate *big.Int) (OperationHandle, error)

	// DeleteFlow closes the caller's flow to receiver.
	DeleteFlow(ctx context.Context, receiver string) (OperationHandle, error)
}

// ScoreSource looks up an account's reputation score.
type ScoreSource interface {
	Score(ctx context.Context, account string) (int64, error)
}

// Operation prepares a caller-supplied trailing operation.
// It is invoked only when its step starts, never ahead of time.
type Operation func(ctx context.Context) (OperationHandle, error)

// AllocateOp returns an Operation that allocates flowRate to recipient.
func AllocateOp(a Allocator, recipient string, flowRate *big.Int) Operation {
	rate := new(big.Int).Set(flowRate)
	return func(ctx context.Context) (OperationHandle, error) {
		return a.Allocate(ctx, recipient, rate)
	}
}

// DeleteFlowOp returns an Operation that closes the flow to receiver.
func DeleteFlowOp(a Allocator, receiver string) Operation {
	return func(ctx context.Context) (OperationHandle, error) {
		return a.DeleteFlow(ctx, receiver)
	}
}
