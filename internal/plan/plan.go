// Package plan turns a requested rate change into the ordered list of
// on-chain operations that authorizes and performs it.
//
// A Plan is immutable once built and derived purely from a Request. Steps are
// described, not prepared: each step's operation handle is built only when the
// executor reaches it, so a plan never carries state from a previous attempt.
package plan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/roach88/sqfstream/internal/bigmath"
	"github.com/roach88/sqfstream/internal/canon"
	"github.com/roach88/sqfstream/internal/chain"
)

// DigestDomain separates plan digests from any other canonical hash.
const DigestDomain = "sqfstream/plan/v1"

// Kind identifies a step.
type Kind string

const (
	// KindApprove grants the super token an allowance on the underlying token.
	KindApprove Kind = "approve"
	// KindWrap converts underlying tokens into super tokens.
	KindWrap Kind = "wrap"
	// KindUpdatePermission lets the operator raise the account's flow rate.
	KindUpdatePermission Kind = "update_permission"
	// KindTrailing is a caller-supplied operation such as allocate or delete_flow.
	KindTrailing Kind = "trailing"
)

var (
	// ErrNegativeAmount is returned for a negative wrap amount or flow rate.
	ErrNegativeAmount = errors.New("negative amount")

	// ErrMissingOperator is returned when a permission update has no operator.
	ErrMissingOperator = errors.New("flow operator required to raise the flow rate")

	// ErrMissingOperation is returned for a trailing step without an operation.
	ErrMissingOperation = errors.New("trailing step has no operation")
)

// TrailingOp is a caller-supplied operation appended after the authorization steps.
type TrailingOp struct {
	Label string
	Op    chain.Operation
}

// Request is everything Build needs, all read fresh from chain state.
type Request struct {
	// WrapAmount of underlying token to convert into the super token.
	WrapAmount *big.Int

	// Allowance the owner has already granted to the super token.
	Allowance *big.Int

	// CurrentFlowRate and NewFlowRate bracket the proposed change.
	CurrentFlowRate *big.Int
	NewFlowRate     *big.Int

	// Operator is the contract that will stream on the sender's behalf.
	Operator string

	// NativeAsset marks a super token that wraps the gas token directly.
	// Such tokens have no allowance and are funded without a flow permission.
	NativeAsset bool

	Trailing []TrailingOp
}

// Step is one operation of a plan.
type Step struct {
	Kind Kind

	// Amount is set for approve and wrap.
	Amount *big.Int

	// Operator and FlowRate are set for update_permission.
	Operator string
	FlowRate *big.Int

	// Label and Op are set for trailing steps.
	Label string
	Op    chain.Operation
}

// Prepare builds the step's operation handle.
func (s Step) Prepare(ctx context.Context, op chain.Operator) (chain.OperationHandle, error) {
	switch s.Kind {
	case KindApprove:
		return op.Approve(ctx, s.Amount)
	case KindWrap:
		return op.Wrap(ctx, s.Amount)
	case KindUpdatePermission:
		return op.UpdatePermission(ctx, s.Operator, s.FlowRate)
	case KindTrailing:
		if s.Op == nil {
			return nil, ErrMissingOperation
		}
		return s.Op(ctx)
	default:
		return nil, fmt.Errorf("unknown step kind %q", s.Kind)
	}
}

// Name is the step label used in logs, metrics and the journal.
func (s Step) Name() string {
	if s.Kind == KindTrailing && s.Label != "" {
		return s.Label
	}
	return string(s.Kind)
}

func (s Step) canonical() map[string]any {
	m := map[string]any{"kind": string(s.Kind)}
	switch s.Kind {
	case KindApprove, KindWrap:
		m["amount"] = s.Amount
	case KindUpdatePermission:
		m["operator"] = s.Operator
		m["flow_rate"] = s.FlowRate
	case KindTrailing:
		m["label"] = s.Label
	}
	return m
}

// Plan is an ordered, immutable list of steps.
type Plan struct {
	ID     string
	Steps  []Step
	Digest string

	claimed atomic.Bool
}

// Kinds returns the step kinds in order.
func (p *Plan) Kinds() []Kind {
	kinds := make([]Kind, len(p.Steps))
	for i, s := range p.Steps {
		kinds[i] = s.Kind
	}
	return kinds
}

// Claim marks the plan as run. It returns false if the plan was already claimed:
// a plan runs at most once.
func (p *Plan) Claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

// Claimed reports whether the plan has been run.
func (p *Plan) Claimed() bool {
	return p.claimed.Load()
}

// IDGenerator produces plan identifiers.
type IDGenerator interface {
	Generate() string
}

// Builder builds plans stamped with generated IDs.
type Builder struct {
	ids IDGenerator
}

// NewBuilder creates a Builder. A nil generator defaults to UUIDv7Generator.
func NewBuilder(ids IDGenerator) *Builder {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	return &Builder{ids: ids}
}

var defaultBuilder = NewBuilder(nil)

// Build derives a plan from req using UUIDv7 plan IDs.
func Build(req Request) (*Plan, error) {
	return defaultBuilder.Build(req)
}

// Build derives a plan from req. Steps appear in this order, each only when
// its condition holds:
//
//  1. approve(wrapAmount)                    wrapAmount > 0 and allowance < wrapAmount
//  2. wrap(wrapAmount)                       wrapAmount > 0
//  3. update_permission(operator, newRate)   newRate > currentRate
//  4. trailing operations, in the order supplied
//
// Native-asset requests never approve and never update the permission.
func (b *Builder) Build(req Request) (*Plan, error) {
	wrap := bigmath.OrZero(req.WrapAmount)
	allowance := bigmath.OrZero(req.Allowance)
	current := bigmath.OrZero(req.CurrentFlowRate)
	next := bigmath.OrZero(req.NewFlowRate)

	inputs := []struct {
		name string
		v    *big.Int
	}{
		{"wrap amount", wrap},
		{"allowance", allowance},
		{"current flow rate", current},
		{"new flow rate", next},
	}
	for _, in := range inputs {
		if in.v.Sign() < 0 {
			return nil, fmt.Errorf("%s %s: %w", in.name, in.v, ErrNegativeAmount)
		}
	}

	var steps []Step
	if wrap.Sign() > 0 {
		if !req.NativeAsset && allowance.Cmp(wrap) < 0 {
			steps = append(steps, Step{Kind: KindApprove, Amount: bigmath.Clone(wrap)})
		}
		steps = append(steps, Step{Kind: KindWrap, Amount: bigmath.Clone(wrap)})
	}
	if !req.NativeAsset && next.Cmp(current) > 0 {
		if req.Operator == "" {
			return nil, ErrMissingOperator
		}
		steps = append(steps, Step{Kind: KindUpdatePermission, Operator: req.Operator, FlowRate: bigmath.Clone(next)})
	}
	for i, t := range req.Trailing {
		if t.Op == nil {
			return nil, fmt.Errorf("trailing[%d] %q: %w", i, t.Label, ErrMissingOperation)
		}
		steps = append(steps, Step{Kind: KindTrailing, Label: t.Label, Op: t.Op})
	}

	digest, err := Digest(steps)
	if err != nil {
		return nil, err
	}
	return &Plan{ID: b.ids.Generate(), Steps: steps, Digest: digest}, nil
}

// Digest hashes the step list. Two plans with the same steps share a digest
// regardless of their IDs; trailing operations contribute only their labels.
func Digest(steps []Step) (string, error) {
	list := make([]any, len(steps))
	for i, s := range steps {
		list[i] = s.canonical()
	}
	return canon.Digest(DigestDomain, list)
}
