package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/sqfstream/internal/balance"
	"github.com/roach88/sqfstream/internal/bigmath"
	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/eligibility"
	"github.com/roach88/sqfstream/internal/executor"
	"github.com/roach88/sqfstream/internal/liquidation"
	"github.com/roach88/sqfstream/internal/matching"
	"github.com/roach88/sqfstream/internal/plan"
	"github.com/roach88/sqfstream/internal/units"
)

// DefaultMinGasBalance is 0.002 of an 18-decimal gas token.
var DefaultMinGasBalance = big.NewInt(2_000_000_000_000_000)

// ErrNothingToDo is returned when a submission would change nothing.
var ErrNothingToDo = errors.New("no wrap and no flow change requested")

// Target identifies the stream being edited.
type Target struct {
	// Account is the contributor (flow sender).
	Account string `yaml:"account" json:"account"`

	// Token is the super token streamed.
	Token string `yaml:"token" json:"token"`

	// PoolID is the matching pool the grantee belongs to.
	PoolID string `yaml:"pool" json:"pool"`

	// Grantee is the recipient ID passed to the strategy.
	Grantee string `yaml:"grantee" json:"grantee"`

	// Receiver is the address the contributor streams to.
	Receiver string `yaml:"receiver" json:"receiver"`

	// Operator is the strategy contract that manages flows for the contributor.
	Operator string `yaml:"operator" json:"operator"`

	// NativeAsset marks a super token wrapping the gas token.
	NativeAsset bool `yaml:"native_asset" json:"native_asset"`
}

// View is chain state read for one target at one instant.
type View struct {
	Target          Target
	Snapshot        balance.Snapshot
	Pool            matching.PoolState
	Member          matching.Member
	Allowance       *big.Int
	CurrentFlowRate *big.Int
	NativeBalance   *big.Int
	Eligibility     eligibility.Decision
	ReadAt          int64

	params        matching.Params
	minGasBalance *big.Int
}

// QuoteRequest is a proposed change. The new rate comes from Amount per Interval.
type QuoteRequest struct {
	Amount     *big.Int
	Interval   units.Interval
	WrapAmount *big.Int
}

// Quote is everything shown to a contributor before they commit.
type Quote struct {
	NewFlowRate *big.Int

	// NetImpact is the change in the grantee's matching flow rate, nil when
	// the contributor is not eligible for matching.
	NetImpact            *big.Int
	NetImpactPerInterval *big.Int
	Eligible             bool
	Matching             *matching.Result

	ProjectedBalance *big.Int
	LiquidationAt    int64
	Liquidates       bool
	SuggestedWrap    *big.Int
	SuggestedBalance *big.Int

	GasSufficient bool
	Deleting      bool
}

// Options configures a Service.
type Options struct {
	Params        matching.Params
	MinGasBalance *big.Int
	Now           func() int64
	Logger        *slog.Logger
}

// Service reads chain state, quotes changes and submits plans.
type Service struct {
	reader    chain.Reader
	operator  chain.Operator
	allocator chain.Allocator
	gate      *eligibility.Gate
	builder   *plan.Builder
	exec      *executor.Executor

	params        matching.Params
	minGasBalance *big.Int
	now           func() int64
	logger        *slog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Reader    chain.Reader
	Operator  chain.Operator
	Allocator chain.Allocator
	Gate      *eligibility.Gate
	Builder   *plan.Builder
	Executor  *executor.Executor
}

// NewService creates a Service.
func NewService(deps Deps, opts Options) *Service {
	s := &Service{
		reader:        deps.Reader,
		operator:      deps.Operator,
		allocator:     deps.Allocator,
		gate:          deps.Gate,
		builder:       deps.Builder,
		exec:          deps.Executor,
		params:        opts.Params,
		minGasBalance: opts.MinGasBalance,
		now:           opts.Now,
		logger:        opts.Logger,
	}
	if s.params.Scale == nil && s.params.K == nil {
		s.params = matching.DefaultParams()
	}
	if s.minGasBalance == nil {
		s.minGasBalance = DefaultMinGasBalance
	}
	if s.now == nil {
		s.now = func() int64 { return time.Now().Unix() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.builder == nil {
		s.builder = plan.NewBuilder(nil)
	}
	if s.exec == nil {
		s.exec = executor.New(s.operator, executor.Options{Logger: s.logger})
	}
	return s
}

// Refresh reads the target's chain state concurrently.
func (s *Service) Refresh(ctx context.Context, t Target) (*View, error) {
	v := &View{Target: t, ReadAt: s.now(), params: s.params, minGasBalance: s.minGasBalance}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := s.reader.FlowSnapshot(gctx, t.Account, t.Token)
		if err != nil {
			return fmt.Errorf("flow snapshot: %w", err)
		}
		v.Snapshot = snap
		return nil
	})
	g.Go(func() error {
		pool, err := s.reader.PoolState(gctx, t.PoolID)
		if err != nil {
			return fmt.Errorf("pool state: %w", err)
		}
		v.Pool = pool
		return nil
	})
	g.Go(func() error {
		m, err := s.reader.Member(gctx, t.PoolID, t.Grantee)
		if err != nil {
			return fmt.Errorf("pool member: %w", err)
		}
		v.Member = m
		return nil
	})
	g.Go(func() error {
		if t.NativeAsset {
			v.Allowance = new(big.Int)
			return nil
		}
		a, err := s.reader.Allowance(gctx, t.Account)
		if err != nil {
			return fmt.Errorf("allowance: %w", err)
		}
		v.Allowance = a
		return nil
	})
	g.Go(func() error {
		r, err := s.reader.FlowRate(gctx, t.Account, t.Receiver)
		if err != nil {
			return fmt.Errorf("flow rate: %w", err)
		}
		v.CurrentFlowRate = r
		return nil
	})
	g.Go(func() error {
		b, err := s.reader.NativeBalance(gctx, t.Account)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		v.NativeBalance = b
		return nil
	})
	if s.gate != nil {
		g.Go(func() error {
			d, err := s.gate.Check(gctx, t.Account)
			if err != nil {
				return fmt.Errorf("eligibility: %w", err)
			}
			v.Eligibility = d
			return nil
		})
	} else {
		v.Eligibility = eligibility.Decision{Account: t.Account, Eligible: true}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.logger.Debug("view refreshed",
		"account", t.Account, "grantee", t.Grantee,
		"current_flow_rate", v.CurrentFlowRate.String(), "eligible", v.Eligibility.Eligible)
	return v, nil
}

// Quote projects req against the view.
func (v *View) Quote(req QuoteRequest) (*Quote, error) {
	interval := req.Interval
	if interval == "" {
		interval = units.Month
	}
	amount := bigmath.OrZero(req.Amount)
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %s: %w", amount, plan.ErrNegativeAmount)
	}
	newRate, err := units.FlowRate(amount, interval)
	if err != nil {
		return nil, err
	}
	wrap := bigmath.OrZero(req.WrapAmount)
	current := bigmath.OrZero(v.CurrentFlowRate)

	q := &Quote{
		NewFlowRate:      newRate,
		Eligible:         v.Eligibility.Eligible,
		ProjectedBalance: v.Snapshot.Project(v.ReadAt),
		SuggestedBalance: liquidation.SuggestedBalance(newRate),
		GasSufficient:    bigmath.OrZero(v.NativeBalance).Cmp(v.minGasBalance) >= 0,
		Deleting:         newRate.Sign() == 0 && current.Sign() > 0,
	}

	if q.Eligible {
		res, err := matching.Compute(matching.Input{
			Pool:   v.Pool,
			Member: v.Member,
			Change: matching.Change{PreviousFlowRate: current, NewFlowRate: newRate},
			Params: v.params,
		})
		if err != nil {
			return nil, fmt.Errorf("matching: %w", err)
		}
		q.Matching = &res
		q.NetImpact = res.NetImpact
		q.NetImpactPerInterval = matching.PerInterval(res.NetImpact, interval)
	}

	in := liquidation.Input{
		Snapshot:         v.Snapshot,
		WrapAmount:       wrap,
		AccountFlowRate:  v.Snapshot.NetFlowRate,
		PreviousFlowRate: current,
		NewFlowRate:      newRate,
	}
	q.LiquidationAt, q.Liquidates = liquidation.Estimate(in)
	q.SuggestedWrap = liquidation.SuggestedWrap(in, amount, v.ReadAt)
	return q, nil
}

// SubmitRequest is a change to commit.
type SubmitRequest struct {
	NewFlowRate *big.Int
	WrapAmount  *big.Int
}

// Submit refreshes the view, builds a plan for req from it and starts running it.
func (s *Service) Submit(ctx context.Context, t Target, req SubmitRequest) (*plan.Plan, <-chan executor.Progress, error) {
	p, err := s.Plan(ctx, t, req)
	if err != nil {
		return nil, nil, err
	}
	ch, err := s.exec.Run(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return p, ch, nil
}

// Plan refreshes the view and builds, but does not run, the plan for req.
func (s *Service) Plan(ctx context.Context, t Target, req SubmitRequest) (*plan.Plan, error) {
	v, err := s.Refresh(ctx, t)
	if err != nil {
		return nil, err
	}

	newRate := bigmath.OrZero(req.NewFlowRate)
	current := bigmath.OrZero(v.CurrentFlowRate)
	wrap := bigmath.OrZero(req.WrapAmount)

	trailing, err := TrailingOps(s.allocator, t, current, newRate, wrap)
	if err != nil {
		return nil, err
	}

	p, err := s.builder.Build(plan.Request{
		WrapAmount:      wrap,
		Allowance:       v.Allowance,
		CurrentFlowRate: current,
		NewFlowRate:     newRate,
		Operator:        t.Operator,
		NativeAsset:     t.NativeAsset,
		Trailing:        trailing,
	})
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	s.logger.Info("plan built", "plan_id", p.ID, "steps", len(p.Steps), "digest", p.Digest)
	return p, nil
}

// TrailingOps returns the allocator call that ends a plan: allocate when the
// new rate is positive, delete the flow when it drops to zero from a running
// stream. A request that neither wraps nor changes the flow is ErrNothingToDo.
func TrailingOps(a chain.Allocator, t Target, current, newRate, wrap *big.Int) ([]plan.TrailingOp, error) {
	switch {
	case bigmath.IsPositive(newRate):
		return []plan.TrailingOp{{
			Label: string(chain.OpAllocate),
			Op:    chain.AllocateOp(a, t.Grantee, newRate),
		}}, nil
	case bigmath.IsPositive(current):
		return []plan.TrailingOp{{
			Label: string(chain.OpDeleteFlow),
			Op:    chain.DeleteFlowOp(a, t.Receiver),
		}}, nil
	case !bigmath.IsPositive(wrap):
		return nil, ErrNothingToDo
	}
	return nil, nil
}
