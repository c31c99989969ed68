package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/eligibility"
	"github.com/roach88/sqfstream/internal/executor"
	"github.com/roach88/sqfstream/internal/funding"
	"github.com/roach88/sqfstream/internal/journal"
	"github.com/roach88/sqfstream/internal/matching"
	"github.com/roach88/sqfstream/internal/plan"
	"github.com/roach88/sqfstream/internal/units"
)

// Event is one trace entry. Values are limited to what canon.Marshal encodes.
type Event map[string]any

// Result is the outcome of running a scenario.
type Result struct {
	Name string

	// Pass is true when every expectation held.
	Pass bool

	Trace  []Event
	Errors []string

	// Plans is the session journal at the end of the run.
	Plans []journal.PlanRecord
}

func (r *Result) add(ev Event) {
	r.Trace = append(r.Trace, ev)
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Options configures a run.
type Options struct {
	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// JournalPath defaults to an in-memory journal.
	JournalPath string

	// PlanPrefix prefixes sequential plan IDs. Defaults to "plan". Runs
	// sharing a journal file need distinct prefixes.
	PlanPrefix string

	Metrics *executor.Metrics

	// StepTimeout bounds each plan step. Zero means no bound.
	StepTimeout time.Duration

	// Params and MinGasBalance default to the protocol constants.
	Params        matching.Params
	MinGasBalance *big.Int
}

type runner struct {
	sc     *Scenario
	clock  *atomic.Int64
	sim    *chain.Simulator
	svc    *funding.Service
	exec   *executor.Executor
	jrnl   *journal.Journal
	logger *slog.Logger
	prefix string
	res    *Result
}

// Run executes sc in a fresh simulator and journal.
//
// The returned error covers setup problems (bad amounts, unopenable
// journal). Unmet expectations are reported in Result.Errors instead.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	prefix := opts.PlanPrefix
	if prefix == "" {
		prefix = "plan"
	}

	clock := &atomic.Int64{}
	clock.Store(sc.Now)

	simCfg, err := sc.simulatorConfig(clock.Load)
	if err != nil {
		return nil, err
	}
	sim := chain.NewSimulator(simCfg)

	j, err := journal.Open(opts.JournalPath, logger)
	if err != nil {
		return nil, err
	}
	defer j.Close()

	exec := executor.New(sim, executor.Options{
		StepTimeout: opts.StepTimeout,
		Logger:      logger,
		Metrics:     opts.Metrics,
		Observers:   []executor.Observer{j},
	})
	svc := funding.NewService(funding.Deps{
		Reader:    sim,
		Operator:  sim,
		Allocator: sim,
		Gate:      eligibility.NewGate(sim, sc.MinScore, 0, logger),
		Builder:   plan.NewBuilder(plan.NewSequenceGenerator(prefix)),
		Executor:  exec,
	}, funding.Options{
		Params:        opts.Params,
		MinGasBalance: opts.MinGasBalance,
		Now:           clock.Load,
		Logger:        logger,
	})

	r := &runner{
		sc:     sc,
		clock:  clock,
		sim:    sim,
		svc:    svc,
		exec:   exec,
		jrnl:   j,
		logger: logger.With("scenario", sc.Name),
		prefix: prefix,
		res:    &Result{Name: sc.Name, Pass: true},
	}

	for i, step := range sc.Steps {
		if err := r.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := r.recordJournal(ctx); err != nil {
		return nil, err
	}
	return r.res, nil
}

func (r *runner) step(ctx context.Context, i int, step Step) error {
	switch {
	case step.Quote != nil:
		return r.quote(ctx, i, step.Quote, step.Expect)
	case step.Submit != nil:
		return r.submit(ctx, i, step.Submit, step.Expect)
	case step.Fail != nil:
		r.sim.FailNext(step.Fail.Op, scriptedError(step.Fail))
		r.res.add(Event{"type": "fail", "step": i, "op": string(step.Fail.Op), "kind": string(step.Fail.Kind)})
	case step.Advance > 0:
		now := r.clock.Add(step.Advance)
		r.res.add(Event{"type": "advance", "step": i, "now": now})
	case step.Score != nil:
		r.sim.SetScore(step.Score.Account, step.Score.Value)
		r.res.add(Event{"type": "score", "step": i, "account": step.Score.Account, "value": step.Score.Value})
	}
	return nil
}

func scriptedError(f *Fail) error {
	switch f.Kind {
	case chain.KindReverted:
		return chain.Reverted(f.Op, f.Message)
	case chain.KindTimeout:
		return chain.TimedOut(f.Op, errors.New(f.Message))
	default:
		return chain.Rejected(f.Op, f.Message)
	}
}

func (r *runner) quote(ctx context.Context, i int, c *Change, want *Expect) error {
	amount, wrap, err := r.sc.amounts(c)
	if err != nil {
		return err
	}
	v, err := r.svc.Refresh(ctx, r.sc.Target)
	if err != nil {
		return err
	}
	q, err := v.Quote(funding.QuoteRequest{Amount: amount, Interval: c.Interval, WrapAmount: wrap})
	if err != nil {
		r.res.add(Event{"type": "error", "step": i, "error": err.Error()})
		r.expectError(i, want, err)
		return nil
	}

	ev := Event{
		"type":              "quote",
		"step":              i,
		"new_flow_rate":     q.NewFlowRate,
		"eligible":          q.Eligible,
		"projected_balance": q.ProjectedBalance,
		"liquidates":        q.Liquidates,
		"suggested_wrap":    q.SuggestedWrap,
		"suggested_balance": q.SuggestedBalance,
		"gas_sufficient":    q.GasSufficient,
		"deleting":          q.Deleting,
	}
	if q.NetImpact != nil {
		ev["net_impact"] = q.NetImpact
	}
	if q.Liquidates {
		ev["liquidation_at"] = q.LiquidationAt
	}
	r.res.add(ev)
	r.logger.Debug("quoted", "step", i, "new_flow_rate", q.NewFlowRate.String(), "eligible", q.Eligible)

	if want == nil {
		return nil
	}
	checkBool(r.res, i, "eligible", want.Eligible, q.Eligible)
	checkBool(r.res, i, "liquidates", want.Liquidates, q.Liquidates)
	checkBool(r.res, i, "deleting", want.Deleting, q.Deleting)
	if want.Error != "" {
		r.res.fail("steps[%d]: expected error %q, quote succeeded", i, want.Error)
	}
	return nil
}

func (r *runner) submit(ctx context.Context, i int, c *Change, want *Expect) error {
	amount, wrap, err := r.sc.amounts(c)
	if err != nil {
		return err
	}
	interval := c.Interval
	if interval == "" {
		interval = units.Month
	}
	rate, err := units.FlowRate(amount, interval)
	if err != nil {
		return err
	}

	p, err := r.svc.Plan(ctx, r.sc.Target, funding.SubmitRequest{NewFlowRate: rate, WrapAmount: wrap})
	if err != nil {
		r.res.add(Event{"type": "error", "step": i, "error": err.Error()})
		r.expectError(i, want, err)
		return nil
	}
	if err := r.jrnl.Register(ctx, p); err != nil {
		return err
	}

	names := make([]string, len(p.Steps))
	for k, s := range p.Steps {
		names[k] = s.Name()
	}
	r.res.add(Event{"type": "plan", "step": i, "plan_id": p.ID, "steps": names})

	ch, err := r.exec.Run(ctx, p)
	if err != nil {
		return err
	}
	state, _ := executor.Transition(executor.Initial(len(p.Steps)), executor.EventStart, nil)
	for prog := range ch {
		ev := Event{
			"type":       "progress",
			"plan_id":    prog.PlanID,
			"step_index": prog.StepIndex,
			"name":       prog.Label,
			"status":     string(prog.Status),
		}
		if prog.Err != nil {
			ev["error"] = prog.Err.Error()
			if kind := chain.KindOf(prog.Err); kind != "" {
				ev["error_kind"] = string(kind)
			}
		}
		r.res.add(ev)
		state = prog.State
	}
	r.res.add(Event{"type": "result", "step": i, "plan_id": p.ID, "state": state.String()})

	if want == nil {
		return nil
	}
	if want.Status != "" && want.Status != string(state.Status) {
		r.res.fail("steps[%d]: expected status %s, got %s", i, want.Status, state)
	}
	if want.FailedStep != nil && (state.Status != executor.StatusFailed || state.Step != *want.FailedStep) {
		r.res.fail("steps[%d]: expected failure at step %d, got %s", i, *want.FailedStep, state)
	}
	if want.ErrorKind != "" && string(chain.KindOf(state.Reason)) != want.ErrorKind {
		r.res.fail("steps[%d]: expected error kind %s, got %q", i, want.ErrorKind, chain.KindOf(state.Reason))
	}
	if want.Steps != nil && !slices.Equal(want.Steps, names) {
		r.res.fail("steps[%d]: expected plan %v, got %v", i, want.Steps, names)
	}
	if want.Error != "" {
		r.res.fail("steps[%d]: expected error %q, plan was built", i, want.Error)
	}
	return nil
}

func (r *runner) expectError(i int, want *Expect, err error) {
	if want == nil || want.Error == "" {
		r.res.fail("steps[%d]: unexpected error: %v", i, err)
		return
	}
	if want.Error != err.Error() {
		r.res.fail("steps[%d]: expected error %q, got %q", i, want.Error, err.Error())
	}
}

func checkBool(res *Result, i int, name string, want *bool, got bool) {
	if want != nil && *want != got {
		res.fail("steps[%d]: expected %s=%t, got %t", i, name, *want, got)
	}
}

func (r *runner) recordJournal(ctx context.Context) error {
	plans, err := r.jrnl.Plans(ctx)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if !strings.HasPrefix(p.ID, r.prefix+"-") {
			continue
		}
		r.res.Plans = append(r.res.Plans, p)
		steps, err := r.jrnl.Steps(ctx, p.ID)
		if err != nil {
			return err
		}
		ev := Event{"type": "journal", "plan_id": p.ID, "status": p.Status, "rows": len(steps)}
		if p.FailedStep != nil {
			ev["failed_step"] = *p.FailedStep
		}
		r.res.add(ev)
	}
	return nil
}

// amounts parses a change's per-interval amount and wrap in atomic units.
func (s *Scenario) amounts(c *Change) (amount, wrap *big.Int, err error) {
	amount, err = units.ParseAmount(c.Amount, s.Decimals)
	if err != nil {
		return nil, nil, err
	}
	if amount.Sign() < 0 {
		return nil, nil, fmt.Errorf("amount %s: %w", c.Amount, plan.ErrNegativeAmount)
	}
	wrap, err = units.ParseAmount(c.Wrap, s.Decimals)
	if err != nil {
		return nil, nil, err
	}
	return amount, wrap, nil
}

func (s *Scenario) simulatorConfig(now func() int64) (chain.SimulatorConfig, error) {
	var errs []error
	token := func(field, v string) *big.Int {
		n, err := units.ParseAmount(v, s.Decimals)
		if err != nil {
			errs = append(errs, fmt.Errorf("chain.%s: %w", field, err))
		}
		return n
	}
	integer := func(field, v string) *big.Int {
		if v == "" {
			return new(big.Int)
		}
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			errs = append(errs, fmt.Errorf("chain.%s: %q is not an integer", field, v))
		}
		return n
	}

	st := s.Chain
	cfg := chain.SimulatorConfig{
		Account:        s.Target.Account,
		Token:          s.Target.Token,
		PoolID:         s.Target.PoolID,
		Strategy:       s.Target.Operator,
		NativeAsset:    s.Target.NativeAsset,
		Underlying:     token("underlying", st.Underlying),
		Allowance:      token("allowance", st.Allowance),
		SuperBalance:   token("super_balance", st.SuperBalance),
		Native:         token("native", st.Native),
		PoolFlowRate:   integer("pool_flow_rate", st.PoolFlowRate),
		OtherPoolUnits: integer("other_pool_units", st.OtherPoolUnits),
		Scores:         st.Scores,
		Now:            now,
	}
	for k, g := range st.Grantees {
		cfg.Grantees = append(cfg.Grantees, chain.Grantee{
			ID:       g.ID,
			SuperApp: g.SuperApp,
			Units:    integer(fmt.Sprintf("grantees[%d].units", k), g.Units),
			FlowRate: integer(fmt.Sprintf("grantees[%d].flow_rate", k), g.FlowRate),
		})
	}
	if len(st.ExistingFlows) > 0 {
		cfg.ExistingFlows = make(map[string]*big.Int, len(st.ExistingFlows))
		for id, rate := range st.ExistingFlows {
			cfg.ExistingFlows[id] = integer("existing_flows."+id, rate)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return chain.SimulatorConfig{}, err
	}
	return cfg, nil
}
