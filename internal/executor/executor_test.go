package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/plan"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func bi(v int64) *big.Int { return big.NewInt(v) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSim() *chain.Simulator {
	return chain.NewSimulator(chain.SimulatorConfig{
		Account:        "0xalice",
		Token:          "0xusdcx",
		PoolID:         "pool-1",
		Strategy:       "0xstrategy",
		Underlying:     bi(1_000),
		PoolFlowRate:   bi(1_000),
		OtherPoolUnits: bi(900),
		Grantees:       []chain.Grantee{{ID: "grantee-1", SuperApp: "0xapp1", Units: bi(100)}},
		Now:            func() int64 { return 0 },
	})
}

func fullPlan(t *testing.T, sim *chain.Simulator, trailingCalled *atomic.Bool) *plan.Plan {
	t.Helper()
	p, err := plan.NewBuilder(plan.NewFixedGenerator("plan-1")).Build(plan.Request{
		WrapAmount:  bi(100),
		Allowance:   bi(0),
		NewFlowRate: bi(1_000_000),
		Operator:    "0xstrategy",
		Trailing: []plan.TrailingOp{{
			Label: "allocate",
			Op: func(ctx context.Context) (chain.OperationHandle, error) {
				if trailingCalled != nil {
					trailingCalled.Store(true)
				}
				return sim.Allocate(ctx, "grantee-1", bi(1_000_000))
			},
		}},
	})
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, ch <-chan Progress) []Progress {
	t.Helper()
	var got []Progress
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, p)
		case <-timeout:
			t.Fatal("progress channel not closed")
		}
	}
}

func statuses(ps []Progress) []StepStatus {
	out := make([]StepStatus, len(ps))
	for i, p := range ps {
		out[i] = p.Status
	}
	return out
}

func TestRun_AllStepsConfirmed(t *testing.T) {
	sim := newSim()
	p := fullPlan(t, sim, nil)
	ex := New(sim, Options{Logger: quietLogger()})

	ch, err := ex.Run(context.Background(), p)
	require.NoError(t, err)
	got := collect(t, ch)

	assert.Equal(t, []StepStatus{
		StepSubmitted, StepConfirmed,
		StepSubmitted, StepConfirmed,
		StepSubmitted, StepConfirmed,
		StepSubmitted, StepConfirmed,
	}, statuses(got))

	last := got[len(got)-1]
	assert.Equal(t, StatusSucceeded, last.State.Status)
	assert.Equal(t, "plan-1", last.PlanID)
	assert.Equal(t, 4, last.Total)
	assert.Equal(t, plan.KindTrailing, last.Kind)
	assert.Equal(t, "allocate", last.Label)

	for i := 0; i < 4; i++ {
		assert.Equal(t, i, got[2*i].StepIndex)
		assert.Equal(t, i, got[2*i+1].StepIndex)
	}
	assert.Len(t, sim.Submitted(), 4)
}

func TestExecute_MiddleStepFailureHalts(t *testing.T) {
	sim := newSim()
	sim.FailNext(chain.OpWrap, chain.Reverted(chain.OpWrap, "ERC20: insufficient allowance"))

	var trailingCalled atomic.Bool
	p := fullPlan(t, sim, &trailingCalled)
	ex := New(sim, Options{Logger: quietLogger()})

	state, err := ex.Execute(context.Background(), p)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, chain.KindReverted, chain.KindOf(err))
	assert.Contains(t, err.Error(), "insufficient allowance")

	// Only approve was confirmed; permission and allocate never ran.
	require.Len(t, sim.Submitted(), 1)
	assert.Contains(t, sim.Submitted()[0], "approve")
	assert.False(t, trailingCalled.Load())
	assert.Equal(t, int64(0), sim.Permission("0xstrategy").Int64())
}

func TestExecute_TrailingOpPrepareErrorFails(t *testing.T) {
	sim := newSim()
	p, err := plan.Build(plan.Request{Trailing: []plan.TrailingOp{{
		Label: "allocate",
		Op: func(context.Context) (chain.OperationHandle, error) {
			return nil, errors.New("signer unavailable")
		},
	}}})
	require.NoError(t, err)

	state, err := New(sim, Options{Logger: quietLogger()}).Execute(context.Background(), p)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, chain.KindRejected, chain.KindOf(err))
}

func TestExecute_CancelBeforeStepAbandonsRemainder(t *testing.T) {
	sim := newSim()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelAfterFirst := ObserverFunc(func(_ context.Context, p Progress) error {
		if p.StepIndex == 0 && p.Status == StepConfirmed {
			cancel()
		}
		return nil
	})

	var trailingCalled atomic.Bool
	p := fullPlan(t, sim, &trailingCalled)
	ex := New(sim, Options{Logger: quietLogger(), Observers: []Observer{cancelAfterFirst}})

	ch, err := ex.Run(ctx, p)
	require.NoError(t, err)
	got := collect(t, ch)

	assert.Equal(t, []StepStatus{StepSubmitted, StepConfirmed, StepAbandoned}, statuses(got))
	last := got[len(got)-1]
	assert.Equal(t, StatusFailed, last.State.Status)
	assert.Equal(t, 1, last.State.Step)
	assert.ErrorIs(t, last.Err, ErrAbandoned)
	assert.Len(t, sim.Submitted(), 1)
	assert.False(t, trailingCalled.Load())
}

// gatedOperator holds every Submit until released.
type gatedOperator struct {
	chain.Operator
	entered chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (g *gatedOperator) Submit(ctx context.Context, h chain.OperationHandle) error {
	g.entered <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		g.ctxErr.Store(err)
	}
	return g.Operator.Submit(ctx, h)
}

func TestRun_InFlightStepIsNotInterrupted(t *testing.T) {
	sim := newSim()
	gate := &gatedOperator{Operator: sim, entered: make(chan struct{}, 1), release: make(chan struct{})}
	p, err := plan.Build(plan.Request{WrapAmount: bi(100)})
	require.NoError(t, err)
	require.Equal(t, []plan.Kind{plan.KindApprove, plan.KindWrap}, p.Kinds())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := New(gate, Options{Logger: quietLogger()}).Run(ctx, p)
	require.NoError(t, err)

	<-gate.entered
	cancel()
	close(gate.release)

	got := collect(t, ch)
	assert.Equal(t, []StepStatus{StepSubmitted, StepConfirmed, StepAbandoned}, statuses(got))
	assert.Nil(t, gate.ctxErr.Load(), "in-flight step saw plan cancellation")
	assert.Len(t, sim.Submitted(), 1)
}

func TestExecute_StepTimeout(t *testing.T) {
	sim := newSim()
	sim.BlockOn(chain.OpApprove)
	p, err := plan.Build(plan.Request{WrapAmount: bi(100)})
	require.NoError(t, err)

	state, err := New(sim, Options{StepTimeout: 20 * time.Millisecond, Logger: quietLogger()}).Execute(context.Background(), p)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, chain.KindTimeout, chain.KindOf(err))
}

func TestRun_PlanRunsOnce(t *testing.T) {
	sim := newSim()
	p, err := plan.Build(plan.Request{WrapAmount: bi(100)})
	require.NoError(t, err)
	ex := New(sim, Options{Logger: quietLogger()})

	_, err = ex.Execute(context.Background(), p)
	require.NoError(t, err)

	_, err = ex.Run(context.Background(), p)
	assert.ErrorIs(t, err, ErrPlanConsumed)
	_, err = ex.Execute(context.Background(), p)
	assert.ErrorIs(t, err, ErrPlanConsumed)
	assert.Len(t, sim.Submitted(), 2, "nothing resubmitted")
}

func TestExecute_EmptyPlan(t *testing.T) {
	p, err := plan.Build(plan.Request{})
	require.NoError(t, err)

	state, err := New(newSim(), Options{Logger: quietLogger()}).Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, state.Status)
}

func TestObserver_ErrorDoesNotStopRun(t *testing.T) {
	sim := newSim()
	var calls atomic.Int32
	failing := ObserverFunc(func(context.Context, Progress) error {
		calls.Add(1)
		return errors.New("journal unavailable")
	})
	p, err := plan.Build(plan.Request{WrapAmount: bi(100)})
	require.NoError(t, err)

	state, err := New(sim, Options{Logger: quietLogger(), Observers: []Observer{failing}}).Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, state.Status)
	assert.Equal(t, int32(4), calls.Load())
}

func TestMetrics_CountOutcomes(t *testing.T) {
	sim := newSim()
	sim.FailNext(chain.OpWrap, chain.Rejected(chain.OpWrap, "user rejected"))
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "sqf_test")
	ex := New(sim, Options{Logger: quietLogger(), Metrics: m})

	p1, err := plan.Build(plan.Request{WrapAmount: bi(100)})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), p1)
	require.Error(t, err)

	p2, err := plan.Build(plan.Request{WrapAmount: bi(100), Allowance: bi(100)})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), p2)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.plansStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.plansFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.plansFinished.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("approve", "confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("wrap", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("wrap", "confirmed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	count, err := testutil.GatherAndCount(reg, "sqf_test_step_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per step kind")
}

func TestTracing_SpansPerPlanAndStep(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sim := newSim()
	sim.FailNext(chain.OpWrap, chain.Reverted(chain.OpWrap, "nope"))
	p, err := plan.Build(plan.Request{WrapAmount: bi(100)})
	require.NoError(t, err)

	_, err = New(sim, Options{Logger: quietLogger(), Tracer: tp.Tracer("test")}).Execute(context.Background(), p)
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 3)

	var planSpan sdktrace.ReadOnlySpan
	var stepSpans []sdktrace.ReadOnlySpan
	for _, s := range spans {
		switch s.Name() {
		case "plan.execute":
			planSpan = s
		case "plan.step":
			stepSpans = append(stepSpans, s)
		}
	}
	require.NotNil(t, planSpan)
	require.Len(t, stepSpans, 2)
	assert.Equal(t, codes.Error, planSpan.Status().Code)
	assert.Equal(t, codes.Ok, stepSpans[0].Status().Code)
	assert.Equal(t, codes.Error, stepSpans[1].Status().Code)
	for _, s := range stepSpans {
		assert.Equal(t, planSpan.SpanContext().TraceID(), s.SpanContext().TraceID())
		assert.Equal(t, planSpan.SpanContext().SpanID(), s.Parent().SpanID())
	}
}
