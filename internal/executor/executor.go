package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/plan"
)

// TracerName is the instrumentation scope of executor spans.
const TracerName = "github.com/roach88/sqfstream/internal/executor"

// ErrPlanConsumed is returned when a plan that has already run is run again.
var ErrPlanConsumed = errors.New("plan already run; build a new plan")

// StepStatus is the outcome reported for one step.
type StepStatus string

const (
	StepSubmitted StepStatus = "submitted"
	StepConfirmed StepStatus = "confirmed"
	StepFailed    StepStatus = "failed"
	StepAbandoned StepStatus = "abandoned"
)

// Progress is emitted as a run advances.
type Progress struct {
	PlanID    string
	StepIndex int
	Total     int
	Kind      plan.Kind
	Label     string
	Status    StepStatus

	// State is the run's state after this progress.
	State State

	// Err is set for failed and abandoned steps.
	Err error
}

// Observer receives every progress synchronously, before it is sent to the
// Run channel. Errors are logged and do not affect the run.
type Observer interface {
	Observe(ctx context.Context, p Progress) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, p Progress) error

func (f ObserverFunc) Observe(ctx context.Context, p Progress) error { return f(ctx, p) }

// Options configures an Executor.
type Options struct {
	// StepTimeout bounds each step's prepare and confirmation. Zero means no bound.
	StepTimeout time.Duration

	Logger    *slog.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
	Observers []Observer
}

// Executor submits plan steps through a chain.Operator.
type Executor struct {
	op        chain.Operator
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	observers []Observer
}

// New creates an Executor.
func New(op chain.Operator, opts Options) *Executor {
	e := &Executor{
		op:        op,
		timeout:   opts.StepTimeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		observers: opts.Observers,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil, "sqfstream")
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	return e
}

// Run starts executing p and returns a channel of progress updates.
//
// The channel is buffered to hold every update of the plan, so the run never
// blocks on a slow or absent reader. It is closed after the terminal update.
// An empty plan emits nothing and succeeds.
//
// Cancelling ctx abandons the steps that have not started; a step already
// submitted is awaited until it settles or its step timeout expires.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (<-chan Progress, error) {
	if !p.Claim() {
		return nil, ErrPlanConsumed
	}
	out := make(chan Progress, 2*len(p.Steps)+1)
	go e.run(ctx, p, out)
	return out, nil
}

// Execute runs p to completion and returns its terminal state.
// The error is the failed step's *chain.ChainError, ErrAbandoned, or ErrPlanConsumed.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (State, error) {
	ch, err := e.Run(ctx, p)
	if err != nil {
		return State{}, err
	}
	last := Initial(len(p.Steps))
	if len(p.Steps) == 0 {
		last, _ = Transition(last, EventStart, nil)
	}
	for prog := range ch {
		last = prog.State
	}
	return last, last.Reason
}

func (e *Executor) run(ctx context.Context, p *plan.Plan, out chan<- Progress) {
	defer close(out)

	ctx, span := e.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		attribute.String("plan.id", p.ID),
		attribute.String("plan.digest", p.Digest),
		attribute.Int("plan.steps", len(p.Steps)),
	))
	defer span.End()

	logger := e.logger.With("plan_id", p.ID)
	e.metrics.plansStarted.Inc()

	state, err := Transition(Initial(len(p.Steps)), EventStart, nil)
	if err != nil {
		logger.Error("executor state machine rejected start", "error", err)
		return
	}
	logger.Info("plan started", "steps", len(p.Steps), "digest", p.Digest)

	for state.Status == StatusRunning {
		i := state.Step
		step := p.Steps[i]
		base := Progress{PlanID: p.ID, StepIndex: i, Total: len(p.Steps), Kind: step.Kind, Label: step.Name()}

		if cause := ctx.Err(); cause != nil {
			state = e.mustTransition(logger, state, EventFailed, ErrAbandoned)
			base.Status, base.State, base.Err = StepAbandoned, state, ErrAbandoned
			e.metrics.stepsTotal.WithLabelValues(string(step.Kind), string(StepAbandoned)).Inc()
			logger.Warn("plan abandoned", "step_index", i, "kind", step.Kind, "cause", cause)
			e.emit(ctx, out, base)
			break
		}

		stepErr := e.runStep(ctx, logger, p, i, out, base)
		if stepErr != nil {
			state = e.mustTransition(logger, state, EventFailed, stepErr)
			base.Status, base.State, base.Err = StepFailed, state, stepErr
			e.emit(ctx, out, base)
			break
		}
		state = e.mustTransition(logger, state, EventConfirmed, nil)
		base.Status, base.State = StepConfirmed, state
		e.emit(ctx, out, base)
	}

	e.metrics.plansFinished.WithLabelValues(string(state.Status)).Inc()
	if state.Status == StatusFailed {
		span.RecordError(state.Reason)
		span.SetStatus(codes.Error, state.Reason.Error())
		logger.Warn("plan failed", "step_index", state.Step, "error", state.Reason)
		return
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("plan succeeded")
}

// runStep prepares, submits and awaits step i. The step runs detached from
// plan cancellation and bounded only by the step timeout.
func (e *Executor) runStep(ctx context.Context, logger *slog.Logger, p *plan.Plan, i int, out chan<- Progress, base Progress) error {
	step := p.Steps[i]
	kind := string(step.Kind)

	stepCtx := context.WithoutCancel(ctx)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, e.timeout)
		defer cancel()
	}
	stepCtx, span := e.tracer.Start(stepCtx, "plan.step", trace.WithAttributes(
		attribute.Int("step.index", i),
		attribute.String("step.kind", kind),
		attribute.String("step.label", step.Name()),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		e.metrics.stepDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	}()

	fail := func(err error) error {
		cerr := chain.AsChainError(opKind(step), err)
		e.metrics.stepsTotal.WithLabelValues(kind, string(StepFailed)).Inc()
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		logger.Warn("step failed", "step_index", i, "kind", kind, "error_kind", cerr.Kind, "error", cerr)
		return cerr
	}

	h, err := step.Prepare(stepCtx, e.op)
	if err != nil {
		return fail(err)
	}

	submitted := base
	submitted.Status, submitted.State = StepSubmitted, State{Status: StatusRunning, Step: i, Total: base.Total}
	e.emit(ctx, out, submitted)
	logger.Debug("step submitted", "step_index", i, "kind", kind, "operation", h.String())

	e.metrics.inFlight.Inc()
	err = e.op.Submit(stepCtx, h)
	e.metrics.inFlight.Dec()
	if err != nil {
		return fail(err)
	}

	e.metrics.stepsTotal.WithLabelValues(kind, string(StepConfirmed)).Inc()
	span.SetStatus(codes.Ok, "")
	logger.Info("step confirmed", "step_index", i, "kind", kind)
	return nil
}

func (e *Executor) mustTransition(logger *slog.Logger, s State, ev Event, reason error) State {
	next, err := Transition(s, ev, reason)
	if err != nil {
		// Unreachable while the run loop only fires events for running states.
		logger.Error("executor state machine rejected event", "error", err)
		panic(err)
	}
	return next
}

func (e *Executor) emit(ctx context.Context, out chan<- Progress, p Progress) {
	for _, o := range e.observers {
		if err := o.Observe(context.WithoutCancel(ctx), p); err != nil {
			e.logger.Warn("progress observer failed", "plan_id", p.PlanID, "step_index", p.StepIndex, "error", err)
		}
	}
	out <- p
}

func opKind(s plan.Step) chain.OpKind {
	switch s.Kind {
	case plan.KindApprove:
		return chain.OpApprove
	case plan.KindWrap:
		return chain.OpWrap
	case plan.KindUpdatePermission:
		return chain.OpUpdatePermission
	default:
		return chain.OpKind(s.Name())
	}
}
