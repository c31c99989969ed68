package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/funding"
	"github.com/roach88/sqfstream/internal/plan"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	FlowOptions

	Wrap      string
	Allowance string
	Current   string
	Operator  string
	Grantee   string
	Receiver  string
	Native    bool
}

// PlanResult is a built but unexecuted plan.
type PlanResult struct {
	ID     string   `json:"id"`
	Digest string   `json:"digest"`
	Steps  []string `json:"steps"`

	display string
}

func (r PlanResult) String() string { return r.display }

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the transactions a flow change needs",
		Long: `Build, without executing, the ordered plan for a change:

  approve            wrap > 0 and allowance < wrap
  wrap               wrap > 0
  update_permission  new rate > current rate
  allocate           new rate > 0
  delete_flow        new rate = 0 and current rate > 0

Native-asset tokens skip approve and update_permission.

Examples:
  sqfstream plan --wrap 30 --amount 10 --grantee grantee-1
  sqfstream plan --current 3805175038051 --new-flow-rate 0 --receiver 0xapp1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, cmd)
		},
	}

	opts.FlowOptions.register(cmd)
	cmd.Flags().StringVar(&opts.Wrap, "wrap", "", "underlying token amount to wrap")
	cmd.Flags().StringVar(&opts.Allowance, "allowance", "", "allowance already granted to the super token")
	cmd.Flags().StringVar(&opts.Current, "current", "", "current flow rate to the receiver, atomic units per second")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "strategy granted the flow permission (default plan.operator)")
	cmd.Flags().StringVar(&opts.Grantee, "grantee", "", "recipient passed to allocate")
	cmd.Flags().StringVar(&opts.Receiver, "receiver", "", "receiver whose flow is deleted")
	cmd.Flags().BoolVar(&opts.Native, "native", false, "the super token wraps the gas token")

	return cmd
}

func runPlan(opts *PlanOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	newRate, _, err := opts.rate()
	if err != nil {
		return err
	}
	current, err := parseAtomic("current", opts.Current)
	if err != nil {
		return err
	}
	wrap, err := parseTokens("wrap", opts.Wrap, opts.Decimals)
	if err != nil {
		return err
	}
	allowance, err := parseTokens("allowance", opts.Allowance, opts.Decimals)
	if err != nil {
		return err
	}
	operator := opts.Operator
	if operator == "" {
		operator = opts.config().Plan.Operator
	}

	target := funding.Target{
		Grantee:     opts.Grantee,
		Receiver:    opts.Receiver,
		Operator:    operator,
		NativeAsset: opts.Native,
	}
	// The plan is never executed, so its trailing operations need no allocator.
	trailing, err := funding.TrailingOps(nil, target, current, newRate, wrap)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	p, err := plan.NewBuilder(plan.UUIDv7Generator{}).Build(plan.Request{
		WrapAmount:      wrap,
		Allowance:       allowance,
		CurrentFlowRate: current,
		NewFlowRate:     newRate,
		Operator:        operator,
		NativeAsset:     opts.Native,
		Trailing:        trailing,
	})
	if errors.Is(err, plan.ErrMissingOperator) {
		return out.Fail(ExitCommandError, "increasing a flow needs --operator or plan.operator", err)
	}
	if err != nil {
		return out.Fail(ExitCommandError, "failed to build plan", err)
	}

	result := PlanResult{ID: p.ID, Digest: p.Digest, Steps: make([]string, len(p.Steps))}
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s\n", p.ID)
	for i, s := range p.Steps {
		result.Steps[i] = s.Name()
		fmt.Fprintf(&b, "  %d. %s\n", i+1, describeStep(s))
	}
	fmt.Fprintf(&b, "digest %s\n", p.Digest)
	result.display = b.String()

	opts.logger().Debug("plan built", "plan_id", p.ID, "steps", len(p.Steps))
	return out.Success(result)
}

func describeStep(s plan.Step) string {
	switch s.Kind {
	case plan.KindApprove, plan.KindWrap:
		return fmt.Sprintf("%s %s", s.Name(), s.Amount)
	case plan.KindUpdatePermission:
		return fmt.Sprintf("%s %s at %s/s", s.Name(), s.Operator, s.FlowRate)
	default:
		return s.Name()
	}
}
