package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/matching"
	"github.com/roach88/sqfstream/internal/units"
)

// ImpactOptions holds flags for the impact command.
type ImpactOptions struct {
	*RootOptions
	FlowOptions

	PoolUnits      string
	PoolFlowRate   string
	MemberUnits    string
	MemberFlowRate string
	Current        string
	Score          int64
}

// ImpactResult is the matching impact of one proposed change. Amounts are
// atomic units rendered as decimal strings.
type ImpactResult struct {
	Eligible             bool   `json:"eligible"`
	ShortCircuit         bool   `json:"short_circuit"`
	Interval             string `json:"interval"`
	NewFlowRate          string `json:"new_flow_rate"`
	NetImpact            string `json:"net_impact,omitempty"`
	NetImpactPerInterval string `json:"net_impact_per_interval,omitempty"`
	NewGranteeUnits      string `json:"new_grantee_units"`
	NewPoolUnits         string `json:"new_pool_units"`
	NewGranteeFlowRate   string `json:"new_grantee_flow_rate"`

	display string
}

func (r ImpactResult) String() string { return r.display }

// NewImpactCommand creates the impact command.
func NewImpactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImpactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "impact",
		Short: "Compute the matching impact of a flow change",
		Long: `Compute how a contributor's rate change moves the grantee's matching flow.

Pool and member state are atomic integers as reported by the indexer.
The proposed rate is either --amount per --interval or --new-flow-rate.

Examples:
  sqfstream impact --pool-units 20 --pool-flow-rate 1000000000 \
    --member-units 5 --member-flow-rate 250000000 --amount 10
  sqfstream impact ... --current 3805175038051 --new-flow-rate 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpact(opts, cmd)
		},
	}

	opts.FlowOptions.register(cmd)
	cmd.Flags().StringVar(&opts.PoolUnits, "pool-units", "", "total units of the distribution pool")
	cmd.Flags().StringVar(&opts.PoolFlowRate, "pool-flow-rate", "", "total matching flow rate of the pool")
	cmd.Flags().StringVar(&opts.MemberUnits, "member-units", "", "the grantee's current units")
	cmd.Flags().StringVar(&opts.MemberFlowRate, "member-flow-rate", "", "the grantee's current matching flow rate")
	cmd.Flags().StringVar(&opts.Current, "current", "", "the contributor's current flow rate to the grantee")
	cmd.Flags().Int64Var(&opts.Score, "score", 0, "contributor's eligibility score (checked against eligibility.minScore when set)")

	return cmd
}

func runImpact(opts *ImpactOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg := opts.config()

	params, err := cfg.Params()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid matching constants", err)
	}
	newRate, interval, err := opts.rate()
	if err != nil {
		return err
	}

	in := matching.Input{Params: params}
	if in.Pool.TotalUnits, err = parseAtomic("pool-units", opts.PoolUnits); err != nil {
		return err
	}
	if in.Pool.TotalFlowRate, err = parseAtomic("pool-flow-rate", opts.PoolFlowRate); err != nil {
		return err
	}
	if in.Member.Units, err = parseAtomic("member-units", opts.MemberUnits); err != nil {
		return err
	}
	if in.Member.FlowRate, err = parseAtomic("member-flow-rate", opts.MemberFlowRate); err != nil {
		return err
	}
	if in.Change.PreviousFlowRate, err = parseAtomic("current", opts.Current); err != nil {
		return err
	}
	in.Change.NewFlowRate = newRate

	eligible := true
	if cmd.Flags().Changed("score") {
		eligible = matching.Eligible(opts.Score, cfg.Eligibility.MinScore)
	}

	res, err := matching.Compute(in)
	if err != nil {
		return out.Fail(ExitCommandError, "matching failed", err)
	}
	opts.logger().Debug("impact computed", "new_flow_rate", newRate.String(), "net_impact", res.NetImpact.String(), "short_circuit", res.ShortCircuit)

	result := ImpactResult{
		Eligible:           eligible,
		ShortCircuit:       res.ShortCircuit,
		Interval:           string(interval),
		NewFlowRate:        newRate.String(),
		NewGranteeUnits:    res.NewGranteeUnits.String(),
		NewPoolUnits:       res.NewPoolUnits.String(),
		NewGranteeFlowRate: res.NewGranteeFlowRate.String(),
	}
	if eligible {
		perInterval := matching.PerInterval(res.NetImpact, interval)
		result.NetImpact = res.NetImpact.String()
		result.NetImpactPerInterval = perInterval.String()
	}

	var b strings.Builder
	line := func(k, v string) { fmt.Fprintf(&b, "%-16s%s\n", k, v) }
	line("new flow rate", units.FormatFlowRate(newRate, interval, opts.Decimals, displayPlaces))
	if eligible {
		line("net impact", signed(units.FormatFlowRate(res.NetImpact, interval, opts.Decimals, displayPlaces)))
	} else {
		line("net impact", "none (below eligibility threshold)")
	}
	line("grantee units", result.NewGranteeUnits)
	line("pool units", result.NewPoolUnits)
	line("grantee flow", units.FormatFlowRate(res.NewGranteeFlowRate, interval, opts.Decimals, displayPlaces))
	result.display = b.String()

	return out.Success(result)
}

// signed prefixes non-negative amounts with "+".
func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "+" + s
}
