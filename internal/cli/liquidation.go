package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/liquidation"
	"github.com/roach88/sqfstream/internal/units"
)

// LiquidationOptions holds flags for the liquidation command.
type LiquidationOptions struct {
	*RootOptions
	FlowOptions

	Balance         string
	UpdatedAt       int64
	AccountFlowRate string
	Current         string
	Wrap            string
	Now             int64
}

// LiquidationResult is when a changed stream would exhaust the balance, and
// how much to top up to avoid it.
type LiquidationResult struct {
	NewFlowRate      string `json:"new_flow_rate"`
	Outflow          string `json:"effective_outflow"`
	Liquidates       bool   `json:"liquidates"`
	LiquidationAt    int64  `json:"liquidation_at,omitempty"`
	SuggestedWrap    string `json:"suggested_wrap"`
	SuggestedBalance string `json:"suggested_balance"`

	display string
}

func (r LiquidationResult) String() string { return r.display }

// NewLiquidationCommand creates the liquidation command.
func NewLiquidationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LiquidationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "liquidation",
		Short: "Estimate when a changed stream runs dry",
		Long: `Estimate the liquidation date after replacing the current flow to one
receiver with a new rate, optionally wrapping more tokens first.

The estimate is absent when the effective outflow is not positive.

Examples:
  sqfstream liquidation --balance 5000000000000000000 --updated-at 1700000000 \
    --amount 10 --now 1700000000
  sqfstream liquidation ... --wrap 30 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLiquidation(opts, cmd)
		},
	}

	opts.FlowOptions.register(cmd)
	cmd.Flags().StringVar(&opts.Balance, "balance", "", "super token balance at the snapshot, atomic units")
	cmd.Flags().Int64Var(&opts.UpdatedAt, "updated-at", 0, "unix time of the snapshot")
	_ = cmd.MarkFlagRequired("updated-at")
	cmd.Flags().StringVar(&opts.AccountFlowRate, "account-flow-rate", "", "signed net flow rate of the account before the change")
	cmd.Flags().StringVar(&opts.Current, "current", "", "current flow rate to the receiver being edited")
	cmd.Flags().StringVar(&opts.Wrap, "wrap", "", "token amount wrapped alongside the change")
	cmd.Flags().Int64Var(&opts.Now, "now", 0, "unix time the suggestion is made at (default now)")

	return cmd
}

func runLiquidation(opts *LiquidationOptions, cmd *cobra.Command) error {
	newRate, interval, err := opts.rate()
	if err != nil {
		return err
	}
	in := liquidation.Input{NewFlowRate: newRate}
	if in.Snapshot.BalanceAtUpdate, err = parseAtomic("balance", opts.Balance); err != nil {
		return err
	}
	in.Snapshot.UpdatedAt = opts.UpdatedAt
	if in.AccountFlowRate, err = parseAtomic("account-flow-rate", opts.AccountFlowRate); err != nil {
		return err
	}
	in.Snapshot.NetFlowRate = in.AccountFlowRate
	if in.PreviousFlowRate, err = parseAtomic("current", opts.Current); err != nil {
		return err
	}
	if in.WrapAmount, err = parseTokens("wrap", opts.Wrap, opts.Decimals); err != nil {
		return err
	}
	now := opts.Now
	if !cmd.Flags().Changed("now") {
		now = time.Now().Unix()
	}

	at, ok := liquidation.Estimate(in)
	wrap := liquidation.SuggestedWrap(in, units.PerInterval(newRate, interval), now)
	suggested := liquidation.SuggestedBalance(newRate)

	result := LiquidationResult{
		NewFlowRate:      newRate.String(),
		Outflow:          liquidation.EffectiveOutflow(in).String(),
		Liquidates:       ok,
		SuggestedWrap:    wrap.String(),
		SuggestedBalance: suggested.String(),
	}
	if ok {
		result.LiquidationAt = at
	}

	var b strings.Builder
	line := func(k, v string) { fmt.Fprintf(&b, "%-18s%s\n", k, v) }
	if ok {
		line("liquidation", time.Unix(at, 0).UTC().Format(time.RFC3339))
	} else {
		line("liquidation", "never")
	}
	line("suggested wrap", units.FormatAmount(wrap, opts.Decimals, displayPlaces))
	line("suggested balance", units.FormatAmount(suggested, opts.Decimals, displayPlaces))
	result.display = b.String()

	return opts.formatter(cmd).Success(result)
}
