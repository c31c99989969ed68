package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/balance"
	"github.com/roach88/sqfstream/internal/units"
)

// ProjectOptions holds flags for the project command.
type ProjectOptions struct {
	*RootOptions
	Balance     string
	NetFlowRate string
	UpdatedAt   int64
	At          int64
	Decimals    int32
}

// ProjectResult is a balance projected from a flow snapshot.
type ProjectResult struct {
	At       int64  `json:"at"`
	Balance  string `json:"balance"`
	Depleted bool   `json:"depleted"`

	display string
}

func (r ProjectResult) String() string { return r.display }

// NewProjectCommand creates the project command.
func NewProjectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProjectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project a flowing balance to an instant",
		Long: `Project a super token balance from its last snapshot.

balance(at) = balance + netFlowRate * (at - updatedAt)

The result is not clamped: a negative balance means the account is
past its liquidation point.

Examples:
  sqfstream project --balance 5000000000000000000 --net-flow-rate -3805175038051 \
    --updated-at 1700000000 --at 1702628000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Balance, "balance", "", "balance at the snapshot, atomic units")
	cmd.Flags().StringVar(&opts.NetFlowRate, "net-flow-rate", "", "signed net flow rate, atomic units per second")
	cmd.Flags().Int64Var(&opts.UpdatedAt, "updated-at", 0, "unix time of the snapshot")
	_ = cmd.MarkFlagRequired("updated-at")
	cmd.Flags().Int64Var(&opts.At, "at", 0, "unix time to project to (default now)")
	cmd.Flags().Int32Var(&opts.Decimals, "decimals", units.DefaultDecimals, "token decimals")

	return cmd
}

func runProject(opts *ProjectOptions, cmd *cobra.Command) error {
	bal, err := parseAtomic("balance", opts.Balance)
	if err != nil {
		return err
	}
	rate, err := parseAtomic("net-flow-rate", opts.NetFlowRate)
	if err != nil {
		return err
	}
	at := opts.At
	if !cmd.Flags().Changed("at") {
		at = time.Now().Unix()
	}

	snap := balance.Snapshot{BalanceAtUpdate: bal, NetFlowRate: rate, UpdatedAt: opts.UpdatedAt}
	projected := snap.Project(at)

	result := ProjectResult{At: at, Balance: projected.String(), Depleted: projected.Sign() < 0}

	var b strings.Builder
	fmt.Fprintf(&b, "%-16s%s\n", "balance", units.FormatAmount(projected, opts.Decimals, displayPlaces))
	fmt.Fprintf(&b, "%-16s%s\n", "at", time.Unix(at, 0).UTC().Format(time.RFC3339))
	if result.Depleted {
		fmt.Fprintf(&b, "%-16s%s\n", "depleted", "yes")
	}
	result.display = b.String()

	return opts.formatter(cmd).Success(result)
}
