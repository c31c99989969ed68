package cli

import (
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sqfstream/internal/config"
	"github.com/roach88/sqfstream/internal/units"
)

// displayPlaces is how many fractional digits text output shows.
const displayPlaces = 6

// FlowOptions are the flags shared by commands that take a proposed rate:
// either --amount per --interval in token units, or --new-flow-rate in
// atomic units per second.
type FlowOptions struct {
	Amount      string
	Interval    string
	NewFlowRate string
	Decimals    int32
}

func (f *FlowOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.Amount, "amount", "", "token amount streamed per interval (e.g. 25.5)")
	flags.StringVar(&f.Interval, "interval", string(units.Month), "interval for --amount (day|week|month|year)")
	flags.StringVar(&f.NewFlowRate, "new-flow-rate", "", "proposed flow rate in atomic units per second")
	flags.Int32Var(&f.Decimals, "decimals", units.DefaultDecimals, "token decimals")
}

// rate resolves the proposed flow rate and the interval it is displayed in.
func (f *FlowOptions) rate() (*big.Int, units.Interval, error) {
	interval, err := units.ParseInterval(f.Interval)
	if err != nil {
		return nil, "", NewExitError(ExitCommandError, err.Error())
	}
	if f.Amount != "" && f.NewFlowRate != "" {
		return nil, "", NewExitError(ExitCommandError, "--amount and --new-flow-rate are mutually exclusive")
	}
	if f.NewFlowRate != "" {
		r, err := parseAtomic("new-flow-rate", f.NewFlowRate)
		return r, interval, err
	}
	amount, err := parseTokens("amount", f.Amount, f.Decimals)
	if err != nil {
		return nil, "", err
	}
	r, err := units.FlowRate(amount, interval)
	if err != nil {
		return nil, "", NewExitError(ExitCommandError, err.Error())
	}
	return r, interval, nil
}

// parseAtomic parses an integer amount in atomic units. Empty is zero.
func parseAtomic(flag, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("--%s: %q is not an integer", flag, s))
	}
	return v, nil
}

// parseTokens parses a decimal token amount into atomic units. Empty is zero.
func parseTokens(flag, s string, decimals int32) (*big.Int, error) {
	v, err := units.ParseAmount(s, decimals)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "--"+flag, err)
	}
	return v, nil
}

// config returns the resolved configuration, or the defaults when the
// command runs without the root's pre-run hook.
func (o *RootOptions) config() *config.Config {
	if o.Config != nil {
		return o.Config
	}
	cfg := config.Defaults()
	return &cfg
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
