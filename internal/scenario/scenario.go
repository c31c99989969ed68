package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/funding"
	"github.com/roach88/sqfstream/internal/units"
)

// Scenario is one scripted session.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Now is the unix time the session starts at.
	Now int64 `yaml:"now"`

	// Decimals of the super token. Defaults to 18.
	Decimals int32 `yaml:"decimals,omitempty"`

	// MinScore is the eligibility threshold for matching.
	MinScore int64 `yaml:"min_score"`

	Chain  ChainState     `yaml:"chain"`
	Target funding.Target `yaml:"target"`
	Steps  []Step         `yaml:"steps"`
}

// ChainState seeds the simulator. Balances are decimal token amounts; pool
// units and flow rates are atomic integers.
type ChainState struct {
	Underlying     string            `yaml:"underlying,omitempty"`
	Allowance      string            `yaml:"allowance,omitempty"`
	SuperBalance   string            `yaml:"super_balance,omitempty"`
	Native         string            `yaml:"native,omitempty"`
	PoolFlowRate   string            `yaml:"pool_flow_rate"`
	OtherPoolUnits string            `yaml:"other_pool_units,omitempty"`
	Grantees       []GranteeState    `yaml:"grantees"`
	ExistingFlows  map[string]string `yaml:"existing_flows,omitempty"`
	Scores         map[string]int64  `yaml:"scores,omitempty"`
}

// GranteeState seeds one pool member.
type GranteeState struct {
	ID       string `yaml:"id"`
	SuperApp string `yaml:"super_app"`
	Units    string `yaml:"units"`
	FlowRate string `yaml:"flow_rate"`
}

// Step is one scenario action. Exactly one of its actions is set.
type Step struct {
	Quote   *Change `yaml:"quote,omitempty"`
	Submit  *Change `yaml:"submit,omitempty"`
	Fail    *Fail   `yaml:"fail,omitempty"`
	Advance int64   `yaml:"advance,omitempty"`
	Score   *Score  `yaml:"score,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Change is a proposed contribution of Amount per Interval, plus an optional wrap.
type Change struct {
	Amount   string         `yaml:"amount"`
	Interval units.Interval `yaml:"interval,omitempty"`
	Wrap     string         `yaml:"wrap,omitempty"`
}

// Fail scripts the next submission of Op to fail.
type Fail struct {
	Op      chain.OpKind    `yaml:"op"`
	Kind    chain.ErrorKind `yaml:"kind"`
	Message string          `yaml:"message"`
}

// Score changes an account's reputation score.
type Score struct {
	Account string `yaml:"account"`
	Value   int64  `yaml:"value"`
}

// Expect checks the outcome of a quote or submit step. Unset fields are not checked.
type Expect struct {
	Eligible   *bool    `yaml:"eligible,omitempty"`
	Liquidates *bool    `yaml:"liquidates,omitempty"`
	Deleting   *bool    `yaml:"deleting,omitempty"`
	Status     string   `yaml:"status,omitempty"`
	FailedStep *int     `yaml:"failed_step,omitempty"`
	ErrorKind  string   `yaml:"error_kind,omitempty"`
	Steps      []string `yaml:"steps,omitempty"`
	Error      string   `yaml:"error,omitempty"`
}

// Load reads and validates a scenario file. Unknown keys are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if sc.Decimals == 0 {
		sc.Decimals = units.DefaultDecimals
	}
	if err := validate(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Target.Account == "" {
		return errors.New("target.account is required")
	}
	if s.Target.PoolID == "" {
		return errors.New("target.pool is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		actions := 0
		if step.Quote != nil {
			actions++
		}
		if step.Submit != nil {
			actions++
		}
		if step.Fail != nil {
			actions++
		}
		if step.Advance != 0 {
			actions++
		}
		if step.Score != nil {
			actions++
		}
		if actions != 1 {
			return fmt.Errorf("steps[%d]: exactly one of quote, submit, fail, advance, score is required", i)
		}
		if step.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", i)
		}
		if step.Fail != nil {
			switch step.Fail.Kind {
			case chain.KindReverted, chain.KindTimeout, chain.KindRejected:
			default:
				return fmt.Errorf("steps[%d].fail: unknown kind %q", i, step.Fail.Kind)
			}
			if step.Fail.Op == "" {
				return fmt.Errorf("steps[%d].fail: op is required", i)
			}
		}
		if step.Expect != nil && step.Quote == nil && step.Submit == nil {
			return fmt.Errorf("steps[%d]: expect applies only to quote and submit", i)
		}
	}
	return nil
}
