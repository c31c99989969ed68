package scenario

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/units"
)

func TestScenarios_Golden(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			sc, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, name, sc.Name)

			res, err := Run(context.Background(), sc, Options{})
			require.NoError(t, err)
			assert.True(t, res.Pass, "errors: %v", res.Errors)
			AssertGolden(t, res)
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	sc, err := Load("testdata/wrap-reverts.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	second, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)

	a, err := Render(first)
	require.NoError(t, err)
	b, err := Render(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_JournalMatchesTrace(t *testing.T) {
	sc, err := Load("testdata/wrap-reverts.yaml")
	require.NoError(t, err)

	res, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	require.Len(t, res.Plans, 2)
	assert.Equal(t, "failed", res.Plans[0].Status)
	assert.Equal(t, "REVERTED: wrap: ERC20: transfer amount exceeds balance", res.Plans[0].Reason)
	assert.NotEmpty(t, res.Plans[0].Digest)
	assert.Equal(t, "succeeded", res.Plans[1].Status)
}

const minimal = `
name: minimal
now: 1700000000
chain:
  underlying: "10"
  pool_flow_rate: "1000"
  grantees:
    - {id: g1, super_app: "0xapp", units: "1", flow_rate: "0"}
target:
  account: "0xalice"
  token: "0xusdcx"
  pool: p1
  grantee: g1
  receiver: "0xapp"
  operator: "0xstrategy"
`

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	sc, err := Parse([]byte(minimal + `
steps:
  - submit: {amount: "0", wrap: "1"}
    expect: {status: failed, steps: [wrap]}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "expected status failed")
	assert.Contains(t, res.Errors[1], "expected plan [wrap]")
}

func TestRun_ExpectedError(t *testing.T) {
	sc, err := Parse([]byte(minimal + `
steps:
  - submit: {amount: "0"}
    expect: {error: "no wrap and no flow change requested"}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	require.Len(t, res.Trace, 1)
	assert.Equal(t, "error", res.Trace[0]["type"])
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	sc, err := Parse([]byte(minimal + `
steps:
  - submit: {amount: "0"}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), sc, Options{})
	require.NoError(t, err)
	assert.False(t, res.Pass)
}

func TestRun_BadChainAmount(t *testing.T) {
	sc, err := Parse([]byte(strings.Replace(minimal, `underlying: "10"`, `underlying: "ten"`, 1) + `
steps:
  - advance: 10
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), sc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain.underlying")
}

func TestParse_Defaults(t *testing.T) {
	sc, err := Parse([]byte(minimal + "steps:\n  - advance: 60\n"))
	require.NoError(t, err)
	assert.Equal(t, units.DefaultDecimals, sc.Decimals)
	assert.Equal(t, "p1", sc.Target.PoolID)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", minimal + "stepz: []\n", "field stepz not found"},
		{"no steps", minimal, "steps list is required"},
		{"two actions", minimal + "steps:\n  - {advance: 1, quote: {amount: \"1\"}}\n", "exactly one of"},
		{"empty step", minimal + "steps:\n  - {}\n", "exactly one of"},
		{"negative advance", minimal + "steps:\n  - advance: -5\n", "advance must be positive"},
		{"unknown failure kind", minimal + "steps:\n  - fail: {op: wrap, kind: EXPLODED}\n", "unknown kind"},
		{"failure without op", minimal + "steps:\n  - fail: {kind: REVERTED}\n", "op is required"},
		{"expect on advance", minimal + "steps:\n  - advance: 1\n    expect: {status: failed}\n", "expect applies only"},
		{"no name", strings.Replace(minimal, "name: minimal", "", 1) + "steps:\n  - advance: 1\n", "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScriptedError(t *testing.T) {
	for _, kind := range []chain.ErrorKind{chain.KindReverted, chain.KindRejected, chain.KindTimeout} {
		err := scriptedError(&Fail{Op: chain.OpWrap, Kind: kind, Message: "boom"})
		assert.Equal(t, kind, chain.KindOf(err))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
