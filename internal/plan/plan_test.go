package plan

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqfstream/internal/chain"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

var bigComparer = cmp.Comparer(func(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
})

var stepOpts = cmp.Options{bigComparer, cmpopts.IgnoreFields(Step{}, "Op")}

func noop(context.Context) (chain.OperationHandle, error) { return nil, nil }

func TestBuild_FullPlan(t *testing.T) {
	b := NewBuilder(NewFixedGenerator("plan-1"))
	p, err := b.Build(Request{
		WrapAmount:      bi(100),
		Allowance:       bi(0),
		CurrentFlowRate: bi(0),
		NewFlowRate:     bi(10),
		Operator:        "0xstrategy",
		Trailing:        []TrailingOp{{Label: "allocate", Op: noop}},
	})
	require.NoError(t, err)

	want := []Step{
		{Kind: KindApprove, Amount: bi(100)},
		{Kind: KindWrap, Amount: bi(100)},
		{Kind: KindUpdatePermission, Operator: "0xstrategy", FlowRate: bi(10)},
		{Kind: KindTrailing, Label: "allocate"},
	}
	if diff := cmp.Diff(want, p.Steps, stepOpts); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "plan-1", p.ID)
	assert.Len(t, p.Digest, 64)
}

func TestBuild_AllowanceSufficientSkipsApprove(t *testing.T) {
	p, err := Build(Request{
		WrapAmount:      bi(100),
		Allowance:       bi(100),
		CurrentFlowRate: bi(10),
		NewFlowRate:     bi(5),
	})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindWrap}, p.Kinds())
}

func TestBuild_LoweringRateNeedsNoPermission(t *testing.T) {
	p, err := Build(Request{
		CurrentFlowRate: bi(10),
		NewFlowRate:     bi(0),
		Trailing:        []TrailingOp{{Label: "delete_flow", Op: noop}},
	})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindTrailing}, p.Kinds())
}

func TestBuild_EmptyPlan(t *testing.T) {
	p, err := Build(Request{})
	require.NoError(t, err)
	assert.Empty(t, p.Steps)
	assert.NotEmpty(t, p.Digest)
}

func TestBuild_NativeAssetSkipsApproveAndPermission(t *testing.T) {
	p, err := Build(Request{
		WrapAmount:  bi(100),
		NewFlowRate: bi(10),
		NativeAsset: true,
		Trailing:    []TrailingOp{{Label: "allocate", Op: noop}},
	})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindWrap, KindTrailing}, p.Kinds())
}

func TestBuild_Rejects(t *testing.T) {
	_, err := Build(Request{WrapAmount: bi(-1)})
	assert.True(t, errors.Is(err, ErrNegativeAmount))

	_, err = Build(Request{NewFlowRate: bi(5)})
	assert.True(t, errors.Is(err, ErrMissingOperator))

	_, err = Build(Request{Trailing: []TrailingOp{{Label: "x"}}})
	assert.True(t, errors.Is(err, ErrMissingOperation))
}

func TestBuild_NegativeInputsReportedInOrder(t *testing.T) {
	req := Request{WrapAmount: bi(-1), Allowance: bi(-2), CurrentFlowRate: bi(-3), NewFlowRate: bi(-4)}
	for i := 0; i < 20; i++ {
		_, err := Build(req)
		require.Error(t, err)
		assert.Equal(t, "wrap amount -1: negative amount", err.Error())
	}

	_, err := Build(Request{CurrentFlowRate: bi(-3), NewFlowRate: bi(-4)})
	assert.EqualError(t, err, "current flow rate -3: negative amount")
}

// Approve, when present, always precedes Wrap, which always precedes
// UpdatePermission, which always precedes trailing steps.
func TestBuild_OrderingHoldsForRandomRequests(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	rank := map[Kind]int{KindApprove: 0, KindWrap: 1, KindUpdatePermission: 2, KindTrailing: 3}

	for i := 0; i < 2000; i++ {
		req := Request{
			WrapAmount:      bi(rng.Int63n(3)),
			Allowance:       bi(rng.Int63n(3)),
			CurrentFlowRate: bi(rng.Int63n(3)),
			NewFlowRate:     bi(rng.Int63n(3)),
			Operator:        "0xop",
			NativeAsset:     rng.Intn(4) == 0,
		}
		for n := rng.Intn(3); n > 0; n-- {
			req.Trailing = append(req.Trailing, TrailingOp{Label: "t", Op: noop})
		}

		p, err := Build(req)
		require.NoError(t, err)

		for j := 1; j < len(p.Steps); j++ {
			prev, cur := p.Steps[j-1].Kind, p.Steps[j].Kind
			assert.LessOrEqual(t, rank[prev], rank[cur], "case %d: %v", i, p.Kinds())
			assert.False(t, prev == cur && cur != KindTrailing, "case %d: duplicate %s", i, cur)
		}

		hasWrap := slices.Contains(p.Kinds(), KindWrap)
		assert.Equal(t, req.WrapAmount.Sign() > 0, hasWrap, "case %d", i)
		if slices.Contains(p.Kinds(), KindApprove) {
			assert.True(t, hasWrap)
			assert.False(t, req.NativeAsset)
		}
		if req.NativeAsset {
			assert.False(t, slices.Contains(p.Kinds(), KindUpdatePermission))
		}
	}
}

func TestBuild_DigestIgnoresID(t *testing.T) {
	b := NewBuilder(NewFixedGenerator("a", "b"))
	req := Request{WrapAmount: bi(5), NewFlowRate: bi(1), Operator: "0xop"}

	p1, err := b.Build(req)
	require.NoError(t, err)
	p2, err := b.Build(req)
	require.NoError(t, err)

	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, p1.Digest, p2.Digest)

	req.WrapAmount = bi(6)
	p3, err := Build(req)
	require.NoError(t, err)
	assert.NotEqual(t, p1.Digest, p3.Digest)
}

func TestBuild_DoesNotAliasRequest(t *testing.T) {
	wrap := bi(100)
	p, err := Build(Request{WrapAmount: wrap})
	require.NoError(t, err)

	wrap.SetInt64(1)
	assert.Equal(t, int64(100), p.Steps[0].Amount.Int64())
}

func TestPlan_ClaimOnce(t *testing.T) {
	p, err := Build(Request{})
	require.NoError(t, err)

	assert.False(t, p.Claimed())
	assert.True(t, p.Claim())
	assert.False(t, p.Claim())
	assert.True(t, p.Claimed())
}

func TestStep_PrepareDispatches(t *testing.T) {
	ctx := context.Background()
	now := int64(0)
	sim := chain.NewSimulator(chain.SimulatorConfig{Account: "0xa", Now: func() int64 { return now }})

	called := false
	steps := []Step{
		{Kind: KindApprove, Amount: bi(1)},
		{Kind: KindWrap, Amount: bi(1)},
		{Kind: KindUpdatePermission, Operator: "0xop", FlowRate: bi(1)},
		{Kind: KindTrailing, Label: "custom", Op: func(ctx context.Context) (chain.OperationHandle, error) {
			called = true
			return sim.DeleteFlow(ctx, "0xapp")
		}},
	}
	want := []chain.OpKind{chain.OpApprove, chain.OpWrap, chain.OpUpdatePermission, chain.OpDeleteFlow}

	for i, s := range steps {
		h, err := s.Prepare(ctx, sim)
		require.NoError(t, err)
		assert.Equal(t, want[i], h.Kind())
	}
	assert.True(t, called)
	assert.Equal(t, "custom", steps[3].Name())
	assert.Equal(t, "wrap", steps[1].Name())

	_, err := Step{Kind: "bogus"}.Prepare(ctx, sim)
	assert.Error(t, err)
}

func TestUUIDv7Generator(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	g := NewFixedGenerator("only")
	assert.Equal(t, "only", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("plan")
	assert.Equal(t, "plan-1", g.Generate())
	assert.Equal(t, "plan-2", g.Generate())
}
