package liquidation

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqfstream/internal/balance"
	"github.com/roach88/sqfstream/internal/units"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func snap(bal, rate, at int64) balance.Snapshot {
	return balance.Snapshot{BalanceAtUpdate: bi(bal), NetFlowRate: bi(rate), UpdatedAt: at}
}

func TestEstimate_NewOutboundStream(t *testing.T) {
	at, ok := Estimate(Input{
		Snapshot:         snap(1000, 0, 1_000),
		AccountFlowRate:  bi(0),
		PreviousFlowRate: bi(0),
		NewFlowRate:      bi(10),
	})
	require.True(t, ok)
	assert.Equal(t, int64(1_100), at)
}

func TestEstimate_WrapExtendsRunway(t *testing.T) {
	in := Input{
		Snapshot:         snap(1000, -10, 0),
		AccountFlowRate:  bi(-10),
		PreviousFlowRate: bi(10),
		NewFlowRate:      bi(20),
	}
	at, ok := Estimate(in)
	require.True(t, ok)
	assert.Equal(t, int64(50), at, "outflow 20/s drains 1000 in 50s")

	in.WrapAmount = bi(1000)
	at, ok = Estimate(in)
	require.True(t, ok)
	assert.Equal(t, int64(100), at)
}

func TestEstimate_FloorsSeconds(t *testing.T) {
	at, ok := Estimate(Input{
		Snapshot:    snap(1001, 0, 0),
		NewFlowRate: bi(10),
	})
	require.True(t, ok)
	assert.Equal(t, int64(100), at)

	// Already-negative balance: floor(-5/10) = -1, not 0.
	at, ok = Estimate(Input{
		Snapshot:    snap(-5, -10, 100),
		NewFlowRate: bi(10),
	})
	require.True(t, ok)
	assert.Equal(t, int64(99), at)
}

func TestEstimate_NoEstimateWhenNotDraining(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	for i := 0; i < 1000; i++ {
		in := Input{
			Snapshot:         snap(rng.Int63n(1<<40), 0, rng.Int63n(1<<31)),
			WrapAmount:       bi(rng.Int63n(1 << 30)),
			AccountFlowRate:  bi(rng.Int63n(1<<30) - 1<<29),
			PreviousFlowRate: bi(rng.Int63n(1 << 29)),
			NewFlowRate:      bi(rng.Int63n(1 << 29)),
		}
		at, ok := Estimate(in)
		if EffectiveOutflow(in).Sign() <= 0 {
			assert.False(t, ok, "case %d", i)
			assert.Equal(t, int64(0), at)
		} else {
			assert.True(t, ok, "case %d", i)
		}
	}
}

func TestEstimate_ZeroOutflow(t *testing.T) {
	_, ok := Estimate(Input{
		Snapshot:         snap(1000, -10, 0),
		AccountFlowRate:  bi(-10),
		PreviousFlowRate: bi(10),
		NewFlowRate:      bi(0),
	})
	assert.False(t, ok, "closing the only stream leaves nothing draining")
}

func TestEstimate_NetReceiver(t *testing.T) {
	_, ok := Estimate(Input{
		Snapshot:        snap(1000, 50, 0),
		AccountFlowRate: bi(50),
		NewFlowRate:     bi(10),
	})
	assert.False(t, ok)
}

func TestEstimate_HugeRunwaySaturates(t *testing.T) {
	huge := new(big.Int).Lsh(bi(1), 200)
	at, ok := Estimate(Input{
		Snapshot:    balance.Snapshot{BalanceAtUpdate: huge, NetFlowRate: bi(0), UpdatedAt: 10},
		NewFlowRate: bi(1),
	})
	require.True(t, ok)
	assert.Equal(t, maxTimestamp, at)
}

func TestEffectiveOutflow(t *testing.T) {
	got := EffectiveOutflow(Input{AccountFlowRate: bi(-30), PreviousFlowRate: bi(10), NewFlowRate: bi(25)})
	assert.Equal(t, int64(45), got.Int64())
	assert.Equal(t, int64(0), EffectiveOutflow(Input{}).Int64())
}

func TestSuggestedWrap(t *testing.T) {
	perMonth := bi(1_000_000)
	rate := new(big.Int).Quo(perMonth, bi(units.SecondsPerMonth))
	now := int64(1_700_000_000)

	// Empty balance: depletes immediately, suggest three months.
	in := Input{Snapshot: snap(0, 0, now), NewFlowRate: bi(1)}
	assert.Equal(t, int64(3_000_000), SuggestedWrap(in, perMonth, now).Int64())

	// Plenty of runway: no suggestion.
	in = Input{Snapshot: snap(1<<60, 0, now), NewFlowRate: rate}
	assert.Equal(t, int64(0), SuggestedWrap(in, perMonth, now).Int64())

	// Nothing draining: no suggestion.
	in = Input{Snapshot: snap(0, 0, now)}
	assert.Equal(t, int64(0), SuggestedWrap(in, perMonth, now).Int64())

	// Zero amount: no suggestion.
	in = Input{Snapshot: snap(0, 0, now), NewFlowRate: bi(1)}
	assert.Equal(t, int64(0), SuggestedWrap(in, bi(0), now).Int64())
	assert.Equal(t, int64(0), SuggestedWrap(in, nil, now).Int64())
}

func TestSuggestedBalance(t *testing.T) {
	assert.Equal(t, 3*units.SecondsPerMonth*5, SuggestedBalance(bi(5)).Int64())
	assert.Equal(t, int64(0), SuggestedBalance(bi(0)).Int64())
	assert.Equal(t, int64(0), SuggestedBalance(nil).Int64())
}
