package bigmath

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertFloorRoot(t *testing.T, n, r *big.Int) {
	t.Helper()
	sq := new(big.Int).Mul(r, r)
	require.True(t, sq.Cmp(n) <= 0, "r^2 must be <= n (n=%s r=%s)", n, r)
	r1 := new(big.Int).Add(r, big.NewInt(1))
	sq1 := new(big.Int).Mul(r1, r1)
	require.True(t, sq1.Cmp(n) > 0, "(r+1)^2 must be > n (n=%s r=%s)", n, r)
}

func TestSqrt_SmallValues(t *testing.T) {
	tests := []struct {
		n    int64
		want int64
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 1},
		{4, 2},
		{8, 2},
		{9, 3},
		{15, 3},
		{16, 4},
		{99, 9},
		{100, 10},
		{10_000_000, 3162},
		{299_999, 547},
	}

	for _, tt := range tests {
		got, err := Sqrt(big.NewInt(tt.n))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Int64(), "Sqrt(%d)", tt.n)
	}
}

func TestSqrt_FloorProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		n := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), uint(1+rng.Intn(300))))
		r, err := Sqrt(n)
		require.NoError(t, err)
		assertFloorRoot(t, n, r)
	}
}

func TestSqrt_PerfectSquaresAndNeighbours(t *testing.T) {
	for _, bits := range []uint{1, 7, 31, 32, 63, 64, 96, 127, 128, 255} {
		base := new(big.Int).Lsh(big.NewInt(1), bits)
		base.Sub(base, big.NewInt(3))
		sq := new(big.Int).Mul(base, base)

		for _, delta := range []int64{-1, 0, 1} {
			n := new(big.Int).Add(sq, big.NewInt(delta))
			r, err := Sqrt(n)
			require.NoError(t, err)
			assertFloorRoot(t, n, r)
		}
	}
}

func TestSqrt_MatchesStdlibReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		n := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 256))
		got, err := Sqrt(n)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Cmp(new(big.Int).Sqrt(n)), "n=%s", n)
	}
}

func TestSqrt_Negative(t *testing.T) {
	_, err := Sqrt(big.NewInt(-1))
	require.Error(t, err)
	assert.True(t, IsDomainError(err))

	var de *DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrCodeNegativeSqrt, de.Code)
}

func TestSqrt_Nil(t *testing.T) {
	_, err := Sqrt(nil)
	assert.True(t, IsDomainError(err))
}

func TestSqrt_DoesNotMutateInput(t *testing.T) {
	n := big.NewInt(1_000_000)
	_, err := Sqrt(n)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), n.Int64())
}

func TestQuo_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{7, 2, 3},
		{-7, 2, -3},
		{7, -2, -3},
		{-7, -2, 3},
		{0, 5, 0},
	}
	for _, tt := range tests {
		got, err := Quo(big.NewInt(tt.a), big.NewInt(tt.b))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Int64(), "%d/%d", tt.a, tt.b)
	}
}

func TestFloorDiv(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{7, 2, 3},
		{-7, 2, -4},
		{7, -2, -4},
		{-7, -2, 3},
		{-8, 2, -4},
		{0, 3, 0},
	}
	for _, tt := range tests {
		got, err := FloorDiv(big.NewInt(tt.a), big.NewInt(tt.b))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Int64(), "floor(%d/%d)", tt.a, tt.b)
	}
}

func TestDivisionByZero(t *testing.T) {
	_, err := Quo(big.NewInt(1), big.NewInt(0))
	assert.True(t, IsDivisionByZero(err))

	_, err = FloorDiv(big.NewInt(1), big.NewInt(0))
	assert.True(t, IsDivisionByZero(err))

	_, err = MulQuo(big.NewInt(2), big.NewInt(3), big.NewInt(0))
	assert.True(t, IsDivisionByZero(err))
}

func TestMulQuo(t *testing.T) {
	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	got, err := MulQuo(huge, big.NewInt(1000), big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(huge))
}

func TestDomainError_Message(t *testing.T) {
	err := NewDomainError(ErrCodeDivisionByZero, "matching.pool_units", "new pool units is zero")
	assert.Equal(t, "DIVISION_BY_ZERO: matching.pool_units: new pool units is zero", err.Error())

	err = NewDomainError(ErrCodeNilOperand, "", "missing")
	assert.Equal(t, "NIL_OPERAND: missing", err.Error())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, int64(0), OrZero(nil).Int64())
	assert.True(t, IsPositive(big.NewInt(1)))
	assert.False(t, IsPositive(big.NewInt(0)))
	assert.False(t, IsPositive(nil))
	assert.Nil(t, Clone(nil))

	v := big.NewInt(5)
	c := Clone(v)
	c.SetInt64(6)
	assert.Equal(t, int64(5), v.Int64())
	assert.Equal(t, int64(0), Zero().Int64())
}
