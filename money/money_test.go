package money_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/marketing-ledger/money"
)

func TestParse_RoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10", "10.00"},
		{"10.1", "10.10"},
		{"10.005", "10.01"},
		{"10.004", "10.00"},
		{"-10.005", "-10.01"},
		{"0.995", "1.00"},
		{"2.675", "2.68"},
	}

	for _, c := range cases {
		a, err := money.Parse(c.in)
		require.NoError(t, err, "parse %q", c.in)
		assert.Equal(t, c.want, a.String(), "parse %q", c.in)
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "12.3.4", "1e"} {
		_, err := money.Parse(in)
		assert.ErrorIs(t, err, money.ErrInvalidAmount, "input %q", in)
	}
}

func TestParsePositive_RejectsZeroAndNegative(t *testing.T) {
	for _, in := range []string{"0", "0.00", "-5", "-0.01"} {
		_, err := money.ParsePositive(in)
		assert.ErrorIs(t, err, money.ErrInvalidAmount, "input %q", in)
	}

	a, err := money.ParsePositive("0.01")
	require.NoError(t, err)
	assert.Equal(t, "0.01", a.String())
}

func TestFromFloat_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := money.FromFloat(f)
		assert.ErrorIs(t, err, money.ErrInvalidAmount)
	}

	a, err := money.FromFloat(19.999)
	require.NoError(t, err)
	assert.Equal(t, "20.00", a.String())
}

func TestArithmetic_NoDriftAcrossManyOperations(t *testing.T) {
	// 0.1 added 1000 times must be exactly 100.00, not 99.9999...
	sum := money.Zero
	step := money.MustParse("0.10")
	for i := 0; i < 1000; i++ {
		sum = sum.Add(step)
	}
	assert.Equal(t, "100.00", sum.String())
	assert.Equal(t, int64(10000), sum.Cents())
}

func TestCents_Roundtrip(t *testing.T) {
	a := money.FromCents(1234)
	assert.Equal(t, "12.34", a.String())
	assert.Equal(t, int64(1234), a.Cents())
}

func TestJSON_StringAndNumberAccepted(t *testing.T) {
	var a money.Amount
	require.NoError(t, json.Unmarshal([]byte(`"12.34"`), &a))
	assert.Equal(t, "12.34", a.String())

	require.NoError(t, json.Unmarshal([]byte(`12.345`), &a))
	assert.Equal(t, "12.35", a.String())

	out, err := json.Marshal(money.MustParse("7.5"))
	require.NoError(t, err)
	assert.Equal(t, `"7.50"`, string(out))
}
