package money

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
	}{
		{"0", 0},
		{"5", 5_000_000},
		{"0.25", 250_000},
		{".5", 500_000},
		{"3.000001", 3_000_001},
		{"-1.5", -1_500_000},
		{"+2", 2_000_000},
		{" 7. ", 7_000_000},
		{"9223372036854.775807", math.MaxInt64},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{
		"", "-", "abc", "1.0000001", ".", "1.2.3",
		"1.-5", "1.+5", "--5", "+-5", "1 .5", "1e3", "0x10",
		"9223372036854.999999", "9223372036855", "99999999999999999999",
	} {
		got, err := Parse(bad)
		assert.Error(t, err, bad)
		assert.Equal(t, Zero, got, bad)
		assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument), bad)
	}
}

func TestStringIsExact(t *testing.T) {
	assert.Equal(t, "5", FromUSDC(5).String())
	assert.Equal(t, "0.25", MustParse("0.250").String())
	assert.Equal(t, "-0.000001", FromMicro(-1).String())
}

func TestJSONAcceptsNumbersAndStrings(t *testing.T) {
	var payload struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1.5","b":2.25}`), &payload))
	assert.Equal(t, MustParse("1.5"), payload.A)
	assert.Equal(t, MustParse("2.25"), payload.B)

	out, err := json.Marshal(payload.A)
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5"`, string(out))
}

func TestBaseUnits(t *testing.T) {
	a := MustParse("1.5")
	assert.Equal(t, "1500000", a.BaseUnits(6).String())
	assert.Equal(t, "1500000000000000000", a.BaseUnits(18).String())
	assert.Equal(t, "150", a.BaseUnits(2).String())
}
