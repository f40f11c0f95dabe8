package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Amount
	}{
		{"450", 45000},
		{"450.00", 45000},
		{"0.01", 1},
		{"16.75", 1675},
		{"0", 0},
		{"-5.50", -550},
	}
	for _, tt := range tests {
		got, err := Parse(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "abc", "1.005", "10.123", "1,50"} {
		_, err := Parse(input)
		assert.Error(t, err, input)
	}
}

func TestFromUnitsAndUnits(t *testing.T) {
	assert.Equal(t, Amount(1100), FromUnits(11))
	assert.Equal(t, int64(11), FromUnits(11).Units())
	assert.Equal(t, int64(4), MustParse("4.99").Units())
}

func TestMul(t *testing.T) {
	// 3 units at 25.00 each
	assert.Equal(t, MustParse("75.00"), MustParse("3.00").Mul(MustParse("25.00")))
	// 11 units at 16.75
	assert.Equal(t, MustParse("184.25"), FromUnits(11).Mul(MustParse("16.75")))
	// fractional quantity
	assert.Equal(t, MustParse("12.50"), MustParse("0.50").Mul(MustParse("25.00")))
}

func TestDivFloor(t *testing.T) {
	assert.Equal(t, int64(11), MustParse("200.00").DivFloor(MustParse("16.75")))
	assert.Equal(t, int64(0), MustParse("10.00").DivFloor(MustParse("16.75")))
	assert.Equal(t, int64(0), MustParse("10.00").DivFloor(0))
}

func TestResidualAfterFlooredBuy(t *testing.T) {
	reserved := MustParse("200.00")
	price := MustParse("16.75")
	shares := reserved.DivFloor(price)
	spent := FromUnits(shares).Mul(price)

	assert.Equal(t, int64(11), shares)
	assert.Equal(t, MustParse("184.25"), spent)
	assert.Equal(t, MustParse("15.75"), reserved-spent)
}

func TestJSONRoundTrip(t *testing.T) {
	data, err := MustParse("16.75").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "16.75", string(data))

	var a Amount
	require.NoError(t, a.UnmarshalJSON([]byte("450.00")))
	assert.Equal(t, MustParse("450.00"), a)
	require.NoError(t, a.UnmarshalJSON([]byte(`"16.75"`)))
	assert.Equal(t, MustParse("16.75"), a)
	assert.Error(t, a.UnmarshalJSON([]byte(`"abc"`)))
}

func TestString(t *testing.T) {
	assert.Equal(t, "450.00", MustParse("450").String())
	assert.Equal(t, "0.05", Amount(5).String())
	assert.Equal(t, "-3.20", MustParse("-3.2").String())
}
