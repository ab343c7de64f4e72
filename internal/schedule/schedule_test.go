package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInRange_SameStartEndIsAllDay(t *testing.T) {
	for s := 0; s <= 23; s++ {
		for n := 0; n <= 23; n++ {
			assert.True(t, InRange(n, s, s), "now=%d start=end=%d", n, s)
		}
	}
}

func TestInRange_DaytimeWindow(t *testing.T) {
	cases := []struct {
		now  int
		want bool
	}{
		{7, false},
		{8, true},
		{12, true},
		{17, true},
		{18, false},
		{23, false},
		{0, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, InRange(c.now, 8, 18), "now=%d", c.now)
	}
}

func TestInRange_OvernightWraparound(t *testing.T) {
	cases := []struct {
		now  int
		want bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{5, true},
		{6, false},
		{10, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, InRange(c.now, 22, 6), "now=%d", c.now)
	}
}

func TestInRange_AdjacentAndEdges(t *testing.T) {
	// 相邻小时：只包含起始小时
	assert.True(t, InRange(8, 8, 9))
	assert.False(t, InRange(9, 8, 9))
	// 跨午夜只剩一个小时之外
	assert.True(t, InRange(0, 23, 22))
	assert.False(t, InRange(22, 23, 22))
	// 0 / 23 边界
	assert.True(t, InRange(0, 0, 23))
	assert.True(t, InRange(22, 0, 23))
	assert.False(t, InRange(23, 0, 23))
	assert.True(t, InRange(23, 23, 0))
	assert.False(t, InRange(0, 23, 0))
}

func TestInRange_ExhaustiveAgainstDefinition(t *testing.T) {
	for s := 0; s <= 23; s++ {
		for e := 0; e <= 23; e++ {
			for n := 0; n <= 23; n++ {
				var want bool
				switch {
				case s == e:
					want = true
				case s < e:
					want = n >= s && n < e
				default:
					want = n >= s || n < e
				}
				require.Equal(t, want, InRange(n, s, e), "now=%d start=%d end=%d", n, s, e)
			}
		}
	}
}

func TestInRange_InvalidHours(t *testing.T) {
	assert.False(t, InRange(10, -1, 18))
	assert.False(t, InRange(10, 8, 24))
	assert.False(t, InRange(10, 24, 24))
	assert.False(t, InRange(10, -1, -1))
}

func TestParseHour(t *testing.T) {
	valid := []any{float64(0), float64(23), 8, int64(18), json.Number("6")}
	for _, v := range valid {
		_, ok := ParseHour(v)
		assert.True(t, ok, "%v", v)
	}

	h, ok := ParseHour(float64(22))
	require.True(t, ok)
	assert.Equal(t, 22, h)

	invalid := []any{nil, "8", true, 8.5, float64(-1), float64(24), json.Number("x")}
	for _, v := range invalid {
		_, ok := ParseHour(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestCurrentHourInZone(t *testing.T) {
	// 2024-01-01 03:30 UTC = 10:30 Asia/Ho_Chi_Minh (UTC+7)
	clock := FixedClock{T: time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC)}

	h, err := CurrentHourInZone(clock, DefaultTimezone)
	require.NoError(t, err)
	assert.Equal(t, 10, h)

	h, err = CurrentHourInZone(clock, "UTC")
	require.NoError(t, err)
	assert.Equal(t, 3, h)

	h, err = CurrentHourInZone(clock, "America/New_York")
	require.NoError(t, err)
	assert.Equal(t, 22, h)
}

func TestCurrentHourInZone_UnknownZoneFails(t *testing.T) {
	clock := FixedClock{T: time.Now()}

	_, err := CurrentHourInZone(clock, "Mars/Olympus_Mons")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTimezone))

	_, err = CurrentHourInZone(clock, "")
	assert.True(t, errors.Is(err, ErrUnknownTimezone))
}

func TestLoadZone(t *testing.T) {
	loc, err := LoadZone(DefaultTimezone)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, loc.String())

	_, err = LoadZone("")
	assert.ErrorIs(t, err, ErrUnknownTimezone)
	_, err = LoadZone("Nowhere/Land")
	assert.ErrorIs(t, err, ErrUnknownTimezone)
}
