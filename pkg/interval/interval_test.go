package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNew_RejectsEmptyAndInverted(t *testing.T) {
	_, err := New(day(2019, 2, 1), day(2019, 1, 1))
	require.ErrorIs(t, err, ErrInvalidInterval)

	_, err = New(day(2019, 1, 1), day(2019, 1, 1))
	require.ErrorIs(t, err, ErrInvalidInterval)

	iv, err := New(day(2019, 1, 1), day(2019, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, day(2019, 1, 1), iv.Start)
	assert.Equal(t, day(2019, 2, 1), iv.Stop)
}

func TestNew_NormalizesToUTCMicroseconds(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	start := time.Date(2019, 1, 1, 2, 0, 0, 1500, loc)

	iv, err := New(start, day(2019, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, iv.Start.Location())
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 1000, time.UTC), iv.Start)
}

func TestContains_HalfOpen(t *testing.T) {
	iv := MustNew(day(2019, 1, 1), day(2019, 2, 1))

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before window", day(2018, 12, 31), false},
		{"window start", day(2019, 1, 1), true},
		{"middle of window", day(2019, 1, 2), true},
		{"window stop", day(2019, 2, 1), false},
		{"after window", day(2019, 2, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, iv.Contains(tt.at))
		})
	}
}

func TestOverlaps(t *testing.T) {
	base := MustNew(day(2019, 1, 1), day(2019, 2, 1))

	tests := []struct {
		name  string
		other Interval
		want  bool
	}{
		{"disjoint before", MustNew(day(2018, 1, 1), day(2018, 2, 1)), false},
		{"touching before", MustNew(day(2018, 12, 1), day(2019, 1, 1)), false},
		{"touching after", MustNew(day(2019, 2, 1), day(2019, 3, 1)), false},
		{"front overlap", MustNew(day(2018, 12, 1), day(2019, 1, 2)), true},
		{"inside", MustNew(day(2019, 1, 15), day(2019, 1, 20)), true},
		{"enclosing", MustNew(day(2018, 1, 1), day(2020, 1, 1)), true},
		{"identical", base, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.other))
			assert.Equal(t, tt.want, tt.other.Overlaps(base), "overlap must be symmetric")
		})
	}
}

func TestClamp(t *testing.T) {
	iv := MustNew(day(2019, 1, 1), day(2019, 2, 1))

	prior, err := iv.ClampStop(day(2019, 1, 15))
	require.NoError(t, err)
	assert.Equal(t, MustNew(day(2019, 1, 1), day(2019, 1, 15)), prior)

	following, err := iv.ClampStart(day(2019, 1, 20))
	require.NoError(t, err)
	assert.Equal(t, MustNew(day(2019, 1, 20), day(2019, 2, 1)), following)

	_, err = iv.ClampStop(day(2019, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestSince_IsOpen(t *testing.T) {
	iv, err := Since(day(2019, 1, 1))
	require.NoError(t, err)
	assert.True(t, iv.IsOpen())
	assert.True(t, iv.Contains(day(2999, 12, 31)))
	assert.Contains(t, iv.String(), "∞")
}

func TestCovers(t *testing.T) {
	iv := MustNew(day(2019, 1, 1), day(2019, 2, 1))
	assert.True(t, iv.Covers(MustNew(day(2019, 1, 1), day(2019, 2, 1))))
	assert.True(t, iv.Covers(MustNew(day(2019, 1, 5), day(2019, 1, 6))))
	assert.False(t, iv.Covers(MustNew(day(2018, 12, 31), day(2019, 1, 6))))
}
