// ABOUTME: Tests for filename filters and frequency/number parsing
// ABOUTME: Covers the instrument naming variants seen in the field

package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFiltersMatch(t *testing.T) {
	f := Filters{
		Handle:      "runA",
		Frequencies: []int{60, 120},
		RangeStart:  1,
		RangeEnd:    10,
	}

	tests := []struct {
		name string
		file string
		want bool
	}{
		{"single underscore", "runA_60Hz_3.txt", true},
		{"double underscore", "runA_electrode_120Hz__10.txt", true},
		{"no separator", "runA_60Hz7.txt", true},
		{"lowercase hz", "runA_60hz_3.txt", true},
		{"range start inclusive", "runA_60Hz_1.txt", true},
		{"below range", "runA_60Hz_0.txt", false},
		{"above range", "runA_60Hz_11.txt", false},
		{"frequency not selected", "runA_90Hz_3.txt", false},
		{"wrong handle", "runB_60Hz_3.txt", false},
		{"wrong extension", "runA_60Hz_3.csv", false},
		{"no frequency", "runA_3.txt", false},
		{"triple underscore", "runA_60Hz___3.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.file))
		})
	}
}

func TestFiltersMatch_Incomplete(t *testing.T) {
	assert.False(t, Filters{Frequencies: []int{60}, RangeEnd: 10}.Match("runA_60Hz_3.txt"), "no handle")
	assert.False(t, Filters{Handle: "runA", RangeEnd: 10}.Match("runA_60Hz_3.txt"), "no frequencies")
	assert.False(t, Filters{}.Match("runA_60Hz_3.txt"))
}

func TestFiltersMatch_Extension(t *testing.T) {
	f := Filters{Handle: "runA", Frequencies: []int{60}, RangeStart: 0, RangeEnd: 5, FileExtension: ".csv"}
	assert.True(t, f.Match("runA_60Hz_3.csv"))
	assert.False(t, f.Match("runA_60Hz_3.txt"))
}

func TestParseName(t *testing.T) {
	freq, num, ok := ParseName("x_250HZ__42.dat")
	assert.True(t, ok)
	assert.Equal(t, 250, freq)
	assert.Equal(t, 42, num)

	_, _, ok = ParseName("x_250Hz.dat")
	assert.False(t, ok)
}
