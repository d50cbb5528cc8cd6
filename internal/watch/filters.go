// ABOUTME: Filename filters the viewer sends to select instrument files
// ABOUTME: Parses frequency and file number from names like handle_60Hz__12.txt

package watch

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/sacmes-gateway/internal/protocol"
)

// DefaultExtension applies when a filter names no extension.
const DefaultExtension = ".txt"

// namePattern captures frequency and file number.
var namePattern = regexp.MustCompile(`(?i)_(\d+)Hz_?_?(\d+)\.`)

// Filters selects files by handle prefix, frequency, number range, and extension.
type Filters protocol.Filters

// Complete reports whether the filters can match anything.
func (f Filters) Complete() bool {
	return f.Handle != "" && len(f.Frequencies) > 0
}

func (f Filters) extension() string {
	if f.FileExtension == "" {
		return DefaultExtension
	}
	return f.FileExtension
}

// Match reports whether name passes every filter. Incomplete filters match nothing.
func (f Filters) Match(name string) bool {
	if !strings.HasSuffix(name, f.extension()) {
		return false
	}
	if !f.Complete() || !strings.HasPrefix(name, f.Handle) {
		return false
	}
	freq, num, ok := ParseName(name)
	if !ok {
		return false
	}
	if !slices.Contains(f.Frequencies, freq) {
		return false
	}
	return f.RangeStart <= num && num <= f.RangeEnd
}

// ParseName extracts the frequency and file number from name.
func ParseName(name string) (freq, num int, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	freq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	num, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return freq, num, true
}
