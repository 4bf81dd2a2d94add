package codec

import (
	"regexp"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

// compactLayout is the reference-time layout used to format a UTC
// instant before every non-digit character is stripped: 4-digit year,
// 2-digit month/day/hour/minute/second, and a fixed 6-digit
// microsecond fraction, giving a stable 20-character all-digits
// string.
const compactLayout = "20060102150405.000000"

var digitsOnly = regexp.MustCompile(`^\d{20}$`)

// Compact renders a UTC instant as the all-digits compact timestamp
// used in moduli filenames and the timestamp column of stored/emitted
// rows (spec §3 CompactTimestamp).
func Compact(t time.Time) string {
	s := t.UTC().Format(compactLayout)
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// ParseCompact is the inverse of Compact, up to microsecond precision.
func ParseCompact(s string) (time.Time, error) {
	if !digitsOnly.MatchString(s) {
		return time.Time{}, xerrors.Errorf("invalid compact timestamp %q: want 20 digits", s)
	}
	layout := "20060102150405"
	t, err := time.Parse(layout, s[:14])
	if err != nil {
		return time.Time{}, xerrors.Errorf("parsing compact timestamp %q: %w", s, err)
	}
	micros, err := strconv.ParseInt(s[14:], 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("parsing compact timestamp fraction %q: %w", s, err)
	}
	return t.UTC().Add(time.Duration(micros) * time.Microsecond), nil
}
