// Package rangespec parses the textual range endpoints accepted by the
// reframer (wall-clock times, frame indices, SAP/duration/size split
// directives) into typed descriptors.
package rangespec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/reframe/internal/timing"
)

// Kind identifies what a parsed endpoint selects.
type Kind int

const (
	// KindTime is a media time endpoint (seconds as a rational).
	KindTime Kind = iota
	// KindFrame is a frame-index endpoint.
	KindFrame
	// KindSAPSplit requests splitting at every stream access point.
	KindSAPSplit
	// KindDurSplit requests splitting into fixed-duration chunks.
	KindDurSplit
	// KindSizeSplit requests splitting into chunks of a target byte size.
	KindSizeSplit
)

// Spec is one parsed range endpoint.
type Spec struct {
	Kind Kind

	// Time is set for KindTime and KindDurSplit (the chunk duration).
	Time timing.Rational

	// FrameIdxPlusOne is the 1-based internal frame index for KindFrame;
	// 0 means not frame-based.
	FrameIdxPlusOne uint64

	// SizeBytes is the target chunk size for KindSizeSplit.
	SizeBytes uint64
}

// size multiplier suffixes, decimal base as used across gpac-style size
// properties ("1m" reads as one million bytes, not one mebibyte).
var sizeSuffixes = map[byte]uint64{
	'k': 1000,
	'K': 1000,
	'm': 1000 * 1000,
	'M': 1000 * 1000,
	'g': 1000 * 1000 * 1000,
	'G': 1000 * 1000 * 1000,
}

// Parse converts a textual endpoint into a Spec. Recognized forms:
//
//	Thh:mm:ss[.ms]  Tmm:ss[.ms]  Ts[.ms]   time of day in the media timeline
//	Fn                                      frame number (first frame is 0)
//	RAP | SAP                               split at each access point
//	Dn | Dn/d                               split every n ms (or n/d seconds)
//	Sn[k|m|g]                               split at ~n bytes
//	int | float | num/den                   seconds
func Parse(s string) (Spec, error) {
	if s == "" {
		return Spec{}, fmt.Errorf("empty range endpoint")
	}
	switch s[0] {
	case 'T':
		t, err := parseClock(s[1:])
		if err != nil {
			return Spec{}, fmt.Errorf("range endpoint %q: %w", s, err)
		}
		return Spec{Kind: KindTime, Time: t}, nil
	case 'F', 'f':
		n, err := strconv.ParseUint(s[1:], 10, 63)
		if err != nil {
			return Spec{}, fmt.Errorf("range endpoint %q: bad frame index: %w", s, err)
		}
		return Spec{Kind: KindFrame, FrameIdxPlusOne: n + 1}, nil
	case 'D', 'd':
		t, err := parseDur(s[1:])
		if err != nil {
			return Spec{}, fmt.Errorf("range endpoint %q: %w", s, err)
		}
		return Spec{Kind: KindDurSplit, Time: t}, nil
	case 'S', 's':
		if s == "SAP" {
			return Spec{Kind: KindSAPSplit, Time: timing.Rational{Num: 0, Den: 1000}}, nil
		}
		sz, err := parseSize(s[1:])
		if err != nil {
			return Spec{}, fmt.Errorf("range endpoint %q: %w", s, err)
		}
		return Spec{Kind: KindSizeSplit, SizeBytes: sz}, nil
	}
	if s == "RAP" {
		return Spec{Kind: KindSAPSplit, Time: timing.Rational{Num: 0, Den: 1000}}, nil
	}
	t, err := parseSeconds(s)
	if err != nil {
		return Spec{}, fmt.Errorf("range endpoint %q: expecting Thh:mm:ss[.ms], INT or FRAC: %w", s, err)
	}
	return Spec{Kind: KindTime, Time: t}, nil
}

// parseClock parses "hh:mm:ss[.ms]", "mm:ss[.ms]" or "s[.ms]" into a
// milliseconds rational.
func parseClock(s string) (timing.Rational, error) {
	var ms int64
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		frac, err := strconv.ParseInt(s[dot+1:], 10, 32)
		if err != nil {
			return timing.Rational{}, fmt.Errorf("bad milliseconds: %w", err)
		}
		// out-of-range millisecond field is dropped, matching lenient
		// parsing of hand-written timestamps
		if frac < 1000 {
			ms = frac
		}
		s = s[:dot]
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return timing.Rational{}, fmt.Errorf("too many ':' fields")
	}
	var secs int64
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return timing.Rational{}, fmt.Errorf("bad time field %q: %w", p, err)
		}
		secs = secs*60 + v
	}
	return timing.Rational{Num: secs*1000 + ms, Den: 1000}, nil
}

// parseDur parses "n" (milliseconds) or "n/d" (seconds as a fraction).
func parseDur(s string) (timing.Rational, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return timing.Rational{}, fmt.Errorf("bad duration numerator: %w", err)
		}
		d, err := strconv.ParseUint(den, 10, 64)
		if err != nil || d == 0 {
			return timing.Rational{}, fmt.Errorf("bad duration denominator %q", den)
		}
		return timing.Rational{Num: n, Den: d}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return timing.Rational{}, fmt.Errorf("bad duration: %w", err)
	}
	return timing.Rational{Num: n, Den: 1000}, nil
}

// parseSize parses "n" with an optional k/m/g multiplier suffix.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	if m, ok := sizeSuffixes[s[len(s)-1]]; ok {
		mult = m
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size: %w", err)
	}
	return n * mult, nil
}

// parseSeconds parses a plain integer, float, or num/den fraction of seconds.
func parseSeconds(s string) (timing.Rational, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return timing.Rational{}, err
		}
		d, err := strconv.ParseUint(den, 10, 64)
		if err != nil || d == 0 {
			return timing.Rational{}, fmt.Errorf("bad fraction denominator %q", den)
		}
		return timing.Rational{Num: n, Den: d}, nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return timing.Rational{Num: i, Den: 1}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return timing.Rational{}, err
	}
	return timing.Rational{Num: int64(f * 1000000), Den: 1000000}, nil
}
