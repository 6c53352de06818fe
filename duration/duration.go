/*
Package duration turns the free text of a mention into the delay the user
asked for.

The recognized vocabulary is a magnitude followed by a unit, with optional
whitespace in between ("3 months", "30min", "2w"). Magnitudes may be
integers or simple decimals; decimals are truncated to whole seconds after
multiplication, never rounded up. Months and years use fixed approximations
(30 and 365 days). The bare abbreviation "m" is rejected as ambiguous
between minutes and months; use "min" or "mo".
*/
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ErrorKind string

const (
	ErrNoDurationFound ErrorKind = "no_duration_found"
	ErrMalformed       ErrorKind = "malformed"
	ErrOutOfRange      ErrorKind = "out_of_range"
)

type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Seconds multipliers per unit family. Months and years are calendar-naive.
const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
	secondsPerWeek   = 7 * secondsPerDay
	secondsPerMonth  = 30 * secondsPerDay
	secondsPerYear   = 365 * secondsPerDay
)

var unitSeconds = map[string]int64{
	"seconds": 1, "second": 1, "secs": 1, "sec": 1, "s": 1,
	"minutes": secondsPerMinute, "minute": secondsPerMinute, "mins": secondsPerMinute, "min": secondsPerMinute,
	"hours": secondsPerHour, "hour": secondsPerHour, "hrs": secondsPerHour, "hr": secondsPerHour, "h": secondsPerHour,
	"days": secondsPerDay, "day": secondsPerDay, "d": secondsPerDay,
	"weeks": secondsPerWeek, "week": secondsPerWeek, "wks": secondsPerWeek, "wk": secondsPerWeek, "w": secondsPerWeek,
	"months": secondsPerMonth, "month": secondsPerMonth, "mos": secondsPerMonth, "mo": secondsPerMonth,
	"years": secondsPerYear, "year": secondsPerYear, "yrs": secondsPerYear, "yr": secondsPerYear, "y": secondsPerYear,
}

// Candidate <number><unit> token pairs. The unit run is matched greedily so
// the longest alias at each position wins ("mos" never stops at "mo").
var tokenPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([a-zA-Z]+)`)

var mentionPattern = regexp.MustCompile(`@\w+`)

// StripMentions removes @handles so the bot's own handle never matches as
// an alias.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

/*
Parse scans text for the first recognized <number><unit> pair and returns
it as a Duration.

Returns a *ParseError with Kind ErrNoDurationFound when no recognized pair
exists, ErrMalformed when the only candidate uses the ambiguous bare "m"
unit, and ErrOutOfRange when the result is not positive or exceeds max.
*/
func Parse(text string, max time.Duration) (time.Duration, error) {
	stripped := strings.ToLower(StripMentions(text))

	for _, match := range tokenPattern.FindAllStringSubmatch(stripped, -1) {
		magnitude, unit := match[1], match[2]
		if unit == "m" {
			return 0, &ParseError{Kind: ErrMalformed, Detail: `ambiguous unit "m": use "min" for minutes or "mo" for months`}
		}
		multiplier, ok := unitSeconds[unit]
		if !ok {
			// Not a duration token, keep scanning
			continue
		}
		value, err := strconv.ParseFloat(magnitude, 64)
		if err != nil {
			return 0, &ParseError{Kind: ErrMalformed, Detail: fmt.Sprintf("unreadable magnitude %q", magnitude)}
		}
		// Truncate, not round: 1.5min is 90s, 0.9s is 0s
		seconds := int64(value * float64(multiplier))
		if seconds <= 0 {
			return 0, &ParseError{Kind: ErrOutOfRange, Detail: fmt.Sprintf("%q is not a positive delay", match[0])}
		}
		// Compare in seconds; huge requests would overflow a Duration
		if seconds > int64(max/time.Second) {
			return 0, &ParseError{Kind: ErrOutOfRange, Detail: fmt.Sprintf("%q exceeds the maximum delay of %s", match[0], Format(max))}
		}
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, &ParseError{Kind: ErrNoDurationFound, Detail: "no duration found in text"}
}

// Format renders a duration as the single largest whole unit, for
// confirmation and reminder replies ("90 minutes" comes back as "1 hour").
func Format(d time.Duration) string {
	seconds := int64(d / time.Second)
	switch {
	case seconds < secondsPerMinute:
		return pluralize(seconds, "second")
	case seconds < secondsPerHour:
		return pluralize(seconds/secondsPerMinute, "minute")
	case seconds < secondsPerDay:
		return pluralize(seconds/secondsPerHour, "hour")
	case seconds < secondsPerWeek:
		return pluralize(seconds/secondsPerDay, "day")
	case seconds < secondsPerMonth:
		return pluralize(seconds/secondsPerWeek, "week")
	case seconds < secondsPerYear:
		return pluralize(seconds/secondsPerMonth, "month")
	default:
		return pluralize(seconds/secondsPerYear, "year")
	}
}

func pluralize(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
