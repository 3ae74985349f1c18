// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the interval returned for "unlimited" and its synonyms.
const Unlimited = time.Duration(math.MaxInt64)

var intervalUnits = map[string]time.Duration{
	"ns": time.Nanosecond, "nanosecond": time.Nanosecond, "nanoseconds": time.Nanosecond,
	"us": time.Microsecond, "microsecond": time.Microsecond, "microseconds": time.Microsecond,
	"ms": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseInterval parses a signing interval. Accepted forms are Go durations
// ("30s", "1m30s"), "<n> <unit>" phrases ("1 minute", "5 seconds"), the
// keywords "unlimited", "indefinite" and "infinity", and "zero".
func ParseInterval(s string) (time.Duration, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	switch text {
	case "":
		return 0, fmt.Errorf("interval is empty")
	case "unlimited", "indefinite", "infinity":
		return Unlimited, nil
	case "zero", "0":
		return 0, nil
	}

	if d, err := time.ParseDuration(text); err == nil {
		return d, nil
	}

	fields := strings.Fields(text)
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid interval %q: amount must be a non-negative integer", s)
	}
	unit, ok := intervalUnits[fields[1]]
	if !ok {
		return 0, fmt.Errorf("invalid interval %q: unknown unit %q", s, fields[1])
	}
	if n > 0 && time.Duration(n) > Unlimited/unit {
		return 0, fmt.Errorf("invalid interval %q: out of range", s)
	}
	return time.Duration(n) * unit, nil
}

// ValidateSigningInterval rejects intervals that would never produce a
// signature row.
func ValidateSigningInterval(d time.Duration) error {
	switch {
	case d <= 0:
		return fmt.Errorf("signing interval must be greater than zero")
	case d == Unlimited:
		return fmt.Errorf("signing interval cannot be unlimited")
	}
	return nil
}
