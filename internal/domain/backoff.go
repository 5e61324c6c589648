package domain

import (
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// BackoffPolicy computes requeue cooldowns. All fields are milliseconds
// except Factor and JitterRatio.
type BackoffPolicy struct {
	BaseDelayMs int64
	MaxDelayMs  int64
	Factor      float64
	JitterRatio float64
}

var (
	retryInRe    = regexp.MustCompile(`(?i)retry in (\d+)s`)
	retryDelayRe = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+)(ms|s|m)"`)
	clockHintRe  = regexp.MustCompile(`(?i)try again at (\d{1,2}):(\d{2})\s*(AM|PM)`)
)

// ParseRetryHint extracts a provider-supplied retry delay from an error
// message. Supported shapes: "retry in Ns", `"retryDelay":"Xs|Xm|Xms"`, and
// clock form "try again at H:MM AM/PM" which rolls to the next day when the
// target time has already passed (a target equal to now also rolls).
// Returns 0 when no hint is present.
func ParseRetryHint(message string, now time.Time) time.Duration {
	if m := retryInRe.FindStringSubmatch(message); m != nil {
		n, _ := strconv.Atoi(m[1])
		return time.Duration(n) * time.Second
	}
	if m := retryDelayRe.FindStringSubmatch(message); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "ms":
			return time.Duration(n) * time.Millisecond
		case "s":
			return time.Duration(n) * time.Second
		case "m":
			return time.Duration(n) * time.Minute
		}
	}
	if m := clockHintRe.FindStringSubmatch(message); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour < 1 || hour > 12 || minute > 59 {
			return 0
		}
		meridiem := strings.ToUpper(m[3])
		if meridiem == "PM" && hour != 12 {
			hour += 12
		}
		if meridiem == "AM" && hour == 12 {
			hour = 0
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target.Sub(now)
	}
	return 0
}

// Cooldown returns the requeue delay for a task attempt.
//
// The exponential component is min(max, ceil(base * factor^retryCount)). When
// the error message carries a provider retry hint, jitter is ignored and the
// result is max(exponential, hint) — provider-honored retries are never
// shortened. Otherwise deterministic jitter derived from taskID:retryCount is
// added so identical inputs always produce identical delays.
func (p BackoffPolicy) Cooldown(taskID string, retryCount int, errMessage string, now time.Time) time.Duration {
	expMs := int64(math.Ceil(float64(p.BaseDelayMs) * math.Pow(p.Factor, float64(retryCount))))
	if expMs > p.MaxDelayMs {
		expMs = p.MaxDelayMs
	}
	if hint := ParseRetryHint(errMessage, now); hint > 0 {
		if hintMs := int64(hint / time.Millisecond); hintMs > expMs {
			return time.Duration(hintMs) * time.Millisecond
		}
		return time.Duration(expMs) * time.Millisecond
	}
	jitter := jitterMs(taskID, retryCount, expMs, p.JitterRatio)
	total := expMs + jitter
	if total > p.MaxDelayMs {
		total = p.MaxDelayMs
	}
	return time.Duration(total) * time.Millisecond
}

// jitterMs derives a stable jitter in [0, floor(preJitter*ratio)] from a hash
// of taskID:retryCount.
func jitterMs(taskID string, retryCount int, preJitterMs int64, ratio float64) int64 {
	window := int64(math.Floor(float64(preJitterMs)*ratio + 1))
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s:%d", taskID, retryCount)
	return int64(h.Sum64() % uint64(window))
}
