package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval parses an operator supplied job interval.
//
// Supported forms:
//   - whole seconds: "60"
//   - Go duration: "55m", "2h30m" (must be a whole number of seconds)
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func ParseInterval(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("interval required")
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if n == 0 {
			return 0, errors.New("interval must be > 0")
		}
		return uint32(n), nil
	}

	var d time.Duration
	if reHHMM.MatchString(s) {
		hd, err := parseHHMMDuration(s)
		if err != nil {
			return 0, err
		}
		d = hd
	} else {
		pd, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.WithHint(
				errors.Newf("invalid interval %q", raw),
				"use seconds like '60', HH:MM like '02:30' or a duration like '55m'",
			)
		}
		d = pd
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	if d%time.Second != 0 {
		return 0, errors.Newf("interval %q is not a whole number of seconds", raw)
	}
	secs := int64(d / time.Second)
	if secs > int64(^uint32(0)) {
		return 0, errors.Newf("interval %q is too long", raw)
	}
	return uint32(secs), nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Newf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, errors.Newf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
