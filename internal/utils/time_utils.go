package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
)

// suffixes are checked in order, "ms" must come before "m" and "s".
var durationSuffixes = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime converts config strings such as "10s", "5m", "250ms" or "2d" into a duration.
// Invalid input is logged and yields zero.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0
	}
	for _, s := range durationSuffixes {
		cutString, found := strings.CutSuffix(timeString, s.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string %q: %s", timeString, err.Error())
			return 0
		}
		return time.Duration(number) * s.unit
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
