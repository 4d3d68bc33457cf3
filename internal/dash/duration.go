package dash

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPart = regexp.MustCompile(`(\d+\.?\d*)([A-Z])`)

// ParseDuration parses an ISO 8601 duration such as "PT8S" or "P1DT2H".
// Empty input is zero. Year and month designators are rejected since they have
// no fixed length.
func ParseDuration(duration string) (time.Duration, error) {
	if duration == "" {
		return 0, nil
	}
	if !strings.HasPrefix(duration, "P") {
		// Fallback for simple duration strings like "5s"
		return time.ParseDuration(duration)
	}

	datePart, timePart, _ := strings.Cut(strings.TrimPrefix(duration, "P"), "T")
	if datePart == "" && timePart == "" {
		return 0, nil
	}

	var total time.Duration
	for _, part := range []struct {
		s      string
		isTime bool
	}{{datePart, false}, {timePart, true}} {
		if part.s == "" {
			continue
		}
		matches := durationPart.FindAllStringSubmatch(part.s, -1)
		if len(matches) == 0 {
			return 0, errors.New("invalid ISO 8601 duration format")
		}
		for _, match := range matches {
			value, err := strconv.ParseFloat(match[1], 64)
			if err != nil {
				return 0, err
			}
			unit := match[2]
			switch {
			case !part.isTime && unit == "D":
				total += time.Duration(value * float64(24*time.Hour))
			case part.isTime && unit == "H":
				total += time.Duration(value * float64(time.Hour))
			case part.isTime && unit == "M":
				total += time.Duration(value * float64(time.Minute))
			case part.isTime && unit == "S":
				total += time.Duration(value * float64(time.Second))
			default:
				return 0, errors.New("unsupported duration unit: " + unit)
			}
		}
	}
	return total, nil
}
