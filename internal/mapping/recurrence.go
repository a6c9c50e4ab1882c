package mapping

import (
	"log/slog"
	"strings"

	"github.com/teambition/rrule-go"
)

const rrulePrefix = "RRULE:"

// NormalizeRecurrence validates RFC 5545 recurrence lines. RRULE lines are
// parsed and re-serialised in canonical form; unparseable rules are dropped
// with a warning. EXDATE, RDATE and EXRULE lines pass through unchanged.
func NormalizeRecurrence(lines []string, logger *slog.Logger) []string {
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		isRule := strings.HasPrefix(upper, rrulePrefix) || strings.HasPrefix(upper, "FREQ=")
		if !isRule {
			out = append(out, line)
			continue
		}

		body := line
		if strings.HasPrefix(upper, rrulePrefix) {
			body = line[len(rrulePrefix):]
		}
		opt, err := rrule.StrToROption(body)
		if err != nil {
			if logger != nil {
				logger.Warn("dropping invalid recurrence rule", "rule", line, "error", err)
			}
			continue
		}
		out = append(out, rrulePrefix+opt.RRuleString())
	}
	return out
}

// splitRecurrence splits a stored multi-line recurrence value.
func splitRecurrence(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
}
