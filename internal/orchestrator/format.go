package orchestrator

import (
	"regexp"
	"strings"
)

var (
	bulletRe   = regexp.MustCompile(`^(\s*)[*+]\s+`)
	headingRe  = regexp.MustCompile(`^#{1,6}\s`)
	manyBlanks = regexp.MustCompile(`\n{3,}`)
)

// Format derives the formatted synthesis from the raw model output. It is a
// pure, deterministic function — never an extra model call:
//
//   - CRLF is normalized to LF
//   - trailing whitespace is stripped per line
//   - "*" and "+" bullets are normalized to "-"
//   - headings get a blank line before and after
//   - runs of three or more newlines collapse to two
func Format(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines)+8)
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		line = bulletRe.ReplaceAllString(line, "${1}- ")

		if headingRe.MatchString(line) {
			if n := len(out); n > 0 && out[n-1] != "" {
				out = append(out, "")
			}
			out = append(out, line, "")
			continue
		}
		out = append(out, line)
	}

	s = strings.Join(out, "\n")
	s = manyBlanks.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// chunks splits the formatted synthesis into paragraph-sized pieces for
// synthesis_chunk streaming events.
func chunks(formatted string) []string {
	parts := strings.Split(formatted, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
