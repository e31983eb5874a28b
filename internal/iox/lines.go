package iox

import (
	"fmt"
	"strings"
)

// SplitLines splits decoded output on \n, preserving interior empty lines.
// Each returned line excludes its terminator; a single trailing newline does
// not produce a final empty line.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// ClampTail retains only the last limit lines. When at least one line was
// dropped, a synthetic notice line is prepended. limit <= 0 means no clamp.
func ClampTail(lines []string, limit int) []string {
	if limit <= 0 || len(lines) <= limit {
		return lines
	}
	dropped := len(lines) - limit
	out := make([]string, 0, limit+1)
	out = append(out, fmt.Sprintf("… %d earlier lines omitted …", dropped))
	out = append(out, lines[dropped:]...)
	return out
}
