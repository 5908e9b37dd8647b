package notify

import (
	"fmt"
	"strings"
)

// Severity orders dispatch requests: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal of s (-1 if unknown).
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s >= min in severity order.
// An unknown min never passes.
func (s Severity) AtLeast(min Severity) bool {
	sr, mr := s.Rank(), min.Rank()
	return sr >= 0 && mr >= 0 && sr >= mr
}

func ValidSeverity(s Severity) bool { return s.Rank() >= 0 }

// ParseSeverity parses a severity string (case-insensitive).
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !ValidSeverity(sev) {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}
