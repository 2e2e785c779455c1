package guard

import (
	"net/url"
	"regexp"
)

// ThreatCategory names a signature family matched by the payload scanner.
type ThreatCategory string

const (
	ThreatNone            ThreatCategory = "clean"
	ThreatScriptInjection ThreatCategory = "script-injection"
	ThreatQueryInjection  ThreatCategory = "query-injection"
)

// Verdict is advisory: the caller decides whether to reject, sanitize, or log.
type Verdict struct {
	Category ThreatCategory
	Matched  string // the signature that fired, empty when clean
}

func (v Verdict) Clean() bool {
	return v.Category == ThreatNone
}

type signature struct {
	category ThreatCategory
	pattern  *regexp.Regexp
}

// Detection is pattern-based, not semantic. The set is deliberately small and
// targets the signatures worth blocking at the delivery layer; anything
// subtler belongs in an upstream WAF.
var signatures = []signature{
	{ThreatScriptInjection, regexp.MustCompile(`(?i)<\s*script\b`)},
	{ThreatScriptInjection, regexp.MustCompile(`(?i)<\s*iframe\b`)},
	{ThreatScriptInjection, regexp.MustCompile(`(?i)javascript\s*:`)},
	{ThreatScriptInjection, regexp.MustCompile(`(?i)\bon(?:load|error|click|mouseover|focus)\s*=`)},
	{ThreatQueryInjection, regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`)},
	{ThreatQueryInjection, regexp.MustCompile(`(?i)\b(?:drop|truncate)\s+table\b`)},
	{ThreatQueryInjection, regexp.MustCompile(`(?i)\bdelete\s+from\b`)},
	{ThreatQueryInjection, regexp.MustCompile(`(?i)\binsert\s+into\b.*\bvalues\b`)},
	{ThreatQueryInjection, regexp.MustCompile(`(?i)['"]\s*(?:or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`)},
}

// ScanPayload evaluates text against the signature set. Both the raw text and
// a percent-decoded form are scanned to catch encoding evasion. An empty
// payload is always clean; the scanner never errors.
func ScanPayload(text string) Verdict {
	if text == "" {
		return Verdict{Category: ThreatNone}
	}

	candidates := []string{text}
	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		candidates = append(candidates, decoded)
	}

	for _, candidate := range candidates {
		for _, sig := range signatures {
			if sig.pattern.MatchString(candidate) {
				return Verdict{Category: sig.category, Matched: sig.pattern.String()}
			}
		}
	}
	return Verdict{Category: ThreatNone}
}
