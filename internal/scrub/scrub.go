// internal/scrub/scrub.go
package scrub

import (
	"regexp"
	"strings"

	"github.com/proth1/kmflow-agent/internal/protocol"
)

// RedactionToken replaces every pattern match. The backend's later-stage
// scanning keys on this exact token.
const RedactionToken = "[REDACTED]"

// RuleSetVersion identifies the compiled pattern set. Bump when rules change
// so the backend can account for records scrubbed under older rules.
const RuleSetVersion = "v1"

// rule is one PII pattern matcher. validate, when set, confirms a regex
// candidate before redaction (e.g. Luhn for card numbers).
type rule struct {
	name     string
	re       *regexp.Regexp
	validate func(match string) bool
}

// Patterns are word-anchored so a hit inside a longer run of text is still
// caught when fields get concatenated upstream.
var rules = []rule{
	{
		name: "email",
		re:   regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		name: "ssn",
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name: "phone",
		re:   regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
	},
	{
		name:     "card",
		re:       regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`),
		validate: luhnValid,
	},
	{
		name: "ipv4",
		re:   regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	},
	{
		name: "street_address",
		re:   regexp.MustCompile(`\b\d{1,5} (?:[A-Z][a-z]+ )+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way)\b`),
	},
}

// luhnValid reports whether the digits in s pass the Luhn checksum.
// Card-number candidates that fail are left alone (tracking numbers,
// timestamps and the like).
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Scrubber applies the rule set to every string field of a record. It is
// stateless apart from the configured pass count; Scrub never fails and
// never blocks.
type Scrubber struct {
	passes int
}

// New returns a Scrubber running the given number of passes (minimum 1).
// A second pass catches matches exposed by the first pass's rewrites.
func New(passes int) *Scrubber {
	if passes < 1 {
		passes = 1
	}
	return &Scrubber{passes: passes}
}

// Passes returns the configured pass count.
func (s *Scrubber) Passes() int {
	return s.passes
}

// Scrub returns a copy of rec with every pattern match in its string fields
// replaced by the redaction token, and whether any replacement happened.
// Numeric fields are never scanned. The input record is not modified.
func (s *Scrubber) Scrub(rec protocol.EventRecord) (protocol.EventRecord, bool) {
	out := rec
	applied := false

	if len(rec.StringFields) > 0 {
		out.StringFields = make(map[string]string, len(rec.StringFields))
		for k, v := range rec.StringFields {
			scrubbed := v
			for i := 0; i < s.passes; i++ {
				next, hit := scrubString(scrubbed)
				if !hit {
					break
				}
				scrubbed = next
				applied = true
			}
			out.StringFields[k] = scrubbed
		}
	}

	if len(rec.NumericFields) > 0 {
		out.NumericFields = make(map[string]int64, len(rec.NumericFields))
		for k, v := range rec.NumericFields {
			out.NumericFields[k] = v
		}
	}

	return out, applied
}

// ScrubString applies one pass of the rule set to a bare string.
func ScrubString(v string) (string, bool) {
	return scrubString(v)
}

func scrubString(v string) (string, bool) {
	hit := false
	for _, r := range rules {
		if !r.re.MatchString(v) {
			continue
		}
		v = r.re.ReplaceAllStringFunc(v, func(m string) string {
			// Never re-redact our own token
			if strings.Contains(m, RedactionToken) {
				return m
			}
			if r.validate != nil && !r.validate(m) {
				return m
			}
			hit = true
			return RedactionToken
		})
	}
	return v, hit
}
