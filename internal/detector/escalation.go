package detector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reason names the rule that triggered an escalation.
type Reason string

const (
	ReasonHighPain          Reason = "high_pain"
	ReasonConcerningKeyword Reason = "concerning_keyword"
	ReasonContextRule       Reason = "context_rule"
)

// Verdict is the escalation decision for one message.
type Verdict struct {
	Triggered bool   `json:"triggered"`
	Reason    Reason `json:"reason,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

// DetectContext is the patient context the conditional rules depend on.
type DetectContext struct {
	RecoveryDay int
}

// Detect decides whether a message needs a care team member. Rules are
// checked in order and the first match sets the reason: pain at or above the
// threshold, a concerning keyword, then recovery-window rules.
func (d *Detector) Detect(message string, lastPainLevel *int, ctx DetectContext) Verdict {
	if lastPainLevel != nil && *lastPainLevel >= d.highPain {
		return Verdict{
			Triggered: true,
			Reason:    ReasonHighPain,
			Evidence:  fmt.Sprintf("pain level %d", *lastPainLevel),
		}
	}

	text := normalize(message)

	if kw, _, ok := firstMatch(text, d.keywords); ok {
		return Verdict{Triggered: true, Reason: ReasonConcerningKeyword, Evidence: kw}
	}

	if ctx.RecoveryDay <= d.drainageWindow {
		if term, _, ok := firstMatch(text, d.drainage); ok {
			return Verdict{
				Triggered: true,
				Reason:    ReasonContextRule,
				Evidence:  fmt.Sprintf("%s on day %d", term, ctx.RecoveryDay),
			}
		}
	}
	if ctx.RecoveryDay <= d.heatWindow {
		if term, _, ok := firstMatch(text, d.heat); ok {
			return Verdict{
				Triggered: true,
				Reason:    ReasonContextRule,
				Evidence:  fmt.Sprintf("%s on day %d", term, ctx.RecoveryDay),
			}
		}
	}

	return Verdict{}
}

var painPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bpain(?:\s+level)?(?:\s+(?:is|was|at|of|around|about))*(?:\s+(?:a|an))?\s*(?:[:=]\s*)?(\d{1,2})\b`),
	regexp.MustCompile(`\b(\d{1,2})\s*(?:/|out\s+of)\s*10\b`),
}

// ExtractPainLevel finds a self-reported 0-10 pain score such as
// "my pain is a 9" or "7/10". It returns nil when none is present.
func ExtractPainLevel(message string) *int {
	text := strings.ToLower(message)
	for _, re := range painPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		level, err := strconv.Atoi(m[1])
		if err != nil || level < 0 || level > 10 {
			continue
		}
		return &level
	}
	return nil
}

// MaxPain returns the larger of two optional pain levels.
func MaxPain(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}
