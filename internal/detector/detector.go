// Package detector holds the deterministic message classifiers run over a
// patient conversation: escalation, task completion intent, positive progress
// and requests to reach a person. Nothing here performs side effects.
package detector

import (
	"strings"
	"unicode"

	"github.com/capitalize-ai/recovery-companion/internal/config"
)

// Detector applies one policy. It holds no mutable state and is safe for
// concurrent use.
type Detector struct {
	highPain       int
	keywords       []string
	drainageWindow int
	drainage       []string
	heatWindow     int
	heat           []string
	completion     []string
	positive       []string
	contact        []string
}

// New builds a detector from a policy. Vocabularies are normalised once here.
func New(policy config.Policy) *Detector {
	return &Detector{
		highPain:       policy.HighPainThreshold,
		keywords:       normalizeAll(policy.ConcerningKeywords),
		drainageWindow: policy.DrainageWindowDays,
		drainage:       normalizeAll(policy.DrainageTerms),
		heatWindow:     policy.HeatWindowDays,
		heat:           normalizeAll(policy.HeatTerms),
		completion:     normalizeAll(policy.CompletionPhrases),
		positive:       normalizeAll(policy.PositivePhrases),
		contact:        normalizeAll(policy.ContactPhrases),
	}
}

// normalize lowercases text, folds typographic apostrophes and turns every
// other non-alphanumeric rune into a single space. The result is padded with
// spaces so a phrase can be matched on word boundaries with " "+phrase+" ".
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')

	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '’' || r == '‘' || r == '`':
			r = '\''
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func normalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		n := strings.TrimSpace(normalize(p))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// firstMatch returns the first phrase found in the normalised text and its
// byte offset.
func firstMatch(normalized string, phrases []string) (string, int, bool) {
	for _, p := range phrases {
		if i := strings.Index(normalized, " "+p+" "); i >= 0 {
			return p, i, true
		}
	}
	return "", -1, false
}
