package nats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"plain", "patient-42", "patient-42"},
		{"underscore", "conv_1", "conv_1"},
		{"dot", "a.b", "x" + "612e62"},
		{"wildcard", "a*", "x" + "612a"},
		{"leading x", "x1", "x" + "7831"},
		{"empty", "", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Token(tt.id))
		})
	}
}

func TestToken_Distinct(t *testing.T) {
	ids := []string{"x61", "a", "a.b", "a b", "x", ""}
	seen := make(map[string]string)
	for _, id := range ids {
		tok := Token(id)
		prev, dup := seen[tok]
		assert.False(t, dup, "%q and %q share token %q", prev, id, tok)
		seen[tok] = id
		assert.False(t, strings.ContainsAny(tok, ".*> "), "token %q is not a single subject token", tok)
	}
}

func TestSubjectsAndKeys(t *testing.T) {
	assert.Equal(t, "history.conv-1", HistorySubject("conv-1"))
	assert.Equal(t, "escalation.p1", EscalationSubject("p1"))
	assert.Equal(t, "escalation.unknown", EscalationSubject(""))
	assert.Equal(t, "p1.t1", TaskKey("p1", "t1"))
	assert.Equal(t, "t1.conv-1", CompletionKey("t1", "conv-1"))
	assert.Equal(t, "p1.x612e62", TaskKey("p1", "a.b"))
}
