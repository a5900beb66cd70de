package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/recovery-companion/internal/model"
)

func turn(role model.Role, words int) model.Turn {
	// Each "word " is five characters; four characters make one token.
	return model.Turn{Role: role, Content: strings.Repeat("word ", words)}
}

func TestTruncate_KeepsSystemAndNewestTurns(t *testing.T) {
	system := model.Turn{Role: model.RoleSystem, Content: strings.Repeat("s", 40)} // 10 tokens
	old := model.Turn{Role: model.RoleUser, Content: strings.Repeat("o", 40)}      // 10 tokens
	mid := model.Turn{Role: model.RoleAssistant, Content: strings.Repeat("m", 40)} // 10 tokens
	last := model.Turn{Role: model.RoleUser, Content: strings.Repeat("l", 40)}     // 10 tokens

	got := Truncate([]model.Turn{system, old, mid, last}, 30)

	assert.Equal(t, []model.Turn{system, mid, last}, got)
}

func TestTruncate_NewTurnAlwaysKept(t *testing.T) {
	system := model.Turn{Role: model.RoleSystem, Content: strings.Repeat("s", 400)}
	last := model.Turn{Role: model.RoleUser, Content: strings.Repeat("l", 400)}

	got := Truncate([]model.Turn{system, turn(model.RoleUser, 2), last}, 10)

	assert.Equal(t, []model.Turn{system, last}, got)
}

func TestTruncate_StopsAtFirstTurnThatDoesNotFit(t *testing.T) {
	small := model.Turn{Role: model.RoleUser, Content: "hi"}
	big := model.Turn{Role: model.RoleAssistant, Content: strings.Repeat("b", 400)}
	last := model.Turn{Role: model.RoleUser, Content: "ok"}

	got := Truncate([]model.Turn{small, big, last}, 20)

	assert.Equal(t, []model.Turn{last}, got)
}

func TestTruncate_NoBudget(t *testing.T) {
	turns := []model.Turn{turn(model.RoleUser, 100), turn(model.RoleUser, 100)}
	assert.Equal(t, turns, Truncate(turns, 0))
}

func TestPromptBuilder_Build(t *testing.T) {
	b := NewPromptBuilder(8000, 0, nil)

	turns := b.Build(PromptInput{
		Message:        "How long should I walk?",
		SurgeryType:    "hip replacement",
		RecoveryDay:    4,
		PainLevel:      intPtr(3),
		RecentProgress: "walked to the mailbox",
		CurrentTask:    &model.TaskRef{ID: "t1", Title: "Ankle pumps"},
		History: []model.Turn{
			{Role: model.RoleSystem, Content: "stale instruction"},
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAssistant, Content: " "},
			{Role: model.RoleAssistant, Content: "hello"},
		},
	})

	require.Len(t, turns, 4)
	system := turns[0]
	assert.Equal(t, model.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "hip replacement")
	assert.Contains(t, system.Content, "day 4")
	assert.Contains(t, system.Content, "3 out of 10")
	assert.Contains(t, system.Content, "walked to the mailbox")
	assert.Contains(t, system.Content, `"Ankle pumps"`)
	assert.NotContains(t, system.Content, "stale instruction")

	assert.Equal(t, model.Turn{Role: model.RoleUser, Content: "How long should I walk?"}, turns[3])
}

func TestPromptBuilder_Reminder(t *testing.T) {
	pending := []model.Task{{ID: "t1", Title: "Ice the knee"}}
	in := PromptInput{Message: "hi", SurgeryType: "knee", Pending: pending}

	always := NewPromptBuilder(8000, 0.3, func() float64 { return 0.1 })
	assert.Contains(t, always.Build(in)[0].Content, `"Ice the knee"`)

	never := NewPromptBuilder(8000, 0.3, func() float64 { return 0.5 })
	assert.NotContains(t, never.Build(in)[0].Content, "Ice the knee")

	in.Pending = nil
	assert.NotContains(t, always.Build(in)[0].Content, "remind")
}
