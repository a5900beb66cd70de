package service

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/capitalize-ai/recovery-companion/internal/llm"
	"github.com/capitalize-ai/recovery-companion/internal/model"
)

const basePrompt = `You are a warm, encouraging recovery companion for a patient recovering from %s.
Keep replies short and plain. Do not diagnose or change medication advice.
If something sounds urgent, tell the patient to contact their care team right away.`

// PromptInput is everything the prompt is built from.
type PromptInput struct {
	Message        string
	SurgeryType    string
	RecoveryDay    int
	PainLevel      *int
	RecentProgress string
	CurrentTask    *model.TaskRef
	History        []model.Turn
	Pending        []model.Task
}

// PromptBuilder assembles the system instruction, history and new user turn
// and trims the result to a token budget.
type PromptBuilder struct {
	maxContextTokens int
	reminderChance   float64
	random           func() float64
}

// NewPromptBuilder creates a builder. random returns values in [0, 1); nil
// uses math/rand.
func NewPromptBuilder(maxContextTokens int, reminderChance float64, random func() float64) *PromptBuilder {
	if random == nil {
		random = rand.Float64
	}
	return &PromptBuilder{
		maxContextTokens: maxContextTokens,
		reminderChance:   reminderChance,
		random:           random,
	}
}

// Build returns the turns to send upstream.
func (b *PromptBuilder) Build(in PromptInput) []model.Turn {
	turns := make([]model.Turn, 0, len(in.History)+2)
	turns = append(turns, model.Turn{Role: model.RoleSystem, Content: b.systemPrompt(in)})

	for _, t := range in.History {
		if t.Role == model.RoleSystem || strings.TrimSpace(t.Content) == "" {
			continue
		}
		turns = append(turns, t)
	}
	turns = append(turns, model.Turn{Role: model.RoleUser, Content: in.Message})

	return Truncate(turns, b.maxContextTokens)
}

func (b *PromptBuilder) systemPrompt(in PromptInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, basePrompt, in.SurgeryType)
	fmt.Fprintf(&sb, "\n\nToday is day %d of their recovery.", in.RecoveryDay)

	if in.PainLevel != nil {
		fmt.Fprintf(&sb, " Their most recent pain level was %d out of 10.", *in.PainLevel)
	}
	if in.RecentProgress != "" {
		fmt.Fprintf(&sb, " Recent progress: %s.", strings.TrimSuffix(in.RecentProgress, "."))
	}
	if in.CurrentTask != nil && in.CurrentTask.Title != "" {
		fmt.Fprintf(&sb, "\nThe patient is looking at the task %q.", in.CurrentTask.Title)
	}
	if len(in.Pending) > 0 && b.reminderChance > 0 && b.random() < b.reminderChance {
		fmt.Fprintf(&sb, "\nIf it fits naturally, gently remind them about their next task: %q.", in.Pending[0].Title)
	}
	return sb.String()
}

// Truncate keeps a leading system turn and the final turn, then as many of
// the most recent turns in between as fit in budget tokens. Older turns are
// dropped first. A non-positive budget disables truncation.
func Truncate(turns []model.Turn, budget int) []model.Turn {
	if budget <= 0 || len(turns) == 0 {
		return turns
	}

	var head []model.Turn
	body := turns
	if body[0].Role == model.RoleSystem {
		head, body = body[:1], body[1:]
	}
	if len(body) == 0 {
		return head
	}

	last := body[len(body)-1]
	middle := body[:len(body)-1]

	used := llm.EstimateTokens(last.Content)
	for _, t := range head {
		used += llm.EstimateTokens(t.Content)
	}

	start := len(middle)
	for start > 0 {
		cost := llm.EstimateTokens(middle[start-1].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start--
	}

	out := make([]model.Turn, 0, len(head)+len(middle)-start+1)
	out = append(out, head...)
	out = append(out, middle[start:]...)
	out = append(out, last)
	return out
}

func toChatMessages(turns []model.Turn) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(turns))
	for i, t := range turns {
		out[i] = llm.ChatMessage{Role: string(t.Role), Content: t.Content}
	}
	return out
}
