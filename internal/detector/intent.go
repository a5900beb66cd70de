package detector

import (
	"sort"
	"strings"

	"github.com/capitalize-ai/recovery-companion/internal/model"
)

// TaskIntentMatch is a detected claim that a pending task was finished.
type TaskIntentMatch struct {
	TaskID        string     `json:"taskId"`
	MatchedPhrase string     `json:"matchedPhrase"`
	Task          model.Task `json:"task"`
}

// negations cancel a completion phrase when they appear just before it,
// as in "haven't finished" or "not done yet".
var negations = map[string]bool{
	"not":     true,
	"never":   true,
	"haven't": true,
	"havent":  true,
	"hasn't":  true,
	"didn't":  true,
	"didnt":   true,
	"isn't":   true,
	"wasn't":  true,
	"wasnt":   true,
	"aren't":  true,
	"yet":     true,
}

// DetectTaskIntent reports whether the message says a task was completed.
// The target is always the earliest scheduled pending task; the phrase is
// not matched against task titles.
func (d *Detector) DetectTaskIntent(message string, pending []model.Task) *TaskIntentMatch {
	ordered := orderPending(pending)
	if len(ordered) == 0 {
		return nil
	}

	text := normalize(message)
	phrase, ok := d.completionPhrase(text)
	if !ok {
		return nil
	}

	target := ordered[0]
	return &TaskIntentMatch{
		TaskID:        target.ID,
		MatchedPhrase: phrase,
		Task:          target,
	}
}

func (d *Detector) completionPhrase(text string) (string, bool) {
	for _, p := range d.completion {
		needle := " " + p + " "
		from := 0
		for {
			i := strings.Index(text[from:], needle)
			if i < 0 {
				break
			}
			i += from
			if !negated(text[:i+1]) {
				return p, true
			}
			from = i + 1
		}
	}
	return "", false
}

// negated checks the two words preceding a match. prefix ends with a space.
func negated(prefix string) bool {
	words := strings.Fields(prefix)
	for i := len(words) - 1; i >= 0 && i >= len(words)-2; i-- {
		if negations[words[i]] {
			return true
		}
	}
	return false
}

// NextTasks returns up to n pending tasks in schedule order, skipping the one
// just completed.
func NextTasks(pending []model.Task, completedID string, n int) []model.Task {
	if n <= 0 {
		return nil
	}

	ordered := orderPending(pending)
	next := make([]model.Task, 0, n)
	for _, t := range ordered {
		if t.ID == completedID {
			continue
		}
		next = append(next, t)
		if len(next) == n {
			break
		}
	}
	return next
}

// orderPending drops completed tasks and sorts by day, then scheduled time,
// keeping input order for ties.
func orderPending(tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == model.TaskStatusCompleted {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}
