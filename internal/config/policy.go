package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the product thresholds and vocabularies used by the detectors
// and the prompt builder. Values are configuration, not clinical rules.
type Policy struct {
	// HighPainThreshold escalates when the last reported pain level is at or above it.
	HighPainThreshold int `yaml:"high_pain_threshold"`

	// ConcerningKeywords escalate whenever they appear in a patient message.
	ConcerningKeywords []string `yaml:"concerning_keywords"`

	// DrainageWindowDays and DrainageTerms: mentions within the first N recovery days escalate.
	DrainageWindowDays int      `yaml:"drainage_window_days"`
	DrainageTerms      []string `yaml:"drainage_terms"`

	// HeatWindowDays and HeatTerms: "hot to the touch" style mentions within the first N days escalate.
	HeatWindowDays int      `yaml:"heat_window_days"`
	HeatTerms      []string `yaml:"heat_terms"`

	// CompletionPhrases signal that the patient finished a task.
	CompletionPhrases []string `yaml:"completion_phrases"`

	// PositivePhrases signal recovery progress worth recording.
	PositivePhrases []string `yaml:"positive_phrases"`

	// ContactPhrases signal the patient wants to reach a person.
	ContactPhrases []string `yaml:"contact_phrases"`

	// ReminderChance is the probability of adding a pending-task reminder to the prompt.
	ReminderChance float64 `yaml:"reminder_chance"`

	// NextTaskLimit caps the follow-on tasks reported after a completion.
	NextTaskLimit int `yaml:"next_task_limit"`
}

// DefaultPolicy returns the built-in thresholds and vocabularies.
func DefaultPolicy() Policy {
	return Policy{
		HighPainThreshold: 8,
		ConcerningKeywords: []string{
			"emergency",
			"severe pain",
			"can't move",
			"infection",
			"fever",
			"chest pain",
			"shortness of breath",
			"bleeding",
		},
		DrainageWindowDays: 3,
		DrainageTerms:      []string{"drainage"},
		HeatWindowDays:     7,
		HeatTerms:          []string{"hot"},
		CompletionPhrases:  []string{"completed", "finished", "done", "did it", "already did"},
		PositivePhrases: []string{
			"feeling better",
			"feel better",
			"feeling great",
			"feeling good",
			"less pain",
			"improving",
			"getting better",
		},
		ContactPhrases: []string{
			"talk to my doctor",
			"talk to a doctor",
			"talk to someone",
			"speak with someone",
			"speak to a nurse",
			"call the nurse",
			"call my doctor",
		},
		ReminderChance: 0.3,
		NextTaskLimit:  3,
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults. An empty path
// returns the defaults. Fields absent from the file keep their default value.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

// Validate checks the policy for values that would disable safety checks by accident.
func (p Policy) Validate() error {
	if p.HighPainThreshold < 1 || p.HighPainThreshold > 10 {
		return fmt.Errorf("high_pain_threshold must be within 1..10, got %d", p.HighPainThreshold)
	}
	if len(p.ConcerningKeywords) == 0 {
		return fmt.Errorf("concerning_keywords must not be empty")
	}
	if p.ReminderChance < 0 || p.ReminderChance > 1 {
		return fmt.Errorf("reminder_chance must be within 0..1, got %v", p.ReminderChance)
	}
	if p.NextTaskLimit < 0 {
		return fmt.Errorf("next_task_limit must not be negative")
	}
	return nil
}
