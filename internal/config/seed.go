package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/recovery-companion/internal/model"
)

// Seed is the startup data for the task and context stores.
type Seed struct {
	Profiles []SeedProfile `yaml:"profiles"`
	Tasks    []SeedTask    `yaml:"tasks"`
}

// SeedProfile is a patient profile as written in the seed file. Dates use
// YYYY-MM-DD.
type SeedProfile struct {
	PatientID   string `yaml:"patient_id"`
	Name        string `yaml:"name"`
	SurgeryType string `yaml:"surgery_type"`
	SurgeryDate string `yaml:"surgery_date"`
}

// SeedTask is a scheduled task as written in the seed file.
type SeedTask struct {
	ID        string `yaml:"id"`
	PatientID string `yaml:"patient_id"`
	Title     string `yaml:"title"`
	Day       int    `yaml:"day"`
}

// LoadSeed reads a seed file. An empty path returns an empty seed.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	var errs []error
	for i, p := range s.Profiles {
		if p.PatientID == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: patient_id is required", i))
		}
		if _, err := p.surgeryDate(); err != nil {
			errs = append(errs, fmt.Errorf("profiles[%d]: %w", i, err))
		}
	}
	seen := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		switch {
		case t.ID == "" || t.PatientID == "":
			errs = append(errs, fmt.Errorf("tasks[%d]: id and patient_id are required", i))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID))
		case t.Day < 0:
			errs = append(errs, fmt.Errorf("tasks[%d]: day must not be negative", i))
		}
		seen[t.ID] = true
	}
	return errors.Join(errs...)
}

func (p SeedProfile) surgeryDate() (time.Time, error) {
	if p.SurgeryDate == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, p.SurgeryDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("surgery_date %q is not YYYY-MM-DD", p.SurgeryDate)
	}
	return d, nil
}

// ProfileModels converts the seeded profiles.
func (s *Seed) ProfileModels() []model.Profile {
	out := make([]model.Profile, 0, len(s.Profiles))
	for _, p := range s.Profiles {
		date, _ := p.surgeryDate()
		out = append(out, model.Profile{
			PatientID:   p.PatientID,
			Name:        p.Name,
			SurgeryType: p.SurgeryType,
			SurgeryDate: date,
		})
	}
	return out
}

// TaskModels converts the seeded tasks. All start pending.
func (s *Seed) TaskModels() []model.Task {
	out := make([]model.Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, model.Task{
			ID:        t.ID,
			PatientID: t.PatientID,
			Title:     t.Title,
			Day:       t.Day,
			Status:    model.TaskStatusPending,
		})
	}
	return out
}
