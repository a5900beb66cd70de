package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/recovery-companion/internal/model"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	path := writeSeed(t, `
profiles:
  - patient_id: p1
    name: Sam
    surgery_type: knee replacement
    surgery_date: "2024-03-01"
tasks:
  - id: t1
    patient_id: p1
    title: Walk for 10 minutes
    day: 1
  - id: t2
    patient_id: p1
    title: Ice your knee
    day: 2
`)

	seed, err := LoadSeed(path)
	require.NoError(t, err)

	profiles := seed.ProfileModels()
	require.Len(t, profiles, 1)
	assert.Equal(t, "knee replacement", profiles[0].SurgeryType)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), profiles[0].SurgeryDate)

	tasks := seed.TaskModels()
	require.Len(t, tasks, 2)
	assert.Equal(t, model.TaskStatusPending, tasks[1].Status)
	assert.Equal(t, 2, tasks[1].Day)
}

func TestLoadSeed_EmptyPath(t *testing.T) {
	seed, err := LoadSeed("")
	require.NoError(t, err)
	assert.Empty(t, seed.TaskModels())
}

func TestLoadSeed_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad date", "profiles:\n  - patient_id: p1\n    surgery_date: March 1\n"},
		{"missing patient", "tasks:\n  - id: t1\n    title: x\n"},
		{"duplicate task", "tasks:\n  - {id: t1, patient_id: p1}\n  - {id: t1, patient_id: p1}\n"},
		{"not yaml", "tasks: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSeed(writeSeed(t, tt.body))
			assert.Error(t, err)
		})
	}
}
