package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEvent_Envelope(t *testing.T) {
	data, err := MarshalEvent(ContentEvent{Text: "Hello", Index: 2})
	require.NoError(t, err)

	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "content", decoded.Type)
	assert.Equal(t, "Hello", decoded.Data["text"])
	assert.Equal(t, float64(2), decoded.Data["index"])
}

func TestMarshalEvent_CompletionAlwaysHasListFields(t *testing.T) {
	data, err := MarshalEvent(CompletionEvent{Text: "ok", NextTasks: []Task{}, Actions: []Action{}})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"type":"completion","data":{"text":"ok","shouldEscalate":false,"taskCompleted":false,"nextTasks":[],"actions":[]}}`,
		string(data))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(MetadataEvent{}))
	assert.False(t, IsTerminal(ContentEvent{}))
	assert.True(t, IsTerminal(CompletionEvent{}))
	assert.True(t, IsTerminal(ErrorEvent{}))
}

func TestPatientContextDefaults(t *testing.T) {
	var ctx PatientContext
	assert.Equal(t, 0, ctx.Day())
	assert.Equal(t, DefaultSurgeryType, ctx.Surgery())

	day := 4
	ctx = PatientContext{RecoveryDay: &day, SurgeryType: "knee replacement"}
	assert.Equal(t, 4, ctx.Day())
	assert.Equal(t, "knee replacement", ctx.Surgery())
}

func TestProfileRecoveryDay(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	var missing *Profile
	_, ok := missing.RecoveryDay(now)
	assert.False(t, ok)

	p := &Profile{SurgeryDate: now.Add(-50 * time.Hour)}
	day, ok := p.RecoveryDay(now)
	require.True(t, ok)
	assert.Equal(t, 2, day)

	future := &Profile{SurgeryDate: now.Add(24 * time.Hour)}
	day, ok = future.RecoveryDay(now)
	require.True(t, ok)
	assert.Equal(t, 0, day)
}
