package nats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/internal/service"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
)

// newTestClient starts an in-process JetStream server and connects to it with
// streams and buckets in place.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server did not start")
	}

	client, err := Connect(context.Background(), Config{URL: ns.ClientURL(), Name: "recovery-companion-test"}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	ctx := context.Background()
	manager := NewStreamManager(client)
	require.NoError(t, manager.EnsureStreams(ctx))
	require.NoError(t, manager.EnsureBuckets(ctx))
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func sampleTurns(prefix string, n int) []model.Turn {
	out := make([]model.Turn, n)
	for i := range out {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out[i] = model.Turn{Role: role, Content: fmt.Sprintf("%s %d", prefix, i)}
	}
	return out
}

func TestEnsureStreams_UpdatesExistingStream(t *testing.T) {
	ctx := testContext(t)
	client := newTestClient(t)
	js := client.JetStream()

	// A history stream from before the retention cap existed.
	require.NoError(t, js.DeleteStream(ctx, HistoryStream))
	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     HistoryStream,
		Subjects: []string{HistoryPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	require.NoError(t, err)

	manager := NewStreamManager(client)
	require.NoError(t, manager.EnsureStreams(ctx))
	require.NoError(t, manager.EnsureStreams(ctx))
	require.NoError(t, manager.EnsureBuckets(ctx))

	stream, err := js.Stream(ctx, HistoryStream)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(HistoryRetention), info.Config.MaxMsgsPerSubject)
}

func TestContextStore_RecentHistory(t *testing.T) {
	ctx := testContext(t)
	client := newTestClient(t)
	store, err := NewContextStore(ctx, client, logger.NewNop())
	require.NoError(t, err)

	// More turns than the stream retains, across several fetch batches.
	total := HistoryRetention + 3*fetchBatch/2
	require.NoError(t, store.AppendTurns(ctx, "conv-1", sampleTurns("long", total)...))
	require.NoError(t, store.AppendTurns(ctx, "conv-2", sampleTurns("short", 3)...))

	history, err := store.RecentHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, service.HistoryLimit)
	assert.Equal(t, fmt.Sprintf("long %d", total-service.HistoryLimit), history[0].Content)
	assert.Equal(t, fmt.Sprintf("long %d", total-1), history[len(history)-1].Content)

	history, err = store.RecentHistory(ctx, "conv-2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "short 0", history[0].Content)
	assert.Equal(t, model.RoleAssistant, history[1].Role)

	history, err = store.RecentHistory(ctx, "conv-unknown")
	require.NoError(t, err)
	assert.Empty(t, history)

	stream, err := client.JetStream().Stream(ctx, HistoryStream)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(HistoryRetention+3), info.State.Msgs)
}

func TestContextStore_PatientProfile(t *testing.T) {
	ctx := testContext(t)
	store, err := NewContextStore(ctx, newTestClient(t), logger.NewNop())
	require.NoError(t, err)

	_, err = store.PatientProfile(ctx, "p1")
	assert.ErrorIs(t, err, service.ErrNotFound)

	surgery := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutProfile(ctx, model.Profile{PatientID: "p1", Name: "Ada", SurgeryType: "knee", SurgeryDate: surgery}))

	p, err := store.PatientProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.Name)
	assert.True(t, surgery.Equal(p.SurgeryDate))
}

func TestTaskStore_JetStream(t *testing.T) {
	ctx := testContext(t)
	store, err := NewTaskStore(ctx, newTestClient(t))
	require.NoError(t, err)

	for _, task := range []model.Task{
		{ID: "meds", PatientID: "p1", Title: "Meds", Day: 4},
		{ID: "walk", PatientID: "p1", Title: "Walk", Day: 2},
	} {
		created, err := store.CreateTask(ctx, task)
		require.NoError(t, err)
		assert.True(t, created)
	}
	created, err := store.CreateTask(ctx, model.Task{ID: "walk", PatientID: "p1", Title: "Walk", Day: 2})
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := store.PendingTasks(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "walk", pending[0].ID)

	meta := model.CompletionMetadata{ConversationID: "conv-1", MatchedPhrase: "went for a walk", CompletedAt: time.Now().UTC()}
	require.NoError(t, store.CompleteTask(ctx, "walk", meta))
	require.NoError(t, store.CompleteTask(ctx, "walk", meta))

	pending, err = store.PendingTasks(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "meds", pending[0].ID)

	assert.ErrorIs(t, store.CompleteTask(ctx, "missing", meta), service.ErrNotFound)
}

func TestEscalationPublisher_StoresRetriesOnce(t *testing.T) {
	ctx := testContext(t)
	client := newTestClient(t)
	publisher := NewEscalationPublisher(client, logger.NewNop())

	e := model.Escalation{
		ID:             "esc-1",
		PatientID:      "p1",
		ConversationID: "conv-1",
		Reason:         "chest pain",
		Message:        "I have chest pain",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, publisher.NotifyEscalation(ctx, e))
	require.NoError(t, publisher.NotifyEscalation(ctx, e))

	e.ID = "esc-2"
	require.NoError(t, publisher.NotifyEscalation(ctx, e))

	stream, err := client.JetStream().Stream(ctx, EscalationStream)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	msg, err := stream.GetLastMsgForSubject(ctx, EscalationSubject("p1"))
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"id":"esc-2"`)
}

func TestClient_Close(t *testing.T) {
	ctx := testContext(t)
	client := newTestClient(t)
	require.True(t, client.IsConnected())

	_, err := client.KeyValue(ctx, "no_such_bucket")
	assert.ErrorIs(t, err, jetstream.ErrBucketNotFound)

	client.Close()
	assert.False(t, client.IsConnected())
	client.Close()
}
