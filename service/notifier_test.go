package service

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/pipeline"
)

func TestProgressSubject(t *testing.T) {
	assert.Equal(t, "sceneforge.progress.p1", progressSubject(defaultSubjectPrefix, "p1"))
}

func TestNoopNotifier(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNoopNotifier().Publish(context.Background(), pipeline.ProgressEvent{ProjectID: "p1", Stage: pipeline.StageRunStarted})
	})
}

func TestNATSNotifierPublish(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := ConnectNATS(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("test.progress.p9")
	require.NoError(t, err)

	NewNATSNotifier(nc, "test.progress").Publish(context.Background(),
		pipeline.ProgressEvent{ProjectID: "p9", Stage: pipeline.StageSceneCompleted, SceneNumber: 2, Progress: 50})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev pipeline.ProgressEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, 2, ev.SceneNumber)
	assert.Equal(t, pipeline.StageSceneCompleted, ev.Stage)
}

func TestNATSNotifierSubscribe(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := ConnectNATS(url)
	require.NoError(t, err)
	defer nc.Close()

	n := NewNATSNotifier(nc, "test.sub")
	got := make(chan pipeline.ProgressEvent, 1)
	unsubscribe, err := n.Subscribe("p3", func(ev pipeline.ProgressEvent) { got <- ev })
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, nc.Flush())

	n.Publish(context.Background(), pipeline.ProgressEvent{ProjectID: "p3", Stage: pipeline.StageRunCompleted, Progress: 100})
	select {
	case ev := <-got:
		assert.Equal(t, pipeline.StageRunCompleted, ev.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event received")
	}
}
