package messaging_test

import (
	"context"
	"encoding/json"
	"testing"

	"llmtune/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueRoundTrip(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	payload := messaging.TrainTaskPayload{ExperimentId: uuid.New(), DatasetKey: "datasets/train.json"}
	require.NoError(t, queue.PublishTrainTask(context.Background(), payload))

	task := <-queue.Tasks()
	assert.Equal(t, messaging.TrainQueue, task.Type())

	var received messaging.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &received))
	assert.Equal(t, payload, received)
	assert.NoError(t, task.Ack())
}

func TestInMemoryQueueRoutesByQueue(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	require.NoError(t, queue.PublishExportTask(context.Background(), messaging.ExportTaskPayload{
		ExportTaskId: uuid.New(),
		ExperimentId: uuid.New(),
	}))

	task := <-queue.Tasks()
	assert.Equal(t, messaging.ExportQueue, task.Type())
}
