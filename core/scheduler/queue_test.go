package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueueIsFIFO(t *testing.T) {
	q := NewJobQueue()
	for _, id := range []string{"train-a", "export-b", "eval-c", "train-d"} {
		q.Enqueue(&QueuedJob{JobID: id})
	}

	require.Equal(t, 4, q.Size())
	first := q.PopJob()
	require.NotNil(t, first)
	assert.Equal(t, -1, first.Index)
	q.Enqueue(&QueuedJob{JobID: "train-e"})

	order := []string{first.JobID}
	for item := q.PopJob(); item != nil; item = q.PopJob() {
		order = append(order, item.JobID)
	}
	assert.Equal(t, []string{"train-a", "export-b", "eval-c", "train-d", "train-e"}, order)
	assert.Nil(t, q.PopJob())
	assert.Equal(t, 0, q.Size())
}
