package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPublisher(t *testing.T) {
	var p NopPublisher
	assert.NoError(t, p.Publish(context.Background(), Event{Type: ExecutionStarted}))
	assert.NoError(t, p.Close())
}

func TestHubPublishWithoutClients(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	err := h.Publish(context.Background(), Event{Type: StatusChanged, JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHubClosedRejectsPublish(t *testing.T) {
	h := NewHub(nil)
	require.NoError(t, h.Close())

	err := h.Publish(context.Background(), Event{Type: ExecutionCompleted})
	assert.ErrorIs(t, err, ErrHubClosed)

	assert.NoError(t, h.Close(), "double close is a no-op")
}

func TestPublishStampsTimestamp(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch := make(chan Event, 1)
	h.mu.Lock()
	h.clients[nil] = ch
	h.mu.Unlock()

	ev := Event{Type: ExecutionStarted, JobID: "j1"}
	require.NoError(t, h.Publish(context.Background(), ev))

	got := <-ch
	assert.False(t, got.Timestamp.IsZero())
}
