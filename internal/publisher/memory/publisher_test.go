package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unavailable")

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "items", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "jobs", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "items", msgs[0].Topic)
	require.Equal(t, "jobs", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "items", pub.Messages()[0].Topic)
}

func TestPublisherFailNext(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailNext(errBroker)
	_, err := pub.Publish(context.Background(), "items", 1)
	require.ErrorIs(t, err, errBroker)
	_, err = pub.Publish(context.Background(), "items", 2)
	require.NoError(t, err)
	require.Len(t, pub.Messages(), 1)
}
