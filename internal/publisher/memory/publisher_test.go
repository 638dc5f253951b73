package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type note struct {
	RunID string `json:"run_id"`
	Items int    `json:"items"`
}

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "partitions", note{RunID: "run-1", Items: 3})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "partitions", note{RunID: "run-2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	var decoded note
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, note{RunID: "run-1", Items: 3}, decoded)

	msgs[0].Topic = "modified"
	require.Equal(t, "partitions", pub.Messages()[0].Topic, "Messages() returns a copy")
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", note{})
	require.ErrorContains(t, err, "topic")
	_, err = pub.Publish(context.Background(), "partitions", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
	require.Empty(t, pub.Messages())
}
