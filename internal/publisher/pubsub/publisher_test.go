package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "concerts-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPublishUsesDefaultTopic(t *testing.T) {
	srv, client := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "crawl-runs")
	require.NoError(t, err)

	p := New(client, "crawl-runs", nil)
	id, err := p.Publish(ctx, "", map[string]any{"runId": "run-1", "entries": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, p.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "application/json", msgs[0].Attributes["content-type"])
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "run-1", got["runId"])
	assert.EqualValues(t, 3, got["entries"])
}

func TestPublishErrors(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	_, err := New(nil, "t", nil).Publish(ctx, "", "x")
	require.Error(t, err)

	p := New(client, "", nil)
	_, err = p.Publish(ctx, "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = p.Publish(ctx, "crawl-runs", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = p.Publish(ctx, "never-created", "x")
	require.ErrorContains(t, err, "publish message")
	require.NoError(t, p.Close())
}
