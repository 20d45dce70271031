package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"signd/internal/events"
	"signd/internal/signing"
)

func TestPubSubPublisherPublishAndClose(t *testing.T) {
	ctx := context.Background()

	// Fake Pub/Sub server.
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "script-rotations")
	require.NoError(t, err)

	sub, err := client.CreateSubscription(ctx, "sub-id", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := &events.PubSubPublisher{Client: client, Topic: topic, Logger: zap.NewNop()}

	ev := signing.RotationEvent{
		PreviousHash: "aaa",
		NewHash:      "bbb",
		At:           time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, pub.Publish(ctx, ev))

	c := make(chan *pubsub.Message, 1)
	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			c <- msg
			cancel()
		})
	}()

	msg := <-c
	var got signing.RotationEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ev, got)
	assert.Equal(t, "bbb", msg.Attributes["new_hash"])

	assert.NoError(t, pub.Close())
}

func TestPubSubPublisherSurfacesBrokerError(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	// A handle to a topic that was never created: the server rejects the
	// publish and Publish must report it instead of dropping it.
	pub := &events.PubSubPublisher{
		Client: client,
		Topic:  client.Topic("never-created"),
		Logger: zap.NewNop(),
	}
	defer pub.Topic.Stop()

	err = pub.Publish(ctx, signing.RotationEvent{NewHash: "x", At: time.Now().UTC()})
	require.Error(t, err)
}

func TestMemoryPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := events.NewMemoryPublisher()
	ev := signing.RotationEvent{NewHash: "abc", At: time.Now().UTC()}
	require.NoError(t, pub.Publish(context.Background(), ev))

	got := pub.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].NewHash)
	assert.NoError(t, pub.Close())
}
