//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribeSync(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	sub, err := tc.Client.SubscribeSync("readout.test.raw")
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, tc.Client.Publish(ctx, "readout.test.raw", []byte("frame")))

	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), msg.Data)
}

func TestIntegration_RequestRespond(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	require.NoError(t, tc.Client.Respond(ctx, "readout.test.cmd", func(_ context.Context, data []byte) []byte {
		return append([]byte("ack:"), data...)
	}))

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reply, err := tc.Client.Request(reqCtx, "readout.test.cmd", []byte("start"))
	require.NoError(t, err)
	assert.Equal(t, "ack:start", string(reply))
}

func TestIntegration_StreamAndKV(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "FRAGMENTS",
		Subjects: []string{"fragments.>"},
	})
	require.NoError(t, err)
	require.NoError(t, tc.Client.PublishToStream(ctx, "fragments.tp", []byte("payload")))

	kv, err := tc.Client.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "opmon"})
	require.NoError(t, err)
	_, err = kv.Put(ctx, "dlh_0", []byte(`{"state":"running"}`))
	require.NoError(t, err)

	again, err := tc.Client.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "opmon"})
	require.NoError(t, err)
	entry, err := again.Get(ctx, "dlh_0")
	require.NoError(t, err)
	assert.Contains(t, string(entry.Value()), "running")
}

func TestIntegration_PublishToStreamDeduplicates(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	stream, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "DEDUP",
		Subjects: []string{"dedup.>"},
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.PublishToStreamWithID(ctx, "dedup.a", "id-1", []byte("one")))
	require.NoError(t, tc.Client.PublishToStreamWithID(ctx, "dedup.a", "id-1", []byte("one")))
	require.NoError(t, tc.Client.PublishToStreamWithID(ctx, "dedup.a", "id-2", []byte("two")))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}
