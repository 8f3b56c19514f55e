//go:build integration

package opmon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DUNE-DAQ/readoutmodules/natsclient"
)

func TestIntegration_KVSink(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	sink, err := OpenKVSink(ctx, tc.Client, "opmon_test", "ru01", time.Minute)
	require.NoError(t, err)

	p := NewPublisher("ru01", source, WithSink(sink))
	require.NoError(t, p.PublishOnce(ctx))

	kv, err := tc.Client.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "opmon_test"})
	require.NoError(t, err)
	entry, err := kv.Get(ctx, "ru01.dlh0")
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(entry.Value(), &snap))
	assert.Equal(t, "dlh0", snap.Info.Module)
	assert.Equal(t, "ru01", snap.Application)
}
