package store

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/bus/bustest"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/stretchr/testify/require"
)

func TestJetStreamKV(t *testing.T) {
	client := bustest.Start(t)
	ctx := context.Background()

	kv, err := Open(ctx, config.StoreConfig{Backend: "jetstream", Bucket: "coach-test"}, client.JetStream(), newLogger())
	require.NoError(t, err)

	_, ok, err := kv.Get(ctx, ResourcesKey)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Put(ctx, ResourcesKey, []byte(`[]`)))
	require.NoError(t, kv.Put(ctx, ResourcesKey, []byte(`[{"id":"r1"}]`)))

	value, ok, err := kv.Get(ctx, ResourcesKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"id":"r1"}]`, string(value))

	again, err := OpenJetStream(client.JetStream(), "coach-test")
	require.NoError(t, err)
	_, ok, err = again.Get(ctx, ResourcesKey)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOpenJetStreamRequiresBus(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Backend: "jetstream", Bucket: "x"}, nil, newLogger())
	require.Error(t, err)
}
