package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// JetStream stores values in a NATS JetStream key-value bucket so several
// coach nodes can share one library.
type JetStream struct {
	kv nats.KeyValue
}

// OpenJetStream binds to bucket, creating it with a history of one revision
// when it does not exist yet.
func OpenJetStream(js nats.JetStreamContext, bucket string) (*JetStream, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "coaching session history and resource library",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return &JetStream{kv: kv}, nil
}

func (j *JetStream) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := j.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (j *JetStream) Put(_ context.Context, key string, value []byte) error {
	if _, err := j.kv.Put(key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the bus connection is owned by the runtime.
func (j *JetStream) Close() error { return nil }
