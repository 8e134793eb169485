package store

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

// NatsKV implements State with JetStream key-value bucket. It allows actors
// in different processes to share state through one NATS server.
// Only plain Get/Put/Delete are used, revisions are ignored.
type NatsKV struct {
	kv jetstream.KeyValue
}

// NewNatsKV makes or binds the bucket. Keys written by the actors are feed-scoped,
// the bucket itself has no TTL, lease expiry is tracked in the value.
func NewNatsKV(ctx context.Context, js jetstream.JetStream, bucket string) (*NatsKV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "feed notifier shared state",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't make kv bucket %s", bucket)
	}
	log.Printf("[INFO] nats kv store, bucket %s", bucket)
	return &NatsKV{kv: kv}, nil
}

// Get value by key
func (n *NatsKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "can't get %s", key)
	}
	return entry.Value(), nil
}

// Put value for key
func (n *NatsKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := n.kv.Put(ctx, key, value)
	return errors.Wrapf(err, "can't put %s", key)
}

// Delete key, missing key ignored
func (n *NatsKV) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.Wrapf(err, "can't delete %s", key)
	}
	return nil
}

// Ping checks bucket availability
func (n *NatsKV) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := n.kv.Status(ctx)
	return errors.Wrap(err, "kv bucket not available")
}
