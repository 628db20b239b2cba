package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// KV stores directory entries in a JetStream key-value bucket. User IDs are
// base64url encoded so any ID is a legal key.
type KV struct {
	kv jetstream.KeyValue
}

// NewKV creates the bucket if needed and binds to it.
func NewKV(ctx context.Context, js jetstream.JetStream, bucket string) (*KV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "chat presence directory",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

func encodeKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func decodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (d *KV) Set(ctx context.Context, userID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := d.kv.Put(ctx, encodeKey(userID), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (d *KV) Delete(ctx context.Context, userID string) error {
	if err := d.kv.Delete(ctx, encodeKey(userID)); err != nil && !isMissing(err) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (d *KV) DeleteIf(ctx context.Context, userID string, handle registry.Handle) (bool, error) {
	key := encodeKey(userID)
	raw, err := d.kv.Get(ctx, key)
	if isMissing(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw.Value(), &e); err != nil || e.Handle != handle {
		return false, nil
	}

	// A concurrent Set bumps the revision and makes this delete fail.
	if err := d.kv.Delete(ctx, key, jetstream.LastRevision(raw.Revision())); err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return false, nil
		}
		return false, fmt.Errorf("kv delete: %w", err)
	}
	return true, nil
}

func (d *KV) Get(ctx context.Context, userID string) (Entry, bool, error) {
	raw, err := d.kv.Get(ctx, encodeKey(userID))
	if isMissing(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("kv get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw.Value(), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

func (d *KV) GetAll(ctx context.Context) (map[string]Entry, error) {
	w, err := d.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}
	defer func() { _ = w.Stop() }()

	out := make(map[string]Entry)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw, ok := <-w.Updates():
			if !ok || raw == nil {
				return out, nil
			}
			userID, err := decodeKey(raw.Key())
			if err != nil {
				continue
			}
			var e Entry
			if json.Unmarshal(raw.Value(), &e) == nil {
				out[userID] = e
			}
		}
	}
}
