package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var snapshotBucket = []byte("chat_snapshots")

// BoltCache stores snapshots in a single bbolt bucket keyed by chat id.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens (or creates) the cache file at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Load(ctx context.Context, chatID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(chatID))
		if v == nil {
			return nil
		}
		// v is only valid inside the transaction.
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", chatID, err)
	}
	return out, nil
}

// SaveBatch writes all snapshots in one Update transaction.
func (c *BoltCache) SaveBatch(ctx context.Context, snapshots map[string][]Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		for id, snap := range snapshots {
			data, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("marshal snapshot %s: %w", id, err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return fmt.Errorf("put snapshot %s: %w", id, err)
			}
		}
		return nil
	})
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
