package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleCache stores snapshots in a pebble database under
// snapshot:<chatID>.
type PebbleCache struct {
	db *pebble.DB
}

// OpenPebbleCache opens (or creates) a pebble database in dir.
func OpenPebbleCache(dir string) (*PebbleCache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &PebbleCache{db: db}, nil
}

func snapshotKey(chatID string) []byte {
	return []byte("snapshot:" + chatID)
}

func (c *PebbleCache) Load(ctx context.Context, chatID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, closer, err := c.db.Get(snapshotKey(chatID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", chatID, err)
	}
	defer closer.Close()
	var out []Message
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", chatID, err)
	}
	return out, nil
}

// SaveBatch commits all snapshots in one synced batch.
func (c *PebbleCache) SaveBatch(ctx context.Context, snapshots map[string][]Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.db.NewBatch()
	defer b.Close()
	for id, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", id, err)
		}
		if err := b.Set(snapshotKey(id), data, nil); err != nil {
			return fmt.Errorf("set snapshot %s: %w", id, err)
		}
	}
	return b.Commit(pebble.Sync)
}

func (c *PebbleCache) Close() error {
	return c.db.Close()
}
