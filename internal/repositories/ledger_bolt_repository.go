package repositories

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"purchaseBack/internal/models"
)

const boltIndexBucket = "ledger-index"

// BoltLedgerRepository keeps one bucket per partition in a single bbolt file.
// Writes are serialized by bbolt, so the index check and the append share one tx.
type BoltLedgerRepository struct {
	db *bolt.DB
}

func NewBoltLedgerRepository(path string) (*BoltLedgerRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltIndexBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLedgerRepository{db: db}, nil
}

func (r *BoltLedgerRepository) Close() error {
	return r.db.Close()
}

func (r *BoltLedgerRepository) Append(ctx context.Context, ev models.LedgerEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	key := []byte(ev.IdempotencyKey())
	partition := ev.Partition()

	written := false
	err = r.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(boltIndexBucket))
		if index.Get(key) != nil {
			return nil
		}
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(sequenceKey(seq), data); err != nil {
			return err
		}
		if err := index.Put(key, []byte(partition)); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

func (r *BoltLedgerRepository) Scan(ctx context.Context, fn func(models.LedgerEvent) error) error {
	return r.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == boltIndexBucket {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return b.ForEach(func(_, v []byte) error {
				var ev models.LedgerEvent
				if err := json.Unmarshal(v, &ev); err != nil {
					return fmt.Errorf("decode %s: %w", name, err)
				}
				return fn(ev)
			})
		})
	})
}

func (r *BoltLedgerRepository) ListPartition(ctx context.Context, partition string) ([]models.LedgerEvent, error) {
	events := []models.LedgerEvent{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil || partition == boltIndexBucket {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev models.LedgerEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
