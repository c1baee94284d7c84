package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/types"
)

var (
	bucketContexts = []byte("contexts")
	bucketDeltas   = []byte("deltas")
)

// BoltStore persists contexts and delta logs in a single bbolt file.
// Context records live in one bucket keyed by context id; each context's
// delta log is a nested bucket keyed by a monotonically increasing
// sequence number, preserving append order.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketContexts); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDeltas)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) SaveContext(rec *ContextRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode context record: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).Put([]byte(rec.ContextID), data)
	})
}

func (b *BoltStore) LoadContext(id types.ContextID) (*ContextRecord, error) {
	var rec *ContextRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContexts).Get([]byte(id))
		if data == nil {
			return ErrContextNotFound
		}
		rec = &ContextRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltStore) ListContexts() ([]types.ContextID, error) {
	var ids []types.ContextID
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).ForEach(func(k, _ []byte) error {
			ids = append(ids, types.ContextID(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *BoltStore) AppendDelta(id types.ContextID, d *dag.Delta) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		log, err := tx.Bucket(bucketDeltas).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return log.Put(key[:], data)
	})
}

func (b *BoltStore) Deltas(id types.ContextID) ([]*dag.Delta, error) {
	var out []*dag.Delta
	err := b.db.View(func(tx *bolt.Tx) error {
		log := tx.Bucket(bucketDeltas).Bucket([]byte(id))
		if log == nil {
			return nil
		}
		return log.ForEach(func(_, v []byte) error {
			d, err := dag.DecodeDelta(v)
			if err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
