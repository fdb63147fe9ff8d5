package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNonces   = []byte("nonces")
	bucketObserved = []byte("observed")
)

// BoltNoncePersistence is a BoltDB-backed NoncePersistence. Each EnsureNonce
// runs in a single read-write transaction, which bolt serialises.
type BoltNoncePersistence struct {
	db *bolt.DB
}

// NewBoltNoncePersistence opens (or creates) a bolt file at path.
func NewBoltNoncePersistence(path string, options *bolt.Options) (*BoltNoncePersistence, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bolt nonce persistence path required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt nonce store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNonces, bucketObserved} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltNoncePersistence{db: db}, nil
}

// Close releases the bolt file lock.
func (p *BoltNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce if it has not been observed previously.
func (p *BoltNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	composite, err := compositeKey(record)
	if err != nil {
		return false, err
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	existed := false
	err = p.db.Update(func(tx *bolt.Tx) error {
		nonces := tx.Bucket(bucketNonces)
		if nonces.Get([]byte(composite)) != nil {
			existed = true
			return nil
		}
		nanos := observed.UnixNano()
		if err := nonces.Put([]byte(composite), encodeUnixNano(nanos)); err != nil {
			return err
		}
		return tx.Bucket(bucketObserved).Put(boltObservedKey(nanos, composite), nil)
	})
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return existed, nil
}

// RecentNonces returns persisted nonces observed at or after cutoff.
func (p *BoltNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	records := make([]NonceRecord, 0)
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObserved).Cursor()
		for k, _ := c.Seek(boltObservedKey(cutoff.UTC().UnixNano(), "")); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			nanos, composite, ok := parseBoltObservedKey(k)
			if !ok {
				continue
			}
			routerID, nonce, ok := strings.Cut(composite, "|")
			if !ok {
				continue
			}
			records = append(records, NonceRecord{RouterID: routerID, Nonce: nonce, ObservedAt: time.Unix(0, nanos).UTC()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *BoltNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	limit := boltObservedKey(cutoff.UTC().UnixNano(), "")
	return p.db.Update(func(tx *bolt.Tx) error {
		observed := tx.Bucket(bucketObserved)
		nonces := tx.Bucket(bucketNonces)
		var stale [][]byte
		c := observed.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if _, composite, ok := parseBoltObservedKey(k); ok {
				if err := nonces.Delete([]byte(composite)); err != nil {
					return err
				}
			}
			if err := observed.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// boltObservedKey is 8 big-endian bytes of nanos followed by the composite.
func boltObservedKey(nanos int64, composite string) []byte {
	key := make([]byte, 8, 8+len(composite))
	binary.BigEndian.PutUint64(key, uint64(nanos))
	return append(key, composite...)
}

func parseBoltObservedKey(key []byte) (int64, string, bool) {
	if len(key) <= 8 {
		return 0, "", false
	}
	return int64(binary.BigEndian.Uint64(key[:8])), string(key[8:]), true
}
