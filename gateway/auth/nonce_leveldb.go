package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNoncePersistence is a LevelDB-backed NoncePersistence. Keys are
// "nonce:<router>|<nonce>" -> observed nanos, plus an
// "observed:<nanos>:<router>|<nonce>" index for range pruning.
type LevelDBNoncePersistence struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce if it has not been observed previously.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	composite, err := compositeKey(record)
	if err != nil {
		return false, err
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	nonceKey := []byte(nonceKeyPrefix + composite)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		return true, nil
	}
	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns persisted nonces observed at or after cutoff.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for ok := iter.Seek(cutoffKey); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		routerID, nonce, ok := strings.Cut(composite, "|")
		if !ok {
			continue
		}
		records = append(records, NonceRecord{
			RouterID:   routerID,
			Nonce:      nonce,
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))

	p.mu.Lock()
	defer p.mu.Unlock()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

// compositeKey joins router and nonce; router ids never contain '|'.
func compositeKey(record NonceRecord) (string, error) {
	routerID := strings.TrimSpace(record.RouterID)
	if routerID == "" || record.Nonce == "" {
		return "", fmt.Errorf("nonce record incomplete")
	}
	if strings.Contains(routerID, "|") {
		return "", fmt.Errorf("router id %q contains '|'", routerID)
	}
	return routerID + "|" + record.Nonce, nil
}
