package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	c:<cache key>        CachedRecord
//	q:<8-byte big endian> QueuedRequest
//	r:<kind>\x00<key>    Record
//	s:queue              last assigned request id
const (
	prefixCached = "c:"
	prefixQueue  = "q:"
	prefixRecord = "r:"
	keyQueueSeq  = "s:queue"
	recordKeySep = "\x00"
)

// LevelStore is the goleveldb backend.
type LevelStore struct {
	db *leveldb.DB

	// mu serializes read-modify-write sequences on queue records and the
	// id counter.
	mu  sync.Mutex
	seq uint64
}

// OpenLevel opens (or creates) a leveldb database at path.
func OpenLevel(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newLevelStore(db)
}

// OpenLevelMemory opens a leveldb database backed by memory only.
func OpenLevelMemory() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory leveldb: %w", err)
	}
	return newLevelStore(db)
}

func newLevelStore(db *leveldb.DB) (*LevelStore, error) {
	s := &LevelStore{db: db}
	b, err := db.Get([]byte(keyQueueSeq), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("failed to load queue sequence: %w", err)
	default:
		if len(b) != 8 {
			_ = db.Close()
			return nil, fmt.Errorf("corrupt queue sequence (%d bytes)", len(b))
		}
		s.seq = binary.BigEndian.Uint64(b)
	}
	return s, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

// ---- cached data ----

func (s *LevelStore) GetCached(_ context.Context, key string) (CachedRecord, error) {
	var rec CachedRecord
	if err := s.get(prefixCached+key, &rec); err != nil {
		return CachedRecord{}, err
	}
	return rec, nil
}

func (s *LevelStore) PutCached(_ context.Context, rec CachedRecord) error {
	b, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("failed to encode cached record %q: %w", rec.Key, err)
	}
	if err := s.db.Put([]byte(prefixCached+rec.Key), b, nil); err != nil {
		return fmt.Errorf("failed to put cached record %q: %w", rec.Key, err)
	}
	return nil
}

func (s *LevelStore) DeleteCached(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(prefixCached+key), nil); err != nil {
		return fmt.Errorf("failed to delete cached record %q: %w", key, err)
	}
	return nil
}

func (s *LevelStore) DeleteCachedPrefix(_ context.Context, prefix string) (int, error) {
	return s.deleteWhere(prefixCached+prefix, func([]byte) bool { return true })
}

func (s *LevelStore) DeleteCachedExpired(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(prefixCached, func(v []byte) bool {
		var rec CachedRecord
		if err := decodeGob(v, &rec); err != nil {
			// undecodable entries can never be served
			return true
		}
		return rec.Expired(now)
	})
}

// ---- offline requests ----

func queueKey(id uint64) []byte {
	k := make([]byte, len(prefixQueue)+8)
	copy(k, prefixQueue)
	binary.BigEndian.PutUint64(k[len(prefixQueue):], id)
	return k
}

func (s *LevelStore) AppendRequest(_ context.Context, req *QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.seq + 1
	req.ID = id
	b, err := encodeGob(*req)
	if err != nil {
		return fmt.Errorf("failed to encode queued request: %w", err)
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, id)

	batch := new(leveldb.Batch)
	batch.Put(queueKey(id), b)
	batch.Put([]byte(keyQueueSeq), seq)
	if err := s.db.Write(batch, nil); err != nil {
		req.ID = 0
		return fmt.Errorf("failed to append queued request: %w", err)
	}
	s.seq = id
	return nil
}

func (s *LevelStore) GetRequest(_ context.Context, id uint64) (QueuedRequest, error) {
	var req QueuedRequest
	if err := s.getRaw(queueKey(id), &req); err != nil {
		return QueuedRequest{}, err
	}
	return req, nil
}

func (s *LevelStore) ListRequests(_ context.Context, status Status) ([]QueuedRequest, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixQueue)), nil)
	defer it.Release()

	var out []QueuedRequest
	for it.Next() {
		var req QueuedRequest
		if err := decodeGob(it.Value(), &req); err != nil {
			return nil, fmt.Errorf("failed to decode queued request: %w", err)
		}
		if matchRequest(&req, status, time.Time{}) {
			out = append(out, req)
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to list queued requests: %w", err)
	}
	return out, nil
}

func (s *LevelStore) UpdateRequest(_ context.Context, id uint64, fn func(*QueuedRequest) error) (QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req QueuedRequest
	if err := s.getRaw(queueKey(id), &req); err != nil {
		return QueuedRequest{}, err
	}
	if err := fn(&req); err != nil {
		return QueuedRequest{}, err
	}
	req.ID = id
	b, err := encodeGob(req)
	if err != nil {
		return QueuedRequest{}, fmt.Errorf("failed to encode queued request %d: %w", id, err)
	}
	if err := s.db.Put(queueKey(id), b, nil); err != nil {
		return QueuedRequest{}, fmt.Errorf("failed to update queued request %d: %w", id, err)
	}
	return req, nil
}

func (s *LevelStore) DeleteRequests(_ context.Context, status Status, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWhere(prefixQueue, func(v []byte) bool {
		var req QueuedRequest
		if err := decodeGob(v, &req); err != nil {
			return false
		}
		return matchRequest(&req, status, before)
	})
}

// ---- misc records ----

func recordKey(kind, key string) string {
	return prefixRecord + kind + recordKeySep + key
}

func (s *LevelStore) PutRecord(_ context.Context, rec Record) error {
	if rec.Kind == "" || strings.Contains(rec.Kind, recordKeySep) {
		return fmt.Errorf("invalid record kind %q", rec.Kind)
	}
	b, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", rec.Kind, rec.Key, err)
	}
	if err := s.db.Put([]byte(recordKey(rec.Kind, rec.Key)), b, nil); err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", rec.Kind, rec.Key, err)
	}
	return nil
}

func (s *LevelStore) GetRecord(_ context.Context, kind, key string) (Record, error) {
	var rec Record
	if err := s.get(recordKey(kind, key), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *LevelStore) ListRecords(_ context.Context, kind string) ([]Record, error) {
	prefix := prefixRecord
	if kind != "" {
		prefix = prefixRecord + kind + recordKeySep
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var out []Record
	for it.Next() {
		var rec Record
		if err := decodeGob(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// ---- maintenance ----

func (s *LevelStore) Stats(_ context.Context) (Stats, error) {
	var st Stats
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return st, fmt.Errorf("failed to snapshot leveldb: %w", err)
	}
	defer snap.Release()

	count := func(it iterator.Iterator, each func([]byte)) error {
		defer it.Release()
		for it.Next() {
			each(it.Value())
		}
		return it.Error()
	}
	if err := count(snap.NewIterator(util.BytesPrefix([]byte(prefixCached)), nil), func([]byte) {
		st.CachedData++
	}); err != nil {
		return st, err
	}
	if err := count(snap.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil), func([]byte) {
		st.Records++
	}); err != nil {
		return st, err
	}
	if err := count(snap.NewIterator(util.BytesPrefix([]byte(prefixQueue)), nil), func(v []byte) {
		st.OfflineRequests++
		var req QueuedRequest
		if decodeGob(v, &req) != nil {
			return
		}
		switch req.Status {
		case StatusPending:
			st.Pending++
		case StatusFailed:
			st.Failed++
		case StatusSynced:
			st.Synced++
		}
	}); err != nil {
		return st, err
	}
	return st, nil
}

func (s *LevelStore) Export(_ context.Context) (Dump, error) {
	d := Dump{
		CachedData:      []CachedRecord{},
		OfflineRequests: []QueuedRequest{},
		Records:         []Record{},
		Timestamp:       time.Now().UTC(),
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return d, fmt.Errorf("failed to snapshot leveldb: %w", err)
	}
	defer snap.Release()

	it := snap.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		k := it.Key()
		switch {
		case bytes.HasPrefix(k, []byte(prefixCached)):
			var rec CachedRecord
			if err := decodeGob(it.Value(), &rec); err == nil {
				d.CachedData = append(d.CachedData, rec)
			}
		case bytes.HasPrefix(k, []byte(prefixQueue)):
			var req QueuedRequest
			if err := decodeGob(it.Value(), &req); err == nil {
				d.OfflineRequests = append(d.OfflineRequests, req)
			}
		case bytes.HasPrefix(k, []byte(prefixRecord)):
			var rec Record
			if err := decodeGob(it.Value(), &rec); err == nil {
				d.Records = append(d.Records, rec)
			}
		}
	}
	if err := it.Error(); err != nil {
		return d, fmt.Errorf("failed to export leveldb: %w", err)
	}
	return d, nil
}

// ClearAll deletes every cached, queued and misc record in a single batch.
// The queue id counter is kept so ids are never reused.
func (s *LevelStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, p := range []string{prefixCached, prefixQueue, prefixRecord} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return fmt.Errorf("failed to scan %s: %w", p, err)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

// deleteWhere removes every key under prefix whose value satisfies match, in
// one batch.
func (s *LevelStore) deleteWhere(prefix string, match func([]byte) bool) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		if match(it.Value()) {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	n := batch.Len()
	if n == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to delete under %s: %w", prefix, err)
	}
	return n, nil
}

func (s *LevelStore) get(key string, v any) error {
	return s.getRaw([]byte(key), v)
}

func (s *LevelStore) getRaw(key []byte, v any) error {
	b, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", key, err)
	}
	if err := decodeGob(b, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
