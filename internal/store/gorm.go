package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

type cachedRow struct {
	Key       string    `gorm:"column:cache_key;primaryKey;size:512"`
	Payload   []byte    `gorm:"type:longblob"`
	Status    int       `gorm:"not null;default:200"`
	Header    string    `gorm:"type:text"`
	StoredAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM.
func (cachedRow) TableName() string {
	return "cached_data"
}

type requestRow struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	URL            string    `gorm:"size:2048;not null"`
	Method         string    `gorm:"size:10;not null"`
	Body           []byte    `gorm:"type:longblob"`
	Header         string    `gorm:"type:text"`
	EnqueuedAt     time.Time `gorm:"not null;index"`
	RetryCount     int       `gorm:"not null;default:0"`
	Status         string    `gorm:"size:10;not null;index"`
	IdempotencyKey string    `gorm:"size:64"`
	LastError      string    `gorm:"size:1000;default:''"`
	LastStatus     int       `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

// TableName returns the table name for GORM.
func (requestRow) TableName() string {
	return "offline_requests"
}

type recordRow struct {
	Kind      string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"column:record_key;primaryKey;size:255"`
	Value     string `gorm:"type:longtext"`
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (recordRow) TableName() string {
	return "misc_records"
}

// GormStore is the SQL backend (sqlite or mysql through gorm).
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens a sqlite database file. Use ":memory:" style DSNs for tests.
func OpenSQLite(path string, logger *slog.Logger) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return NewGormStore(db)
}

// OpenMySQL opens a mysql database from a DSN such as
// "user:pass@tcp(host:3306)/offline0?parseTime=true".
func OpenMySQL(dsn string, logger *slog.Logger) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), gormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and returns a store over it.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&cachedRow{}, &requestRow{}, &recordRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func gormConfig(logger *slog.Logger) *gorm.Config {
	cfg := &gorm.Config{Logger: gorm_logger.Default.LogMode(gorm_logger.Silent)}
	if logger != nil {
		cfg.Logger = gorm_logger.NewSlogLogger(logger, gorm_logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gorm_logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}
	return cfg
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// ---- row conversion ----

func encodeHeader(h http.Header) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeader(s string) (http.Header, error) {
	if s == "" {
		return nil, nil
	}
	var h http.Header
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	return h, nil
}

func (r cachedRow) record() (CachedRecord, error) {
	h, err := decodeHeader(r.Header)
	if err != nil {
		return CachedRecord{}, fmt.Errorf("failed to decode headers of %q: %w", r.Key, err)
	}
	return CachedRecord{
		Key:       r.Key,
		Payload:   r.Payload,
		Status:    r.Status,
		Header:    h,
		StoredAt:  r.StoredAt,
		ExpiresAt: r.ExpiresAt,
	}, nil
}

func (r requestRow) request() (QueuedRequest, error) {
	h, err := decodeHeader(r.Header)
	if err != nil {
		return QueuedRequest{}, fmt.Errorf("failed to decode headers of request %d: %w", r.ID, err)
	}
	return QueuedRequest{
		ID:             r.ID,
		URL:            r.URL,
		Method:         r.Method,
		Body:           r.Body,
		Header:         h,
		EnqueuedAt:     r.EnqueuedAt,
		RetryCount:     r.RetryCount,
		Status:         Status(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		LastError:      r.LastError,
		LastStatus:     r.LastStatus,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func requestToRow(q *QueuedRequest) (requestRow, error) {
	h, err := encodeHeader(q.Header)
	if err != nil {
		return requestRow{}, fmt.Errorf("failed to encode headers: %w", err)
	}
	lastErr := q.LastError
	if len(lastErr) > 1000 {
		lastErr = lastErr[:1000]
		for !utf8.ValidString(lastErr) {
			lastErr = lastErr[:len(lastErr)-1]
		}
	}
	return requestRow{
		ID:             q.ID,
		URL:            q.URL,
		Method:         q.Method,
		Body:           q.Body,
		Header:         h,
		EnqueuedAt:     q.EnqueuedAt.UTC(),
		RetryCount:     q.RetryCount,
		Status:         string(q.Status),
		IdempotencyKey: q.IdempotencyKey,
		LastError:      lastErr,
		LastStatus:     q.LastStatus,
		UpdatedAt:      q.UpdatedAt,
	}, nil
}

// ---- cached data ----

func (s *GormStore) GetCached(ctx context.Context, key string) (CachedRecord, error) {
	var row cachedRow
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CachedRecord{}, ErrNotFound
		}
		return CachedRecord{}, fmt.Errorf("failed to get cached record %q: %w", key, err)
	}
	return row.record()
}

func (s *GormStore) PutCached(ctx context.Context, rec CachedRecord) error {
	h, err := encodeHeader(rec.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers of %q: %w", rec.Key, err)
	}
	row := cachedRow{
		Key:       rec.Key,
		Payload:   rec.Payload,
		Status:    rec.Status,
		Header:    h,
		StoredAt:  rec.StoredAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to put cached record %q: %w", rec.Key, err)
	}
	return nil
}

func (s *GormStore) DeleteCached(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&cachedRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete cached record %q: %w", key, err)
	}
	return nil
}

func (s *GormStore) DeleteCachedPrefix(ctx context.Context, prefix string) (int, error) {
	q := s.db.WithContext(ctx)
	if prefix == "" {
		q = q.Where("1 = 1")
	} else {
		// SUBSTR avoids LIKE escaping and behaves the same on sqlite and mysql
		q = q.Where("SUBSTR(cache_key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix)
	}
	result := q.Delete(&cachedRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to invalidate cache prefix %q: %w", prefix, result.Error)
	}
	return int(result.RowsAffected), nil
}

func (s *GormStore) DeleteCachedExpired(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", now.UTC()).Delete(&cachedRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired cache: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// ---- offline requests ----

func (s *GormStore) AppendRequest(ctx context.Context, req *QueuedRequest) error {
	row, err := requestToRow(req)
	if err != nil {
		return err
	}
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append queued request: %w", err)
	}
	req.ID = row.ID
	return nil
}

func (s *GormStore) GetRequest(ctx context.Context, id uint64) (QueuedRequest, error) {
	var row requestRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return QueuedRequest{}, ErrNotFound
		}
		return QueuedRequest{}, fmt.Errorf("failed to get queued request %d: %w", id, err)
	}
	return row.request()
}

func (s *GormStore) ListRequests(ctx context.Context, status Status) ([]QueuedRequest, error) {
	var rows []requestRow
	q := s.db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list queued requests: %w", err)
	}
	out := make([]QueuedRequest, 0, len(rows))
	for _, row := range rows {
		req, err := row.request()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *GormStore) UpdateRequest(ctx context.Context, id uint64, fn func(*QueuedRequest) error) (QueuedRequest, error) {
	var out QueuedRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row requestRow
		if err := tx.First(&row, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get queued request %d: %w", id, err)
		}
		req, err := row.request()
		if err != nil {
			return err
		}
		if err := fn(&req); err != nil {
			return err
		}
		req.ID = id
		updated, err := requestToRow(&req)
		if err != nil {
			return err
		}
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("failed to update queued request %d: %w", id, err)
		}
		out = req
		return nil
	})
	if err != nil {
		return QueuedRequest{}, err
	}
	return out, nil
}

func (s *GormStore) DeleteRequests(ctx context.Context, status Status, before time.Time) (int, error) {
	q := s.db.WithContext(ctx).Where("1 = 1")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if !before.IsZero() {
		q = q.Where("enqueued_at < ?", before.UTC())
	}
	result := q.Delete(&requestRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete queued requests: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// ---- misc records ----

func (s *GormStore) PutRecord(ctx context.Context, rec Record) error {
	if rec.Kind == "" {
		return fmt.Errorf("invalid record kind %q", rec.Kind)
	}
	row := recordRow{Kind: rec.Kind, Key: rec.Key, Value: string(rec.Value), UpdatedAt: rec.UpdatedAt}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", rec.Kind, rec.Key, err)
	}
	return nil
}

func (s *GormStore) GetRecord(ctx context.Context, kind, key string) (Record, error) {
	var row recordRow
	if err := s.db.WithContext(ctx).Where("kind = ? AND record_key = ?", kind, key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get record %s/%s: %w", kind, key, err)
	}
	return row.record(), nil
}

func (r recordRow) record() Record {
	var v json.RawMessage
	if r.Value != "" {
		v = json.RawMessage(r.Value)
	}
	return Record{Kind: r.Kind, Key: r.Key, Value: v, UpdatedAt: r.UpdatedAt}
}

func (s *GormStore) ListRecords(ctx context.Context, kind string) ([]Record, error) {
	var rows []recordRow
	q := s.db.WithContext(ctx)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Order("kind ASC, record_key ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// ---- maintenance ----

func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)

	var n int64
	if err := db.Model(&cachedRow{}).Count(&n).Error; err != nil {
		return st, fmt.Errorf("failed to count cached data: %w", err)
	}
	st.CachedData = int(n)
	if err := db.Model(&recordRow{}).Count(&n).Error; err != nil {
		return st, fmt.Errorf("failed to count records: %w", err)
	}
	st.Records = int(n)

	var groups []struct {
		Status string
		Count  int
	}
	if err := db.Model(&requestRow{}).Select("status, COUNT(*) AS count").Group("status").Scan(&groups).Error; err != nil {
		return st, fmt.Errorf("failed to count queued requests: %w", err)
	}
	for _, g := range groups {
		st.OfflineRequests += g.Count
		switch Status(g.Status) {
		case StatusPending:
			st.Pending = g.Count
		case StatusFailed:
			st.Failed = g.Count
		case StatusSynced:
			st.Synced = g.Count
		}
	}
	return st, nil
}

func (s *GormStore) Export(ctx context.Context) (Dump, error) {
	d := Dump{
		CachedData:      []CachedRecord{},
		OfflineRequests: []QueuedRequest{},
		Records:         []Record{},
		Timestamp:       time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cached []cachedRow
		if err := tx.Order("cache_key ASC").Find(&cached).Error; err != nil {
			return fmt.Errorf("failed to export cached data: %w", err)
		}
		for _, row := range cached {
			rec, err := row.record()
			if err != nil {
				return err
			}
			d.CachedData = append(d.CachedData, rec)
		}
		var reqs []requestRow
		if err := tx.Order("id ASC").Find(&reqs).Error; err != nil {
			return fmt.Errorf("failed to export queued requests: %w", err)
		}
		for _, row := range reqs {
			req, err := row.request()
			if err != nil {
				return err
			}
			d.OfflineRequests = append(d.OfflineRequests, req)
		}
		var recs []recordRow
		if err := tx.Order("kind ASC, record_key ASC").Find(&recs).Error; err != nil {
			return fmt.Errorf("failed to export records: %w", err)
		}
		for _, row := range recs {
			d.Records = append(d.Records, row.record())
		}
		return nil
	})
	return d, err
}

// ClearAll deletes every row of every table in one transaction.
func (s *GormStore) ClearAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&cachedRow{}, &requestRow{}, &recordRow{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return fmt.Errorf("failed to clear %T: %w", model, err)
			}
		}
		return nil
	})
}
