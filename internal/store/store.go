// Package store holds the durable records behind the offline gateway: cached
// responses, queued outbound requests, and miscellaneous per-user records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Status is the lifecycle state of a queued request.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusSynced  Status = "synced"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFailed, StatusSynced:
		return true
	}
	return false
}

// CachedRecord is a stored response body for a read request.
type CachedRecord struct {
	Key       string      `json:"key"`
	Payload   []byte      `json:"payload"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Expired reports whether the record is past its expiry at now.
func (r CachedRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// QueuedRequest is a mutating request waiting to be replayed against the origin.
type QueuedRequest struct {
	ID             uint64      `json:"id"`
	URL            string      `json:"url"`
	Method         string      `json:"method"`
	Body           []byte      `json:"body,omitempty"`
	Header         http.Header `json:"headers,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueuedAt"`
	RetryCount     int         `json:"retryCount"`
	Status         Status      `json:"status"`
	IdempotencyKey string      `json:"idempotencyKey"`
	LastError      string      `json:"lastError,omitempty"`
	LastStatus     int         `json:"lastStatus,omitempty"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Record is an opaque JSON document keyed by kind and key (user profiles,
// push subscriptions and similar app data that lives next to the queue).
type Record struct {
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Stats counts records per table.
type Stats struct {
	CachedData      int `json:"cachedData"`
	OfflineRequests int `json:"offlineRequests"`
	Pending         int `json:"pending"`
	Failed          int `json:"failed"`
	Synced          int `json:"synced"`
	Records         int `json:"records"`
}

// Dump is a full snapshot of the store, used for debugging exports.
type Dump struct {
	CachedData      []CachedRecord  `json:"cachedData"`
	OfflineRequests []QueuedRequest `json:"offlineRequests"`
	Records         []Record        `json:"records"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Store is the durable backend. Every method is atomic at record granularity;
// ClearAll is all-or-nothing across every table.
type Store interface {
	GetCached(ctx context.Context, key string) (CachedRecord, error)
	PutCached(ctx context.Context, rec CachedRecord) error
	DeleteCached(ctx context.Context, key string) error
	// DeleteCachedPrefix removes records whose key starts with prefix; an
	// empty prefix removes every cached record.
	DeleteCachedPrefix(ctx context.Context, prefix string) (int, error)
	// DeleteCachedExpired removes records with ExpiresAt before now.
	DeleteCachedExpired(ctx context.Context, now time.Time) (int, error)

	// AppendRequest assigns req.ID (monotonic, never reused) and persists it.
	AppendRequest(ctx context.Context, req *QueuedRequest) error
	GetRequest(ctx context.Context, id uint64) (QueuedRequest, error)
	// ListRequests returns requests with the given status (all when empty)
	// in ascending ID order.
	ListRequests(ctx context.Context, status Status) ([]QueuedRequest, error)
	// UpdateRequest applies fn to the stored request and writes it back.
	UpdateRequest(ctx context.Context, id uint64, fn func(*QueuedRequest) error) (QueuedRequest, error)
	// DeleteRequests removes requests matching status (any when empty) that
	// were enqueued before the given time (no bound when zero).
	DeleteRequests(ctx context.Context, status Status, before time.Time) (int, error)

	PutRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, kind, key string) (Record, error)
	ListRecords(ctx context.Context, kind string) ([]Record, error)

	Stats(ctx context.Context) (Stats, error)
	Export(ctx context.Context) (Dump, error)
	ClearAll(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Driver is one of "leveldb" (default), "sqlite" or "mysql".
	Driver string
	// Path is the leveldb directory or sqlite file.
	Path string
	// DSN is the mysql data source name.
	DSN    string
	Logger *slog.Logger
}

// Open opens the backend named by opts.Driver.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "leveldb":
		if opts.Path == "" {
			opts.Path = "./data/leveldb"
		}
		return OpenLevel(opts.Path)
	case "sqlite":
		if opts.Path == "" {
			opts.Path = "./data/offline0.db"
		}
		return OpenSQLite(opts.Path, opts.Logger)
	case "mysql":
		if opts.DSN == "" {
			return nil, fmt.Errorf("store: mysql driver requires a dsn")
		}
		return OpenMySQL(opts.DSN, opts.Logger)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

func matchRequest(r *QueuedRequest, status Status, before time.Time) bool {
	if status != "" && r.Status != status {
		return false
	}
	if !before.IsZero() && !r.EnqueuedAt.Before(before) {
		return false
	}
	return true
}
