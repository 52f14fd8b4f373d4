package offline0

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"offline0/internal/store"
)

const (
	// DefaultMaxRetries is the number of failed replays after which a queued
	// request is marked failed for good.
	DefaultMaxRetries = 3
	// DefaultRetention is the age after which queued requests are deleted
	// whatever their status.
	DefaultRetention = 7 * 24 * time.Hour

	idempotencyHeader = "Idempotency-Key"
)

// Queue is the durable FIFO of mutating requests made while offline.
// Unlike the cache it fails closed: store errors reach the caller.
type Queue struct {
	store      store.Store
	maxRetries int

	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time
}

func NewQueue(st store.Store, maxRetries int, logger *slog.Logger) *Queue {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, maxRetries: maxRetries, logger: logger, now: time.Now}
}

func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue stores a pending request and returns its id. Every request gets an
// idempotency key that is re-sent on each replay; an Idempotency-Key header
// already on the request is kept.
func (q *Queue) Enqueue(ctx context.Context, rawURL, method string, body []byte, header http.Header) (uint64, error) {
	method = strings.ToUpper(method)
	if !isMutation(method) {
		return 0, fmt.Errorf("cannot queue %s requests", method)
	}
	h := cloneHeader(header)
	stripHopHeaders(h)
	key := h.Get(idempotencyHeader)
	if key == "" {
		key = uuid.NewString()
	}
	h.Del(idempotencyHeader)

	now := q.now()
	req := &store.QueuedRequest{
		URL:            rawURL,
		Method:         method,
		Body:           append([]byte(nil), body...),
		Header:         h,
		EnqueuedAt:     now,
		Status:         store.StatusPending,
		IdempotencyKey: key,
		UpdatedAt:      now,
	}
	if err := q.store.AppendRequest(ctx, req); err != nil {
		return 0, err
	}
	q.metrics.enqueued()
	q.logger.Info("request queued", "id", req.ID, "method", method, "url", rawURL)
	return req.ID, nil
}

// ListPending returns pending requests oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]store.QueuedRequest, error) {
	return q.store.ListRequests(ctx, store.StatusPending)
}

// List returns requests with the given status, all of them when status is empty.
func (q *Queue) List(ctx context.Context, status store.Status) ([]store.QueuedRequest, error) {
	return q.store.ListRequests(ctx, status)
}

func (q *Queue) Get(ctx context.Context, id uint64) (store.QueuedRequest, error) {
	return q.store.GetRequest(ctx, id)
}

func (q *Queue) MarkSynced(ctx context.Context, id uint64) error {
	_, err := q.store.UpdateRequest(ctx, id, func(r *store.QueuedRequest) error {
		r.Status = store.StatusSynced
		r.LastError = ""
		r.UpdatedAt = q.now()
		return nil
	})
	return err
}

// MarkFailed records a failed replay. The request goes back to pending until
// it has failed MaxRetries times, then it is failed for good. The new status
// is returned.
func (q *Queue) MarkFailed(ctx context.Context, id uint64, cause error, status int) (store.Status, error) {
	updated, err := q.store.UpdateRequest(ctx, id, func(r *store.QueuedRequest) error {
		r.RetryCount++
		r.LastError = errString(cause)
		r.LastStatus = status
		r.UpdatedAt = q.now()
		if r.RetryCount >= q.maxRetries {
			r.Status = store.StatusFailed
		} else {
			r.Status = store.StatusPending
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return updated.Status, nil
}

// MarkTerminal fails a request immediately, regardless of its retry count.
func (q *Queue) MarkTerminal(ctx context.Context, id uint64, cause error, status int) error {
	_, err := q.store.UpdateRequest(ctx, id, func(r *store.QueuedRequest) error {
		r.RetryCount++
		r.LastError = errString(cause)
		r.LastStatus = status
		r.Status = store.StatusFailed
		r.UpdatedAt = q.now()
		return nil
	})
	return err
}

// PurgeSynced deletes every synced request.
func (q *Queue) PurgeSynced(ctx context.Context) (int, error) {
	return q.store.DeleteRequests(ctx, store.StatusSynced, time.Time{})
}

// PurgeOlderThan deletes requests enqueued more than age ago, whatever
// their status.
func (q *Queue) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return q.store.DeleteRequests(ctx, "", q.now().Add(-age))
}

// Size is the number of pending requests.
func (q *Queue) Size(ctx context.Context) (int, error) {
	pending, err := q.store.ListRequests(ctx, store.StatusPending)
	if err != nil {
		return 0, err
	}
	q.metrics.setPending(len(pending))
	return len(pending), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
