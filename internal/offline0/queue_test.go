package offline0

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	q := NewQueue(newMemStore(t), 0, discardLogger())
	clk := newClock()
	q.now = clk.Now
	return q, clk
}

func TestQueue_EnqueueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	var ids []uint64
	for _, u := range []string{"/a", "/b", "/c"} {
		id, err := q.Enqueue(ctx, u, "post", []byte(`{}`), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, u := range []string{"/a", "/b", "/c"} {
		assert.Equal(t, u, pending[i].URL)
		assert.Equal(t, http.MethodPost, pending[i].Method)
		assert.Equal(t, store.StatusPending, pending[i].Status)
		assert.Zero(t, pending[i].RetryCount)
	}

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueue_EnqueueIdempotencyKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	id, err := q.Enqueue(ctx, "/orders", http.MethodPost, nil, http.Header{
		"Content-Type": {"application/json"},
		"Connection":   {"keep-alive"},
	})
	require.NoError(t, err)
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	_, err = uuid.Parse(got.IdempotencyKey)
	assert.NoError(t, err, "generated key is a uuid")
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Empty(t, got.Header.Get("Connection"))

	id, err = q.Enqueue(ctx, "/orders", http.MethodPost, nil, http.Header{"Idempotency-Key": {"client-key"}})
	require.NoError(t, err)
	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "client-key", got.IdempotencyKey)
	assert.Empty(t, got.Header.Get("Idempotency-Key"))
}

func TestQueue_EnqueueRejectsReads(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(t.Context(), "/a", http.MethodGet, nil, nil)
	assert.Error(t, err)
}

func TestQueue_BoundedRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()
	id, err := q.Enqueue(ctx, "/a", http.MethodPut, nil, nil)
	require.NoError(t, err)

	cause := errors.New("boom")
	st, err := q.MarkFailed(ctx, id, cause, 0)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, st)
	st, err = q.MarkFailed(ctx, id, cause, 503)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, st)
	st, err = q.MarkFailed(ctx, id, cause, 503)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, st)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, 503, got.LastStatus)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueue_MarkTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()
	id, err := q.Enqueue(ctx, "/a", http.MethodDelete, nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.MarkTerminal(ctx, id, errors.New("conflict"), 409))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestQueue_PurgeSynced(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()
	a, err := q.Enqueue(ctx, "/a", http.MethodPost, nil, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "/b", http.MethodPost, nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced(ctx, a))
	n, err := q.PurgeSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/b", all[0].URL)
}

func TestQueue_PurgeOlderThan(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := t.Context()

	old, err := q.Enqueue(ctx, "/old", http.MethodPost, nil, nil)
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, old, errors.New("x"), 0)
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	_, err = q.Enqueue(ctx, "/new", http.MethodPost, nil, nil)
	require.NoError(t, err)

	n, err := q.PurgeOlderThan(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "/new", all[0].URL)
}
