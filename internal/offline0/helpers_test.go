package offline0

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenLevelMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeTransport answers through fn and records every request it sees.
type fakeTransport struct {
	mu    sync.Mutex
	calls []*Request
	fn    func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.clone())
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return okResponse(`{}`), nil
	}
	return fn(ctx, req)
}

func (f *fakeTransport) Calls() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Request(nil), f.calls...)
}

func okResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
		Source: SourceOrigin,
	}
}

func connErr(req *Request) error {
	return &ConnectivityError{Method: req.Method, URL: req.URL, Err: io.ErrUnexpectedEOF}
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness is a Client with its collaborators, offline-capable without any
// network.
type harness struct {
	store     store.Store
	monitor   *Monitor
	cache     *Cache
	queue     *Queue
	transport *fakeTransport
	auth      *StaticAuth
	client    *Client
	clock     *clock
}

func newHarness(t *testing.T, opts ClientOptions) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(t),
		transport: &fakeTransport{},
		auth:      NewStaticAuth(""),
		clock:     newClock(),
	}
	logger := discardLogger()
	h.monitor = NewMonitor(MonitorConfig{}, nil, logger)
	h.cache = NewCache(h.store, CacheOptions{RAMMax: 1 << 20}, logger)
	h.cache.now = h.clock.Now
	h.queue = NewQueue(h.store, DefaultMaxRetries, logger)
	h.queue.now = h.clock.Now
	h.client = NewClient(opts, h.monitor, h.cache, h.queue, h.transport, h.auth, logger)
	return h
}
