package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"offline0/internal/store"
)

const queuedMessage = "Request queued for synchronization when online"

// ClientOptions carries the request-path settings.
type ClientOptions struct {
	Rules []Rule
	// MaxBody is the largest body stored in the cache; zero means no limit.
	MaxBody int64
	// StaleOn5xx serves a cached response when the origin answers a read
	// with a 5xx status.
	StaleOn5xx bool
	// AuthPathPrefix limits bearer tokens to URLs under this prefix.
	AuthPathPrefix string
}

// Client is the offline-aware request path. Reads go to the origin while
// online and are cached; while offline they are answered from the cache.
// Mutations made while offline are queued and answered with 202.
type Client struct {
	opts      ClientOptions
	monitor   *Monitor
	cache     *Cache
	queue     *Queue
	transport Transport
	auth      Auth

	group singleflight.Group

	logger  *slog.Logger
	warnLog *rateLimitedLogger
	metrics *metrics
}

func NewClient(opts ClientOptions, m *Monitor, c *Cache, q *Queue, t Transport, a Auth, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthPathPrefix == "" {
		opts.AuthPathPrefix = "/"
	}
	return &Client{
		opts:      opts,
		monitor:   m,
		cache:     c,
		queue:     q,
		transport: t,
		auth:      a,
		logger:    logger,
		warnLog:   newRateLimitedLogger(logger, time.Minute),
	}
}

// Do sends req through the offline-aware path.
//
// Errors: ErrOfflineMiss for uncached reads while offline, ErrOffline for
// requests that cannot be queued, ErrEnqueue when the queue store fails,
// *HTTPError for origin 4xx/5xx responses and *ConnectivityError only for
// bypassed requests.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	req = req.clone()
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.URL == "" {
		req.URL = "/"
	}
	rule := pickRule(c.opts.Rules, pathOf(req.URL))

	if rule != nil && rule.Bypass {
		resp, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Source = SourceBypass
		return resp, nil
	}

	if isMutation(req.Method) && req.Header.Get(idempotencyHeader) == "" {
		// the live attempt and any later replay carry the same key
		req.Header.Set(idempotencyHeader, uuid.NewString())
	}

	if !c.monitor.Status() {
		return c.offline(ctx, req, rule)
	}

	resp, err := c.online(ctx, req, rule)
	if err == nil {
		return resp, nil
	}

	var ce *ConnectivityError
	if errors.As(err, &ce) {
		c.warnLog.Warn("origin unreachable, serving offline", "method", req.Method, "url", req.URL, "error", ce.Err)
		return c.offline(ctx, req, rule)
	}
	var he *HTTPError
	if errors.As(err, &he) && he.Status >= 500 && c.opts.StaleOn5xx && isRead(req.Method) {
		if resp, ok := c.fromCache(ctx, req); ok {
			resp.Source = SourceStale
			return resp, nil
		}
	}
	return nil, err
}

func (c *Client) online(ctx context.Context, req *Request, rule *Rule) (*Response, error) {
	if req.Method != http.MethodGet {
		return c.send(ctx, req)
	}

	key := CacheKey(req.Method, req.URL)
	// identical GETs from the same caller share one origin round trip
	flight := key + "\x00" + req.Header.Get("Authorization") + "\x00" + req.Header.Get("Cookie")
	ch := c.group.DoChan(flight, func() (any, error) {
		// the flight serves every waiter, so it is not tied to the caller
		// that happened to start it; upstream.timeout still bounds it
		fctx := context.WithoutCancel(ctx)
		resp, err := c.send(fctx, req)
		if err != nil {
			return nil, err
		}
		c.maybeStore(fctx, key, resp, rule)
		return resp, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Response).clone(), nil
	}
}

func (c *Client) maybeStore(ctx context.Context, key string, resp *Response, rule *Rule) {
	if resp.Status < 200 || resp.Status >= 300 {
		return
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") {
		return
	}
	if c.opts.MaxBody > 0 && int64(len(resp.Body)) > c.opts.MaxBody {
		return
	}
	var ttl time.Duration
	if rule != nil {
		ttl = rule.Expiration.Std()
	}
	h := cloneHeader(resp.Header)
	h.Del("Set-Cookie")
	rec := store.CachedRecord{
		Payload: append([]byte(nil), resp.Body...),
		Status:  resp.Status,
		Header:  h,
	}
	_ = c.cache.Set(ctx, key, rec, ttl)
}

func (c *Client) offline(ctx context.Context, req *Request, rule *Rule) (*Response, error) {
	switch {
	case isRead(req.Method):
		if resp, ok := c.fromCache(ctx, req); ok {
			return resp, nil
		}
		return nil, ErrOfflineMiss

	case isMutation(req.Method):
		if rule != nil && !rule.Queues() {
			return nil, ErrOffline
		}
		id, err := c.queue.Enqueue(ctx, req.URL, req.Method, req.Body, req.Header)
		if err != nil {
			c.logger.Error("enqueue failed", "method", req.Method, "url", req.URL, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrEnqueue, err)
		}
		return queuedResponse(id), nil

	default:
		return nil, ErrOffline
	}
}

func (c *Client) fromCache(ctx context.Context, req *Request) (*Response, bool) {
	rec, ok := c.cache.Get(ctx, CacheKey(http.MethodGet, req.URL))
	if !ok {
		return nil, false
	}
	resp := &Response{
		Status: rec.Status,
		Header: cloneHeader(rec.Header),
		Body:   rec.Payload,
		Source: SourceCache,
	}
	if req.Method == http.MethodHead {
		resp.Body = nil
	}
	return resp, true
}

func queuedResponse(id uint64) *Response {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
		Queued  bool   `json:"queued"`
		ID      uint64 `json:"id"`
	}{queuedMessage, true, id})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status:   http.StatusAccepted,
		Header:   h,
		Body:     body,
		Source:   SourceQueued,
		QueuedID: id,
	}
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	if c.auth != nil && req.Header.Get("Authorization") == "" && strings.HasPrefix(pathOf(req.URL), c.opts.AuthPathPrefix) {
		token, err := c.auth.Token(ctx)
		switch {
		case err == nil:
			req = req.clone()
			req.Header.Set("Authorization", bearer(token))
		case !errors.Is(err, ErrNoToken):
			c.warnLog.Warn("auth token unavailable", "error", err)
		}
	}
	return c.transport.Send(ctx, req)
}

// Refresh fetches rawURL from the origin and stores a cacheable response,
// whatever the monitor says. Bypass rules are skipped.
func (c *Client) Refresh(ctx context.Context, rawURL string) error {
	rule := pickRule(c.opts.Rules, pathOf(rawURL))
	if rule != nil && rule.Bypass {
		return nil
	}
	_, err := c.online(ctx, &Request{Method: http.MethodGet, URL: rawURL, Header: make(http.Header)}, rule)
	return err
}
