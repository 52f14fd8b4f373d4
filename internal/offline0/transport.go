package offline0

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Transport sends a request to the origin. Failures are *ConnectivityError
// when the origin was not reached and *HTTPError for 4xx/5xx responses.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is the net/http Transport against a fixed origin.
type HTTPTransport struct {
	origin string
	client *http.Client
}

// NewHTTPTransport builds a transport for origin ("https://api.example.com").
// A nil client gets a default one with the given timeout. Redirects are
// returned to the caller, not followed.
func NewHTTPTransport(origin string, client *http.Client, timeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPTransport{origin: origin, client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, t.origin+r.URL, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	stripHopHeaders(req.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			// the caller gave up; that says nothing about the origin
			return nil, ctxErr
		}
		return nil, &ConnectivityError{Method: r.Method, URL: r.URL, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectivityError{Method: r.Method, URL: r.URL, Err: err}
	}
	h := cloneHeader(resp.Header)
	stripHopHeaders(h)

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Header: h, Body: b}
	}
	return &Response{Status: resp.StatusCode, Header: h, Body: b, Source: SourceOrigin}, nil
}
