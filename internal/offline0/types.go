package offline0

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Request is an outbound call. URL is the request URI relative to the origin
// ("/products?page=2").
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r *Request) clone() *Request {
	out := *r
	out.Header = cloneHeader(r.Header)
	return &out
}

// Response sources, reported in the X-Offline0 header.
const (
	SourceOrigin = "origin"
	SourceCache  = "cache"
	SourceStale  = "stale"
	SourceQueued = "queued"
	SourceBypass = "bypass"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Source is one of the Source* constants.
	Source string
	// QueuedID is set when Source is SourceQueued.
	QueuedID uint64
}

func (r *Response) clone() *Response {
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// ConnectivityError means the origin could not be reached at all.
type ConnectivityError struct {
	Method string
	URL    string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: origin unreachable: %v", e.Method, e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// HTTPError is a response from the origin with a 4xx or 5xx status.
type HTTPError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("origin returned %d %s", e.Status, http.StatusText(e.Status))
}

var (
	// ErrOfflineMiss is returned for reads while offline when nothing is cached.
	ErrOfflineMiss = errors.New("offline: no cached response")
	// ErrOffline is returned for requests that can neither be served from
	// cache nor queued while offline.
	ErrOffline = errors.New("offline: request cannot be served")
	// ErrEnqueue wraps store failures while queueing a request.
	ErrEnqueue = errors.New("offline: request could not be queued")
)

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// hopHeaders are never stored or forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}

func stripHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = strings.TrimSpace(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
