package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandler_ProxyServesOriginThenCache(t *testing.T) {
	ft := &fakeTransport{fn: func(ctx context.Context, req *Request) (*Response, error) {
		resp := okResponse(`[{"id":1}]`)
		resp.Header.Set("Connection", "keep-alive")
		return resp, nil
	}}
	svc, _ := newTestService(t, ft, "")
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SourceOrigin, rec.Header().Get("X-Offline0"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Offline0")
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.JSONEq(t, `[{"id":1}]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, AdminPrefix+"/network", `{"online":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SourceCache, rec.Header().Get("X-Offline0"))
	assert.JSONEq(t, `[{"id":1}]`, rec.Body.String())
	assert.Len(t, ft.Calls(), 1)
}

func TestHandler_ProxyErrors(t *testing.T) {
	ft := &fakeTransport{fn: func(ctx context.Context, req *Request) (*Response, error) {
		if req.URL == "/missing" {
			return nil, &HTTPError{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte(`{"error":"nope"}`)}
		}
		return okResponse(`{}`), nil
	}}
	svc, _ := newTestService(t, ft, "")
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"nope"}`, rec.Body.String())

	svc.Monitor().Set(false)

	rec = do(t, h, http.MethodGet, "/never-cached", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "offline-miss", rec.Header().Get("X-Offline0"))

	rec = do(t, h, http.MethodOptions, "/anything", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodPost, "/orders", `{"item":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, SourceQueued, rec.Header().Get("X-Offline0"))
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["queued"])
}

func TestHandler_StatusAndQueue(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()
	svc.Monitor().Set(false)

	rec := do(t, h, http.MethodPost, AdminPrefix+"/queue", `{"url":"/orders","method":"POST","body":{"a":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotZero(t, decode[map[string]uint64](t, rec)["id"])

	rec = do(t, h, http.MethodPost, AdminPrefix+"/queue", `{"url":"orders","method":"POST"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, AdminPrefix+"/queue", `{"url":"/orders","method":"GET"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[StatusReport](t, rec)
	assert.False(t, rep.Online)
	assert.Equal(t, 1, rep.QueueSize)
	assert.False(t, rep.UpdateAvailable)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/queue?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]store.QueuedRequest](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, "/orders", items[0].URL)
	assert.Equal(t, "application/json", items[0].Header.Get("Content-Type"))

	rec = do(t, h, http.MethodGet, AdminPrefix+"/queue?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Eventually(t, func() bool { return !svc.Syncer().Running() }, time.Second, 5*time.Millisecond)
	rec = do(t, h, http.MethodPost, AdminPrefix+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sr := decode[syncReport](t, rec)
	assert.True(t, sr.Started)
	assert.Equal(t, 1, sr.Synced)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/queue?status=pending", "")
	assert.Empty(t, decode[[]store.QueuedRequest](t, rec))
}

func TestHandler_SyncOutlivesCaller(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	svc.Monitor().Set(false)
	_, err := svc.Queue().Enqueue(t.Context(), "/orders", http.MethodPost, []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !svc.Syncer().Running() }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	req := httptest.NewRequest(http.MethodPost, AdminPrefix+"/sync", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sr := decode[syncReport](t, rec)
	assert.Equal(t, 1, sr.Synced)
	assert.Zero(t, sr.Interrupted)
}

func TestHandler_NetworkRejectsBadBody(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	rec := do(t, svc.Handler(), http.MethodPost, AdminPrefix+"/network", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_NetworkTransitionNotifiesAndSyncs(t *testing.T) {
	ft := &fakeTransport{}
	svc, notes := newTestService(t, ft, "")
	h := svc.Handler()

	do(t, h, http.MethodPost, AdminPrefix+"/network", `{"online":false}`)
	do(t, h, http.MethodPost, "/orders", `{"item":1}`)
	rec := do(t, h, http.MethodPost, AdminPrefix+"/network", `{"online":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"online":true}`, rec.Body.String())

	assert.Eventually(t, func() bool {
		n, err := svc.Queue().Size(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, notes.Titles(), "You're now offline")
	assert.Contains(t, notes.Titles(), "You're back online!")
}

func TestHandler_CacheEndpoints(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()

	req := httptest.NewRequest(http.MethodPut, AdminPrefix+"/cache/GET_/user?ttlMinutes=5", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/cache/GET_/user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"ada"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	stored, err := time.Parse(time.RFC3339, rec.Header().Get("X-Offline0-Stored-At"))
	require.NoError(t, err)
	expires, err := time.Parse(time.RFC3339, rec.Header().Get("X-Offline0-Expires-At"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, expires.Sub(stored))

	rec = do(t, h, http.MethodPut, AdminPrefix+"/cache/GET_/user?ttlMinutes=-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, AdminPrefix+"/cache?prefix=GET_/user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, AdminPrefix+"/cache/GET_/user", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_CacheKeysWithEscapes(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()

	key := CacheKey(http.MethodGet, "/search?q=a/b c")
	require.Equal(t, "GET_/search_q=a%2Fb+c", key)
	require.NoError(t, svc.Cache().Set(t.Context(), key, store.CachedRecord{Payload: []byte(`{"hits":1}`)}, 0))

	// a fully escaped key makes the router match on the raw path
	rec := do(t, h, http.MethodGet, AdminPrefix+"/cache/"+url.PathEscape(key), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"hits":1}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, AdminPrefix+"/cache/GET_/search_q=a%252Fb+c", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPut, AdminPrefix+"/cache/"+url.PathEscape("GET_/x_k=%3D"), `{}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := svc.Cache().Get(t.Context(), "GET_/x_k=%3D")
	assert.True(t, ok)
}

func TestHandler_Records(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()

	rec := do(t, h, http.MethodPut, AdminPrefix+"/records/drafts/d1", `{"title":"hi"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodPut, AdminPrefix+"/records/drafts/d2", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/records/drafts/d1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[store.Record](t, rec)
	assert.JSONEq(t, `{"title":"hi"}`, string(got.Value))

	rec = do(t, h, http.MethodGet, AdminPrefix+"/records/drafts/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/records/drafts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Record](t, rec), 1)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/records/empty", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_ExportAndClear(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()

	do(t, h, http.MethodGet, "/products", "")
	do(t, h, http.MethodPut, AdminPrefix+"/records/drafts/d1", `{"x":1}`)
	svc.Monitor().Set(false)
	do(t, h, http.MethodPost, "/orders", `{"item":1}`)

	rec := do(t, h, http.MethodGet, AdminPrefix+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `attachment; filename="offline0-export-`)
	dump := decode[store.Dump](t, rec)
	assert.Len(t, dump.CachedData, 1)
	assert.Len(t, dump.OfflineRequests, 1)
	assert.Len(t, dump.Records, 1)

	rec = do(t, h, http.MethodDelete, AdminPrefix+"/data", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, AdminPrefix+"/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statsReport](t, rec)
	assert.Zero(t, st.CachedData)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Records)
	assert.Zero(t, st.RAMItems)

	rec = do(t, h, http.MethodGet, "/products", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, "RAM tier was dropped too")
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, AdminPrefix+"/health", "")
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, AdminPrefix+"/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offline0_online 1")
}

func TestHandler_UpdateNotConfigured(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	h := svc.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, AdminPrefix+"/update/check", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, AdminPrefix+"/update/activate", "").Code)
}

func TestHandler_Events(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + AdminPrefix + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	read := func() Event {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}
	assert.Equal(t, Event{Type: "online", Value: true}, read())
	assert.Equal(t, "syncStatus", read().Type)

	svc.Monitor().Set(false)
	for {
		ev := read()
		if ev.Type == "online" {
			assert.Equal(t, false, ev.Value)
			break
		}
	}
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, "X-Offline0")
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "x-offline0")
	assert.Equal(t, "ETag, X-Offline0", h.Get("Access-Control-Expose-Headers"))
}
