package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"offline0/internal/store"
)

// AdminPrefix is where the admin API is mounted.
const AdminPrefix = "/_offline0"

const (
	sourceHeader   = "X-Offline0"
	maxRequestBody = 32 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the admin API under AdminPrefix and proxies everything else
// to the origin through the offline-aware client.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
		r.Handle("/metrics", s.metrics.handler())

		r.Get("/cache/*", s.handleCacheGet)
		r.Put("/cache/*", s.handleCachePut)
		r.Delete("/cache", s.handleCacheDelete)

		r.Get("/queue", s.handleQueueList)
		r.Post("/queue", s.handleQueueAdd)
		r.Post("/sync", s.handleSync)
		r.Post("/network", s.handleNetwork)

		r.Get("/records/{kind}", s.handleRecordList)
		r.Get("/records/{kind}/{key}", s.handleRecordGet)
		r.Put("/records/{kind}/{key}", s.handleRecordPut)

		r.Get("/export", s.handleExport)
		r.Delete("/data", s.handleClear)
		r.Post("/update/check", s.handleUpdateCheck)
		r.Post("/update/activate", s.handleUpdateActivate)
		r.Post("/auth/logout", s.handleLogout)
	})

	r.HandleFunc("/*", s.handleProxy)
	return r
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	resp, err := s.client.Do(r.Context(), &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	writeResponse(w, resp)
	s.metrics.served(resp.Source)
	switch resp.Source {
	case SourceOrigin, SourceCache, SourceStale:
		s.stats.Observe(len(resp.Body))
	}
}

func (s *Service) writeProxyError(w http.ResponseWriter, err error) {
	var he *HTTPError
	var ce *ConnectivityError
	switch {
	case errors.As(err, &he):
		writeResponse(w, &Response{Status: he.Status, Header: he.Header, Body: he.Body, Source: SourceOrigin})
		s.metrics.served(SourceOrigin)
	case errors.Is(err, ErrOfflineMiss):
		setSourceHeader(w.Header(), "offline-miss")
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrEnqueue):
		setSourceHeader(w.Header(), "queue-error")
		writeError(w, http.StatusServiceUnavailable, "could not queue request")
	case errors.Is(err, ErrOffline), errors.As(err, &ce):
		setSourceHeader(w.Header(), "bad-gateway")
		writeError(w, http.StatusBadGateway, "bad gateway")
	default:
		// the caller went away or the request itself was malformed
		setSourceHeader(w.Header(), "bad-gateway")
		writeError(w, http.StatusBadGateway, "bad gateway")
	}
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, sourceHeader) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	stripHopHeaders(h)
	setSourceHeader(h, resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(sourceHeader, source)
	}
	// browsers only let scripts read custom headers that are exposed
	ensureExposedHeader(h, sourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusReport is the UI-facing state of the gateway.
type StatusReport struct {
	Online          bool       `json:"online"`
	QueueSize       int        `json:"queueSize"`
	SyncStatus      SyncStatus `json:"syncStatus"`
	Syncing         bool       `json:"syncing"`
	UpdateAvailable bool       `json:"updateAvailable"`
}

func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	n, err := s.queue.Size(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	rep := StatusReport{
		Online:     s.monitor.Status(),
		QueueSize:  n,
		SyncStatus: s.syncer.Status(),
		Syncing:    s.syncer.Running(),
	}
	if s.updater != nil {
		rep.UpdateAvailable = s.updater.Ready()
	}
	return rep, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.events.subscribe()
	defer unsubscribe()

	// the current state goes first so a client never waits for a transition
	initial := []Event{
		{Type: "online", Value: s.monitor.Status()},
		{Type: "syncStatus", Value: s.syncer.Status()},
	}
	if s.updater != nil {
		initial = append(initial, Event{Type: "update", Value: s.updater.Ready()})
	}
	for _, ev := range initial {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read failed", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

type statsReport struct {
	store.Stats
	RAMItems int   `json:"ramItems"`
	RAMBytes int64 `json:"ramBytes"`
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items, bytes := s.cache.ramStats()
	writeJSON(w, http.StatusOK, statsReport{Stats: st, RAMItems: items, RAMBytes: bytes})
}

// cacheKeyParam returns the key under /cache/. chi matches on RawPath when a
// client escaped more than the default encoding would, leaving the wildcard
// escaped.
func cacheKeyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return key, nil
	}
	return url.PathUnescape(key)
}

func (s *Service) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key, err := cacheKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed key")
		return
	}
	rec, ok := s.cache.Get(r.Context(), key)
	if !ok {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	h := w.Header()
	if ct := rec.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set("X-Offline0-Stored-At", rec.StoredAt.UTC().Format(time.RFC3339))
	h.Set("X-Offline0-Expires-At", rec.ExpiresAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Payload)
}

func (s *Service) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key, err := cacheKeyParam(r)
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "missing or malformed key")
		return
	}
	var ttl time.Duration
	if v := r.URL.Query().Get("ttlMinutes"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins < 0 {
			writeError(w, http.StatusBadRequest, "ttlMinutes must be a non-negative integer")
			return
		}
		ttl = time.Duration(mins) * time.Minute
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	h := make(http.Header)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	if err := s.cache.Set(r.Context(), key, store.CachedRecord{Payload: body, Status: http.StatusOK, Header: h}, ttl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Invalidate(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// QueueRequest is the body of POST /_offline0/queue.
type QueueRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s *Service) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var in QueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if in.URL == "" || !strings.HasPrefix(in.URL, "/") {
		writeError(w, http.StatusBadRequest, "url must be an origin-relative path")
		return
	}
	h := make(http.Header, len(in.Headers))
	for k, v := range in.Headers {
		h.Set(k, v)
	}
	if len(in.Body) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	id, err := s.queue.Enqueue(r.Context(), in.URL, in.Method, in.Body, h)
	if err != nil {
		if isMutation(strings.ToUpper(in.Method)) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	items, err := s.queue.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []store.QueuedRequest{}
	}
	writeJSON(w, http.StatusOK, items)
}

type syncReport struct {
	Started bool `json:"started"`
	BatchResult
	Error string `json:"error,omitempty"`
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	// a batch runs to completion even if the caller hangs up
	res, started := s.syncer.Trigger(context.WithoutCancel(r.Context()))
	rep := syncReport{Started: started, BatchResult: res}
	if res.Err != nil {
		rep.Error = res.Err.Error()
	}
	status := http.StatusOK
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, rep)
}

func (s *Service) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Online == nil {
		writeError(w, http.StatusBadRequest, `expected {"online": true|false}`)
		return
	}
	s.monitor.Set(*in.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.Status()})
}

func (s *Service) handleRecordList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListRecords(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleRecordPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "value must be json")
		return
	}
	rec := store.Record{
		Kind:      chi.URLParam(r, "kind"),
		Key:       chi.URLParam(r, "key"),
		Value:     body,
		UpdatedAt: time.Now(),
	}
	if err := s.store.PutRecord(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	dump, err := s.store.Export(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	name := "offline0-export-" + dump.Timestamp.UTC().Format("20060102-150405") + ".json"
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	writeJSON(w, http.StatusOK, dump)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.cache.dropRAM()
	s.metrics.setPending(0)
	s.logger.Info("all offline data cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeError(w, http.StatusNotFound, "update checks are not configured")
		return
	}
	available, err := s.updater.CheckForUpdate(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	current, latest := s.updater.Versions()
	writeJSON(w, http.StatusOK, map[string]any{"available": available, "current": current, "latest": latest})
}

func (s *Service) handleUpdateActivate(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeError(w, http.StatusNotFound, "update checks are not configured")
		return
	}
	err := s.updater.ActivateUpdate(r.Context())
	switch {
	case errors.Is(err, ErrNoUpdate):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		current, _ := s.updater.Versions()
		writeJSON(w, http.StatusOK, map[string]string{"version": current})
	}
}

func (s *Service) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.auth.Logout()
	w.WriteHeader(http.StatusNoContent)
}
