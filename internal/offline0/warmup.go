package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// WarmResult counts the outcome of one warmup pass.
type WarmResult struct {
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
}

// Warmer refreshes a set of paths into the cache so they can be served while
// offline. Paths come from config and from sitemaps.
type Warmer struct {
	client   *Client
	http     *http.Client
	origin   string
	paths    []string
	sitemaps []string
	rules    []Rule
	logger   *slog.Logger

	running atomic.Bool
}

func NewWarmer(client *Client, httpClient *http.Client, origin string, paths, sitemaps []string, rules []Rule, logger *slog.Logger) *Warmer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{
		client:   client,
		http:     httpClient,
		origin:   strings.TrimRight(origin, "/"),
		paths:    paths,
		sitemaps: sitemaps,
		rules:    rules,
		logger:   logger,
	}
}

// Enabled reports whether there is anything to warm.
func (w *Warmer) Enabled() bool {
	return len(w.paths) > 0 || len(w.sitemaps) > 0
}

// WarmOnce refreshes every known path. A pass already in flight makes this
// call return immediately with ok false.
func (w *Warmer) WarmOnce(ctx context.Context) (res WarmResult, ok bool, _ error) {
	if !w.running.CompareAndSwap(false, true) {
		return res, false, nil
	}
	defer w.running.Store(false)

	// a broken sitemap still leaves the paths found so far
	targets, discoverErr := w.targets(ctx)
	for _, p := range targets {
		if ctx.Err() != nil {
			return res, true, ctx.Err()
		}
		if err := w.client.Refresh(ctx, p); err != nil {
			res.Failed++
			w.logger.Debug("warmup fetch failed", "path", p, "error", err)
			continue
		}
		res.Fetched++
	}
	return res, true, discoverErr
}

func (w *Warmer) targets(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if r := pickRule(w.rules, pathOf(p)); r != nil && r.Bypass {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range w.paths {
		add(normalizePathFromLoc(p))
	}
	if len(w.sitemaps) == 0 {
		return out, nil
	}
	locs, err := w.discover(ctx)
	for _, loc := range locs {
		add(normalizePathFromLoc(loc))
	}
	return out, err
}

// discover walks the configured sitemaps, following nested sitemap indexes.
func (w *Warmer) discover(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(w.sitemaps))
	for _, sm := range w.sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.absoluteURL(sm))
		}
	}

	var locs []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return locs, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return locs, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.absoluteURL(nested))
			}
		}
		locs = append(locs, doc.URLs...)
	}
	return locs, nil
}

func (w *Warmer) absoluteURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return w.origin + u
}

func (w *Warmer) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also sets
	// Content-Encoding, so sniff the magic bytes too
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// normalizePathFromLoc turns a sitemap <loc> or configured path into an
// origin-relative request URI, keeping the query.
func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

// Run warms every interval until ctx is done.
func (w *Warmer) Run(ctx context.Context, every time.Duration) {
	if every <= 0 || !w.Enabled() {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.runLogged(ctx)
		}
	}
}

func (w *Warmer) runLogged(ctx context.Context) {
	res, ok, err := w.WarmOnce(ctx)
	if !ok {
		return
	}
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("warmup failed", "error", err, "fetched", res.Fetched, "failed", res.Failed)
		return
	}
	w.logger.Info("warmup done", "fetched", res.Fetched, "failed", res.Failed)
}
