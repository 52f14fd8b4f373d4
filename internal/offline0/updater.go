package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrNoUpdate is returned by ActivateUpdate when no new version is waiting.
var ErrNoUpdate = errors.New("update: no new version available")

// Updater checks for and activates new versions of the app behind the origin.
type Updater interface {
	CheckForUpdate(ctx context.Context) (bool, error)
	ActivateUpdate(ctx context.Context) error
}

// VersionPoller polls a version document on the origin. The first version
// seen is the running one; any later different version is an update. The
// document is either a bare string or JSON with a "version" field.
type VersionPoller struct {
	url        string
	client     *http.Client
	onActivate func(ctx context.Context, version string) error
	logger     *slog.Logger

	ready *Subject[bool]

	mu      sync.Mutex
	current string
	latest  string
}

func NewVersionPoller(url string, client *http.Client, onActivate func(ctx context.Context, version string) error, logger *slog.Logger) *VersionPoller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionPoller{url: url, client: client, onActivate: onActivate, logger: logger, ready: NewSubject(false)}
}

// Ready is true while a new version waits for activation.
func (p *VersionPoller) Ready() bool { return p.ready.Value() }

func (p *VersionPoller) SubscribeReady(fn func(bool)) (unsubscribe func()) {
	return p.ready.Subscribe(fn)
}

// Versions returns the running and the latest seen version.
func (p *VersionPoller) Versions() (current, latest string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.latest
}

func (p *VersionPoller) CheckForUpdate(ctx context.Context) (bool, error) {
	v, err := p.fetch(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.current == "" {
		p.current = v
	}
	p.latest = v
	available := p.latest != p.current
	p.mu.Unlock()

	if p.ready.Set(available) && available {
		p.logger.Info("update available", "version", v)
	}
	return available, nil
}

func (p *VersionPoller) ActivateUpdate(ctx context.Context) error {
	p.mu.Lock()
	if p.latest == "" || p.latest == p.current {
		p.mu.Unlock()
		return ErrNoUpdate
	}
	next := p.latest
	p.mu.Unlock()

	if p.onActivate != nil {
		if err := p.onActivate(ctx, next); err != nil {
			return fmt.Errorf("update: activate %s: %w", next, err)
		}
	}

	p.mu.Lock()
	p.current = next
	p.mu.Unlock()
	p.ready.Set(false)
	p.logger.Info("update activated", "version", next)
	return nil
}

func (p *VersionPoller) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("update: fetch version: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("update: read version: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("update: unexpected status %d", resp.StatusCode)
	}
	return parseVersion(body)
}

func parseVersion(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var doc struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", fmt.Errorf("update: decode version: %w", err)
		}
		if doc.Version == "" {
			return "", fmt.Errorf("update: version document has no version")
		}
		return doc.Version, nil
	}
	if len(body) == 0 {
		return "", fmt.Errorf("update: empty version document")
	}
	return string(body), nil
}

// Run checks for updates every interval until ctx is done.
func (p *VersionPoller) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	check := func() {
		if _, err := p.CheckForUpdate(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug("update check failed", "error", err)
		}
	}
	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
