package offline0

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type MonitorConfig struct {
	// ProbeURL is fetched to check the origin; empty disables probing and the
	// monitor only changes through Set.
	ProbeURL string
	Every    time.Duration
	Timeout  time.Duration
	// Failures is the number of consecutive failed probes that flip the
	// state to offline.
	Failures int
}

// Monitor tracks whether the origin is reachable. The state starts online and
// changes through probes and host reports; subscribers only see transitions.
type Monitor struct {
	cfg    MonitorConfig
	client *http.Client
	state  *Subject[bool]
	logger *slog.Logger

	mu       sync.Mutex
	failures int
}

func NewMonitor(cfg MonitorConfig, client *http.Client, logger *slog.Logger) *Monitor {
	if cfg.Failures < 1 {
		cfg.Failures = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, client: client, state: NewSubject(true), logger: logger}
}

func (m *Monitor) Status() bool { return m.state.Value() }

// Subscribe calls fn with the current state and then on every transition.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	return m.state.Subscribe(fn)
}

// Set records a connectivity report from the host. Repeating the current
// state is a no-op.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	m.transition(online, "host")
}

func (m *Monitor) transition(online bool, source string) {
	if m.state.Set(online) {
		m.logger.Info("connectivity changed", "online", online, "source", source)
	}
}

// Init runs one probe and takes its result as the state, with no failure
// threshold. It does nothing when probing is disabled.
func (m *Monitor) Init(ctx context.Context) {
	if m.cfg.ProbeURL == "" {
		return
	}
	ok := m.probe(ctx)
	m.mu.Lock()
	if ok {
		m.failures = 0
	} else {
		m.failures = m.cfg.Failures
	}
	m.mu.Unlock()
	m.transition(ok, "probe")
}

// Probe runs one probe and applies the failure threshold.
func (m *Monitor) Probe(ctx context.Context) bool {
	ok := m.probe(ctx)
	if !ok && ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	if ok {
		m.failures = 0
	} else {
		m.failures++
	}
	offline := m.failures >= m.cfg.Failures
	m.mu.Unlock()

	switch {
	case ok:
		m.transition(true, "probe")
	case offline:
		m.transition(false, "probe")
	}
	return ok
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", "url", m.cfg.ProbeURL, "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Run probes every cfg.Every until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ProbeURL == "" || m.cfg.Every <= 0 {
		return
	}
	t := time.NewTicker(m.cfg.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Probe(ctx)
		}
	}
}
