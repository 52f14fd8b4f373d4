package offline0

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2/clientcredentials"

	"offline0/internal/notify"
	"offline0/internal/store"
)

// Service wires the offline gateway together and owns its background loops.
type Service struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	cache     *Cache
	queue     *Queue
	monitor   *Monitor
	transport Transport
	auth      Auth
	notifier  notify.Notifier
	syncer    *Syncer
	client    *Client
	updater   *VersionPoller
	warmer    *Warmer

	metrics *metrics
	stats   *statsCollector
	events  *eventHub
	hub     *sentry.Hub

	kickCh chan struct{}
	unsubs []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

type serviceDeps struct {
	store      store.Store
	transport  Transport
	notifier   notify.Notifier
	httpClient *http.Client
	onActivate func(ctx context.Context, version string) error
}

// Option replaces a dependency NewService would otherwise build from config.
type Option func(*serviceDeps)

func WithStore(st store.Store) Option { return func(d *serviceDeps) { d.store = st } }

func WithTransport(t Transport) Option { return func(d *serviceDeps) { d.transport = t } }

func WithNotifier(n notify.Notifier) Option { return func(d *serviceDeps) { d.notifier = n } }

// WithHTTPClient sets the client used for probes, sitemaps and version checks.
func WithHTTPClient(c *http.Client) Option { return func(d *serviceDeps) { d.httpClient = c } }

// WithActivateHook runs fn when a new app version is activated.
func WithActivateHook(fn func(ctx context.Context, version string) error) Option {
	return func(d *serviceDeps) { d.onActivate = fn }
}

func NewService(cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var deps serviceDeps
	for _, o := range opts {
		o(&deps)
	}
	if deps.httpClient == nil {
		deps.httpClient = &http.Client{Timeout: cfg.Upstream.Timeout.Std()}
	}

	st := deps.store
	if st == nil {
		var err error
		st, err = store.Open(store.Options{
			Driver: cfg.Storage.Driver,
			Path:   cfg.Storage.Path,
			DSN:    cfg.Storage.DSN,
			Logger: logger.With("component", "store"),
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	n := deps.notifier
	if n == nil {
		var err error
		n, err = buildNotifier(cfg, logger.With("component", "notify"))
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	var hub *sentry.Hub
	if cfg.Telemetry.SentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{Dsn: cfg.Telemetry.SentryDSN})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("sentry: %w", err)
		}
		hub = sentry.NewHub(client, sentry.NewScope())
	}

	m := newMetrics()
	t := deps.transport
	if t == nil {
		t = NewHTTPTransport(cfg.Upstream.Origin, nil, cfg.Upstream.Timeout.Std())
	}
	a := buildAuth(cfg)

	cache := NewCache(st, CacheOptions{TTL: cfg.Cache.TTL.Std(), RAMMax: cfg.Storage.RAM.Max.Int64()}, logger.With("component", "cache"))
	cache.metrics = m
	queue := NewQueue(st, cfg.Queue.MaxRetries, logger.With("component", "queue"))
	queue.metrics = m

	var probeURL string
	if cfg.Probe.Path != "" {
		probeURL = cfg.Upstream.Origin + cfg.Probe.Path
	}
	monitor := NewMonitor(MonitorConfig{
		ProbeURL: probeURL,
		Every:    cfg.Probe.Every.Std(),
		Timeout:  cfg.Probe.Timeout.Std(),
		Failures: cfg.Probe.Failures,
	}, deps.httpClient, logger.With("component", "monitor"))

	syncer := NewSyncer(queue, t, a, n, SyncerOptions{
		TerminalStatuses: cfg.Sync.TerminalStatuses,
		AuthPathPrefix:   cfg.Auth.PathPrefix,
		FollowUpInitial:  cfg.Sync.FollowUp.Initial.Std(),
		FollowUpMax:      cfg.Sync.FollowUp.Max.Std(),
	}, logger.With("component", "sync"))
	syncer.metrics = m
	syncer.hub = hub

	client := NewClient(ClientOptions{
		Rules:          cfg.Rules,
		MaxBody:        cfg.Storage.MaxBody.Int64(),
		StaleOn5xx:     cfg.Cache.StaleOn5xx,
		AuthPathPrefix: cfg.Auth.PathPrefix,
	}, monitor, cache, queue, t, a, logger.With("component", "client"))
	client.metrics = m

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		cache:     cache,
		queue:     queue,
		monitor:   monitor,
		transport: t,
		auth:      a,
		notifier:  n,
		syncer:    syncer,
		client:    client,
		warmer: NewWarmer(client, deps.httpClient, cfg.Upstream.Origin,
			cfg.Warmup.Paths, cfg.Warmup.Sitemaps, cfg.Rules, logger.With("component", "warmup")),
		metrics: m,
		stats:   newStatsCollector(),
		events:  newEventHub(),
		hub:     hub,
		kickCh:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Update.Path != "" {
		s.updater = NewVersionPoller(cfg.Upstream.Origin+cfg.Update.Path, deps.httpClient, deps.onActivate, logger.With("component", "update"))
	}

	initCtx, initCancel := context.WithTimeout(ctx, cfg.Probe.Timeout.Std()+time.Second)
	monitor.Init(initCtx)
	initCancel()

	s.subscribe()
	s.start()
	return s, nil
}

func buildNotifier(cfg Config, logger *slog.Logger) (notify.Notifier, error) {
	members := notify.Multi{notify.NewLogNotifier(logger)}
	if len(cfg.Notify.URLs) > 0 {
		sn, err := notify.NewShoutrrrNotifier(cfg.Notify.URLs, logger)
		if err != nil {
			return nil, err
		}
		members = append(members, sn)
	}
	if cfg.Notify.MQTT.Broker != "" {
		mn, err := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:   cfg.Notify.MQTT.Broker,
			Topic:    cfg.Notify.MQTT.Topic,
			ClientID: cfg.Notify.MQTT.ClientID,
		}, logger)
		if err != nil {
			_ = members.Close()
			return nil, err
		}
		members = append(members, mn)
	}
	if cfg.Notify.DedupWindow > 0 {
		return notify.NewDedup(members, cfg.Notify.DedupWindow.Std()), nil
	}
	return members, nil
}

func buildAuth(cfg Config) Auth {
	o := cfg.Auth.OAuth2
	if o.TokenURL != "" {
		return NewOAuth2Auth(clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
		})
	}
	return NewStaticAuth(cfg.Auth.Token)
}

func (s *Service) subscribe() {
	first := true
	s.unsubs = append(s.unsubs, s.monitor.Subscribe(func(online bool) {
		s.metrics.setOnline(online)
		s.events.publish(Event{Type: "online", Value: online})
		if first {
			first = false
			if online {
				s.kick()
			}
			return
		}
		if online {
			s.notifier.Notify("You're back online!", "Syncing your offline changes...")
			s.kick()
		} else {
			s.notifier.Notify("You're now offline", "Don't worry, your data will sync when you're back online")
		}
	}))
	s.unsubs = append(s.unsubs, s.syncer.SubscribeStatus(func(st SyncStatus) {
		s.events.publish(Event{Type: "syncStatus", Value: st})
	}))
	if s.updater != nil {
		s.unsubs = append(s.unsubs, s.updater.SubscribeReady(func(ready bool) {
			s.events.publish(Event{Type: "update", Value: ready})
		}))
	}
}

// kick schedules a sync followed by a warmup pass. Kicks arriving while one is
// pending collapse into it.
func (s *Service) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Service) start() {
	s.goLoop(s.monitor.Run)
	s.goLoop(s.maintenanceLoop)
	s.goLoop(s.kickLoop)
	s.goLoop(func(ctx context.Context) { s.syncer.Run(ctx, s.monitor.Status) })
	s.goLoop(func(ctx context.Context) { s.warmer.Run(ctx, s.cfg.Warmup.Every.Std()) })
	if s.updater != nil {
		s.goLoop(func(ctx context.Context) { s.updater.Run(ctx, s.cfg.Update.Every.Std()) })
	}
	if every := s.cfg.Logging.StatsEvery.Std(); every > 0 {
		s.goLoop(func(ctx context.Context) { s.statsLoop(ctx, every) })
	}
}

func (s *Service) goLoop(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) kickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kickCh:
			if !s.monitor.Status() {
				continue
			}
			s.syncer.Trigger(ctx)
			if s.warmer.Enabled() {
				s.warmer.runLogged(ctx)
			}
		}
	}
}

// maintenanceLoop sweeps expired cache records and purges old queue records,
// once at startup and then every cache.sweepEvery.
func (s *Service) maintenanceLoop(ctx context.Context) {
	s.maintain(ctx)
	every := s.cfg.Cache.SweepEvery.Std()
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.maintain(ctx)
		}
	}
}

func (s *Service) maintain(ctx context.Context) {
	if n, err := s.cache.SweepExpired(ctx); err == nil && n > 0 {
		s.logger.Info("expired cache records removed", "count", n)
	}
	retention := s.cfg.Queue.Retention.Std()
	if retention <= 0 {
		retention = DefaultRetention
	}
	n, err := s.queue.PurgeOlderThan(ctx, retention)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("queue retention purge failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("old queued requests removed", "count", n, "retention", retention)
	}
}

// Client returns the offline-aware request path.
func (s *Service) Client() *Client { return s.client }

func (s *Service) Monitor() *Monitor { return s.monitor }

func (s *Service) Syncer() *Syncer { return s.syncer }

func (s *Service) Cache() *Cache { return s.cache }

func (s *Service) Queue() *Queue { return s.queue }

// Close stops the background loops and releases the store and notifiers.
func (s *Service) Close() error {
	var result *multierror.Error
	s.closed.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.events.close()
		if c, ok := s.notifier.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("notifier: %w", err))
			}
		}
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
		if s.hub != nil {
			s.hub.Flush(2 * time.Second)
		}
	})
	return result.ErrorOrNil()
}
