package offline0

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port" mapstructure:"port"`
	} `yaml:"server" mapstructure:"server"`

	Upstream struct {
		Origin  string   `yaml:"origin" mapstructure:"origin"`
		Timeout Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"upstream" mapstructure:"upstream"`

	Storage struct {
		Driver  string `yaml:"driver" mapstructure:"driver"`
		Path    string `yaml:"path" mapstructure:"path"`
		DSN     string `yaml:"dsn,omitempty" mapstructure:"dsn"`
		MaxBody ByteSize `yaml:"maxBody" mapstructure:"maxBody"`
		RAM     struct {
			Max ByteSize `yaml:"max" mapstructure:"max"`
		} `yaml:"ram" mapstructure:"ram"`
	} `yaml:"storage" mapstructure:"storage"`

	Cache struct {
		TTL        Duration `yaml:"ttl" mapstructure:"ttl"`
		SweepEvery Duration `yaml:"sweepEvery" mapstructure:"sweepEvery"`
		StaleOn5xx bool     `yaml:"staleOn5xx" mapstructure:"staleOn5xx"`
	} `yaml:"cache" mapstructure:"cache"`

	Queue struct {
		MaxRetries int      `yaml:"maxRetries" mapstructure:"maxRetries"`
		Retention  Duration `yaml:"retention" mapstructure:"retention"`
	} `yaml:"queue" mapstructure:"queue"`

	Sync struct {
		TerminalStatuses []int `yaml:"terminalStatuses" mapstructure:"terminalStatuses"`
		FollowUp         struct {
			Initial Duration `yaml:"initial" mapstructure:"initial"`
			Max     Duration `yaml:"max" mapstructure:"max"`
		} `yaml:"followUp" mapstructure:"followUp"`
	} `yaml:"sync" mapstructure:"sync"`

	Probe struct {
		Path     string   `yaml:"path" mapstructure:"path"`
		Every    Duration `yaml:"every" mapstructure:"every"`
		Failures int      `yaml:"failures" mapstructure:"failures"`
		Timeout  Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"probe" mapstructure:"probe"`

	Update struct {
		Path  string   `yaml:"path" mapstructure:"path"`
		Every Duration `yaml:"every" mapstructure:"every"`
	} `yaml:"update" mapstructure:"update"`

	Warmup struct {
		Paths    []string `yaml:"paths" mapstructure:"paths"`
		Sitemaps []string `yaml:"sitemaps" mapstructure:"sitemaps"`
		Every    Duration `yaml:"every" mapstructure:"every"`
	} `yaml:"warmup" mapstructure:"warmup"`

	Auth struct {
		Token      string `yaml:"token,omitempty" mapstructure:"token"`
		PathPrefix string `yaml:"pathPrefix" mapstructure:"pathPrefix"`
		OAuth2     struct {
			TokenURL     string   `yaml:"tokenURL,omitempty" mapstructure:"tokenURL"`
			ClientID     string   `yaml:"clientID,omitempty" mapstructure:"clientID"`
			ClientSecret string   `yaml:"clientSecret,omitempty" mapstructure:"clientSecret"`
			Scopes       []string `yaml:"scopes,omitempty" mapstructure:"scopes"`
		} `yaml:"oauth2" mapstructure:"oauth2"`
	} `yaml:"auth" mapstructure:"auth"`

	Notify struct {
		URLs        []string `yaml:"urls" mapstructure:"urls"`
		DedupWindow Duration `yaml:"dedupWindow" mapstructure:"dedupWindow"`
		MQTT        struct {
			Broker   string `yaml:"broker,omitempty" mapstructure:"broker"`
			Topic    string `yaml:"topic,omitempty" mapstructure:"topic"`
			ClientID string `yaml:"clientID,omitempty" mapstructure:"clientID"`
		} `yaml:"mqtt" mapstructure:"mqtt"`
	} `yaml:"notify" mapstructure:"notify"`

	Logging struct {
		Level      string   `yaml:"level" mapstructure:"level"`
		Format     string   `yaml:"format" mapstructure:"format"`
		StatsEvery Duration `yaml:"statsEvery" mapstructure:"statsEvery"`
	} `yaml:"logging" mapstructure:"logging"`

	Telemetry struct {
		SentryDSN string `yaml:"sentryDSN,omitempty" mapstructure:"sentryDSN"`
	} `yaml:"telemetry" mapstructure:"telemetry"`

	Rules []Rule `yaml:"rules" mapstructure:"rules"`
}

// Rule overrides the request path for URLs under a set of path prefixes.
type Rule struct {
	Match      string   `yaml:"match" mapstructure:"match"`
	Priority   int      `yaml:"priority" mapstructure:"priority"`
	Bypass     bool     `yaml:"bypass" mapstructure:"bypass"`
	Expiration Duration `yaml:"expiration,omitempty" mapstructure:"expiration"`
	// Queue set to false makes offline mutations fail instead of queueing.
	Queue *bool `yaml:"queue,omitempty" mapstructure:"queue"`

	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Queues reports whether offline mutations under this rule are queued.
func (r *Rule) Queues() bool {
	return r.Queue == nil || *r.Queue
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("upstream.origin", "")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("storage.driver", "leveldb")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.maxBody", "5mb")
	v.SetDefault("storage.ram.max", "64mb")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.sweepEvery", "1h")
	v.SetDefault("cache.staleOn5xx", false)
	v.SetDefault("queue.maxRetries", 3)
	v.SetDefault("queue.retention", "168h")
	v.SetDefault("sync.terminalStatuses", []int{})
	v.SetDefault("sync.followUp.initial", "5s")
	v.SetDefault("sync.followUp.max", "5m")
	v.SetDefault("probe.path", "/")
	v.SetDefault("probe.every", "10s")
	v.SetDefault("probe.failures", 2)
	v.SetDefault("probe.timeout", "5s")
	v.SetDefault("update.path", "")
	v.SetDefault("update.every", "30s")
	v.SetDefault("warmup.every", "0s")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.pathPrefix", "/")
	v.SetDefault("auth.oauth2.tokenURL", "")
	v.SetDefault("auth.oauth2.clientID", "")
	v.SetDefault("auth.oauth2.clientSecret", "")
	v.SetDefault("notify.dedupWindow", "1m")
	v.SetDefault("notify.mqtt.broker", "")
	v.SetDefault("notify.mqtt.topic", "offline0/notifications")
	v.SetDefault("notify.mqtt.clientID", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.statsEvery", "0s")
	v.SetDefault("telemetry.sentryDSN", "")
}

// LoadConfig reads a YAML config file. Every scalar key can be overridden
// from the environment as OFFLINE0_<SECTION>_<KEY>, e.g. OFFLINE0_UPSTREAM_ORIGIN.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig reads YAML config from r, applying defaults and environment
// overrides.
func ParseConfig(r io.Reader) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OFFLINE0")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Upstream.Origin == "" {
		return fmt.Errorf("upstream.origin is required")
	}
	cfg.Upstream.Origin = strings.TrimRight(cfg.Upstream.Origin, "/")
	u, err := url.Parse(cfg.Upstream.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.origin: invalid url %q", cfg.Upstream.Origin)
	}
	if cfg.Upstream.Timeout <= 0 {
		cfg.Upstream.Timeout = Duration(30 * time.Second)
	}

	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = Duration(DefaultTTL)
	}
	if cfg.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.maxRetries must be at least 1")
	}
	for i, st := range cfg.Sync.TerminalStatuses {
		if st < 400 || st > 599 {
			return fmt.Errorf("sync.terminalStatuses[%d]: %d is not an HTTP error status", i, st)
		}
	}
	if cfg.Probe.Path != "" && !strings.HasPrefix(cfg.Probe.Path, "/") {
		return fmt.Errorf("probe.path must start with /")
	}
	if cfg.Probe.Failures < 1 {
		cfg.Probe.Failures = 1
	}
	if cfg.Auth.PathPrefix == "" {
		cfg.Auth.PathPrefix = "/"
	}

	for i := range cfg.Rules {
		if err := cfg.Rules[i].compile(); err != nil {
			return fmt.Errorf("rules[%d].%w", i, err)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func (r *Rule) compile() error {
	ms, err := parseMatch(r.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	r.matchers = ms
	if r.Expiration < 0 {
		return fmt.Errorf("expiration: negative duration")
	}
	return nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// pickRule returns the first rule matching path; rules are sorted by priority.
func pickRule(rules []Rule, path string) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// Dump renders the effective config as "yaml" or "toml". Secrets are masked.
func (cfg Config) Dump(format string) ([]byte, error) {
	masked := cfg
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&masked.Auth.Token)
	mask(&masked.Auth.OAuth2.ClientSecret)
	mask(&masked.Storage.DSN)
	mask(&masked.Telemetry.SentryDSN)

	y, err := yaml.Marshal(masked)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		return y, nil
	case "toml":
		var generic map[string]any
		if err := yaml.Unmarshal(y, &generic); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(generic); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
