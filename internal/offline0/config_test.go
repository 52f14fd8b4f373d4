package offline0

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const minimalConfig = `
upstream:
  origin: https://api.example.test/
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.Upstream.Origin)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout.Std())
	assert.Equal(t, "leveldb", cfg.Storage.Driver)
	assert.Equal(t, DefaultTTL, cfg.Cache.TTL.Std())
	assert.Equal(t, time.Hour, cfg.Cache.SweepEvery.Std())
	assert.Equal(t, DefaultMaxRetries, cfg.Queue.MaxRetries)
	assert.Equal(t, DefaultRetention, cfg.Queue.Retention.Std())
	assert.Empty(t, cfg.Sync.TerminalStatuses)
	assert.Equal(t, "/", cfg.Probe.Path)
	assert.Equal(t, 2, cfg.Probe.Failures)
	assert.Equal(t, 30*time.Second, cfg.Update.Every.Std())
	assert.Equal(t, "/", cfg.Auth.PathPrefix)
	assert.Equal(t, 5*MB, cfg.Storage.MaxBody)
	assert.Equal(t, 64*MB, cfg.Storage.RAM.Max)
}

func TestParseConfig_Full(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(`
server:
  port: 9000
upstream:
  origin: http://localhost:3000
  timeout: 5s
storage:
  driver: sqlite
  path: /tmp/offline0.db
  maxBody: 1mb
cache:
  ttl: 12h
  staleOn5xx: true
queue:
  maxRetries: 5
sync:
  terminalStatuses: [400, 409, 422]
warmup:
  paths: ["/products", "/categories"]
  every: 15m
rules:
  - match: PathPrefix(/news)
    priority: 2
    expiration: 1m
  - match: PathPrefix(/auth) | PathPrefix(/login)
    priority: 1
    bypass: true
  - match: PathPrefix(/payments)
    priority: 3
    queue: false
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout.Std())
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, MB, cfg.Storage.MaxBody)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL.Std())
	assert.True(t, cfg.Cache.StaleOn5xx)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, []int{400, 409, 422}, cfg.Sync.TerminalStatuses)
	assert.Equal(t, []string{"/products", "/categories"}, cfg.Warmup.Paths)
	assert.Equal(t, 15*time.Minute, cfg.Warmup.Every.Std())

	require.Len(t, cfg.Rules, 3)
	assert.True(t, cfg.Rules[0].Bypass, "rules are sorted by priority")
	assert.True(t, cfg.Rules[0].Matches("/login/form"))
	assert.Equal(t, time.Minute, cfg.Rules[1].Expiration.Std())
	assert.False(t, cfg.Rules[2].Queues())
	assert.True(t, cfg.Rules[1].Queues())

	assert.Same(t, &cfg.Rules[2], pickRule(cfg.Rules, "/payments/42"))
	assert.Nil(t, pickRule(cfg.Rules, "/products"))
}

func TestParseConfig_EnvOverride(t *testing.T) {
	t.Setenv("OFFLINE0_UPSTREAM_ORIGIN", "https://override.example.test")
	t.Setenv("OFFLINE0_PROBE_EVERY", "3s")
	t.Setenv("OFFLINE0_QUEUE_MAXRETRIES", "7")

	cfg, err := ParseConfig(strings.NewReader(minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.test", cfg.Upstream.Origin)
	assert.Equal(t, 3*time.Second, cfg.Probe.Every.Std())
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"missing origin", `server: {port: 1}`, "upstream.origin is required"},
		{"bad origin", "upstream: {origin: not-a-url}", "upstream.origin: invalid url"},
		{"bad size", minimalConfig + "storage: {maxBody: lots}", `invalid size "lots"`},
		{"zero retries", minimalConfig + "queue: {maxRetries: 0}", "queue.maxRetries"},
		{"terminal 2xx", minimalConfig + "sync: {terminalStatuses: [200]}", "sync.terminalStatuses[0]"},
		{"probe path", minimalConfig + "probe: {path: health}", "probe.path"},
		{"bad rule", minimalConfig + "rules: [{match: Path(/x)}]", "rules[0].match: only PathPrefix(...) supported"},
		{"negative expiration", minimalConfig + "rules: [{match: PathPrefix(/x), expiration: -1m}]", "rules[0].expiration"},
		{"bad duration", minimalConfig + "cache: {ttl: soon}", "decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Dump(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(minimalConfig + `
auth:
  token: super-secret
telemetry:
  sentryDSN: https://key@sentry.example.test/1
`))
	require.NoError(t, err)

	out, err := cfg.Dump("yaml")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")
	assert.NotContains(t, string(out), "key@sentry")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Cache.TTL, back.Cache.TTL)
	assert.Equal(t, 5*MB, back.Storage.MaxBody)
	assert.Equal(t, "********", back.Auth.Token)

	out, err = cfg.Dump("toml")
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, toml.Unmarshal(out, &generic))
	upstream, ok := generic["upstream"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.test", upstream["origin"])
	assert.Equal(t, "30s", upstream["timeout"])
	storage, ok := generic["storage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "5mb", storage["maxBody"])

	_, err = cfg.Dump("ini")
	assert.Error(t, err)
}

func TestDuration_Encoding(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"90s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"fast"`), &d))

	b, err := json.Marshal(Duration(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"2m0s"`, string(b))

	var y struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1h30m"), &y))
	assert.Equal(t, 90*time.Minute, y.D.Std())
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
		err  bool
	}{
		{"512", 512, false},
		{"512b", 512, false},
		{"64kb", 64 * KB, false},
		{"5mb", 5 * MB, false},
		{"5M", 5 * MB, false},
		{"1.5g", 3 << 29, false},
		{" 2 gb ", 2 * GB, false},
		{"", 0, true},
		{"b", 0, true},
		{"-1", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	assert.Equal(t, "512b", ByteSize(512).String())
	assert.Equal(t, "1.5kb", ByteSize(1536).String())
	assert.Equal(t, "5mb", (5 * MB).String())

	var j struct {
		Size ByteSize `json:"size"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"size":"64kb"}`), &j))
	assert.Equal(t, 64*KB, j.Size)
	require.NoError(t, json.Unmarshal([]byte(`{"size":2048}`), &j))
	assert.Equal(t, 2*KB, j.Size)
}

func TestParseConfig_ByteSizeFromEnv(t *testing.T) {
	t.Setenv("OFFLINE0_STORAGE_MAXBODY", "256kb")
	cfg, err := ParseConfig(strings.NewReader(minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 256*KB, cfg.Storage.MaxBody)
}
