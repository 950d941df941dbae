package storesync

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	ModeDebug   = "debug"
	ModeRelease = "release"
)

type Config struct {
	// Mode is debug or release. Programming errors panic in debug.
	Mode   string `yaml:"mode"`
	Origin string `yaml:"origin"`

	Diagnostics struct {
		Listen string `yaml:"listen"`
	} `yaml:"diagnostics"`

	Session struct {
		UserID *int64 `yaml:"user_id"`
		Cookie string `yaml:"cookie"`
	} `yaml:"session"`

	Push struct {
		URL               string `yaml:"url"`
		ReconnectDelay    string `yaml:"reconnect_delay"`
		ReconnectPolicy   string `yaml:"reconnect_policy"`
		MaxReconnectDelay string `yaml:"max_reconnect_delay"`
		PingEvery         string `yaml:"ping_every"`
		HandshakeTimeout  string `yaml:"handshake_timeout"`
		ReadLimit         string `yaml:"read_limit"`
	} `yaml:"push"`

	Fetch struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"fetch"`

	Resources map[string]ResourceConfig `yaml:"resources"`

	EdgeCache struct {
		Enabled *bool `yaml:"enabled"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`
		} `yaml:"disk"`
		RevalidateConcurrency int `yaml:"revalidate_concurrency"`
	} `yaml:"edge_cache"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		OutputPath    string `yaml:"output_path"`
		MaxSize       int    `yaml:"max_size"`
		MaxBackups    int    `yaml:"max_backups"`
		MaxAge        int    `yaml:"max_age"`
		Compress      bool   `yaml:"compress"`
		LogStatsEvery string `yaml:"log_stats_every"`
	} `yaml:"logging"`

	// compiled
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pingEvery         time.Duration
	handshakeTimeout  time.Duration
	readLimit         int64
	fetchTimeout      time.Duration
	ramMax            int64
	diskMax           int64
	logStatsEvery     time.Duration
	policies          map[ResourceKind]ResourcePolicy
}

// ResourceConfig overrides the built-in policy of one kind. Unset fields keep
// the default.
type ResourceConfig struct {
	Push *bool  `yaml:"push"`
	Poll string `yaml:"poll"`
	TTL  string `yaml:"ttl"`
	Path string `yaml:"path"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Mode == "" {
		c.Mode = ModeRelease
	}
	if c.Mode != ModeDebug && c.Mode != ModeRelease {
		return fmt.Errorf("mode: want %q or %q, got %q", ModeDebug, ModeRelease, c.Mode)
	}

	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	u, err := url.Parse(c.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin: want http(s)://host, got %q", c.Origin)
	}

	if c.Diagnostics.Listen == "" {
		c.Diagnostics.Listen = ":9090"
	}

	if c.Push.URL == "" {
		ws := *u
		ws.Scheme = "ws"
		if u.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimRight(u.Path, "/") + "/ws"
		c.Push.URL = ws.String()
	}
	if c.Push.ReconnectPolicy == "" {
		c.Push.ReconnectPolicy = "constant"
	}
	if c.Push.ReconnectPolicy != "constant" && c.Push.ReconnectPolicy != "exponential" {
		return fmt.Errorf("push.reconnect_policy: want constant or exponential, got %q", c.Push.ReconnectPolicy)
	}

	durations := []struct {
		field string
		raw   string
		def   time.Duration
		dst   *time.Duration
	}{
		{"push.reconnect_delay", c.Push.ReconnectDelay, 5 * time.Second, &c.reconnectDelay},
		{"push.max_reconnect_delay", c.Push.MaxReconnectDelay, 2 * time.Minute, &c.maxReconnectDelay},
		{"push.ping_every", c.Push.PingEvery, 0, &c.pingEvery},
		{"push.handshake_timeout", c.Push.HandshakeTimeout, 10 * time.Second, &c.handshakeTimeout},
		{"fetch.timeout", c.Fetch.Timeout, 30 * time.Second, &c.fetchTimeout},
		{"logging.log_stats_every", c.Logging.LogStatsEvery, 0, &c.logStatsEvery},
	}
	for _, d := range durations {
		v, err := parseDuration(d.raw, d.def)
		if err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
		*d.dst = v
	}
	if c.reconnectDelay <= 0 {
		return fmt.Errorf("push.reconnect_delay: must be positive")
	}
	if c.fetchTimeout <= 0 {
		return fmt.Errorf("fetch.timeout: must be positive")
	}
	if c.maxReconnectDelay < c.reconnectDelay {
		c.maxReconnectDelay = c.reconnectDelay
	}

	sizes := []struct {
		field string
		raw   string
		def   int64
		dst   *int64
	}{
		{"push.read_limit", c.Push.ReadLimit, 1 << 20, &c.readLimit},
		{"edge_cache.ram.max", c.EdgeCache.RAM.Max, 64 << 20, &c.ramMax},
		{"edge_cache.disk.max", c.EdgeCache.Disk.Max, 512 << 20, &c.diskMax},
	}
	for _, s := range sizes {
		v, err := parseSize(s.raw, s.def)
		if err != nil {
			return fmt.Errorf("%s: %w", s.field, err)
		}
		*s.dst = v
	}

	if c.EdgeCache.Enabled == nil {
		on := true
		c.EdgeCache.Enabled = &on
	}
	if c.EdgeCache.RevalidateConcurrency < 0 {
		return fmt.Errorf("edge_cache.revalidate_concurrency: must not be negative")
	}
	if c.EdgeCache.RevalidateConcurrency == 0 {
		c.EdgeCache.RevalidateConcurrency = 32
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	policies := DefaultPolicies()
	for name, rc := range c.Resources {
		kind, ok := ParseKind(name)
		if !ok {
			return fmt.Errorf("resources.%s: %w", name, ErrUnknownKind)
		}
		p := policies[kind]
		if rc.Push != nil {
			p.PushEligible = *rc.Push
		}
		if rc.Poll != "" {
			if p.PollInterval, err = parseDuration(rc.Poll, 0); err != nil {
				return fmt.Errorf("resources.%s.poll: %w", name, err)
			}
		}
		if rc.TTL != "" {
			if p.TTL, err = parseDuration(rc.TTL, 0); err != nil {
				return fmt.Errorf("resources.%s.ttl: %w", name, err)
			}
		}
		if rc.Path != "" {
			if !strings.HasPrefix(rc.Path, "/") {
				return fmt.Errorf("resources.%s.path: must start with /", name)
			}
			p.Path = rc.Path
		}
		if err := p.validate(); err != nil {
			return fmt.Errorf("resources.%s: %w", name, err)
		}
		policies[kind] = p
	}
	c.policies = policies
	return nil
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// parseSize accepts "64MiB", "512mb", "1gb" and plain byte counts.
func parseSize(raw string, def int64) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (c Config) Strict() bool { return c.Mode == ModeDebug }

// Policies returns the effective resource policies, defaults merged with the
// resources section.
func (c Config) Policies() map[ResourceKind]ResourcePolicy {
	if c.policies == nil {
		return DefaultPolicies()
	}
	out := make(map[ResourceKind]ResourcePolicy, len(c.policies))
	for k, p := range c.policies {
		out[k] = p
	}
	return out
}

func (c Config) LogStatsEvery() time.Duration { return c.logStatsEvery }

// reconnectBackOff builds the reconnect delay policy. Neither policy ever
// returns backoff.Stop, so reconnection is attempted forever.
func (c Config) reconnectBackOff() backoff.BackOff {
	delay := c.reconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	if c.Push.ReconnectPolicy == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = delay
		b.MaxInterval = max(c.maxReconnectDelay, delay)
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(delay)
}

func (c Config) sessionHeader() http.Header {
	if c.Session.Cookie == "" {
		return nil
	}
	return http.Header{"Cookie": {c.Session.Cookie}}
}
