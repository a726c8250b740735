package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	TierRestricted   = "restricted"
	TierUnrestricted = "unrestricted"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`

	// TrustedProxies are CIDRs (or bare IPs) whose forwarding headers are
	// believed. Empty means the connection address is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Limits struct {
	Default struct {
		Limit              int   `yaml:"limit"`
		WindowMS           int64 `yaml:"window_ms"`
		EvictionIntervalMS int64 `yaml:"eviction_interval_ms"`
	} `yaml:"default"`
}

type Guest struct {
	EvictionIntervalMS int64 `yaml:"eviction_interval_ms"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Tier     string            `yaml:"tier"` // "restricted" (default) or "unrestricted"
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Reaper struct {
	Dirs       []string `yaml:"dirs"`
	MaxAgeMS   int64    `yaml:"max_age_ms"`
	IntervalMS int64    `yaml:"interval_ms"`
	KeepFile   string   `yaml:"keep_file"`
}

type Derive struct {
	MediaRoot     string `yaml:"media_root"`
	OverlayPath   string `yaml:"overlay_path"`
	OutputDir     string `yaml:"output_dir"`
	FFmpegPath    string `yaml:"ffmpeg_path"`
	GraceMS       int64  `yaml:"grace_ms"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
}

type Cron struct {
	Secret string `yaml:"secret"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Limit struct {
		Requests int   `yaml:"requests"`
		WindowMS int64 `yaml:"window_ms"`
	} `yaml:"limit"`

	// GuestQuota spends the anonymous caller's daily allowance on success.
	GuestQuota bool `yaml:"guest_quota"`
}

type Root struct {
	Environment   string        `yaml:"environment"`
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Guest         Guest         `yaml:"guest"`
	Reaper        Reaper        `yaml:"reaper"`
	Derive        Derive        `yaml:"derive"`
	Cron          Cron          `yaml:"cron"`
	Routes        []Routes      `yaml:"routes"`
}

func (r *Root) Production() bool { return r.Environment == EnvProduction }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout bounds a whole export, so it is generous by default.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (s Server) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, v := range s.TrustedProxies {
		v = strings.TrimSpace(v)
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, fmt.Errorf("%w: trusted proxy %q: %v", ErrInvalid, v, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted proxy %q: %v", ErrInvalid, v, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func (l Limits) Window() time.Duration           { return ms(l.Default.WindowMS) }
func (l Limits) EvictionInterval() time.Duration { return ms(l.Default.EvictionIntervalMS) }
func (g Guest) EvictionInterval() time.Duration  { return ms(g.EvictionIntervalMS) }
func (r Reaper) MaxAge() time.Duration           { return ms(r.MaxAgeMS) }
func (r Reaper) Interval() time.Duration         { return ms(r.IntervalMS) }
func (d Derive) Grace() time.Duration            { return ms(d.GraceMS) }
func (r Routes) Window() time.Duration           { return ms(r.Limit.WindowMS) }

// LoadDotEnv loads KEY=value files into the environment without overriding
// variables already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyEnv() {
	if v := os.Getenv("MEDIAGATE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Cron.Secret = v
	}
	if v := os.Getenv("MEDIAGATE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("MEDIAGATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

func (cfg *Root) applyDefaults() {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	for i := range cfg.Auth.Keys {
		if cfg.Auth.Keys[i].Tier == "" {
			cfg.Auth.Keys[i].Tier = TierRestricted
		}
	}

	d := &cfg.Limits.Default
	if d.Limit <= 0 {
		d.Limit = 10
	}
	if d.WindowMS <= 0 {
		d.WindowMS = int64(time.Hour / time.Millisecond)
	}
	if d.EvictionIntervalMS <= 0 {
		d.EvictionIntervalMS = int64(10 * time.Minute / time.Millisecond)
	}
	if cfg.Guest.EvictionIntervalMS <= 0 {
		cfg.Guest.EvictionIntervalMS = int64(time.Hour / time.Millisecond)
	}

	if len(cfg.Reaper.Dirs) == 0 {
		cfg.Reaper.Dirs = []string{"public/temp", "public/output"}
	}
	if cfg.Reaper.MaxAgeMS <= 0 {
		cfg.Reaper.MaxAgeMS = int64(24 * time.Hour / time.Millisecond)
	}
	if cfg.Reaper.IntervalMS <= 0 {
		cfg.Reaper.IntervalMS = int64(time.Hour / time.Millisecond)
	}
	if cfg.Reaper.KeepFile == "" {
		cfg.Reaper.KeepFile = ".gitkeep"
	}

	if cfg.Derive.MediaRoot == "" {
		cfg.Derive.MediaRoot = "public"
	}
	if cfg.Derive.OverlayPath == "" {
		cfg.Derive.OverlayPath = "public/watermark.png"
	}
	if cfg.Derive.OutputDir == "" {
		cfg.Derive.OutputDir = "public/output"
	}
	if cfg.Derive.FFmpegPath == "" {
		cfg.Derive.FFmpegPath = "ffmpeg"
	}
	if cfg.Derive.GraceMS <= 0 {
		cfg.Derive.GraceMS = int64(60 * time.Second / time.Millisecond)
	}
	if cfg.Derive.MaxConcurrent <= 0 {
		cfg.Derive.MaxConcurrent = 2
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Limit.Requests > 0 && r.Limit.WindowMS <= 0 {
			r.Limit.WindowMS = d.WindowMS
		}
	}
}

func (cfg *Root) Validate() error {
	if cfg.Production() && cfg.Cron.Secret == "" {
		return fmt.Errorf("%w: cron secret is required in production", ErrInvalid)
	}

	if _, err := cfg.Server.TrustedPrefixes(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("%w: api key needs both id and secret", ErrInvalid)
		}
		if k.Tier != TierRestricted && k.Tier != TierUnrestricted {
			return fmt.Errorf("%w: api key %q has unknown tier %q", ErrInvalid, k.ID, k.Tier)
		}
		if _, dup := seen[k.Secret]; dup {
			return fmt.Errorf("%w: api key %q reuses a secret", ErrInvalid, k.ID)
		}
		seen[k.Secret] = struct{}{}
	}

	for _, r := range cfg.Routes {
		if r.ID == "" || r.Match.PathPrefix == "" {
			return fmt.Errorf("%w: route needs id and match.path_prefix", ErrInvalid)
		}
		if r.Limit.Requests < 0 {
			return fmt.Errorf("%w: route %q has a negative limit", ErrInvalid, r.ID)
		}
	}
	return nil
}
