package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	defaultUpstreamTag     = "self"
	defaultUpstreamBaseURL = "http://127.0.0.1:8080"

	DecimalDivisor = 1_000_000
	BinaryDivisor  = 1 << 20

	defaultLatencyCount       = 3
	defaultLatencyTimeout     = 2 * time.Second
	defaultLatencyFallbackMin = 35.0
	defaultLatencyFallbackMax = 55.0
	defaultLatencyMaxJitter   = 8.0

	defaultDownloadStreams        = 4
	defaultDownloadDuration       = 3 * time.Second
	defaultDownloadRequestSize    = "10mb"
	defaultDownloadChunkSize      = "64kib"
	defaultSampleInterval         = 200 * time.Millisecond
	defaultMinElapsed             = 500 * time.Millisecond
	defaultDownloadFloorMbps      = 0.1
	defaultDownloadFallbackMinMbp = 15.0
	defaultDownloadFallbackMaxMbp = 500.0

	UploadModeMeasure = "measure"
	UploadModeDerive  = "derive"

	defaultUploadStreams   = 3
	defaultUploadDuration  = 3 * time.Second
	defaultUploadChunkSize = "1mb"
	defaultUploadMaxRatio  = 1.5
	defaultAnimationSteps  = 15
	defaultAnimationStep   = 100 * time.Millisecond

	defaultGeoTTL     = 5 * time.Minute
	defaultGeoTimeout = 3 * time.Second

	GeoSourceSameOrigin = "same_origin"
	GeoSourceIPAPI      = "ipapi"
	GeoSourceIPAPICom   = "ipapi_com"

	defaultServerBindAddr        = "0.0.0.0"
	defaultServerBindPort        = 8080
	defaultServerMaxConnections  = 256
	defaultServerRateRequests    = 600
	defaultServerRateWindow      = time.Minute
	defaultServerMaxDownload     = "10mib"
	defaultServerDefaultDownload = "2mib"
	defaultServerMaxUpload       = "64mib"

	defaultControlMetricsEnabled = true
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname    string            `yaml:"hostname"`
	Log         LogConfig         `yaml:"log"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Geo         GeoConfig         `yaml:"geo"`
	Server      ServerConfig      `yaml:"server"`
	Control     ControlConfig     `yaml:"control"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UpstreamConfig describes the server under test. Empty URLs are derived
// from BaseURL using the paths served by fbspeed serve.
type UpstreamConfig struct {
	Tag          string   `yaml:"tag"`
	BaseURL      string   `yaml:"base_url"`
	PingURL      string   `yaml:"ping_url"`
	DownloadURLs []string `yaml:"download_urls"`
	UploadURL    string   `yaml:"upload_url"`
	IPURL        string   `yaml:"ip_url"`
}

type MeasurementConfig struct {
	Units        UnitsConfig    `yaml:"units"`
	Latency      LatencyConfig  `yaml:"latency"`
	Download     DownloadConfig `yaml:"download"`
	Upload       UploadConfig   `yaml:"upload"`
	SocketBuffer string         `yaml:"socket_buffer"`

	SocketBufferBytes int64 `yaml:"-"`
}

type UnitsConfig struct {
	// Divisor converts bits/sec to Mbps: 1000000 (decimal) or 1048576 (binary).
	Divisor float64 `yaml:"divisor"`
}

type LatencyConfig struct {
	Count    int                   `yaml:"count"`
	Timeout  Duration              `yaml:"timeout"`
	Fallback LatencyFallbackConfig `yaml:"fallback"`
}

type LatencyFallbackConfig struct {
	MinMs       float64 `yaml:"min_ms"`
	MaxMs       float64 `yaml:"max_ms"`
	MaxJitterMs float64 `yaml:"max_jitter_ms"`
}

type DownloadConfig struct {
	Streams        int                 `yaml:"streams"`
	Duration       Duration            `yaml:"duration"`
	RequestSize    string              `yaml:"request_size"`
	ChunkSize      string              `yaml:"chunk_size"`
	SampleInterval Duration            `yaml:"sample_interval"`
	MinElapsed     Duration            `yaml:"min_elapsed"`
	FloorMbps      float64             `yaml:"floor_mbps"`
	Fallback       RangeFallbackConfig `yaml:"fallback"`

	RequestSizeBytes int64 `yaml:"-"`
	ChunkSizeBytes   int64 `yaml:"-"`
}

type RangeFallbackConfig struct {
	MinMbps float64 `yaml:"min_mbps"`
	MaxMbps float64 `yaml:"max_mbps"`
}

type UploadConfig struct {
	Mode      string          `yaml:"mode"`
	Streams   int             `yaml:"streams"`
	Duration  Duration        `yaml:"duration"`
	ChunkSize string          `yaml:"chunk_size"`
	MaxRatio  float64         `yaml:"max_ratio"`
	Animation AnimationConfig `yaml:"animation"`

	ChunkSizeBytes int64 `yaml:"-"`
}

type AnimationConfig struct {
	Steps *int     `yaml:"steps"`
	Step  Duration `yaml:"step"`
}

type GeoConfig struct {
	TTL     Duration `yaml:"ttl"`
	Timeout Duration `yaml:"timeout"`
	Sources []string `yaml:"sources"`
	CityDB  string   `yaml:"city_db"`
	ASNDB   string   `yaml:"asn_db"`
}

type ServerConfig struct {
	BindAddr       string                `yaml:"bind_addr"`
	BindPort       int                   `yaml:"bind_port"`
	MaxConnections int                   `yaml:"max_connections"`
	RateLimit      ServerRateLimitConfig `yaml:"rate_limit"`
	Transfer       TransferConfig        `yaml:"transfer"`
}

type ServerRateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

type TransferConfig struct {
	MaxDownload     string `yaml:"max_download"`
	DefaultDownload string `yaml:"default_download"`
	MaxUpload       string `yaml:"max_upload"`
	RateLimit       string `yaml:"rate_limit"`

	MaxDownloadBytes     int64  `yaml:"-"`
	DefaultDownloadBytes int64  `yaml:"-"`
	MaxUploadBytes       int64  `yaml:"-"`
	RateLimitBits        uint64 `yaml:"-"`
}

type ControlConfig struct {
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

// AnimationSteps returns the configured step count; zero disables the ramp.
func (u UploadConfig) AnimationSteps() int {
	if u.Animation.Steps == nil {
		return defaultAnimationSteps
	}
	return *u.Animation.Steps
}

// Default returns a fully defaulted configuration, used when no file is given.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}

	if c.Upstream.Tag == "" {
		c.Upstream.Tag = defaultUpstreamTag
	}
	if c.Upstream.BaseURL == "" && c.Upstream.PingURL == "" && len(c.Upstream.DownloadURLs) == 0 {
		c.Upstream.BaseURL = defaultUpstreamBaseURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")

	m := &c.Measurement
	if m.Units.Divisor == 0 {
		m.Units.Divisor = DecimalDivisor
	}
	if m.SocketBuffer == "" {
		m.SocketBuffer = "0"
	}
	if m.Latency.Count == 0 {
		m.Latency.Count = defaultLatencyCount
	}
	if m.Latency.Timeout == 0 {
		m.Latency.Timeout = Duration(defaultLatencyTimeout)
	}
	if m.Latency.Fallback.MinMs == 0 && m.Latency.Fallback.MaxMs == 0 {
		m.Latency.Fallback.MinMs = defaultLatencyFallbackMin
		m.Latency.Fallback.MaxMs = defaultLatencyFallbackMax
	}
	if m.Latency.Fallback.MaxJitterMs == 0 {
		m.Latency.Fallback.MaxJitterMs = defaultLatencyMaxJitter
	}

	if m.Download.Streams == 0 {
		m.Download.Streams = defaultDownloadStreams
	}
	if m.Download.Duration == 0 {
		m.Download.Duration = Duration(defaultDownloadDuration)
	}
	if m.Download.RequestSize == "" {
		m.Download.RequestSize = defaultDownloadRequestSize
	}
	if m.Download.ChunkSize == "" {
		m.Download.ChunkSize = defaultDownloadChunkSize
	}
	if m.Download.SampleInterval == 0 {
		m.Download.SampleInterval = Duration(defaultSampleInterval)
	}
	if m.Download.MinElapsed == 0 {
		m.Download.MinElapsed = Duration(defaultMinElapsed)
	}
	if m.Download.FloorMbps == 0 {
		m.Download.FloorMbps = defaultDownloadFloorMbps
	}
	if m.Download.Fallback.MinMbps == 0 && m.Download.Fallback.MaxMbps == 0 {
		m.Download.Fallback.MinMbps = defaultDownloadFallbackMinMbp
		m.Download.Fallback.MaxMbps = defaultDownloadFallbackMaxMbp
	}

	if m.Upload.Mode == "" {
		m.Upload.Mode = UploadModeMeasure
	}
	m.Upload.Mode = strings.ToLower(strings.TrimSpace(m.Upload.Mode))
	if m.Upload.Streams == 0 {
		m.Upload.Streams = defaultUploadStreams
	}
	if m.Upload.Duration == 0 {
		m.Upload.Duration = Duration(defaultUploadDuration)
	}
	if m.Upload.ChunkSize == "" {
		m.Upload.ChunkSize = defaultUploadChunkSize
	}
	if m.Upload.MaxRatio == 0 {
		m.Upload.MaxRatio = defaultUploadMaxRatio
	}
	if m.Upload.Animation.Step == 0 {
		m.Upload.Animation.Step = Duration(defaultAnimationStep)
	}

	if c.Geo.TTL == 0 {
		c.Geo.TTL = Duration(defaultGeoTTL)
	}
	if c.Geo.Timeout == 0 {
		c.Geo.Timeout = Duration(defaultGeoTimeout)
	}
	if len(c.Geo.Sources) == 0 {
		c.Geo.Sources = []string{GeoSourceSameOrigin, GeoSourceIPAPI, GeoSourceIPAPICom}
	}

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = defaultServerBindAddr
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = defaultServerBindPort
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = defaultServerMaxConnections
	}
	if c.Server.RateLimit.Requests == 0 {
		c.Server.RateLimit.Requests = defaultServerRateRequests
	}
	if c.Server.RateLimit.Window == 0 {
		c.Server.RateLimit.Window = Duration(defaultServerRateWindow)
	}
	if c.Server.Transfer.MaxDownload == "" {
		c.Server.Transfer.MaxDownload = defaultServerMaxDownload
	}
	if c.Server.Transfer.DefaultDownload == "" {
		c.Server.Transfer.DefaultDownload = defaultServerDefaultDownload
	}
	if c.Server.Transfer.MaxUpload == "" {
		c.Server.Transfer.MaxUpload = defaultServerMaxUpload
	}
	if c.Server.Transfer.RateLimit == "" {
		c.Server.Transfer.RateLimit = "0"
	}
}

func (c *Config) validate() error {
	if err := c.validateUpstream(); err != nil {
		return err
	}
	if err := c.validateMeasurement(); err != nil {
		return err
	}

	if c.Geo.TTL.Duration() <= 0 {
		return errors.New("geo.ttl must be > 0")
	}
	if c.Geo.Timeout.Duration() <= 0 {
		return errors.New("geo.timeout must be > 0")
	}
	seen := make(map[string]struct{}, len(c.Geo.Sources))
	for _, src := range c.Geo.Sources {
		switch src {
		case GeoSourceSameOrigin, GeoSourceIPAPI, GeoSourceIPAPICom:
		default:
			return fmt.Errorf("geo.sources: unknown source %q", src)
		}
		if _, ok := seen[src]; ok {
			return fmt.Errorf("geo.sources: duplicate source %q", src)
		}
		seen[src] = struct{}{}
	}

	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		return errors.New("server.bind_port must be in 1..65535")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must be >= 0")
	}
	if c.Server.RateLimit.Requests < 0 {
		return errors.New("server.rate_limit.requests must be >= 0")
	}
	if c.Server.RateLimit.Window.Duration() <= 0 {
		return errors.New("server.rate_limit.window must be > 0")
	}
	t := &c.Server.Transfer
	var err error
	if t.MaxDownloadBytes, err = ParseSize(t.MaxDownload); err != nil {
		return fmt.Errorf("server.transfer.max_download: %w", err)
	}
	if t.MaxDownloadBytes <= 0 {
		return errors.New("server.transfer.max_download must be > 0")
	}
	if t.DefaultDownloadBytes, err = ParseSize(t.DefaultDownload); err != nil {
		return fmt.Errorf("server.transfer.default_download: %w", err)
	}
	if t.DefaultDownloadBytes <= 0 || t.DefaultDownloadBytes > t.MaxDownloadBytes {
		return errors.New("server.transfer.default_download must be in (0, max_download]")
	}
	if t.MaxUploadBytes, err = ParseSize(t.MaxUpload); err != nil {
		return fmt.Errorf("server.transfer.max_upload: %w", err)
	}
	if t.MaxUploadBytes <= 0 {
		return errors.New("server.transfer.max_upload must be > 0")
	}
	if t.RateLimitBits, err = ParseBandwidth(t.RateLimit); err != nil {
		return fmt.Errorf("server.transfer.rate_limit: %w", err)
	}
	return nil
}

func (c *Config) validateUpstream() error {
	up := c.Upstream
	if up.BaseURL != "" {
		if err := validateURL(up.BaseURL); err != nil {
			return fmt.Errorf("upstream.base_url: %w", err)
		}
	}
	for name, raw := range map[string]string{
		"ping_url":   up.PingURL,
		"upload_url": up.UploadURL,
		"ip_url":     up.IPURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("upstream.%s: %w", name, err)
		}
	}
	for i, raw := range up.DownloadURLs {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("upstream.download_urls[%d]: %w", i, err)
		}
	}
	if up.BaseURL == "" && (up.PingURL == "" || len(up.DownloadURLs) == 0) {
		return errors.New("upstream requires base_url or explicit ping_url and download_urls")
	}
	return nil
}

func (c *Config) validateMeasurement() error {
	m := &c.Measurement
	if m.Units.Divisor != DecimalDivisor && m.Units.Divisor != BinaryDivisor {
		return fmt.Errorf("measurement.units.divisor must be %d or %d", DecimalDivisor, BinaryDivisor)
	}
	buf, err := ParseSize(m.SocketBuffer)
	if err != nil {
		return fmt.Errorf("measurement.socket_buffer: %w", err)
	}
	m.SocketBufferBytes = buf

	if m.Latency.Count <= 0 {
		return errors.New("measurement.latency.count must be > 0")
	}
	if m.Latency.Timeout.Duration() <= 0 {
		return errors.New("measurement.latency.timeout must be > 0")
	}
	if m.Latency.Fallback.MinMs <= 0 || m.Latency.Fallback.MaxMs < m.Latency.Fallback.MinMs {
		return errors.New("measurement.latency.fallback requires 0 < min_ms <= max_ms")
	}
	if m.Latency.Fallback.MaxJitterMs < 0 {
		return errors.New("measurement.latency.fallback.max_jitter_ms must be >= 0")
	}

	d := &m.Download
	if d.Streams <= 0 {
		return errors.New("measurement.download.streams must be > 0")
	}
	if d.Duration.Duration() <= 0 {
		return errors.New("measurement.download.duration must be > 0")
	}
	if d.RequestSizeBytes, err = ParseSize(d.RequestSize); err != nil {
		return fmt.Errorf("measurement.download.request_size: %w", err)
	}
	if d.RequestSizeBytes <= 0 {
		return errors.New("measurement.download.request_size must be > 0")
	}
	if d.ChunkSizeBytes, err = ParseSize(d.ChunkSize); err != nil {
		return fmt.Errorf("measurement.download.chunk_size: %w", err)
	}
	if d.ChunkSizeBytes <= 0 {
		return errors.New("measurement.download.chunk_size must be > 0")
	}
	if d.SampleInterval.Duration() <= 0 {
		return errors.New("measurement.download.sample_interval must be > 0")
	}
	if d.MinElapsed.Duration() <= 0 {
		return errors.New("measurement.download.min_elapsed must be > 0")
	}
	if d.FloorMbps < 0 {
		return errors.New("measurement.download.floor_mbps must be >= 0")
	}
	if d.Fallback.MinMbps <= 0 || d.Fallback.MaxMbps < d.Fallback.MinMbps {
		return errors.New("measurement.download.fallback requires 0 < min_mbps <= max_mbps")
	}

	u := &m.Upload
	if u.Mode != UploadModeMeasure && u.Mode != UploadModeDerive {
		return errors.New("measurement.upload.mode must be measure or derive")
	}
	if u.Streams <= 0 {
		return errors.New("measurement.upload.streams must be > 0")
	}
	if u.Duration.Duration() <= 0 {
		return errors.New("measurement.upload.duration must be > 0")
	}
	if u.ChunkSizeBytes, err = ParseSize(u.ChunkSize); err != nil {
		return fmt.Errorf("measurement.upload.chunk_size: %w", err)
	}
	if u.ChunkSizeBytes <= 0 {
		return errors.New("measurement.upload.chunk_size must be > 0")
	}
	if u.MaxRatio <= 0 {
		return errors.New("measurement.upload.max_ratio must be > 0")
	}
	if u.AnimationSteps() < 0 {
		return errors.New("measurement.upload.animation.steps must be >= 0")
	}
	if u.Animation.Step.Duration() < 0 {
		return errors.New("measurement.upload.animation.step must be >= 0")
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("host must not be empty: %q", raw)
	}
	return nil
}
