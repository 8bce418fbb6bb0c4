// Package config loads and validates the daemon configuration.
// Precedence: environment > config file > defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable consumed by the daemon.
type Config struct {
	// Server
	ListenAddr   string `yaml:"listenAddr"`
	MetricsAddr  string `yaml:"metricsAddr"`
	ExternalBase string `yaml:"externalBase"` // base URL clients use to reach us

	// Logging
	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`

	// Data
	DataDir        string `yaml:"dataDir"`        // badger stores, processed files
	MountRoot      string `yaml:"mountRoot"`      // catalog FUSE mount root for the range proxy
	ChannelCatalog string `yaml:"channelCatalog"` // live-TV channel source list (YAML)
	UserDBPath     string `yaml:"userDBPath"`     // read-only SQLite user directory

	// VOD engine timeouts
	FirstSourcesWait     time.Duration `yaml:"firstSourcesWait"`
	FirstSourcesSlowWait time.Duration `yaml:"firstSourcesSlowWait"`
	JobMaxDuration       time.Duration `yaml:"jobMaxDuration"`
	DeadTorrentTimeout   time.Duration `yaml:"deadTorrentTimeout"`
	SlowStartTimeout     time.Duration `yaml:"slowStartTimeout"`
	ActiveStartTimeout   time.Duration `yaml:"activeStartTimeout"`
	StallTimeout         time.Duration `yaml:"stallTimeout"`
	DebridPollInterval   time.Duration `yaml:"debridPollInterval"`

	// Job lifecycle
	JobRetention        time.Duration `yaml:"jobRetention"`
	CompletionRingSize  int           `yaml:"completionRingSize"`
	ProcessedFileMaxAge time.Duration `yaml:"processedFileMaxAge"`

	// Link cache
	LinkCacheTTL time.Duration `yaml:"linkCacheTTL"`

	// Bandwidth policy
	BandwidthStaleAfter   time.Duration `yaml:"bandwidthStaleAfter"`
	BandwidthSafetyFactor float64       `yaml:"bandwidthSafetyFactor"`

	// Session arbiter
	SessionGrace       time.Duration `yaml:"sessionGrace"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
	ArbiterDeadline    time.Duration `yaml:"arbiterDeadline"`
	SessionRedisAddr   string        `yaml:"sessionRedisAddr"`
	SessionRedisDB     int           `yaml:"sessionRedisDB"`

	// Live TV
	SegmentFailThreshold int           `yaml:"segmentFailThreshold"`
	ManifestTimeout      time.Duration `yaml:"manifestTimeout"`

	// Range proxy
	FSStatTimeout time.Duration `yaml:"fsStatTimeout"`

	// Validation
	AcceptedVideoCodecs []string `yaml:"acceptedVideoCodecs"`
	AcceptedAudioCodecs []string `yaml:"acceptedAudioCodecs"`
	AudioTargetCodec    string   `yaml:"audioTargetCodec"`

	// Rate limiting
	APIRequestLimit  int           `yaml:"apiRequestLimit"`
	APIRequestWindow time.Duration `yaml:"apiRequestWindow"`
	TrustedProxies   string        `yaml:"trustedProxies"` // CSV of CIDRs

	// Collaborator endpoints and binaries
	DebridAPIBase  string `yaml:"debridAPIBase"`
	DebridAPIToken string `yaml:"debridAPIToken"`
	ZurgBase       string `yaml:"zurgBase"`
	FFprobeBin     string `yaml:"ffprobeBin"`
	FFmpegBin      string `yaml:"ffmpegBin"`

	// Telemetry
	TracingEnabled  bool    `yaml:"tracingEnabled"`
	TracingExporter string  `yaml:"tracingExporter"`
	TracingEndpoint string  `yaml:"tracingEndpoint"`
	TracingSample   float64 `yaml:"tracingSample"`

	Version string `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		MetricsAddr:           ":9090",
		LogLevel:              "info",
		LogService:            "strand",
		DataDir:               "/var/lib/strand",
		MountRoot:             "/mnt/catalog",
		ChannelCatalog:        "",
		UserDBPath:            "",
		FirstSourcesWait:      15 * time.Second,
		FirstSourcesSlowWait:  35 * time.Second,
		JobMaxDuration:        5 * time.Minute,
		DeadTorrentTimeout:    10 * time.Second,
		SlowStartTimeout:      12 * time.Second,
		ActiveStartTimeout:    30 * time.Second,
		StallTimeout:          60 * time.Second,
		DebridPollInterval:    time.Second,
		JobRetention:          60 * time.Second,
		CompletionRingSize:    256,
		ProcessedFileMaxAge:   6 * time.Hour,
		LinkCacheTTL:          24 * time.Hour,
		BandwidthStaleAfter:   time.Hour,
		BandwidthSafetyFactor: 0.85,
		SessionGrace:          5 * time.Second,
		SessionIdleTimeout:    90 * time.Second,
		ArbiterDeadline:       8 * time.Second,
		SegmentFailThreshold:  3,
		ManifestTimeout:       12 * time.Second,
		FSStatTimeout:         10 * time.Second,
		AcceptedVideoCodecs:   []string{"h264", "hevc", "av1", "vp9"},
		AcceptedAudioCodecs:   []string{"aac", "mp3", "opus", "flac"},
		AudioTargetCodec:      "aac",
		APIRequestLimit:       120,
		APIRequestWindow:      time.Minute,
		FFprobeBin:            "ffprobe",
		FFmpegBin:             "ffmpeg",
		TracingExporter:       "noop",
		TracingSample:         0.1,
	}
}

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	path    string
	version string
}

// NewLoader creates a loader for the optional YAML file at path.
func NewLoader(path, version string) *Loader {
	return &Loader{path: path, version: version}
}

// Load materialises the effective configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.path != "" {
		data, err := os.ReadFile(l.path) // #nosec G304
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", l.path, err)
		}
	}

	l.applyEnv(&cfg)
	cfg.Version = l.version

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("STRAND_LISTEN", cfg.ListenAddr)
	cfg.MetricsAddr = ParseString("STRAND_METRICS_LISTEN", cfg.MetricsAddr)
	cfg.ExternalBase = ParseString("STRAND_EXTERNAL_BASE", cfg.ExternalBase)
	cfg.LogLevel = ParseString("STRAND_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("STRAND_LOG_SERVICE", cfg.LogService)
	cfg.DataDir = ParseString("STRAND_DATA", cfg.DataDir)
	cfg.MountRoot = ParseString("STRAND_MOUNT_ROOT", cfg.MountRoot)
	cfg.ChannelCatalog = ParseString("STRAND_CHANNEL_CATALOG", cfg.ChannelCatalog)
	cfg.UserDBPath = ParseString("STRAND_USER_DB", cfg.UserDBPath)

	cfg.FirstSourcesWait = ParseDuration("STRAND_FIRST_SOURCES_WAIT", cfg.FirstSourcesWait)
	cfg.FirstSourcesSlowWait = ParseDuration("STRAND_FIRST_SOURCES_SLOW_WAIT", cfg.FirstSourcesSlowWait)
	cfg.JobMaxDuration = ParseDuration("STRAND_JOB_MAX_DURATION", cfg.JobMaxDuration)
	cfg.DeadTorrentTimeout = ParseDuration("STRAND_DEAD_TORRENT_TIMEOUT", cfg.DeadTorrentTimeout)
	cfg.SlowStartTimeout = ParseDuration("STRAND_SLOW_START_TIMEOUT", cfg.SlowStartTimeout)
	cfg.ActiveStartTimeout = ParseDuration("STRAND_ACTIVE_START_TIMEOUT", cfg.ActiveStartTimeout)
	cfg.StallTimeout = ParseDuration("STRAND_STALL_TIMEOUT", cfg.StallTimeout)
	cfg.DebridPollInterval = ParseDuration("STRAND_DEBRID_POLL_INTERVAL", cfg.DebridPollInterval)

	cfg.JobRetention = ParseDuration("STRAND_JOB_RETENTION", cfg.JobRetention)
	cfg.CompletionRingSize = ParseInt("STRAND_COMPLETION_RING", cfg.CompletionRingSize)
	cfg.ProcessedFileMaxAge = ParseDuration("STRAND_PROCESSED_FILE_MAX_AGE", cfg.ProcessedFileMaxAge)

	cfg.LinkCacheTTL = ParseDuration("STRAND_LINK_CACHE_TTL", cfg.LinkCacheTTL)
	cfg.BandwidthStaleAfter = ParseDuration("STRAND_BANDWIDTH_STALE_AFTER", cfg.BandwidthStaleAfter)
	cfg.BandwidthSafetyFactor = ParseFloat("STRAND_BANDWIDTH_SAFETY", cfg.BandwidthSafetyFactor)

	cfg.SessionGrace = ParseDuration("STRAND_SESSION_GRACE", cfg.SessionGrace)
	cfg.SessionIdleTimeout = ParseDuration("STRAND_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	cfg.ArbiterDeadline = ParseDuration("STRAND_ARBITER_DEADLINE", cfg.ArbiterDeadline)
	cfg.SessionRedisAddr = ParseString("STRAND_SESSION_REDIS_ADDR", cfg.SessionRedisAddr)
	cfg.SessionRedisDB = ParseInt("STRAND_SESSION_REDIS_DB", cfg.SessionRedisDB)

	cfg.SegmentFailThreshold = ParseInt("STRAND_SEGMENT_FAIL_THRESHOLD", cfg.SegmentFailThreshold)
	cfg.ManifestTimeout = ParseDuration("STRAND_MANIFEST_TIMEOUT", cfg.ManifestTimeout)
	cfg.FSStatTimeout = ParseDuration("STRAND_FS_STAT_TIMEOUT", cfg.FSStatTimeout)

	cfg.AudioTargetCodec = ParseString("STRAND_AUDIO_TARGET_CODEC", cfg.AudioTargetCodec)

	cfg.APIRequestLimit = ParseInt("STRAND_API_REQUEST_LIMIT", cfg.APIRequestLimit)
	cfg.APIRequestWindow = ParseDuration("STRAND_API_REQUEST_WINDOW", cfg.APIRequestWindow)
	cfg.TrustedProxies = ParseString("STRAND_TRUSTED_PROXIES", cfg.TrustedProxies)

	cfg.DebridAPIBase = ParseString("STRAND_DEBRID_API_BASE", cfg.DebridAPIBase)
	cfg.DebridAPIToken = ParseString("STRAND_DEBRID_API_TOKEN", cfg.DebridAPIToken)
	cfg.ZurgBase = ParseString("STRAND_ZURG_BASE", cfg.ZurgBase)
	cfg.FFprobeBin = ParseString("STRAND_FFPROBE_BIN", cfg.FFprobeBin)
	cfg.FFmpegBin = ParseString("STRAND_FFMPEG_BIN", cfg.FFmpegBin)

	cfg.TracingEnabled = ParseBool("STRAND_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = ParseString("STRAND_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = ParseString("STRAND_TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingSample = ParseFloat("STRAND_TRACING_SAMPLE", cfg.TracingSample)
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.JobMaxDuration <= 0 {
		return fmt.Errorf("jobMaxDuration must be > 0, got %v", c.JobMaxDuration)
	}
	if c.FirstSourcesWait <= 0 || c.FirstSourcesSlowWait < c.FirstSourcesWait {
		return fmt.Errorf("firstSourcesSlowWait (%v) must be >= firstSourcesWait (%v) and both > 0",
			c.FirstSourcesSlowWait, c.FirstSourcesWait)
	}
	if c.DeadTorrentTimeout <= 0 || c.StallTimeout < c.ActiveStartTimeout || c.ActiveStartTimeout < c.SlowStartTimeout {
		return fmt.Errorf("candidate timeouts must be ordered: dead (%v) > 0, slowStart (%v) <= activeStart (%v) <= stall (%v)",
			c.DeadTorrentTimeout, c.SlowStartTimeout, c.ActiveStartTimeout, c.StallTimeout)
	}
	if c.CompletionRingSize <= 0 {
		return fmt.Errorf("completionRingSize must be > 0, got %d", c.CompletionRingSize)
	}
	if c.SegmentFailThreshold <= 0 {
		return fmt.Errorf("segmentFailThreshold must be > 0, got %d", c.SegmentFailThreshold)
	}
	if c.BandwidthSafetyFactor <= 0 || c.BandwidthSafetyFactor > 1 {
		return fmt.Errorf("bandwidthSafetyFactor must be in (0,1], got %v", c.BandwidthSafetyFactor)
	}
	if len(c.AcceptedVideoCodecs) == 0 {
		return fmt.Errorf("at least one accepted video codec is required")
	}
	return nil
}
