package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration. Loaded from a YAML file,
// then overridden by environment variables for deploy-time secrets.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	SFU        SFUConfig        `yaml:"sfu"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Recording  RecordingConfig  `yaml:"recording"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MaxRetries    int    `yaml:"max_retries"`
}

type SFUConfig struct {
	URL            string        `yaml:"url"`
	Secret         string        `yaml:"secret"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxPending     int           `yaml:"max_pending"`
	AnnouncedIP    string        `yaml:"announced_ip"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type PipelineConfig struct {
	RTPHost         string        `yaml:"rtp_host"`
	PortMin         int           `yaml:"port_min"`
	PortMax         int           `yaml:"port_max"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	FFprobePath     string        `yaml:"ffprobe_path"`
	SSRCTimeout     time.Duration `yaml:"ssrc_timeout"`
	StartDeadline   time.Duration `yaml:"start_deadline"`
	MaxRestarts     int           `yaml:"max_restarts"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	StaleThreshold  int           `yaml:"stale_threshold"`
}

type RecordingConfig struct {
	Root            string        `yaml:"root"`
	SegmentSeconds  int           `yaml:"segment_seconds"`
	RetentionDays   int           `yaml:"retention_days"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	DiskSoftPercent float64       `yaml:"disk_soft_percent"`
	DiskHardPercent float64       `yaml:"disk_hard_percent"`
	DiskKillPercent float64       `yaml:"disk_kill_percent"`
}

type ExtractionConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	SnapshotsRoot      string        `yaml:"snapshots_root"`
	BookmarksRoot      string        `yaml:"bookmarks_root"`
	LiveDeadline       time.Duration `yaml:"live_deadline"`
	HistoricalDeadline time.Duration `yaml:"historical_deadline"`
	ClipDeadline       time.Duration `yaml:"clip_deadline"`
}

type AuthConfig struct {
	JWTSigningKey   string        `yaml:"jwt_signing_key"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Load reads the YAML file at path (optional, may be empty), applies
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxIdleTime:  15 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "mediagw",
			MaxRetries:    3,
		},
		SFU: SFUConfig{
			URL:            "ws://localhost:4443/ws",
			CallTimeout:    10 * time.Second,
			MaxPending:     256,
			AnnouncedIP:    "127.0.0.1",
			ReconnectDelay: 2 * time.Second,
		},
		Pipeline: PipelineConfig{
			RTPHost:         "127.0.0.1",
			PortMin:         20100,
			PortMax:         20999,
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			SSRCTimeout:     8 * time.Second,
			StartDeadline:   30 * time.Second,
			MaxRestarts:     3,
			RestartCooldown: 30 * time.Second,
			HealthInterval:  10 * time.Second,
			StaleThreshold:  3,
		},
		Recording: RecordingConfig{
			Root:            "/var/lib/mediagw/recordings",
			SegmentSeconds:  6,
			RetentionDays:   7,
			PruneInterval:   6 * time.Hour,
			DiskSoftPercent: 85,
			DiskHardPercent: 90,
			DiskKillPercent: 95,
		},
		Extraction: ExtractionConfig{
			Workers:            4,
			QueueSize:          64,
			SnapshotsRoot:      "/var/lib/mediagw/snapshots",
			BookmarksRoot:      "/var/lib/mediagw/bookmarks",
			LiveDeadline:       5 * time.Second,
			HistoricalDeadline: 10 * time.Second,
			ClipDeadline:       20 * time.Second,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			RateLimitPerMin: 300,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEDIAGW_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SFU_URL"); v != "" {
		cfg.SFU.URL = v
	}
	if v := os.Getenv("SFU_SECRET"); v != "" {
		cfg.SFU.Secret = v
	}
	if v := os.Getenv("SFU_ANNOUNCED_IP"); v != "" {
		cfg.SFU.AnnouncedIP = v
	}
	if v := os.Getenv("JWT_SIGNING_KEY"); v != "" {
		cfg.Auth.JWTSigningKey = v
	}
	if v := os.Getenv("RECORDINGS_ROOT"); v != "" {
		cfg.Recording.Root = v
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Recording.RetentionDays = n
		}
	}
	if v := os.Getenv("EXTRACTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Extraction.Workers = n
		}
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.PortMin = n
		}
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.PortMax = n
		}
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn (or DATABASE_URL) is required")
	}
	if c.Auth.JWTSigningKey == "" {
		return fmt.Errorf("config: auth.jwt_signing_key (or JWT_SIGNING_KEY) is required")
	}
	if len(c.Auth.JWTSigningKey) < 32 {
		return fmt.Errorf("config: jwt signing key must be at least 32 bytes")
	}
	if c.Pipeline.PortMin >= c.Pipeline.PortMax {
		return fmt.Errorf("config: rtp port range [%d,%d] is empty", c.Pipeline.PortMin, c.Pipeline.PortMax)
	}
	if c.Recording.SegmentSeconds <= 0 {
		return fmt.Errorf("config: recording.segment_seconds must be positive")
	}
	return nil
}
