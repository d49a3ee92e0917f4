package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Worker        WorkerConfig        `yaml:"worker"`
	TieredStore   TieredStoreConfig   `yaml:"tiered_store"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	UFS           UFSConfig           `yaml:"ufs"`
	NATS          NATSConfig          `yaml:"nats"`
	Master        MasterConfig        `yaml:"master"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type WorkerConfig struct {
	Hostname    string   `yaml:"hostname"`
	LockTimeout Duration `yaml:"lock_timeout"`
	// Whitelist lists path prefixes eligible for caching on this worker.
	Whitelist []string `yaml:"whitelist"`
}

type TieredStoreConfig struct {
	Allocator string        `yaml:"allocator"`
	Evictor   string        `yaml:"evictor"`
	Levels    []LevelConfig `yaml:"levels"`
	// ReserverInterval is how often tiers are checked against their watermarks.
	ReserverInterval Duration `yaml:"reserver_interval"`
}

type LevelConfig struct {
	Alias         string      `yaml:"alias"`
	HighWatermark float64     `yaml:"high_watermark"`
	LowWatermark  float64     `yaml:"low_watermark"`
	Dirs          []DirConfig `yaml:"dirs"`
}

type DirConfig struct {
	Path       string   `yaml:"path"`
	MediumType string   `yaml:"medium_type"`
	Quota      ByteSize `yaml:"quota"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type UFSConfig struct {
	Mounts       []MountConfig `yaml:"mounts"`
	CacheWorkers int           `yaml:"cache_workers"`
}

type MountConfig struct {
	MountPoint string      `yaml:"mount_point"`
	Type       string      `yaml:"type"` // local, s3, memory
	Root       string      `yaml:"root"`
	S3         S3UFSConfig `yaml:"s3"`
}

type S3UFSConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type MasterConfig struct {
	Enabled           bool     `yaml:"enabled"`
	SubjectPrefix     string   `yaml:"subject_prefix"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Worker.LockTimeout <= 0 {
		return fmt.Errorf("worker.lock_timeout must be > 0")
	}

	switch c.TieredStore.Allocator {
	case "greedy", "max_free":
	default:
		return fmt.Errorf("tiered_store.allocator: unknown allocator %q", c.TieredStore.Allocator)
	}
	switch c.TieredStore.Evictor {
	case "lru", "fifo":
	default:
		return fmt.Errorf("tiered_store.evictor: unknown evictor %q", c.TieredStore.Evictor)
	}

	if len(c.TieredStore.Levels) == 0 {
		return fmt.Errorf("at least one tiered_store level must be configured")
	}

	aliases := make(map[string]bool)
	for i, lc := range c.TieredStore.Levels {
		if lc.Alias == "" {
			return fmt.Errorf("tiered_store.levels[%d].alias is required", i)
		}
		if aliases[lc.Alias] {
			return fmt.Errorf("tiered_store.levels[%d]: duplicate alias %q", i, lc.Alias)
		}
		aliases[lc.Alias] = true
		if len(lc.Dirs) == 0 {
			return fmt.Errorf("tiered_store.levels[%d] (%s): at least one dir is required", i, lc.Alias)
		}
		for j, dc := range lc.Dirs {
			if dc.Path == "" {
				return fmt.Errorf("tiered_store.levels[%d].dirs[%d] (%s): path is required", i, j, lc.Alias)
			}
			if dc.Quota <= 0 {
				return fmt.Errorf("tiered_store.levels[%d].dirs[%d] (%s): quota must be > 0", i, j, lc.Alias)
			}
		}
		if lc.HighWatermark != 0 || lc.LowWatermark != 0 {
			if lc.LowWatermark <= 0 || lc.LowWatermark > lc.HighWatermark || lc.HighWatermark > 1 {
				return fmt.Errorf("tiered_store.levels[%d] (%s): watermarks must satisfy 0 < low <= high <= 1", i, lc.Alias)
			}
		}
	}

	mounts := make(map[string]bool)
	for i, mc := range c.UFS.Mounts {
		if mc.MountPoint == "" {
			return fmt.Errorf("ufs.mounts[%d].mount_point is required", i)
		}
		if mounts[mc.MountPoint] {
			return fmt.Errorf("ufs.mounts[%d]: duplicate mount point %q", i, mc.MountPoint)
		}
		mounts[mc.MountPoint] = true
		switch mc.Type {
		case "local":
			if mc.Root == "" {
				return fmt.Errorf("ufs.mounts[%d] (%s): local mount requires root", i, mc.MountPoint)
			}
		case "s3":
			if mc.S3.Bucket == "" {
				return fmt.Errorf("ufs.mounts[%d] (%s): s3 mount requires bucket", i, mc.MountPoint)
			}
		case "memory":
		default:
			return fmt.Errorf("ufs.mounts[%d] (%s): unknown type %q", i, mc.MountPoint, mc.Type)
		}
	}

	if c.Master.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when master is enabled")
	}
	if c.API.NATSResponder.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when the NATS responder is enabled")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses sizes such as "512", "64KB", "1GB". Units are binary.
func ParseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
