package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			LockTimeout: Duration(10 * time.Second),
			Whitelist:   []string{"/"},
		},
		TieredStore: TieredStoreConfig{
			Allocator:        "greedy",
			Evictor:          "lru",
			ReserverInterval: Duration(time.Second),
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/tbw/meta.db",
		},
		UFS: UFSConfig{
			CacheWorkers: 4,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "tiered-block-worker",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Master: MasterConfig{
			SubjectPrefix:     "tbw.master",
			HeartbeatInterval: Duration(time.Second),
			RequestTimeout:    Duration(5 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "tbw.worker",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
