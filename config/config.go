package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// PushConfig drives the out-of-band sender. ServerKey is the
// base64url-encoded application server public key handed to clients
// when they subscribe.
type PushConfig struct {
	ServerKey      string `yaml:"server_key"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NotifyConfig tunes the delivery engine itself.
type NotifyConfig struct {
	SnapshotLimit          int `yaml:"snapshot_limit"`
	CacheWindow            int `yaml:"cache_window"`
	SnapshotTimeoutSeconds int `yaml:"snapshot_timeout_seconds"`
	SchedulerIntervalSecs  int `yaml:"scheduler_interval_seconds"`
	DedupeTTLMinutes       int `yaml:"dedupe_ttl_minutes"`
}

type Config struct {
	DB     DBConfig     `yaml:"db"`
	MQ     MQConfig     `yaml:"mq"`
	Redis  RedisConfig  `yaml:"redis"`
	JWT    JWTConfig    `yaml:"jwt"`
	Server ServerConfig `yaml:"server"`
	Push   PushConfig   `yaml:"push"`
	Notify NotifyConfig `yaml:"notify"`
}

func Load() *Config {
	f, err := os.Open("config.yaml")
	if err != nil {
		log.Fatalf("failed to open config.yaml: %v", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config.yaml: %v", err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Notify.SnapshotLimit == 0 {
		cfg.Notify.SnapshotLimit = 10
	}
	if cfg.Notify.CacheWindow == 0 {
		cfg.Notify.CacheWindow = 50
	}
	if cfg.Notify.SnapshotTimeoutSeconds == 0 {
		cfg.Notify.SnapshotTimeoutSeconds = 5
	}
	if cfg.Notify.SchedulerIntervalSecs == 0 {
		cfg.Notify.SchedulerIntervalSecs = 60
	}
	if cfg.Notify.DedupeTTLMinutes == 0 {
		cfg.Notify.DedupeTTLMinutes = 10
	}
	if cfg.Push.TTLSeconds == 0 {
		cfg.Push.TTLSeconds = 3600
	}
	if cfg.Push.TimeoutSeconds == 0 {
		cfg.Push.TimeoutSeconds = 10
	}
}

// Environment overrides take precedence over config.yaml in production.
func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	if key := os.Getenv("PUSH_SERVER_KEY"); key != "" {
		cfg.Push.ServerKey = key
	}
}
