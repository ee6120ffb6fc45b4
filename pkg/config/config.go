package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Stream       StreamConfig
	Consumer     ConsumerConfig
	Dedup        DedupConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	BigQuery     BigQueryConfig
	Ops          OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Stream.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"EVENTCORE_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"EVENTCORE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"EVENTCORE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTCORE_SERVICE_KIND" default:"consumer-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"EVENTCORE_DB_DSN"`
	Driver string `envconfig:"EVENTCORE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"EVENTCORE_DB_HOST"`
	LegacyPort     int    `envconfig:"EVENTCORE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EVENTCORE_DB_USER"`
	LegacyPassword string `envconfig:"EVENTCORE_DB_PASSWORD"`
	LegacyName     string `envconfig:"EVENTCORE_DB_NAME"`
	LegacySSLMode  string `envconfig:"EVENTCORE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTCORE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTCORE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTCORE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTCORE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTCORE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"EVENTCORE_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTCORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTCORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EVENTCORE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTCORE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTCORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTCORE_REDIS_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"EVENTCORE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// StreamConfig selects and tunes the event log backend. The backend is a
// construction-time choice between real implementations of the same Log
// interface, never a runtime feature flag inside business logic.
type StreamConfig struct {
	Backend      string        `envconfig:"EVENTCORE_STREAM_BACKEND" default:"redis"`
	BatchSize    int64         `envconfig:"EVENTCORE_STREAM_BATCH_SIZE" default:"64"`
	BlockTimeout time.Duration `envconfig:"EVENTCORE_STREAM_BLOCK_TIMEOUT" default:"5s"`
	MaxLen       int64         `envconfig:"EVENTCORE_STREAM_MAX_LEN" default:"0"`
}

func (s StreamConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case StreamBackendRedis, StreamBackendMemory:
		return nil
	default:
		return fmt.Errorf("unknown stream backend %q (expected %s or %s)",
			s.Backend, StreamBackendRedis, StreamBackendMemory)
	}
}

// IsMemoryBackend reports whether the in-memory log was selected. Intended
// for tests and single-process offline runs only.
func (s StreamConfig) IsMemoryBackend() bool {
	return strings.EqualFold(strings.TrimSpace(s.Backend), StreamBackendMemory)
}

type ConsumerConfig struct {
	Stream        string        `envconfig:"EVENTCORE_CONSUMER_STREAM" required:"true"`
	Group         string        `envconfig:"EVENTCORE_CONSUMER_GROUP" required:"true"`
	Name          string        `envconfig:"EVENTCORE_CONSUMER_NAME" required:"true"`
	ClaimMinIdle  time.Duration `envconfig:"EVENTCORE_CONSUMER_CLAIM_MIN_IDLE" default:"30s"`
	ClaimInterval time.Duration `envconfig:"EVENTCORE_CONSUMER_CLAIM_INTERVAL" default:"15s"`
	StopGrace     time.Duration `envconfig:"EVENTCORE_CONSUMER_STOP_GRACE" default:"30s"`
}

type DedupConfig struct {
	TenantID string `envconfig:"EVENTCORE_DEDUP_TENANT_ID"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"EVENTCORE_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"EVENTCORE_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"EVENTCORE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"EVENTCORE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type BigQueryConfig struct {
	Dataset         string   `envconfig:"EVENTCORE_BIGQUERY_DATASET" default:"eventcore"`
	AuditTable      string   `envconfig:"EVENTCORE_BIGQUERY_AUDIT_TABLE" default:"event_audit"`
	AuditEventTypes []string `envconfig:"EVENTCORE_BIGQUERY_AUDIT_EVENT_TYPES"`
}

type OpsConfig struct {
	ListenAddr string `envconfig:"EVENTCORE_OPS_LISTEN_ADDR" default:":9090"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
