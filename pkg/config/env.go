package config

// EnvPrefix is passed to envconfig.Process; individual fields carry the full
// variable name so the prefix is effectively documentation.
const EnvPrefix = "EVENTCORE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	StreamBackendRedis  = "redis"
	StreamBackendMemory = "memory"
)

const (
	EnvAppEnv   = "EVENTCORE_APP_ENV"
	EnvLogLevel = "EVENTCORE_LOG_LEVEL"

	EnvDBDSN  = "EVENTCORE_DB_DSN"
	EnvDBHost = "EVENTCORE_DB_HOST"
	EnvDBUser = "EVENTCORE_DB_USER"
	EnvDBName = "EVENTCORE_DB_NAME"

	EnvRedisURL = "EVENTCORE_REDIS_URL"

	EnvStreamBackend = "EVENTCORE_STREAM_BACKEND"

	EnvConsumerStream = "EVENTCORE_CONSUMER_STREAM"
	EnvConsumerGroup  = "EVENTCORE_CONSUMER_GROUP"
	EnvConsumerName   = "EVENTCORE_CONSUMER_NAME"

	EnvGCPProjectID      = "EVENTCORE_GCP_PROJECT_ID"
	EnvBigQueryDataset   = "EVENTCORE_BIGQUERY_DATASET"
	EnvBigQueryAudit     = "EVENTCORE_BIGQUERY_AUDIT_TABLE"
	EnvOpsListenAddr     = "EVENTCORE_OPS_LISTEN_ADDR"
	EnvDedupTenantID     = "EVENTCORE_DEDUP_TENANT_ID"
	EnvAutoMigrate       = "EVENTCORE_AUTO_MIGRATE"
	EnvAuditEventTypes   = "EVENTCORE_BIGQUERY_AUDIT_EVENT_TYPES"
	EnvConsumerStopGrace = "EVENTCORE_CONSUMER_STOP_GRACE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
