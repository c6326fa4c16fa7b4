package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	RedisURL string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Collaboration core.
	TransformWindow        time.Duration
	DefaultMaxParticipants int
	ExportPreviewChars     int
	HistoryLimit           int
	BusQueueSize           int

	// Sessions with no present participant and no change for this long are closed.
	// Zero disables reaping.
	SessionIdleTimeout time.Duration
	ReapInterval       time.Duration

	// Websocket gateway.
	WSDevInsecure       bool
	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSSendQueue         int
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COEDIT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COEDIT_LOG_LEVEL", "info"),
		LogFormat: EnvString("COEDIT_LOG_FORMAT", "json"),
		LogColor:  EnvBool("COEDIT_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("COEDIT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COEDIT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COEDIT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COEDIT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COEDIT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("COEDIT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COEDIT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COEDIT_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("COEDIT_DB_SCHEMA", "coedit"),

		RedisURL: EnvString("COEDIT_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("COEDIT_READINESS_REQUIRE_DB", false),

		TransformWindow:        EnvDuration("COEDIT_TRANSFORM_WINDOW", time.Second),
		DefaultMaxParticipants: EnvInt("COEDIT_DEFAULT_MAX_PARTICIPANTS", 10),
		ExportPreviewChars:     EnvInt("COEDIT_EXPORT_PREVIEW_CHARS", 100),
		HistoryLimit:           EnvInt("COEDIT_HISTORY_LIMIT", 1000),
		BusQueueSize:           EnvInt("COEDIT_BUS_QUEUE", 256),

		SessionIdleTimeout: EnvDuration("COEDIT_SESSION_IDLE_TIMEOUT", 0),
		ReapInterval:       EnvDuration("COEDIT_REAP_INTERVAL", time.Minute),

		WSDevInsecure:       EnvBool("COEDIT_WS_DEV_INSECURE", false),
		WSOriginRequired:    EnvBool("COEDIT_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("COEDIT_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSWriteTimeout:      EnvDuration("COEDIT_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("COEDIT_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSSendQueue:         EnvInt("COEDIT_WS_SEND_QUEUE", 256),
		WSHeartbeatInterval: EnvDuration("COEDIT_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("COEDIT_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("COEDIT_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("COEDIT_WS_RATE_WINDOW", 10*time.Second),
	}
}
