package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/internal/consts"
)

// Auth holds the bearer token settings shared by both services.
type Auth struct {
	Domain   string
	Audience string
	// LocalMode selects a shared-secret mode ("hs256") instead of the Auth0 JWKS.
	LocalMode    string
	LocalSecret  string
	JWKSCacheTTL time.Duration
}

// Config is the process configuration read from the environment.
type Config struct {
	Debug        bool
	PprofEnabled bool
	// LogFormat is "text" or "json".
	LogFormat    string
	Port         string

	DatabaseURL string
	SQLitePath  string

	RedisConnectionString   string
	StorageConnectionString string
	NotificationsQueue      string
	NotificationsTable      string

	Auth Auth

	CacheTTL         time.Duration
	CacheTimeout     time.Duration
	BroadcastTimeout time.Duration
	NotifyTimeout    time.Duration
	DeduperTTL       time.Duration

	BroadcastWorkers int
	BroadcastBuffer  int
	StreamBuffer     int
	KeepAlive        time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads an optional .env file and then the environment. defaultPort is
// used when neither PORT nor FUNCTIONS_CUSTOMHANDLER_PORT is set.
func Load(defaultPort string) (Config, error) {
	var errs []error
	cfg := read(defaultPort, &errs)

	// AUTH0_TEST_MODE predates LOCAL_AUTH_MODE and is still honoured.
	if cfg.Auth.LocalMode == "" && os.Getenv("AUTH0_TEST_MODE") == "1" {
		cfg.Auth.LocalMode = "hs256"
		cfg.Auth.LocalSecret = os.Getenv("TEST_JWT_SECRET")
	}
	switch cfg.Auth.LocalMode {
	case "":
		if cfg.Auth.Domain == "" || cfg.Auth.Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config: AUTH0_DOMAIN and AUTH0_AUDIENCE are required"))
		}
	case "hs256":
		if cfg.Auth.LocalSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported LOCAL_AUTH_MODE value %q", cfg.Auth.LocalMode))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStorage reads the settings needed to provision storage. Auth settings
// are not validated.
func LoadStorage() (Config, error) {
	var errs []error
	cfg := read("", &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read(defaultPort string, errs *[]error) Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("unable to read .env")
	}
	return Config{
		Debug:                   getBool("DEBUG", false, errs),
		PprofEnabled:            getBool("PPROF_ENABLED", false, errs),
		LogFormat:               strings.ToLower(getenv("LOG_FORMAT", "text")),
		Port:                    getenv("PORT", getenv("FUNCTIONS_CUSTOMHANDLER_PORT", defaultPort)),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SQLitePath:              os.Getenv("SQLITE_PATH"),
		RedisConnectionString:   os.Getenv("REDIS_CONNECTION_STRING"),
		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		NotificationsQueue:      getenv("NOTIFICATIONS_QUEUE", consts.NotificationsQueue),
		NotificationsTable:      getenv("NOTIFICATIONS_TABLE", consts.NotificationsTable),
		Auth: Auth{
			Domain:       os.Getenv("AUTH0_DOMAIN"),
			Audience:     os.Getenv("AUTH0_AUDIENCE"),
			LocalMode:    strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")),
			LocalSecret:  os.Getenv("LOCAL_AUTH_SHARED_SECRET"),
			JWKSCacheTTL: getDuration("JWKS_CACHE_TTL", 15*time.Minute, errs),
		},
		CacheTTL:         getDuration("CACHE_TTL", 60*time.Second, errs),
		CacheTimeout:     getDuration("CACHE_TIMEOUT", 250*time.Millisecond, errs),
		BroadcastTimeout: getDuration("BROADCAST_TIMEOUT", 2*time.Second, errs),
		NotifyTimeout:    getDuration("NOTIFY_TIMEOUT", 5*time.Second, errs),
		DeduperTTL:       getDuration("DEDUPER_TTL", 24*time.Hour, errs),
		BroadcastWorkers: getInt("BROADCAST_WORKERS", 8, errs),
		BroadcastBuffer:  getInt("BROADCAST_BUFFER", 1024, errs),
		StreamBuffer:     getInt("STREAM_BUFFER", 64, errs),
		KeepAlive:        getDuration("SSE_KEEPALIVE", 15*time.Second, errs),
		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second, errs),
	}
}

// ApplyLogging switches the logger to debug level when DEBUG is set and to
// JSON output when LOG_FORMAT=json.
func (c Config) ApplyLogging(logger *log.Logger) {
	if c.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}

// RedisOptions parses a Redis connection string. Both redis:// URLs and the
// Azure form "host:port,password=...,ssl=True" are accepted.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		case "defaultdatabase":
			db, err := strconv.Atoi(kv[1])
			if err != nil {
				return nil, fmt.Errorf("invalid defaultDatabase: %w", err)
			}
			opts.DB = db
		}
	}
	return opts, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func getInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive integer", key))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive duration", key))
		return def
	}
	return d
}
