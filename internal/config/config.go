// Package config loads the masfed configuration surface from the
// environment (with optional .env support), in the teacher's Load/Validate
// shape.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DFMode selects how the Coordinator queries the Directory Facilitator.
type DFMode string

const (
	DFModeNeed DFMode = "NEED"
	DFModeAll  DFMode = "ALL"
)

// Config aggregates every recognized option across the Coordinator, DF,
// KB, bus and auth surfaces.
type Config struct {
	Coordinator CoordinatorConfig
	DF          DFConfig
	KB          KBConfig
	Bus         BusConfig
	Auth        AuthConfig
	Logging     LoggingConfig
	Presenter   PresenterConfig
	Specialist  SpecialistConfig
}

// CoordinatorConfig mirrors spec.md §6's COORD_* options.
type CoordinatorConfig struct {
	ReqTimeout     time.Duration
	MaxRetries     int
	MaxConcurrency int
	ConvGraceSec   time.Duration
	DFMode         DFMode
	HistoryLen     int
	KBTimeout      time.Duration
	NeedCap        string
}

// DFConfig mirrors the DF_* liveness options.
type DFConfig struct {
	HeartbeatSec  int
	TTLMultiplier int
	CleanupPeriod time.Duration
	ListenAddr    string
	RedisAddr     string // optional snapshot cache; empty disables it
}

// KBConfig configures KB storage and its HTTP surface.
type KBConfig struct {
	Backend        string // "postgres" or "sqlite"
	PostgresDSN    string
	SQLitePath     string
	MaxConns       int
	ConnectTimeout time.Duration
	ListenAddr     string
	MetricsAddr    string
}

// BusConfig configures the ACL transport.
type BusConfig struct {
	Transport string // "memory" or "websocket"
	HubAddr   string
	DialURL   string
}

// AuthConfig configures the KB writer JWT whitelist.
type AuthConfig struct {
	KBAuthSecret   string
	CoordinatorJID string
	TokenTTL       time.Duration
}

// LoggingConfig configures the structured logger's minimum level.
type LoggingConfig struct {
	Level string
}

// PresenterConfig mirrors the Presenter adapter's wait timeout, distinct
// from the Coordinator's own COORD_REQ_TIMEOUT (spec default: 15s).
type PresenterConfig struct {
	ReqTimeout time.Duration
	SelfJID    string
	CoordJID   string
}

// SpecialistConfig configures a Specialist adapter's registration and
// heartbeat loop against the DF.
type SpecialistConfig struct {
	SelfJID      string
	DFJID        string
	Capabilities []string
	HeartbeatSec int
}

// Load reads .env (if present) and every recognized environment variable,
// applying the defaults from spec.md §6, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Coordinator: CoordinatorConfig{
			ReqTimeout:     getEnvAsDuration("COORD_REQ_TIMEOUT", 10*time.Second),
			MaxRetries:     getEnvAsInt("COORD_MAX_RETRIES", 2),
			MaxConcurrency: getEnvAsInt("COORD_MAX_CONCURRENCY", 5),
			ConvGraceSec:   getEnvAsDuration("COORD_CONV_GRACE_SEC", 500*time.Millisecond),
			DFMode:         DFMode(getEnv("COORD_DF_MODE", string(DFModeNeed))),
			HistoryLen:     getEnvAsInt("COORD_HISTORY_LEN", 10),
			KBTimeout:      getEnvAsDuration("COORD_KB_TIMEOUT", 5*time.Second),
			NeedCap:        getEnv("NEED_CAP", "ASK_EXPERT"),
		},
		DF: DFConfig{
			HeartbeatSec:  getEnvAsInt("DF_HEARTBEAT_SEC", 30),
			TTLMultiplier: getEnvAsInt("DF_TTL_MULTIPLIER", 3),
			CleanupPeriod: getEnvAsDuration("DF_CLEANUP_PERIOD", 10*time.Second),
			ListenAddr:    getEnv("DF_LISTEN_ADDR", ":8081"),
			RedisAddr:     getEnv("DF_REDIS_ADDR", ""),
		},
		KB: KBConfig{
			Backend:        getEnv("KB_BACKEND", "postgres"),
			PostgresDSN:    getEnv("KB_POSTGRES_DSN", "postgres://postgres@localhost:5432/masfed?sslmode=disable"),
			SQLitePath:     getEnv("KB_SQLITE_PATH", "masfed_kb.db"),
			MaxConns:       getEnvAsInt("KB_MAX_CONNS", 10),
			ConnectTimeout: getEnvAsDuration("KB_CONNECT_TIMEOUT", 5*time.Second),
			ListenAddr:     getEnv("KB_LISTEN_ADDR", ":8082"),
			MetricsAddr:    getEnv("KB_METRICS_ADDR", ":9102"),
		},
		Bus: BusConfig{
			Transport: getEnv("BUS_TRANSPORT", "memory"),
			HubAddr:   getEnv("BUS_HUB_ADDR", ":8090"),
			DialURL:   getEnv("BUS_DIAL_URL", "ws://localhost:8090/bus"),
		},
		Auth: AuthConfig{
			KBAuthSecret:   getEnv("KB_AUTH_SECRET", "changeme"),
			CoordinatorJID: getEnv("COORDINATOR_JID", "coordinator@masfed"),
			TokenTTL:       getEnvAsDuration("KB_AUTH_TOKEN_TTL", time.Hour),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
		Presenter: PresenterConfig{
			ReqTimeout: getEnvAsDuration("PRESENTER_REQ_TIMEOUT", 15*time.Second),
			SelfJID:    getEnv("PRESENTER_JID", "presenter@masfed"),
			CoordJID:   getEnv("COORDINATOR_JID", "coordinator@masfed"),
		},
		Specialist: SpecialistConfig{
			SelfJID:      getEnv("SPECIALIST_JID", "specialist@masfed"),
			DFJID:        getEnv("DF_JID", "df@masfed"),
			Capabilities: splitCSV(getEnv("SPECIALIST_CAPABILITIES", "ASK_EXPERT")),
			HeartbeatSec: getEnvAsInt("DF_HEARTBEAT_SEC", 30),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors later (an unknown DF_MODE, a non-positive concurrency
// cap, the default KB_AUTH_SECRET when MASFED_ENV=production).
func (c *Config) Validate() error {
	switch c.Coordinator.DFMode {
	case DFModeNeed, DFModeAll:
	default:
		return fmt.Errorf("config: invalid COORD_DF_MODE %q, want NEED or ALL", c.Coordinator.DFMode)
	}
	if c.Coordinator.MaxConcurrency <= 0 {
		return fmt.Errorf("config: COORD_MAX_CONCURRENCY must be positive")
	}
	if c.Coordinator.MaxRetries <= 0 {
		return fmt.Errorf("config: COORD_MAX_RETRIES must be positive")
	}
	switch c.KB.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: invalid KB_BACKEND %q, want postgres or sqlite", c.KB.Backend)
	}
	if c.Auth.KBAuthSecret == "changeme" && os.Getenv("MASFED_ENV") == "production" {
		return fmt.Errorf("config: KB_AUTH_SECRET must be set in production")
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	var out int
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return defaultValue
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	// accept bare seconds ("10") as well as Go duration strings ("10s")
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	var seconds float64
	if _, err := fmt.Sscanf(v, "%f", &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return defaultValue
}
