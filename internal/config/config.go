package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment (optionally seeded from .env files via
// LoadDotEnv). No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Store    StoreConfig
	Calls    CallsConfig
	Realtime RealtimeConfig
}

type AppConfig struct {
	Env         string
	Port        int
	LogLevel    string
	CORSOrigins []string
}

// DBConfig is optional outside production; an empty Host means "no Postgres".
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional; an empty Host disables every Redis-backed component.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type StoreConfig struct {
	Driver     string `env:"CALL_STORE" envDefault:"postgres"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/calls.db"`
}

// CallsConfig carries signaling tunables.
type CallsConfig struct {
	RingTimeout   time.Duration     `env:"RING_TIMEOUT" envDefault:"45s"`
	SweepInterval time.Duration     `env:"SWEEP_INTERVAL" envDefault:"10s"`
	DefaultOrgID  string            `env:"DEFAULT_ORG_ID" envDefault:"default"`
	InboxCapacity int               `env:"INBOX_CAPACITY" envDefault:"10"`
	InboxTTL      time.Duration     `env:"INBOX_TTL" envDefault:"10m"`
	Aliases       map[string]string `env:"ROUTING_ALIASES" envDefault:"ldn:lakshmidurgan,acs:anithacs,gd:gdhivyasri,nsk:nishask,abp:amarnathbpatil,nn:nagashreen,akv:anilkumarkv,jk:jyotikumari,vr:vidyashreer,ba:bhavanaa,btn:bhavyatn"`
	CreateRate    float64           `env:"CALL_CREATE_RATE" envDefault:"2"`
	CreateBurst   int               `env:"CALL_CREATE_BURST" envDefault:"5"`
}

// RealtimeConfig carries WebSocket transport tunables.
type RealtimeConfig struct {
	AllowedOrigins  []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	SendBuffer      int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	MaxMessageBytes int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"65536"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"25s"`
	PongWait        time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	MessageRate     float64       `env:"WS_MESSAGE_RATE" envDefault:"50"`
	MessageBurst    int           `env:"WS_MESSAGE_BURST" envDefault:"100"`
	Fanout          bool          `env:"RELAY_FANOUT" envDefault:"false"`
}

// LoadDotEnv loads the given .env files (default ".env") when they exist.
// Variables already present in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.CORSOrigins = splitList(os.Getenv("CORS_ORIGINS"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := intOr("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if c.Redis.Host != "" {
		n, err := intOr("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	if err := env.Parse(&c.Store); err != nil {
		parseErrs = append(parseErrs, err)
	}
	if err := env.Parse(&c.Calls); err != nil {
		parseErrs = append(parseErrs, err)
	}
	if err := env.Parse(&c.Realtime); err != nil {
		parseErrs = append(parseErrs, err)
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults in place and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StorePostgres
	}
	switch c.Store.Driver {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("CALL_STORE must be one of postgres, sqlite, memory, got %q", c.Store.Driver))
	}
	if c.IsProduction() && c.Store.Driver == StoreMemory {
		errs = append(errs, errors.New("CALL_STORE=memory is not allowed in production"))
	}

	if c.HasPostgres() {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
	} else if c.IsProduction() && c.Store.Driver == StorePostgres {
		errs = append(errs, errors.New("DB_HOST is required in production"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() && c.HasPostgres() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.HasRedis() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Realtime.Fanout && !c.HasRedis() {
		errs = append(errs, errors.New("RELAY_FANOUT requires REDIS_HOST"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	c.applyCallDefaults()
	if c.Calls.SweepInterval > c.Calls.RingTimeout {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL (%s) must not exceed RING_TIMEOUT (%s)", c.Calls.SweepInterval, c.Calls.RingTimeout))
	}
	if c.Realtime.PingInterval >= c.Realtime.PongWait {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}

	return joinErrors(errs)
}

// applyCallDefaults covers configs built in code rather than through Load.
func (c *Config) applyCallDefaults() {
	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 45 * time.Second
	}
	if c.Calls.SweepInterval <= 0 {
		c.Calls.SweepInterval = 10 * time.Second
	}
	if c.Calls.DefaultOrgID == "" {
		c.Calls.DefaultOrgID = "default"
	}
	if c.Calls.InboxCapacity <= 0 {
		c.Calls.InboxCapacity = 10
	}
	if c.Calls.InboxTTL <= 0 {
		c.Calls.InboxTTL = 10 * time.Minute
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 256
	}
	if c.Realtime.MaxMessageBytes <= 0 {
		c.Realtime.MaxMessageBytes = 64 << 10
	}
	if c.Realtime.PingInterval <= 0 {
		c.Realtime.PingInterval = 25 * time.Second
	}
	if c.Realtime.PongWait <= 0 {
		c.Realtime.PongWait = 60 * time.Second
	}
	if c.Realtime.MessageRate <= 0 {
		c.Realtime.MessageRate = 50
	}
	if c.Realtime.MessageBurst <= 0 {
		c.Realtime.MessageBurst = 100
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HasPostgres() bool { return c.DB.Host != "" }

func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func intOr(key string, def int) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
