package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Development-only secrets. New refuses them when ENV=production.
const (
	DevAccessSecret  = "dev-access-secret-change-me"
	DevRefreshSecret = "dev-refresh-secret-change-me"
)

type Config struct {
	Env        string
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string

	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	ClientURL   string
	CORSOrigins []string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AIRateLimit   int
	AIRateWindow  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string

	AuthRateLimit int
	// TrustProxy honors X-Forwarded-For. Enable only behind a proxy that
	// overwrites the header.
	TrustProxy bool
}

// source resolves keys from the process environment first, then from the
// optional CONFIG_FILE.
type source struct {
	file map[string]string
}

func (s source) getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := s.file[key]; v != "" {
		return v
	}
	return def
}

func (s source) getint(key string, def int) (int, error) {
	v := s.getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func (s source) getbool(key string, def bool) (bool, error) {
	v := s.getenv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func (s source) getduration(key string, def time.Duration) (time.Duration, error) {
	v := s.getenv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// ParseDuration extends time.ParseDuration with a whole-day suffix, so "7d"
// is 168h.
func ParseDuration(v string) (time.Duration, error) {
	if strings.HasSuffix(v, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err != nil {
			return 0, fmt.Errorf("bad day duration %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// New loads .env (if present), then CONFIG_FILE (if set), then the process
// environment, in increasing precedence.
func New() (*Config, error) {
	_ = godotenv.Load()

	file, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	return fromSource(source{file: file})
}

func fromSource(s source) (*Config, error) {
	c := &Config{
		Env:        s.getenv("ENV", s.getenv("GO_ENV", "development")),
		Port:       s.getenv("PORT", "8080"),
		DBAdapter:  s.getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile: s.getenv("SQLITE_FILE", "./data/codeshare.db"),
		LogLevel:   s.getenv("LOG_LEVEL", "info"),

		PostgresDSN:      s.getenv("POSTGRES_DSN", ""),
		PostgresHost:     s.getenv("POSTGRES_HOST", s.getenv("DB_HOST", "localhost")),
		PostgresPort:     s.getenv("POSTGRES_PORT", s.getenv("DB_PORT", "5432")),
		PostgresUser:     s.getenv("POSTGRES_USER", s.getenv("DB_USER", "codeshare")),
		PostgresPassword: s.getenv("POSTGRES_PASSWORD", s.getenv("DB_PASSWORD", "codeshare")),
		PostgresDB:       s.getenv("POSTGRES_DB", s.getenv("DB_NAME", "codeshare")),
		PostgresSSLMode:  s.getenv("POSTGRES_SSLMODE", s.getenv("DB_SSLMODE", "disable")),
		MigrationsDir:    s.getenv("MIGRATIONS_DIR", "./migrations"),

		AccessTokenSecret:  s.getenv("ACCESS_TOKEN_SECRET", DevAccessSecret),
		RefreshTokenSecret: s.getenv("REFRESH_TOKEN_SECRET", DevRefreshSecret),

		ClientURL: s.getenv("CLIENT_URL", "http://localhost:5173"),

		GoogleClientID:     s.getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: s.getenv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  s.getenv("GOOGLE_REDIRECT_URL", "http://localhost:8080/api/auth/google/callback"),

		OpenAIAPIKey:  s.getenv("OPENAI_API_KEY", ""),
		OpenAIModel:   s.getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: s.getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		RedisAddr:     s.getenv("REDIS_ADDR", ""),
		RedisPassword: s.getenv("REDIS_PASSWORD", ""),

		S3Bucket:    s.getenv("S3_BUCKET", ""),
		S3Region:    s.getenv("S3_REGION", "us-east-1"),
		S3Endpoint:  s.getenv("S3_ENDPOINT", ""),
		S3AccessKey: s.getenv("S3_ACCESS_KEY", ""),
		S3SecretKey: s.getenv("S3_SECRET_KEY", ""),
		S3PublicURL: s.getenv("S3_PUBLIC_URL", ""),
	}

	if origins := s.getenv("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	} else {
		c.CORSOrigins = []string{c.ClientURL}
	}

	var err error
	if c.AccessTokenTTL, err = s.getduration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = s.getduration("REFRESH_TOKEN_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.AIRateWindow, err = s.getduration("AI_RATE_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if c.AIRateLimit, err = s.getint("AI_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if c.RedisDB, err = s.getint("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.AuthRateLimit, err = s.getint("AUTH_RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if c.TrustProxy, err = s.getbool("TRUST_PROXY", false); err != nil {
		return nil, err
	}

	if c.AIRateLimit < 1 || c.AIRateWindow <= 0 {
		return nil, errors.New("AI_RATE_LIMIT must be at least 1 and AI_RATE_WINDOW positive")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.IsProduction() {
		if c.AccessTokenSecret == DevAccessSecret || c.RefreshTokenSecret == DevRefreshSecret {
			return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
