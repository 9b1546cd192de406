package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Scraper     ScraperConfig
	Browser     BrowserConfig
	Proxy       ProxyConfig
	Session     SessionConfig
	Detail      DetailConfig
	Storage     StorageConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Credentials CredentialsConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MaxJobs         int
}

type ScraperConfig struct {
	// ProfilePath points at a YAML file overriding the built-in olx.pt
	// selector profile.
	ProfilePath   string
	MaxPages      int
	PageRetries   int
	MaxSkipped    int
	PageTimeout   time.Duration
	RateLimitMin  time.Duration
	RateLimitMax  time.Duration
	RateJitter    time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	RetryDelayMax time.Duration
	RequireLogin  bool
}

type BrowserConfig struct {
	// Backend is "playwright" or "static".
	Backend        string
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
}

type ProxyConfig struct {
	Enabled        bool
	Required       bool
	Sources        []string
	Static         []string
	SampleSize     int
	Testers        int
	SourceFetchers int
	MaxActive      int
	MaxFails       int
	TestTimeout    time.Duration
	CacheTTL       time.Duration
}

type SessionConfig struct {
	VerifyTimeout time.Duration
	EffectTimeout time.Duration
}

type DetailConfig struct {
	PhoneWait      time.Duration
	Cooldown       time.Duration
	ReplaySlowdown float64
}

type StorageConfig struct {
	// Backend is "json" or "postgres".
	Backend     string
	ResultsFile string
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	MaxConns int32
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	ProxyKey string
}

type CredentialsConfig struct {
	Dir        string
	DotenvPath string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
			MaxJobs:         getIntOrDefault("SERVER_MAX_JOBS", 1),
		},
		Scraper: ScraperConfig{
			ProfilePath:   getEnvOrDefault("SCRAPER_PROFILE", ""),
			MaxPages:      getIntOrDefault("SCRAPER_MAX_PAGES", 50),
			PageRetries:   getIntOrDefault("SCRAPER_PAGE_RETRIES", 3),
			MaxSkipped:    getIntOrDefault("SCRAPER_MAX_SKIPPED", 2),
			PageTimeout:   getDurationOrDefault("SCRAPER_PAGE_TIMEOUT", 30*time.Second),
			RateLimitMin:  getDurationOrDefault("SCRAPER_RATE_LIMIT_MIN", 2*time.Second),
			RateLimitMax:  getDurationOrDefault("SCRAPER_RATE_LIMIT_MAX", 60*time.Second),
			RateJitter:    getDurationOrDefault("SCRAPER_RATE_JITTER", 1500*time.Millisecond),
			MaxRetries:    getIntOrDefault("SCRAPER_MAX_RETRIES", 3),
			RetryDelay:    getDurationOrDefault("SCRAPER_RETRY_DELAY", 2*time.Second),
			RetryDelayMax: getDurationOrDefault("SCRAPER_RETRY_DELAY_MAX", 6*time.Second),
			RequireLogin:  getBoolOrDefault("SCRAPER_REQUIRE_LOGIN", true),
		},
		Browser: BrowserConfig{
			Backend:        getEnvOrDefault("BROWSER_BACKEND", "playwright"),
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", ""),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "pt-PT,pt;q=0.9,en;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Lisbon"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "pt-PT"),
		},
		Proxy: ProxyConfig{
			Enabled:        getBoolOrDefault("PROXY_ENABLED", true),
			Required:       getBoolOrDefault("PROXY_REQUIRED", false),
			Sources:        getStringSliceOrDefault("PROXY_SOURCES", nil),
			Static:         getStringSliceOrDefault("PROXY_STATIC", nil),
			SampleSize:     getIntOrDefault("PROXY_SAMPLE_SIZE", 25),
			Testers:        getIntOrDefault("PROXY_TESTERS", 5),
			SourceFetchers: getIntOrDefault("PROXY_SOURCE_FETCHERS", 3),
			MaxActive:      getIntOrDefault("PROXY_MAX_ACTIVE", 10),
			MaxFails:       getIntOrDefault("PROXY_MAX_FAILS", 3),
			TestTimeout:    getDurationOrDefault("PROXY_TEST_TIMEOUT", 10*time.Second),
			CacheTTL:       getDurationOrDefault("PROXY_CACHE_TTL", 30*time.Minute),
		},
		Session: SessionConfig{
			VerifyTimeout: getDurationOrDefault("SESSION_VERIFY_TIMEOUT", 15*time.Second),
			EffectTimeout: getDurationOrDefault("SESSION_EFFECT_TIMEOUT", 5*time.Second),
		},
		Detail: DetailConfig{
			PhoneWait:      getDurationOrDefault("DETAIL_PHONE_WAIT", 10*time.Second),
			Cooldown:       getDurationOrDefault("DETAIL_COOLDOWN", 5*time.Second),
			ReplaySlowdown: getFloatOrDefault("DETAIL_REPLAY_SLOWDOWN", 1.5),
		},
		Storage: StorageConfig{
			Backend:     getEnvOrDefault("STORAGE_BACKEND", "json"),
			ResultsFile: getEnvOrDefault("STORAGE_RESULTS_FILE", "olx_results.json"),
		},
		Database: DatabaseConfig{
			URL:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "olx_scraper"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 4)),
		},
		Redis: RedisConfig{
			Enabled:  getBoolOrDefault("REDIS_ENABLED", false),
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			ProxyKey: getEnvOrDefault("REDIS_PROXY_KEY", "olx:proxies"),
		},
		Credentials: CredentialsConfig{
			Dir:        getEnvOrDefault("CREDENTIALS_DIR", ".olx-scraper"),
			DotenvPath: getEnvOrDefault("CREDENTIALS_DOTENV", ".env"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Scraper.MaxPages < 1 {
		return fmt.Errorf("SCRAPER_MAX_PAGES must be at least 1")
	}

	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		return fmt.Errorf("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX")
	}

	if c.Scraper.MaxRetries < 1 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be at least 1")
	}

	if c.Scraper.RetryDelay > c.Scraper.RetryDelayMax {
		return fmt.Errorf("SCRAPER_RETRY_DELAY cannot be greater than SCRAPER_RETRY_DELAY_MAX")
	}

	if c.Server.MaxJobs < 1 {
		return fmt.Errorf("SERVER_MAX_JOBS must be at least 1")
	}

	if c.Proxy.Required && !c.Proxy.Enabled {
		return fmt.Errorf("PROXY_REQUIRED needs PROXY_ENABLED")
	}

	if c.Proxy.MaxFails < 1 || c.Proxy.MaxActive < 1 {
		return fmt.Errorf("PROXY_MAX_FAILS and PROXY_MAX_ACTIVE must be at least 1")
	}

	if c.Detail.ReplaySlowdown < 1 {
		return fmt.Errorf("DETAIL_REPLAY_SLOWDOWN must be at least 1")
	}

	switch c.Browser.Backend {
	case "playwright", "static":
	default:
		return fmt.Errorf("BROWSER_BACKEND must be playwright or static, got %q", c.Browser.Backend)
	}

	switch c.Storage.Backend {
	case "json", "postgres":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be json or postgres, got %q", c.Storage.Backend)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return defaultValue
}
