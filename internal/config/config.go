package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"qms/qsystem/internal/models"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port               string
	StoreDriver        string
	DatabaseURL        string
	SQLitePath         string
	StaffPIN           string
	AdminPIN           string
	LogLevel           string
	LogFormat          string
	RateLimitPerMinute int
	RateLimitBurst     int
	TrustedProxies     []string
	RequestTimeout     time.Duration
	CatalogFile        string
	DefaultBranchName  string
	BranchCodeAttempts int
	ShutdownTimeout    time.Duration
	OTelEndpoint       string
	OTelInsecure       bool
	Alerts             AlertConfig
}

type AlertConfig struct {
	Provider        string
	WebhookURL      string
	WebhookToken    string
	SlackWebhookURL string
	Template        string
	MaxAttempts     int
	RetryDelay      time.Duration
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_DSN")
	}

	return Config{
		Port:               port,
		StoreDriver:        strings.ToLower(readString("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:        databaseURL,
		SQLitePath:         readString("SQLITE_PATH", "qsystem.db"),
		StaffPIN:           os.Getenv("STAFF_PIN"),
		AdminPIN:           os.Getenv("ADMIN_PIN"),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogFormat:          readString("LOG_FORMAT", "text"),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 60),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 20),
		TrustedProxies:     readList("TRUSTED_PROXIES"),
		RequestTimeout:     readDuration("REQUEST_TIMEOUT", 10*time.Second),
		CatalogFile:        os.Getenv("SERVICE_CATALOG_FILE"),
		DefaultBranchName:  readString("DEFAULT_BRANCH_NAME", "Main"),
		BranchCodeAttempts: readInt("BRANCH_CODE_ATTEMPTS", 5),
		ShutdownTimeout:    readDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		OTelEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Alerts: AlertConfig{
			Provider:        strings.ToLower(os.Getenv("ALERT_PROVIDER")),
			WebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
			WebhookToken:    os.Getenv("ALERT_WEBHOOK_TOKEN"),
			SlackWebhookURL: os.Getenv("ALERT_SLACK_WEBHOOK_URL"),
			Template:        readString("ALERT_TEMPLATE", "Hi {name}, ticket {ticket_number} is now being called."),
			MaxAttempts:     readInt("ALERT_MAX_ATTEMPTS", 3),
			RetryDelay:      readDuration("ALERT_RETRY_DELAY", 2*time.Second),
		},
	}
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the %s driver", DriverSQLite)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

type catalogFile struct {
	Services []catalogService `yaml:"services"`
}

type catalogService struct {
	Name       string `yaml:"name"`
	AvgMinutes int    `yaml:"avgMinutes"`
}

// LoadCatalog reads the seed service catalog. An empty path returns the
// built-in default catalog.
func LoadCatalog(path string) ([]models.Service, error) {
	if path == "" {
		return append([]models.Service(nil), models.DefaultCatalog...), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	services := make([]models.Service, 0, len(file.Services))
	for i, entry := range file.Services {
		name := strings.TrimSpace(entry.Name)
		if name == "" || entry.AvgMinutes <= 0 {
			return nil, fmt.Errorf("catalog %s: service %d needs a name and positive avgMinutes", path, i+1)
		}
		services = append(services, models.Service{Name: name, AvgMinutes: entry.AvgMinutes})
	}
	return services, nil
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readList(key string) []string {
	var values []string
	for _, value := range strings.Split(os.Getenv(key), ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
