// internal/config/config.go
package config

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string
	Environment        string
	LogLevel           string
	Timezone           string
	InngestEventKey    string
	InngestSigningKey  string
	OpenAIAPIKey       string
	DatabaseURL        string
	CORSAllowedOrigins []string
	SlackWebhookURL    string

	// Azure OpenAI for the analysis model
	AzureOpenAIEndpoint       string
	AzureOpenAIKey            string
	AzureOpenAIDeploymentName string

	Database     DatabaseConfig
	Scheduler    SchedulerConfig
	Orchestrator OrchestratorConfig
	Analysis     AnalysisConfig
	Metadata     MetadataConfig
	Provider     ProviderConfig
}

// DatabaseConfig describes the SQL connection. Driver is "postgres" or
// "sqlite".
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Name +
		" sslmode=" + d.SSLMode
}

type SchedulerConfig struct {
	Enabled      bool
	Spec         string
	InitialDelay time.Duration
}

type OrchestratorConfig struct {
	MaxConcurrent int
}

type AnalysisConfig struct {
	Model                string
	MaxRetries           int
	ReanalysisMaxRetries int
	BackoffStep          time.Duration
}

type MetadataConfig struct {
	MaxURLs     int
	Concurrency int
	Timeout     time.Duration
}

type ProviderConfig struct {
	Retries int
	Timeout time.Duration
}

// Load reads configuration from the environment. Call godotenv first to
// pick up .env files.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port:                      v.GetString("port"),
		Environment:               v.GetString("environment"),
		LogLevel:                  v.GetString("log_level"),
		Timezone:                  v.GetString("timezone"),
		InngestEventKey:           v.GetString("inngest_event_key"),
		InngestSigningKey:         v.GetString("inngest_signing_key"),
		OpenAIAPIKey:              v.GetString("openai_api_key"),
		DatabaseURL:               v.GetString("database_url"),
		CORSAllowedOrigins:        splitList(v.GetString("cors_allowed_origins")),
		SlackWebhookURL:           v.GetString("slack_webhook_url"),
		AzureOpenAIEndpoint:       v.GetString("azure_openai_endpoint"),
		AzureOpenAIKey:            v.GetString("azure_openai_key"),
		AzureOpenAIDeploymentName: v.GetString("azure_openai_deployment_name"),
		Scheduler: SchedulerConfig{
			Enabled:      v.GetBool("scheduler_enabled"),
			Spec:         v.GetString("scheduler_spec"),
			InitialDelay: v.GetDuration("scheduler_initial_delay"),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: v.GetInt("orchestrator_max_concurrent"),
		},
		Analysis: AnalysisConfig{
			Model:                v.GetString("analysis_model"),
			MaxRetries:           v.GetInt("analysis_max_retries"),
			ReanalysisMaxRetries: v.GetInt("analysis_reanalysis_max_retries"),
			BackoffStep:          v.GetDuration("analysis_backoff_step"),
		},
		Metadata: MetadataConfig{
			MaxURLs:     v.GetInt("metadata_max_urls"),
			Concurrency: v.GetInt("metadata_concurrency"),
			Timeout:     v.GetDuration("metadata_timeout"),
		},
		Provider: ProviderConfig{
			Retries: v.GetInt("provider_retries"),
			Timeout: v.GetDuration("provider_timeout"),
		},
	}

	dbConfig, err := parseDatabaseConfig(v)
	if err != nil {
		// If DATABASE_URL parsing fails, try individual env vars as fallback
		dbConfig = DatabaseConfig{
			Host:     v.GetString("db_host"),
			Port:     v.GetInt("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			Name:     v.GetString("db_name"),
			SSLMode:  v.GetString("db_sslmode"),
		}
	}
	dbConfig.Driver = v.GetString("db_driver")
	dbConfig.SQLitePath = v.GetString("sqlite_path")
	dbConfig.MaxOpenConns = v.GetInt("db_max_open_conns")
	dbConfig.MaxIdleConns = v.GetInt("db_max_idle_conns")
	dbConfig.ConnMaxLifetime = v.GetInt("db_conn_max_lifetime")
	cfg.Database = dbConfig

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8000")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("inngest_event_key", "")
	v.SetDefault("inngest_signing_key", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("database_url", "")
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("slack_webhook_url", "")
	v.SetDefault("azure_openai_endpoint", "")
	v.SetDefault("azure_openai_key", "")
	v.SetDefault("azure_openai_deployment_name", "")

	v.SetDefault("scheduler_enabled", true)
	v.SetDefault("scheduler_spec", "@every 5m")
	v.SetDefault("scheduler_initial_delay", "10s")

	v.SetDefault("orchestrator_max_concurrent", 5)

	v.SetDefault("analysis_model", "gpt-4.1-mini")
	v.SetDefault("analysis_max_retries", 2)
	v.SetDefault("analysis_reanalysis_max_retries", 5)
	v.SetDefault("analysis_backoff_step", "1s")

	v.SetDefault("metadata_max_urls", 20)
	v.SetDefault("metadata_concurrency", 5)
	v.SetDefault("metadata_timeout", "5s")

	v.SetDefault("provider_retries", 2)
	v.SetDefault("provider_timeout", "120s")

	v.SetDefault("db_driver", "postgres")
	v.SetDefault("sqlite_path", "senso.db")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_name", "senso")
	v.SetDefault("db_sslmode", "require")
	v.SetDefault("db_max_open_conns", 25)
	v.SetDefault("db_max_idle_conns", 25)
	v.SetDefault("db_conn_max_lifetime", 300)
}

// Validate rejects configuration the service cannot run with.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return eris.Errorf("config: unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return eris.Errorf("config: ORCHESTRATOR_MAX_CONCURRENT must be >= 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	if c.Analysis.MaxRetries < 1 || c.Analysis.ReanalysisMaxRetries < 1 {
		return eris.New("config: analysis retry budgets must be >= 1")
	}
	if c.Provider.Retries < 0 {
		return eris.Errorf("config: PROVIDER_RETRIES must be >= 0, got %d", c.Provider.Retries)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return eris.Wrapf(err, "config: invalid TIMEZONE %q", c.Timezone)
	}
	return nil
}

// Location returns the time zone used to compute execution days.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment reports whether the service runs locally.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == ""
}

func parseDatabaseConfig(v *viper.Viper) (DatabaseConfig, error) {
	dbURL := v.GetString("database_url")
	if dbURL == "" {
		return DatabaseConfig{}, eris.New("DATABASE_URL not set")
	}

	parsedURL, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, eris.Wrap(err, "invalid DATABASE_URL")
	}

	config := DatabaseConfig{
		Host:    parsedURL.Hostname(),
		Port:    5432, // default
		User:    parsedURL.User.Username(),
		Name:    strings.TrimPrefix(parsedURL.Path, "/"),
		SSLMode: v.GetString("db_sslmode"),
	}
	if mode := parsedURL.Query().Get("sslmode"); mode != "" {
		config.SSLMode = mode
	}

	if password, ok := parsedURL.User.Password(); ok {
		config.Password = password
	}

	if parsedURL.Port() != "" {
		if port, err := strconv.Atoi(parsedURL.Port()); err == nil {
			config.Port = port
		}
	}

	return config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
