package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Query        QueryConfig
	Audit        AuditConfig
	SQLite       SQLiteConfig
	Evidence     EvidenceConfig
	Redis        RedisConfig
	LLM          LLMConfig
	GitHub       GitHubConfig
	Jira         JiraConfig
	GDrive       GDriveConfig
	Integrations IntegrationsConfig
	RateLimit    RateLimitConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	ExportTimeout  int
	AllowedOrigins []string
	Development    bool
}

// ExportTimeoutDuration bounds one export request. Seconds.
func (s ServerConfig) ExportTimeoutDuration() time.Duration {
	return time.Duration(s.ExportTimeout) * time.Second
}

// QueryConfig bounds a single question. Durations are in seconds.
type QueryConfig struct {
	Timeout          int
	ConnectorTimeout int
	MaxLength        int
}

func (q QueryConfig) TimeoutDuration() time.Duration {
	return time.Duration(q.Timeout) * time.Second
}

func (q QueryConfig) ConnectorTimeoutDuration() time.Duration {
	return time.Duration(q.ConnectorTimeout) * time.Second
}

type AuditConfig struct {
	Backend string
	Buffer  int
}

type SQLiteConfig struct {
	Path string
}

type EvidenceConfig struct {
	Backend       string
	TTLHours      int
	PruneSchedule string
}

func (e EvidenceConfig) TTL() time.Duration {
	return time.Duration(e.TTLHours) * time.Hour
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type GitHubConfig struct {
	Token             string
	Owner             string
	Repo              string
	MaxPulls          int
	Reviewer          string
	RequiredApprovals int
}

type JiraConfig struct {
	BaseURL       string
	Email         string
	APIToken      string
	Project       string
	MaxResults    int
	ApproverField string
}

type GDriveConfig struct {
	APIKey      string
	AccessToken string
	FolderID    string
	MaxResults  int
}

type IntegrationsConfig struct {
	File  string
	Watch bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads configuration from configFile, or from config.yaml in the
// usual search paths when configFile is empty. EVIDENCE_* environment
// variables override file values.
func Load(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/evidence-api")
	}

	viper.SetEnvPrefix("EVIDENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Audit.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}

	switch c.Evidence.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown evidence backend %q", c.Evidence.Backend)
	}

	if c.Query.Timeout <= 0 || c.Query.ConnectorTimeout <= 0 {
		return fmt.Errorf("query timeouts must be positive")
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.exportTimeout", 60)
	viper.SetDefault("server.development", false)

	viper.SetDefault("query.timeout", 30)
	viper.SetDefault("query.connectorTimeout", 10)
	viper.SetDefault("query.maxLength", 5000)

	viper.SetDefault("audit.backend", "sqlite")
	viper.SetDefault("audit.buffer", 64)

	viper.SetDefault("sqlite.path", "./data/evidence.db")

	viper.SetDefault("evidence.backend", "memory")
	viper.SetDefault("evidence.ttlHours", 24)
	viper.SetDefault("evidence.pruneSchedule", "*/15 * * * *")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 600)
	viper.SetDefault("llm.timeoutSec", 20)

	viper.SetDefault("github.maxPulls", 30)
	viper.SetDefault("github.requiredApprovals", 1)
	viper.SetDefault("jira.maxResults", 20)
	viper.SetDefault("gdrive.maxResults", 10)

	viper.SetDefault("integrations.file", "./config/integrations.yaml")
	viper.SetDefault("integrations.watch", true)

	viper.SetDefault("ratelimit.requestsPerMinute", 60)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
