// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aristath/fundwatch/internal/modules/changes"
	"github.com/aristath/fundwatch/internal/utils"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	HoldingsProviderURL    string
	HoldingsProviderAPIKey string
	HoldingsPageSize       int

	InferenceURL     string
	InferenceAPIKey  string
	InferenceTimeout time.Duration

	// ArtifactBackend selects where analysis artifacts are written: "sqlite" or "s3"
	ArtifactBackend string
	S3              S3Config
	BackupEnabled   bool

	// BackupRetentionDays bounds how long uploaded backups are kept; the newest three always stay
	BackupRetentionDays int

	PolicyFile string
	Policy     Policy
}

// S3Config holds object storage settings shared by the artifact store and backups
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Empty for AWS; set for S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	ArtifactPrefix  string
	BackupPrefix    string
}

// Policy holds the tunable pipeline parameters.
// It can be loaded from a YAML file; environment variables override file values.
type Policy struct {
	Thresholds ThresholdPolicy `yaml:"thresholds"`
	Noise      NoisePolicy     `yaml:"noise"`
	Batch      BatchPolicy     `yaml:"batch"`
	Retry      RetryPolicy     `yaml:"retry"`
	Queue      QueuePolicy     `yaml:"queue"`
	History    HistoryPolicy   `yaml:"history"`
	Schedule   SchedulePolicy  `yaml:"schedule"`
}

// ThresholdPolicy configures which share changes count as significant
type ThresholdPolicy struct {
	MinShareChange   float64  `yaml:"min_share_change"`
	MinPercentChange float64  `yaml:"min_percent_change"`
	ExcludedHoldings []string `yaml:"excluded_holdings"`
	ExcludedPatterns []string `yaml:"excluded_patterns"`
}

// NoisePolicy configures systematic-adjustment suppression
type NoisePolicy struct {
	MinEntries       int     `yaml:"min_entries"`
	ModeFrequency    float64 `yaml:"mode_frequency"`
	MaxModeMagnitude float64 `yaml:"max_mode_magnitude"`
}

// BatchPolicy configures the analysis batch job
type BatchPolicy struct {
	Budget       time.Duration `yaml:"budget"`
	ItemBudget   time.Duration `yaml:"item_budget"`
	BacklogLimit int           `yaml:"backlog_limit"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// RetryPolicy configures the retry pass
type RetryPolicy struct {
	MaxRetries    int      `yaml:"max_retries"`
	MaxAgeDays    int      `yaml:"max_age_days"`
	Limit         int      `yaml:"limit"`
	ContentionSet []string `yaml:"contention_set"`
}

// QueuePolicy configures the stale task watchdog
type QueuePolicy struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// HistoryPolicy configures retention of execution and retry records
type HistoryPolicy struct {
	RetentionDays int `yaml:"retention_days"`
}

// SchedulePolicy holds cron expressions (with seconds) per job
type SchedulePolicy struct {
	DetectChanges     string `yaml:"detect_changes"`
	AnalysisBatch     string `yaml:"analysis_batch"`
	RetryPass         string `yaml:"retry_pass"`
	StaleWatchdog     string `yaml:"stale_watchdog"`
	HistoryCleanup    string `yaml:"history_cleanup"`
	Maintenance       string `yaml:"maintenance"`
	ClientDataCleanup string `yaml:"client_data_cleanup"`
	Backup            string `yaml:"backup"`
}

// DefaultPolicy returns the built-in pipeline parameters
func DefaultPolicy() Policy {
	return Policy{
		Thresholds: ThresholdPolicy{
			MinShareChange:   1000,
			MinPercentChange: 0.5,
			ExcludedHoldings: append([]string(nil), changes.DefaultExcludedHoldings...),
			ExcludedPatterns: append([]string(nil), changes.DefaultExcludedPatterns...),
		},
		Noise: NoisePolicy{
			MinEntries:       5,
			ModeFrequency:    0.8,
			MaxModeMagnitude: 2.0,
		},
		Batch: BatchPolicy{
			Budget:       2 * time.Hour,
			ItemBudget:   5 * time.Minute,
			BacklogLimit: 500,
			MaxAttempts:  5,
		},
		Retry: RetryPolicy{
			MaxRetries:    3,
			MaxAgeDays:    7,
			Limit:         5,
			ContentionSet: []string{"analysis_batch"},
		},
		Queue: QueuePolicy{
			StaleAfter: 3 * time.Hour,
		},
		History: HistoryPolicy{
			RetentionDays: 30,
		},
		Schedule: SchedulePolicy{
			DetectChanges:     "0 30 6 * * 1-5",
			AnalysisBatch:     "0 0 */3 * * *",
			RetryPass:         "0 15 * * * *",
			StaleWatchdog:     "0 */10 * * * *",
			HistoryCleanup:    "0 0 3 * * *",
			Maintenance:       "0 30 3 * * *",
			ClientDataCleanup: "0 0 4 * * *",
			Backup:            "0 0 2 * * *",
		},
	}
}

// Load reads configuration from the .env file, the optional policy file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FUNDWATCH_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Port:      getEnvAsInt("FUNDWATCH_PORT", 8010),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		HoldingsProviderURL:    getEnv("HOLDINGS_PROVIDER_URL", ""),
		HoldingsProviderAPIKey: getEnv("HOLDINGS_PROVIDER_API_KEY", ""),
		HoldingsPageSize:       getEnvAsInt("HOLDINGS_PAGE_SIZE", 200),

		InferenceURL:     getEnv("INFERENCE_URL", ""),
		InferenceAPIKey:  getEnv("INFERENCE_API_KEY", ""),
		InferenceTimeout: getEnvAsDuration("INFERENCE_TIMEOUT", 10*time.Minute),

		ArtifactBackend: getEnv("ARTIFACT_BACKEND", "sqlite"),
		S3: S3Config{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "auto"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			ArtifactPrefix:  getEnv("S3_ARTIFACT_PREFIX", "artifacts"),
			BackupPrefix:    getEnv("S3_BACKUP_PREFIX", "backups"),
		},
		BackupEnabled:       getEnvAsBool("BACKUP_ENABLED", false),
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),

		PolicyFile: getEnv("FUNDWATCH_POLICY_FILE", ""),
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	applyPolicyEnv(&policy)
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy.
// An empty path or a missing file yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy, nil
		}
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return policy, fmt.Errorf("parse policy file: %w", err)
		}
	}

	return policy, nil
}

// applyPolicyEnv applies environment variable overrides to the policy
func applyPolicyEnv(p *Policy) {
	p.Thresholds.MinShareChange = getEnvAsFloat("MIN_SHARE_CHANGE", p.Thresholds.MinShareChange)
	p.Thresholds.MinPercentChange = getEnvAsFloat("MIN_PERCENT_CHANGE", p.Thresholds.MinPercentChange)
	p.Thresholds.ExcludedHoldings = getEnvAsList("EXCLUDED_HOLDINGS", p.Thresholds.ExcludedHoldings)
	p.Thresholds.ExcludedPatterns = getEnvAsList("EXCLUDED_PATTERNS", p.Thresholds.ExcludedPatterns)

	p.Noise.MinEntries = getEnvAsInt("NOISE_MIN_ENTRIES", p.Noise.MinEntries)
	p.Noise.ModeFrequency = getEnvAsFloat("NOISE_MODE_FREQUENCY", p.Noise.ModeFrequency)
	p.Noise.MaxModeMagnitude = getEnvAsFloat("NOISE_MAX_MODE_MAGNITUDE", p.Noise.MaxModeMagnitude)

	p.Batch.Budget = getEnvAsDuration("BATCH_BUDGET", p.Batch.Budget)
	p.Batch.ItemBudget = getEnvAsDuration("BATCH_ITEM_BUDGET", p.Batch.ItemBudget)
	p.Batch.BacklogLimit = getEnvAsInt("BATCH_BACKLOG_LIMIT", p.Batch.BacklogLimit)
	p.Batch.MaxAttempts = getEnvAsInt("BATCH_MAX_ATTEMPTS", p.Batch.MaxAttempts)

	p.Retry.MaxRetries = getEnvAsInt("RETRY_MAX_RETRIES", p.Retry.MaxRetries)
	p.Retry.MaxAgeDays = getEnvAsInt("RETRY_MAX_AGE_DAYS", p.Retry.MaxAgeDays)
	p.Retry.Limit = getEnvAsInt("RETRY_LIMIT", p.Retry.Limit)
	p.Retry.ContentionSet = getEnvAsList("RETRY_CONTENTION_SET", p.Retry.ContentionSet)

	p.Queue.StaleAfter = getEnvAsDuration("QUEUE_STALE_AFTER", p.Queue.StaleAfter)
	p.History.RetentionDays = getEnvAsInt("HISTORY_RETENTION_DAYS", p.History.RetentionDays)
}

// Validate rejects configuration the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HoldingsPageSize <= 0 {
		return fmt.Errorf("holdings page size must be positive, got %d", c.HoldingsPageSize)
	}

	switch c.ArtifactBackend {
	case "sqlite":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ARTIFACT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown artifact backend: %q", c.ArtifactBackend)
	}
	if c.BackupEnabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when BACKUP_ENABLED=true")
	}

	return c.Policy.Validate()
}

// Validate rejects impossible policy values
func (p Policy) Validate() error {
	if p.Thresholds.MinShareChange < 0 {
		return fmt.Errorf("thresholds.min_share_change must not be negative")
	}
	if p.Thresholds.MinPercentChange < 0 {
		return fmt.Errorf("thresholds.min_percent_change must not be negative")
	}
	if p.Noise.MinEntries < 0 {
		return fmt.Errorf("noise.min_entries must not be negative")
	}
	if p.Noise.ModeFrequency <= 0 || p.Noise.ModeFrequency > 1 {
		return fmt.Errorf("noise.mode_frequency must be in (0, 1], got %v", p.Noise.ModeFrequency)
	}
	if p.Noise.MaxModeMagnitude < 0 {
		return fmt.Errorf("noise.max_mode_magnitude must not be negative")
	}
	if p.Batch.Budget <= 0 {
		return fmt.Errorf("batch.budget must be positive")
	}
	if p.Batch.BacklogLimit <= 0 {
		return fmt.Errorf("batch.backlog_limit must be positive")
	}
	if p.Batch.MaxAttempts <= 0 {
		return fmt.Errorf("batch.max_attempts must be positive")
	}
	if p.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be positive")
	}
	if p.Retry.MaxAgeDays <= 0 {
		return fmt.Errorf("retry.max_age_days must be positive")
	}
	if p.Retry.Limit <= 0 {
		return fmt.Errorf("retry.limit must be positive")
	}
	if p.Queue.StaleAfter <= 0 {
		return fmt.Errorf("queue.stale_after must be positive")
	}
	if p.History.RetentionDays <= 0 {
		return fmt.Errorf("history.retention_days must be positive")
	}
	return nil
}

// DatabasePath returns the path of a named database inside DataDir
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList parses a comma-separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return utils.ParseCSV(value)
}
