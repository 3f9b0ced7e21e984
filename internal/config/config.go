package config

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	// Match classification thresholds, highest band first.
	ExactThreshold    float64 `mapstructure:"MATCH_EXACT_THRESHOLD"`
	ProbableThreshold float64 `mapstructure:"MATCH_PROBABLE_THRESHOLD"`
	PossibleThreshold float64 `mapstructure:"MATCH_POSSIBLE_THRESHOLD"`

	// Pairwise field weights.
	WeightFirstName float64 `mapstructure:"MATCH_WEIGHT_FIRST_NAME"`
	WeightLastName  float64 `mapstructure:"MATCH_WEIGHT_LAST_NAME"`
	WeightDOB       float64 `mapstructure:"MATCH_WEIGHT_DOB"`
	WeightSSNLast4  float64 `mapstructure:"MATCH_WEIGHT_SSN_LAST4"`

	CandidateCap      int  `mapstructure:"MATCH_CANDIDATE_CAP"`
	CommitRetries     int  `mapstructure:"MATCH_COMMIT_RETRIES"`
	BlockingBirthYear bool `mapstructure:"BLOCKING_BIRTH_YEAR"`

	// Hex-encoded 32-byte AES key for identifier encryption at rest.
	// Optional outside production.
	PHIEncryptionKey string `mapstructure:"PHI_ENCRYPTION_KEY"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("MATCH_EXACT_THRESHOLD", 0.95)
	v.SetDefault("MATCH_PROBABLE_THRESHOLD", 0.80)
	v.SetDefault("MATCH_POSSIBLE_THRESHOLD", 0.60)
	v.SetDefault("MATCH_WEIGHT_FIRST_NAME", 0.20)
	v.SetDefault("MATCH_WEIGHT_LAST_NAME", 0.30)
	v.SetDefault("MATCH_WEIGHT_DOB", 0.30)
	v.SetDefault("MATCH_WEIGHT_SSN_LAST4", 0.20)
	v.SetDefault("MATCH_CANDIDATE_CAP", 0)
	v.SetDefault("MATCH_COMMIT_RETRIES", 3)
	v.SetDefault("BLOCKING_BIRTH_YEAR", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("MATCH_EXACT_THRESHOLD")
	v.BindEnv("MATCH_PROBABLE_THRESHOLD")
	v.BindEnv("MATCH_POSSIBLE_THRESHOLD")
	v.BindEnv("MATCH_WEIGHT_FIRST_NAME")
	v.BindEnv("MATCH_WEIGHT_LAST_NAME")
	v.BindEnv("MATCH_WEIGHT_DOB")
	v.BindEnv("MATCH_WEIGHT_SSN_LAST4")
	v.BindEnv("MATCH_CANDIDATE_CAP")
	v.BindEnv("MATCH_COMMIT_RETRIES")
	v.BindEnv("BLOCKING_BIRTH_YEAR")
	v.BindEnv("PHI_ENCRYPTION_KEY")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Thresholds must be
// strictly ordered, weights positive, and in production the identifier
// encryption key is required and must decode to 32 bytes.
func (c *Config) Validate() error {
	if !(c.PossibleThreshold > 0 &&
		c.PossibleThreshold < c.ProbableThreshold &&
		c.ProbableThreshold < c.ExactThreshold &&
		c.ExactThreshold <= 1) {
		return fmt.Errorf("match thresholds must satisfy 0 < possible < probable < exact <= 1, got %.2f/%.2f/%.2f",
			c.PossibleThreshold, c.ProbableThreshold, c.ExactThreshold)
	}

	for name, w := range map[string]float64{
		"MATCH_WEIGHT_FIRST_NAME": c.WeightFirstName,
		"MATCH_WEIGHT_LAST_NAME":  c.WeightLastName,
		"MATCH_WEIGHT_DOB":        c.WeightDOB,
		"MATCH_WEIGHT_SSN_LAST4":  c.WeightSSNLast4,
	} {
		if w <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, w)
		}
	}

	if c.CandidateCap < 0 {
		return fmt.Errorf("MATCH_CANDIDATE_CAP must be zero (unlimited) or positive, got %d", c.CandidateCap)
	}
	if c.CommitRetries < 1 {
		return fmt.Errorf("MATCH_COMMIT_RETRIES must be at least 1, got %d", c.CommitRetries)
	}

	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PHIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	return nil
}
