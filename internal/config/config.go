// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the server and the debug runner.
// Secrets (tokens, API keys, DSN passwords) only come from environment variables.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	GitHub   GitHubConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Schedule ScheduleConfig
	Notify   NotifyConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" env-default:":8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

type DatabaseConfig struct {
	DSN string `env:"DATABASE_DSN" env-default:"host=localhost user=postgres password=postgres dbname=star_miner port=5432 sslmode=disable TimeZone=Asia/Shanghai"`
}

// RedisConfig is optional. An empty URL selects the in-process cache.
type RedisConfig struct {
	URL    string `env:"REDIS_URL" env-default:""`
	Prefix string `env:"REDIS_PREFIX" env-default:"star-miner:"`
}

// Enabled reports whether a shared Redis cache is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

type GitHubConfig struct {
	// Token is only used by cmd/debug; the server reads per-user tokens from the store.
	Token             string        `env:"GITHUB_TOKEN" env-default:""`
	BaseURL           string        `env:"GITHUB_BASE_URL" env-default:""`
	RequestsPerHour   int           `env:"GITHUB_REQUESTS_PER_HOUR" env-default:"5000"`
	CacheTTL          time.Duration `env:"GITHUB_CACHE_TTL" env-default:"1h"`
	MaxStarredPages   int           `env:"GITHUB_MAX_STARRED_PAGES" env-default:"50"`
	MaxRetries        int           `env:"GITHUB_MAX_RETRIES" env-default:"3"`
	RetryInitialDelay time.Duration `env:"GITHUB_RETRY_INITIAL_DELAY" env-default:"1s"`
	RetryMaxDelay     time.Duration `env:"GITHUB_RETRY_MAX_DELAY" env-default:"10s"`
	// RateLimitPolicy is "wait" (block until reset) or "fail" (return RateLimitExceeded).
	RateLimitPolicy  string        `env:"GITHUB_RATE_LIMIT_POLICY" env-default:"wait"`
	MaxRateLimitWait time.Duration `env:"GITHUB_MAX_RATE_LIMIT_WAIT" env-default:"1h"`
}

// FailFast reports whether an exhausted quota should fail immediately.
func (c GitHubConfig) FailFast() bool {
	return c.RateLimitPolicy == "fail"
}

type LLMConfig struct {
	Provider         string        `env:"LLM_PROVIDER" env-default:"gemini"`
	APIKey           string        `env:"LLM_API_KEY" env-default:""`
	Model            string        `env:"LLM_MODEL" env-default:""`
	BaseURL          string        `env:"LLM_BASE_URL" env-default:""`
	Concurrency      int           `env:"LLM_CONCURRENCY" env-default:"3"`
	CallTimeout      time.Duration `env:"LLM_CALL_TIMEOUT" env-default:"60s"`
	BreakerThreshold uint32        `env:"LLM_BREAKER_THRESHOLD" env-default:"5"`
	BreakerTimeout   time.Duration `env:"LLM_BREAKER_TIMEOUT" env-default:"30s"`
}

type PipelineConfig struct {
	RepoSampleSize    int     `env:"PIPELINE_REPO_SAMPLE_SIZE" env-default:"30"`
	StargazersPerRepo int     `env:"PIPELINE_STARGAZERS_PER_REPO" env-default:"100"`
	MinOverlap        int     `env:"PIPELINE_MIN_OVERLAP" env-default:"2"`
	OverlapMode       string  `env:"PIPELINE_OVERLAP_MODE" env-default:"fraction"`
	MaxSimilarUsers   int     `env:"PIPELINE_MAX_SIMILAR_USERS" env-default:"50"`
	UsersToScan       int     `env:"PIPELINE_USERS_TO_SCAN" env-default:"20"`
	PagesPerUser      int     `env:"PIPELINE_PAGES_PER_USER" env-default:"2"`
	MaxCandidates     int     `env:"PIPELINE_MAX_CANDIDATES" env-default:"50"`
	MinScore          float64 `env:"PIPELINE_MIN_SCORE" env-default:"0.4"`
	TopN              int     `env:"PIPELINE_TOP_N" env-default:"20"`
	ProfileMaxRepos   int     `env:"PIPELINE_PROFILE_MAX_REPOS" env-default:"100"`
}

type ScheduleConfig struct {
	Enabled bool   `env:"SCHEDULE_ENABLED" env-default:"true"`
	Spec    string `env:"SCHEDULE_SPEC" env-default:"0 3 * * 0"`
	// Pause between users so one refresh does not drain the whole quota at once.
	UserPause time.Duration `env:"SCHEDULE_USER_PAUSE" env-default:"30s"`
}

type NotifyConfig struct {
	FeishuWebhook string `env:"FEISHU_WEBHOOK" env-default:""`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" env-default:"info"`
	Format string `env:"LOG_FORMAT" env-default:"console"`
}

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.Pipeline.OverlapMode = strings.ToLower(strings.TrimSpace(cfg.Pipeline.OverlapMode))
	cfg.GitHub.RateLimitPolicy = strings.ToLower(strings.TrimSpace(cfg.GitHub.RateLimitPolicy))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN is required"))
	}

	positive("GITHUB_MAX_STARRED_PAGES", c.GitHub.MaxStarredPages)
	if c.GitHub.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("GITHUB_MAX_RETRIES must not be negative, got %d", c.GitHub.MaxRetries))
	}
	if c.GitHub.RequestsPerHour < 0 {
		errs = append(errs, fmt.Errorf("GITHUB_REQUESTS_PER_HOUR must not be negative, got %d", c.GitHub.RequestsPerHour))
	}
	if c.GitHub.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("GITHUB_CACHE_TTL must be positive, got %s", c.GitHub.CacheTTL))
	}
	switch c.GitHub.RateLimitPolicy {
	case "wait", "fail":
	default:
		errs = append(errs, fmt.Errorf("GITHUB_RATE_LIMIT_POLICY must be wait or fail, got %q", c.GitHub.RateLimitPolicy))
	}

	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be gemini or openai, got %q", c.LLM.Provider))
	}
	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required for the gemini provider"))
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("LLM_API_KEY or LLM_BASE_URL is required for the openai provider"))
	}
	positive("LLM_CONCURRENCY", c.LLM.Concurrency)

	p := c.Pipeline
	positive("PIPELINE_REPO_SAMPLE_SIZE", p.RepoSampleSize)
	positive("PIPELINE_STARGAZERS_PER_REPO", p.StargazersPerRepo)
	positive("PIPELINE_MIN_OVERLAP", p.MinOverlap)
	positive("PIPELINE_MAX_SIMILAR_USERS", p.MaxSimilarUsers)
	positive("PIPELINE_USERS_TO_SCAN", p.UsersToScan)
	positive("PIPELINE_PAGES_PER_USER", p.PagesPerUser)
	positive("PIPELINE_MAX_CANDIDATES", p.MaxCandidates)
	positive("PIPELINE_TOP_N", p.TopN)
	positive("PIPELINE_PROFILE_MAX_REPOS", p.ProfileMaxRepos)
	switch p.OverlapMode {
	case "fraction", "count":
	default:
		errs = append(errs, fmt.Errorf("PIPELINE_OVERLAP_MODE must be fraction or count, got %q", p.OverlapMode))
	}
	if p.MinScore < 0 || p.MinScore > 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_MIN_SCORE must be within [0,1], got %g", p.MinScore))
	}

	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
			errs = append(errs, fmt.Errorf("SCHEDULE_SPEC %q is invalid: %w", c.Schedule.Spec, err))
		}
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
