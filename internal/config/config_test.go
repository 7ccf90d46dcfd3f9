package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 3, cfg.LLM.Concurrency)
	assert.Equal(t, time.Hour, cfg.GitHub.CacheTTL)
	assert.Equal(t, 50, cfg.GitHub.MaxStarredPages)
	assert.Equal(t, 5000, cfg.GitHub.RequestsPerHour)
	assert.False(t, cfg.GitHub.FailFast())
	assert.Equal(t, "fraction", cfg.Pipeline.OverlapMode)
	assert.Equal(t, 2, cfg.Pipeline.MinOverlap)
	assert.Equal(t, 20, cfg.Pipeline.TopN)
	assert.InDelta(t, 0.4, cfg.Pipeline.MinScore, 1e-9)
	assert.Equal(t, "0 3 * * 0", cfg.Schedule.Spec)
	assert.True(t, cfg.Schedule.Enabled)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", " OpenAI ")
	t.Setenv("LLM_BASE_URL", "http://localhost:8081/v1")
	t.Setenv("GITHUB_RATE_LIMIT_POLICY", "FAIL")
	t.Setenv("GITHUB_CACHE_TTL", "15m")
	t.Setenv("PIPELINE_OVERLAP_MODE", "count")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SCHEDULE_SPEC", "30 4 * * 1")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.True(t, cfg.GitHub.FailFast())
	assert.Equal(t, 15*time.Minute, cfg.GitHub.CacheTTL)
	assert.Equal(t, "count", cfg.Pipeline.OverlapMode)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "30 4 * * 1", cfg.Schedule.Spec)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LLM_API_KEY=from-dotenv\nSTAR_MINER_TEST_ONLY=1\n"), 0o600))
	// t.Setenv restores the previous values once the test ends
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("STAR_MINER_TEST_ONLY", "")
	os.Unsetenv("LLM_API_KEY")
	os.Unsetenv("STAR_MINER_TEST_ONLY")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.LLM.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("PIPELINE_OVERLAP_MODE", "median")

	_, err := Load(missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPELINE_OVERLAP_MODE")
}

func validConfig() Config {
	return Config{
		Database: DatabaseConfig{DSN: "host=localhost"},
		GitHub: GitHubConfig{
			MaxStarredPages: 50, MaxRetries: 3, RequestsPerHour: 5000,
			CacheTTL: time.Hour, RateLimitPolicy: "wait",
		},
		LLM: LLMConfig{Provider: "gemini", APIKey: "k", Concurrency: 3},
		Pipeline: PipelineConfig{
			RepoSampleSize: 30, StargazersPerRepo: 100, MinOverlap: 2, OverlapMode: "fraction",
			MaxSimilarUsers: 50, UsersToScan: 20, PagesPerUser: 2, MaxCandidates: 50,
			MinScore: 0.4, TopN: 20, ProfileMaxRepos: 100,
		},
		Schedule: ScheduleConfig{Enabled: true, Spec: "0 3 * * 0"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing dsn", mutate: func(c *Config) { c.Database.DSN = "" }, wantErr: "DATABASE_DSN"},
		{name: "unknown provider", mutate: func(c *Config) { c.LLM.Provider = "claude" }, wantErr: "LLM_PROVIDER"},
		{name: "gemini without key", mutate: func(c *Config) { c.LLM.APIKey = "" }, wantErr: "LLM_API_KEY"},
		{
			name: "openai local server without key",
			mutate: func(c *Config) {
				c.LLM.Provider = "openai"
				c.LLM.APIKey = ""
				c.LLM.BaseURL = "http://localhost:8081/v1"
			},
		},
		{name: "min score above one", mutate: func(c *Config) { c.Pipeline.MinScore = 1.5 }, wantErr: "PIPELINE_MIN_SCORE"},
		{name: "zero top n", mutate: func(c *Config) { c.Pipeline.TopN = 0 }, wantErr: "PIPELINE_TOP_N"},
		{name: "bad policy", mutate: func(c *Config) { c.GitHub.RateLimitPolicy = "sleep" }, wantErr: "GITHUB_RATE_LIMIT_POLICY"},
		{name: "bad cron", mutate: func(c *Config) { c.Schedule.Spec = "every sunday" }, wantErr: "SCHEDULE_SPEC"},
		{
			name: "bad cron ignored when disabled",
			mutate: func(c *Config) {
				c.Schedule.Enabled = false
				c.Schedule.Spec = "every sunday"
			},
		},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
