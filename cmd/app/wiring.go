package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github-star-miner/internal/adapter/analyzer"
	"github-star-miner/internal/adapter/cache"
	"github-star-miner/internal/adapter/feishu"
	"github-star-miner/internal/adapter/github"
	"github-star-miner/internal/adapter/llm"
	"github-star-miner/internal/adapter/scoring"
	"github-star-miner/internal/adapter/similarity"
	"github-star-miner/internal/config"
	"github-star-miner/internal/port"
	"github-star-miner/internal/service"
)

// 缓存清理间隔，仅进程内缓存需要
const sweepInterval = 10 * time.Minute

func githubOptions(cfg config.GitHubConfig) github.Options {
	opts := github.DefaultOptions()
	opts.BaseURL = cfg.BaseURL
	opts.CacheTTL = cfg.CacheTTL
	opts.MaxStarredPages = cfg.MaxStarredPages
	opts.MaxRetries = cfg.MaxRetries
	opts.RetryInitialDelay = cfg.RetryInitialDelay
	opts.RetryMaxDelay = cfg.RetryMaxDelay
	opts.FailFastOnRateLimit = cfg.FailFast()
	opts.MaxRateLimitWait = cfg.MaxRateLimitWait
	opts.RequestsPerHour = cfg.RequestsPerHour
	return opts
}

func llmConfig(cfg config.LLMConfig) llm.Config {
	return llm.Config{
		Provider:         cfg.Provider,
		APIKey:           cfg.APIKey,
		Model:            cfg.Model,
		Endpoint:         cfg.BaseURL,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
	}
}

func analyzerConfig(cfg config.PipelineConfig) analyzer.Config {
	c := analyzer.DefaultConfig()
	c.MaxRepos = cfg.ProfileMaxRepos
	return c
}

func finderConfig(p config.PipelineConfig, l config.LLMConfig) similarity.FinderConfig {
	c := similarity.DefaultFinderConfig()
	c.RepoSampleLimit = p.RepoSampleSize
	c.MinOverlap = p.MinOverlap
	c.Mode = p.OverlapMode
	// stargazer 拉取和 LLM 调用共用同一个并发度设置
	if l.Concurrency > 0 {
		c.Concurrency = l.Concurrency
	}
	return c
}

func gathererConfig(cfg config.PipelineConfig) similarity.GathererConfig {
	return similarity.GathererConfig{
		UsersToScan:   cfg.UsersToScan,
		PagesPerUser:  cfg.PagesPerUser,
		MaxCandidates: cfg.MaxCandidates,
	}
}

func scoringConfig(p config.PipelineConfig, l config.LLMConfig) scoring.Config {
	return scoring.Config{
		Concurrency:         l.Concurrency,
		MinScore:            p.MinScore,
		TopN:                p.TopN,
		PerCandidateTimeout: l.CallTimeout,
	}
}

func pipelineOptions(cfg config.PipelineConfig) service.Options {
	return service.Options{
		StargazersPerRepo: cfg.StargazersPerRepo,
		MaxSimilarUsers:   cfg.MaxSimilarUsers,
	}
}

// newNotifier 未配置 webhook 时返回 nil 接口，流水线据此跳过推送
func newNotifier(cfg config.NotifyConfig, logger *zap.Logger) port.Notifier {
	if cfg.FeishuWebhook == "" {
		return nil
	}
	return feishu.NewNotifier(cfg.FeishuWebhook, logger)
}

// newCache Redis 可用时共享缓存，否则用进程内缓存并定期清理过期项。
// 返回的 closer 负责释放连接或停止清理协程。
func newCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (port.Cache, func() error, error) {
	if cfg.Enabled() {
		rc, err := cache.NewRedis(ctx, cfg.URL, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("🗄️ using redis cache", zap.String("prefix", cfg.Prefix))
		return rc, rc.Close, nil
	}

	mem := cache.NewMemory()
	sweepCtx, stop := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := mem.Sweep(); n > 0 {
					logger.Debug("🧹 swept expired cache entries", zap.Int("removed", n))
				}
			}
		}
	}()
	logger.Info("🗄️ using in-process cache")
	return mem, func() error { stop(); return nil }, nil
}

// buildDeps 组装流水线除 Store / Jobs 之外的协作方
func buildDeps(ctx context.Context, cfg *config.Config, c port.Cache, logger *zap.Logger) (service.Deps, func() error, error) {
	factory, err := github.NewFetcherFactory(githubOptions(cfg.GitHub), c, logger)
	if err != nil {
		return service.Deps{}, nil, err
	}

	completer, closeLLM, err := llm.New(ctx, llmConfig(cfg.LLM), logger)
	if err != nil {
		return service.Deps{}, nil, err
	}

	deps := service.Deps{
		Remotes:  factory,
		Profiler: analyzer.NewProfileAnalyzer(completer, analyzerConfig(cfg.Pipeline), logger),
		Finder:   similarity.NewFinder(finderConfig(cfg.Pipeline, cfg.LLM), logger),
		Gatherer: similarity.NewGatherer(gathererConfig(cfg.Pipeline), logger),
		Scorer:   scoring.NewEngine(completer, scoringConfig(cfg.Pipeline, cfg.LLM), logger),
		Notifier: newNotifier(cfg.Notify, logger),
	}
	return deps, closeLLM, nil
}
