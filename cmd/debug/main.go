package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github-star-miner/internal/adapter/analyzer"
	"github-star-miner/internal/adapter/cache"
	"github-star-miner/internal/adapter/github"
	"github-star-miner/internal/adapter/llm"
	"github-star-miner/internal/adapter/repository"
	"github-star-miner/internal/adapter/scoring"
	"github-star-miner/internal/adapter/similarity"
	"github-star-miner/internal/config"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/jobs"
	"github-star-miner/internal/logging"
	"github-star-miner/internal/service"
)

// 调试工具：用 GITHUB_TOKEN 对应的账号跑一遍完整流水线。
// 默认只打印结果不落库；-save 时把账号注册进数据库并走正式的 sync / generate 任务。
func main() {
	envFile := flag.String("env", ".env", "可选的 .env 文件路径")
	save := flag.Bool("save", false, "注册该账号并把结果写入数据库")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("❌ 配置加载失败: %v", err)
	}
	if cfg.GitHub.Token == "" {
		log.Fatal("❌ 请设置 GITHUB_TOKEN")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("❌ 日志初始化失败: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := github.DefaultOptions()
	opts.BaseURL = cfg.GitHub.BaseURL
	opts.FailFastOnRateLimit = cfg.GitHub.FailFast()
	factory, err := github.NewFetcherFactory(opts, cache.NewMemory(), logger)
	if err != nil {
		log.Fatalf("❌ GitHub 客户端初始化失败: %v", err)
	}

	completer, closeLLM, err := llm.New(ctx, llm.Config{
		Provider:         cfg.LLM.Provider,
		APIKey:           cfg.LLM.APIKey,
		Model:            cfg.LLM.Model,
		Endpoint:         cfg.LLM.BaseURL,
		BreakerThreshold: cfg.LLM.BreakerThreshold,
		BreakerTimeout:   cfg.LLM.BreakerTimeout,
	}, logger)
	if err != nil {
		log.Fatalf("❌ AI 初始化失败: %v", err)
	}
	defer closeLLM() //nolint:errcheck

	deps := service.Deps{
		Remotes:  factory,
		Profiler: analyzer.NewProfileAnalyzer(completer, analyzer.DefaultConfig(), logger),
		Finder:   similarity.NewFinder(similarity.DefaultFinderConfig(), logger),
		Gatherer: similarity.NewGatherer(similarity.DefaultGathererConfig(), logger),
		Scorer:   scoring.NewEngine(completer, scoring.DefaultConfig(), logger),
	}

	fetcher := factory.NewFetcher(cfg.GitHub.Token)
	login, err := fetcher.AuthenticatedLogin(ctx)
	if err != nil {
		log.Fatalf("❌ 无法识别 token 对应的账号: %v", err)
	}
	fmt.Printf("🔍 调试模式：为 %s 生成推荐\n", login)

	if *save {
		if err := runSaved(ctx, cfg, deps, login, logger); err != nil {
			log.Fatalf("❌ %v", err)
		}
		return
	}
	if err := runDry(ctx, deps, fetcher, login); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// runDry 直接调用各阶段，不依赖数据库
func runDry(ctx context.Context, deps service.Deps, remote *github.Fetcher, login string) error {
	fmt.Println("📥 正在抓取 star 列表...")
	starred, err := remote.FetchStarredRepositories(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("抓取 star 列表失败: %w", err)
	}
	fmt.Printf("✅ 共 %d 个 star\n", len(starred))
	if len(starred) == 0 {
		return nil
	}

	fmt.Println("🧠 正在生成口味画像...")
	profile, err := deps.Profiler.BuildProfile(ctx, starred)
	if err != nil {
		return fmt.Errorf("生成画像失败: %w", err)
	}
	fmt.Printf("   %s\n   语言: %v\n   兴趣: %v\n", profile.Summary, profile.Languages, profile.Interests)

	def := service.DefaultOptions()
	similar, err := deps.Finder.FindSimilarUsers(ctx, remote, login, starred, def.StargazersPerRepo, def.MaxSimilarUsers)
	if err != nil {
		return fmt.Errorf("寻找相似用户失败: %w", err)
	}
	fmt.Printf("👥 找到 %d 个相似用户\n", len(similar))
	for i, u := range similar {
		if i >= 5 {
			break
		}
		fmt.Printf("   %-20s overlap=%d score=%.2f\n", u.Login, u.Overlap, u.Score)
	}
	if len(similar) == 0 {
		return nil
	}

	exclude := make(map[int64]struct{}, len(starred))
	for _, r := range starred {
		exclude[r.ID] = struct{}{}
	}
	candidates, err := deps.Gatherer.GatherCandidates(ctx, remote, similar, exclude)
	if err != nil {
		return fmt.Errorf("汇总候选失败: %w", err)
	}
	fmt.Printf("📦 %d 个候选仓库，开始打分...\n", len(candidates))
	if len(candidates) == 0 {
		return nil
	}

	recs, err := deps.Scorer.ScoreCandidates(ctx, candidates, profile)
	if err != nil {
		return fmt.Errorf("打分失败: %w", err)
	}
	printRecommendations(recs)
	return nil
}

// runSaved 注册账号后走正式任务流程，结果写入数据库
func runSaved(ctx context.Context, cfg *config.Config, deps service.Deps, login string, logger *zap.Logger) error {
	store, err := repository.NewPostgresRepo(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("DB 初始化失败: %w", err)
	}
	defer store.Close() //nolint:errcheck

	user := &domain.User{Login: login, AccessToken: cfg.GitHub.Token}
	if err := store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("保存用户失败: %w", err)
	}
	fmt.Printf("✅ 用户 %s 已注册 (id=%d)\n", login, user.ID)

	deps.Store = store
	deps.Jobs = jobs.NewRegistry()
	p := service.NewPipeline(deps, service.DefaultOptions(), logger)
	defer p.Shutdown(context.Background()) //nolint:errcheck

	if err := p.RunSync(ctx, user.ID); err != nil {
		return fmt.Errorf("sync 失败: %w", err)
	}
	if err := p.RunGenerate(ctx, user.ID); err != nil {
		return fmt.Errorf("generate 失败: %w", err)
	}
	if state, err := p.JobStatus(user.ID, domain.JobGenerate); err == nil {
		fmt.Printf("📋 %s: %s\n", state.Status, state.Message)
	}

	page, err := p.Recommendations(ctx, user.ID, 1, 10)
	if err != nil {
		return err
	}
	printRecommendations(page.Items)
	return nil
}

func printRecommendations(recs []domain.Recommendation) {
	fmt.Println("\n================ [ 推荐结果 ] ================")
	if len(recs) == 0 {
		fmt.Println("📭 这次没有足够匹配的仓库")
	}
	for i, r := range recs {
		fmt.Printf("%2d. %-40s %.2f  %s\n", i+1, r.Repo.FullName, r.Score, r.Reason)
	}
	fmt.Println("==============================================")
}
