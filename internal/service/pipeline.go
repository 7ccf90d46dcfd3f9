package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/metrics"
	"github-star-miner/internal/port"
)

// Options 生成任务的采样参数
type Options struct {
	StargazersPerRepo int // 每个仓库采样多少 stargazer
	MaxSimilarUsers   int // 相似用户截断数
}

// DefaultOptions 返回默认采样参数
func DefaultOptions() Options {
	return Options{StargazersPerRepo: 100, MaxSimilarUsers: 50}
}

// Deps 流水线依赖的协作方，Notifier 可以为空
type Deps struct {
	Store    port.Store
	Remotes  port.RemoteDataFactory
	Jobs     port.JobTracker
	Profiler port.ProfileBuilder
	Finder   port.SimilarUserFinder
	Gatherer port.CandidateGatherer
	Scorer   port.CandidateScorer
	Notifier port.Notifier
}

// Pipeline 编排 sync / generate 两类任务，并对外提供查询接口
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	// 后台任务挂在 baseCtx 上，Shutdown 时统一取消
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	newBatchID func() string
}

// NewPipeline 创建流水线
func NewPipeline(deps Deps, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.StargazersPerRepo <= 0 {
		opts.StargazersPerRepo = def.StargazersPerRepo
	}
	if opts.MaxSimilarUsers <= 0 {
		opts.MaxSimilarUsers = def.MaxSimilarUsers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:       deps,
		opts:       opts,
		logger:     logger.Named("pipeline"),
		baseCtx:    ctx,
		cancel:     cancel,
		newBatchID: uuid.NewString,
	}
}

type stageFunc func(ctx context.Context, h domain.JobHandle, user *domain.User) (string, error)

// TriggerSync 启动后台 sync 任务，立即返回
func (p *Pipeline) TriggerSync(ctx context.Context, userID uint) (domain.JobState, error) {
	return p.trigger(ctx, userID, domain.JobSync, p.syncStages)
}

// TriggerGenerate 启动后台 generate 任务，立即返回
func (p *Pipeline) TriggerGenerate(ctx context.Context, userID uint) (domain.JobState, error) {
	return p.trigger(ctx, userID, domain.JobGenerate, p.generateStages)
}

// RunSync 同步执行 sync 任务，供定时任务和调试入口使用
func (p *Pipeline) RunSync(ctx context.Context, userID uint) error {
	return p.run(ctx, userID, domain.JobSync, p.syncStages)
}

// RunGenerate 同步执行 generate 任务
func (p *Pipeline) RunGenerate(ctx context.Context, userID uint) error {
	return p.run(ctx, userID, domain.JobGenerate, p.generateStages)
}

func (p *Pipeline) trigger(ctx context.Context, userID uint, kind domain.JobKind, stages stageFunc) (domain.JobState, error) {
	user, h, err := p.claim(ctx, userID, kind)
	if err != nil {
		return domain.JobState{}, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.execute(p.baseCtx, h, user, stages)
	}()

	return p.deps.Jobs.Read(userID, kind), nil
}

func (p *Pipeline) run(ctx context.Context, userID uint, kind domain.JobKind, stages stageFunc) error {
	user, h, err := p.claim(ctx, userID, kind)
	if err != nil {
		return err
	}

	// 调用方的 ctx 和 Shutdown 任意一个结束都会中止任务
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer stop()

	p.wg.Add(1)
	defer p.wg.Done()
	return p.execute(runCtx, h, user, stages)
}

func (p *Pipeline) claim(ctx context.Context, userID uint, kind domain.JobKind) (*domain.User, domain.JobHandle, error) {
	if p.baseCtx.Err() != nil {
		return nil, domain.JobHandle{}, common.NewError(common.ErrCodeInternal, "server is shutting down")
	}
	user, err := p.deps.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, domain.JobHandle{}, err
	}
	h, err := p.deps.Jobs.Start(userID, kind)
	if err != nil {
		if errors.Is(err, common.ErrAlreadyRunning) {
			metrics.JobConflictsTotal.WithLabelValues(string(kind)).Inc()
			p.logger.Info("⏭️ job already running",
				zap.Uint("user_id", userID), zap.String("kind", string(kind)))
		}
		return nil, domain.JobHandle{}, err
	}
	return user, h, nil
}

// execute 保证任务无论从哪条路径退出都会落到 completed 或 error
func (p *Pipeline) execute(ctx context.Context, h domain.JobHandle, user *domain.User, stages stageFunc) (err error) {
	start := time.Now()
	metrics.JobsRunning.Inc()
	logger := p.logger.With(
		zap.Uint("user_id", h.UserID),
		zap.String("kind", string(h.Kind)),
		zap.String("run_id", h.RunID))
	logger.Info("🚀 job started")

	defer func() {
		metrics.JobsRunning.Dec()
		if r := recover(); r != nil {
			err = common.WrapError(common.ErrCodeInternal, "job crashed unexpectedly", fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			if errors.Is(err, context.Canceled) && p.baseCtx.Err() != nil {
				err = common.WrapError(common.ErrCodeInternal, "job aborted because the server is shutting down", err)
			}
			p.deps.Jobs.Fail(h, err)
			metrics.RecordJob(string(h.Kind), string(domain.JobError), time.Since(start))
			logger.Error("❌ job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		}
	}()

	msg, err := stages(ctx, h, user)
	if err != nil {
		return err
	}

	p.deps.Jobs.Complete(h, msg)
	metrics.RecordJob(string(h.Kind), string(domain.JobCompleted), time.Since(start))
	logger.Info("✅ job completed", zap.String("message", msg), zap.Duration("took", time.Since(start)))
	return nil
}

func (p *Pipeline) syncStages(ctx context.Context, h domain.JobHandle, user *domain.User) (string, error) {
	remote := p.deps.Remotes.ForUser(user)

	p.deps.Jobs.Update(h, domain.StageFetchingStars, 10, "Fetching your starred repositories from GitHub")
	repos, err := remote.FetchStarredRepositories(ctx, "", 0)
	if err != nil {
		return "", err
	}

	p.deps.Jobs.Update(h, domain.StageSavingSnapshot, 70, fmt.Sprintf("Saving %d starred repositories", len(repos)))
	if err := p.deps.Store.SaveRepositorySnapshot(ctx, user.ID, repos); err != nil {
		return "", err
	}

	return fmt.Sprintf("Synced %d starred repositories", len(repos)), nil
}

func (p *Pipeline) generateStages(ctx context.Context, h domain.JobHandle, user *domain.User) (string, error) {
	remote := p.deps.Remotes.ForUser(user)

	p.deps.Jobs.Update(h, domain.StageLoadingStars, 5, "Loading your synced starred repositories")
	starred, err := p.deps.Store.LoadStarredRepositories(ctx, user.ID)
	if err != nil {
		return "", err
	}

	p.deps.Jobs.Update(h, domain.StageProfiling, 10, fmt.Sprintf("Analyzing %d starred repositories", len(starred)))
	profile, err := p.deps.Profiler.BuildProfile(ctx, starred)
	if err != nil {
		return "", err
	}
	if err := p.deps.Store.SaveProfile(ctx, user.ID, profile); err != nil {
		return "", err
	}

	p.deps.Jobs.Update(h, domain.StageFindingSimilar, 30, "Finding users with similar taste")
	similar, err := p.deps.Finder.FindSimilarUsers(ctx, remote, p.selfLogin(ctx, remote, user), starred,
		p.opts.StargazersPerRepo, p.opts.MaxSimilarUsers)
	if err != nil {
		return "", err
	}
	if len(similar) == 0 {
		return "No users with similar taste were found yet. Star a few more repositories and try again.", nil
	}

	p.deps.Jobs.Update(h, domain.StageGathering, 55, fmt.Sprintf("Collecting repositories starred by %d similar users", len(similar)))
	exclude, err := p.deps.Store.LoadStarredRepoIDs(ctx, user.ID)
	if err != nil {
		return "", err
	}
	candidates, err := p.deps.Gatherer.GatherCandidates(ctx, remote, similar, exclude)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "No new repositories to recommend right now.", nil
	}

	p.deps.Jobs.Update(h, domain.StageScoring, 75, fmt.Sprintf("Scoring %d candidate repositories", len(candidates)))
	recs, err := p.deps.Scorer.ScoreCandidates(ctx, candidates, profile)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "No candidate matched your taste closely enough this time.", nil
	}

	p.deps.Jobs.Update(h, domain.StageSaving, 95, fmt.Sprintf("Saving %d recommendations", len(recs)))
	if err := p.deps.Store.SaveRecommendations(ctx, user.ID, p.newBatchID(), recs); err != nil {
		return "", err
	}

	p.notify(ctx, user, recs)
	return fmt.Sprintf("Generated %d recommendations", len(recs)), nil
}

// selfLogin 优先使用 token 对应的 login，查询失败时退回库里记录的 login
func (p *Pipeline) selfLogin(ctx context.Context, remote port.RemoteData, user *domain.User) string {
	login, err := remote.AuthenticatedLogin(ctx)
	if err != nil || login == "" {
		p.logger.Warn("⚠️ could not resolve authenticated login, using stored login",
			zap.String("login", user.Login), zap.Error(err))
		return user.Login
	}
	return login
}

// 推送失败只记日志，不影响任务结果
func (p *Pipeline) notify(ctx context.Context, user *domain.User, recs []domain.Recommendation) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.NotifyRecommendations(ctx, user, recs); err != nil {
		p.logger.Warn("⚠️ recommendation digest not delivered",
			zap.String("login", user.Login), zap.Error(err))
	}
}

// Shutdown 取消所有运行中的任务并等待它们落到终态
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待所有后台任务结束
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
