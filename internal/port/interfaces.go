package port

import (
	"context"
	"time"

	"github-star-miner/internal/domain"
)

// RemoteData (侦察兵): 带缓存、限流感知的 GitHub 数据抓取
type RemoteData interface {
	// FetchStarredRepositories 抓取 login 的 star 列表，login 为空时表示当前授权用户
	// maxPages <= 0 表示抓到最后一页
	FetchStarredRepositories(ctx context.Context, login string, maxPages int) ([]domain.RepositoryRef, error)

	// FetchStargazers 采样某仓库最多 sampleLimit 个 stargazer 的 login
	FetchStargazers(ctx context.Context, repo domain.RepositoryRef, sampleLimit int) ([]string, error)

	// RateLimitStatus 查询当前 core 配额
	RateLimitStatus(ctx context.Context) (domain.RateLimitStatus, error)

	// AuthenticatedLogin 当前 token 对应的 login
	AuthenticatedLogin(ctx context.Context) (string, error)
}

// RemoteDataFactory 按用户 token 构造 RemoteData，限流状态与缓存在进程内共享
type RemoteDataFactory interface {
	ForUser(user *domain.User) RemoteData
}

// Completer (鉴定师): 调用 LLM，prompt 进，文本出；JSON 解析由调用方负责
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Cache 共享 KV 缓存，单 key 写入原子，不保证跨 key 一致性
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ProfileBuilder 根据 star 列表生成口味画像
type ProfileBuilder interface {
	BuildProfile(ctx context.Context, repos []domain.RepositoryRef) (*domain.TasteProfile, error)
}

// SimilarUserFinder 通过 stargazer 采样寻找口味相近的用户
type SimilarUserFinder interface {
	FindSimilarUsers(ctx context.Context, remote RemoteData, self string, starred []domain.RepositoryRef, sampleSizePerRepo, maxCandidateUsers int) ([]domain.SimilarUser, error)
}

// CandidateGatherer 汇总相似用户 star 过的仓库
type CandidateGatherer interface {
	GatherCandidates(ctx context.Context, remote RemoteData, similar []domain.SimilarUser, exclude map[int64]struct{}) ([]domain.CandidateRepository, error)
}

// CandidateScorer 用 LLM 给候选仓库打分并排序
type CandidateScorer interface {
	ScoreCandidates(ctx context.Context, candidates []domain.CandidateRepository, profile *domain.TasteProfile) ([]domain.Recommendation, error)
}

// Notifier (信使): 推送推荐摘要
type Notifier interface {
	NotifyRecommendations(ctx context.Context, user *domain.User, recs []domain.Recommendation) error
}

// JobTracker 任务状态登记处，同一用户同类任务互斥
type JobTracker interface {
	Start(userID uint, kind domain.JobKind) (domain.JobHandle, error)
	Update(h domain.JobHandle, stage domain.JobStage, progress int, message string)
	Complete(h domain.JobHandle, message string)
	Fail(h domain.JobHandle, err error)
	Read(userID uint, kind domain.JobKind) domain.JobState
	Running() int
}

// Store (仓库管理员): 持久化协作方
type Store interface {
	GetUser(ctx context.Context, userID uint) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	// SaveRepositorySnapshot 整体替换用户的 star 快照
	SaveRepositorySnapshot(ctx context.Context, userID uint, repos []domain.RepositoryRef) error
	LoadStarredRepositories(ctx context.Context, userID uint) ([]domain.RepositoryRef, error)
	LoadStarredRepoIDs(ctx context.Context, userID uint) (map[int64]struct{}, error)
	ListStarred(ctx context.Context, userID uint, page, perPage int) ([]domain.RepositoryRef, int64, error)

	SaveProfile(ctx context.Context, userID uint, profile *domain.TasteProfile) error
	GetProfile(ctx context.Context, userID uint) (*domain.TasteProfile, error)

	SaveRecommendations(ctx context.Context, userID uint, batchID string, recs []domain.Recommendation) error
	// ListRecommendations 返回最新一批推荐，按分数降序分页
	ListRecommendations(ctx context.Context, userID uint, page, perPage int) ([]domain.Recommendation, int64, error)
	RecordFeedback(ctx context.Context, recommendationID uint, feedback domain.Feedback) error
}
