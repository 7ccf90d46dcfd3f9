package service

import (
	"context"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

// JobStatus 返回某类任务的最新状态，从未运行过时为 idle
func (p *Pipeline) JobStatus(userID uint, kind domain.JobKind) (domain.JobState, error) {
	if !kind.Valid() {
		return domain.JobState{}, common.WrapError(common.ErrCodeInvalidInput, "unknown job kind", nil)
	}
	return p.deps.Jobs.Read(userID, kind), nil
}

// Profile 返回最近一次生成的口味画像
func (p *Pipeline) Profile(ctx context.Context, userID uint) (*domain.TasteProfile, error) {
	return p.deps.Store.GetProfile(ctx, userID)
}

// Recommendations 分页返回最新一批推荐
func (p *Pipeline) Recommendations(ctx context.Context, userID uint, page, perPage int) (domain.Page[domain.Recommendation], error) {
	page, perPage = domain.NormalizePage(page, perPage)
	recs, total, err := p.deps.Store.ListRecommendations(ctx, userID, page, perPage)
	if err != nil {
		return domain.Page[domain.Recommendation]{}, err
	}
	if recs == nil {
		recs = []domain.Recommendation{}
	}
	return domain.Page[domain.Recommendation]{Items: recs, Total: total, Page: page, PerPage: perPage}, nil
}

// Starred 分页返回同步下来的 star 快照
func (p *Pipeline) Starred(ctx context.Context, userID uint, page, perPage int) (domain.Page[domain.RepositoryRef], error) {
	page, perPage = domain.NormalizePage(page, perPage)
	repos, total, err := p.deps.Store.ListStarred(ctx, userID, page, perPage)
	if err != nil {
		return domain.Page[domain.RepositoryRef]{}, err
	}
	if repos == nil {
		repos = []domain.RepositoryRef{}
	}
	return domain.Page[domain.RepositoryRef]{Items: repos, Total: total, Page: page, PerPage: perPage}, nil
}

// SetFeedback 记录用户对某条推荐的反馈
func (p *Pipeline) SetFeedback(ctx context.Context, recommendationID uint, feedback domain.Feedback) error {
	if !feedback.Valid() {
		return common.WrapError(common.ErrCodeInvalidInput, "feedback must be positive, negative or empty", nil)
	}
	return p.deps.Store.RecordFeedback(ctx, recommendationID, feedback)
}

// RateLimit 查询用户 token 的 GitHub 配额
func (p *Pipeline) RateLimit(ctx context.Context, userID uint) (domain.RateLimitStatus, error) {
	user, err := p.deps.Store.GetUser(ctx, userID)
	if err != nil {
		return domain.RateLimitStatus{}, err
	}
	return p.deps.Remotes.ForUser(user).RateLimitStatus(ctx)
}

// Users 列出所有已授权用户，供定时任务遍历
func (p *Pipeline) Users(ctx context.Context) ([]domain.User, error) {
	return p.deps.Store.ListUsers(ctx)
}
