package domain

import (
	"strings"
	"time"
)

// RepositoryRef 是某一时刻从 GitHub 抓取的仓库快照，重新同步时整体刷新
type RepositoryRef struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"` // 例如 "gohugoio/hugo"
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Stars       int       `json:"stars"`
	Topics      []string  `json:"topics"`
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// OwnerAndName 返回 owner/name，缺失时从 FullName 拆分
func (r RepositoryRef) OwnerAndName() (string, string) {
	if r.Owner != "" && r.Name != "" {
		return r.Owner, r.Name
	}
	owner, name, ok := strings.Cut(r.FullName, "/")
	if !ok {
		return "", ""
	}
	return owner, name
}

// TasteProfile 用户口味画像，每次流水线运行时整体重建，不做局部修改
type TasteProfile struct {
	Summary     string    `json:"summary"`
	Languages   []string  `json:"languages"` // 按偏好排序
	Interests   []string  `json:"interests"`
	Patterns    []string  `json:"patterns"`
	GeneratedAt time.Time `json:"generated_at"`
	RepoCount   int       `json:"repo_count"` // 生成画像所用的仓库数
}

// SimilarUser 与当前用户 star 重合的其他用户，仅在一次运行内有效
type SimilarUser struct {
	Login   string  `json:"login"`
	Overlap int     `json:"overlap"` // 出现在多少个被采样的仓库里
	Score   float64 `json:"score"`
}

// CandidateRepository 待打分的候选仓库
type CandidateRepository struct {
	Repo        RepositoryRef `json:"repo"`
	SourceUsers []string      `json:"source_users"`
	// Weight 为所有贡献用户 overlap score 之和
	Weight float64 `json:"weight"`
}

// Feedback 推荐的用户反馈，三态
type Feedback string

const (
	FeedbackUnset    Feedback = ""
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

// Valid 判断反馈值是否合法
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackUnset, FeedbackPositive, FeedbackNegative:
		return true
	}
	return false
}

// Recommendation 一次生成任务产出的推荐结果
type Recommendation struct {
	ID          uint          `json:"id"`
	UserID      uint          `json:"user_id"`
	BatchID     string        `json:"batch_id"`
	Repo        RepositoryRef `json:"repo"`
	Score       float64       `json:"score"` // [0,1]
	Reason      string        `json:"reason"`
	SourceUsers []string      `json:"source_users"`
	Feedback    Feedback      `json:"feedback"`
	CreatedAt   time.Time     `json:"created_at"`
}

// User 已授权的 GitHub 用户
type User struct {
	ID          uint   `json:"id"`
	Login       string `json:"login"`
	AccessToken string `json:"-"`
}

// RateLimitStatus GitHub core 配额状态
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}
