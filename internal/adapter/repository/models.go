package repository

import (
	"time"

	"github-star-miner/internal/domain"
)

// userRow 已授权用户
type userRow struct {
	ID          uint   `gorm:"primaryKey"`
	Login       string `gorm:"size:255;uniqueIndex"`
	AccessToken string `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (userRow) TableName() string { return "users" }

func (r userRow) toDomain() domain.User {
	return domain.User{ID: r.ID, Login: r.Login, AccessToken: r.AccessToken}
}

// starredRepoRow 用户 star 快照中的一行
type starredRepoRow struct {
	ID          uint     `gorm:"primaryKey"`
	UserID      uint     `gorm:"not null;uniqueIndex:idx_starred_user_repo"`
	RepoID      int64    `gorm:"not null;uniqueIndex:idx_starred_user_repo"`
	Owner       string   `gorm:"size:255"`
	Name        string   `gorm:"size:255"`
	FullName    string   `gorm:"size:255"`
	Description string   `gorm:"type:text"`
	Language    string   `gorm:"size:64"`
	Stars       int      `gorm:"index"`
	Topics      []string `gorm:"serializer:json"`
	URL         string   `gorm:"size:512"`
	FetchedAt   time.Time
}

func (starredRepoRow) TableName() string { return "starred_repositories" }

func newStarredRepoRow(userID uint, r domain.RepositoryRef) starredRepoRow {
	return starredRepoRow{
		UserID:      userID,
		RepoID:      r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		FullName:    r.FullName,
		Description: r.Description,
		Language:    r.Language,
		Stars:       r.Stars,
		Topics:      r.Topics,
		URL:         r.URL,
		FetchedAt:   r.FetchedAt,
	}
}

func (r starredRepoRow) toDomain() domain.RepositoryRef {
	return domain.RepositoryRef{
		ID:          r.RepoID,
		Owner:       r.Owner,
		Name:        r.Name,
		FullName:    r.FullName,
		Description: r.Description,
		Language:    r.Language,
		Stars:       r.Stars,
		Topics:      r.Topics,
		URL:         r.URL,
		FetchedAt:   r.FetchedAt,
	}
}

func toRepositoryRefs(rows []starredRepoRow) []domain.RepositoryRef {
	out := make([]domain.RepositoryRef, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

// profileRow 每个用户一行，整行覆盖
type profileRow struct {
	UserID      uint     `gorm:"primaryKey;autoIncrement:false"`
	Summary     string   `gorm:"type:text"`
	Languages   []string `gorm:"serializer:json"`
	Interests   []string `gorm:"serializer:json"`
	Patterns    []string `gorm:"serializer:json"`
	RepoCount   int
	GeneratedAt time.Time
}

func (profileRow) TableName() string { return "taste_profiles" }

func newProfileRow(userID uint, p *domain.TasteProfile) profileRow {
	return profileRow{
		UserID:      userID,
		Summary:     p.Summary,
		Languages:   p.Languages,
		Interests:   p.Interests,
		Patterns:    p.Patterns,
		RepoCount:   p.RepoCount,
		GeneratedAt: p.GeneratedAt,
	}
}

func (r profileRow) toDomain() domain.TasteProfile {
	return domain.TasteProfile{
		Summary:     r.Summary,
		Languages:   r.Languages,
		Interests:   r.Interests,
		Patterns:    r.Patterns,
		GeneratedAt: r.GeneratedAt,
		RepoCount:   r.RepoCount,
	}
}

// recommendationRow 推荐结果，仓库信息随推荐一起快照保存
type recommendationRow struct {
	ID          uint     `gorm:"primaryKey"`
	UserID      uint     `gorm:"not null;index:idx_rec_user_batch"`
	BatchID     string   `gorm:"size:36;not null;index:idx_rec_user_batch"`
	RepoID      int64    `gorm:"not null"`
	Owner       string   `gorm:"size:255"`
	Name        string   `gorm:"size:255"`
	FullName    string   `gorm:"size:255"`
	Description string   `gorm:"type:text"`
	Language    string   `gorm:"size:64"`
	Stars       int
	Topics      []string `gorm:"serializer:json"`
	URL         string   `gorm:"size:512"`
	Score       float64
	Reason      string   `gorm:"type:text"`
	SourceUsers []string `gorm:"serializer:json"`
	Feedback    string   `gorm:"size:16"`
	CreatedAt   time.Time
}

func (recommendationRow) TableName() string { return "recommendations" }

func newRecommendationRow(userID uint, batchID string, rec domain.Recommendation, now time.Time) recommendationRow {
	return recommendationRow{
		UserID:      userID,
		BatchID:     batchID,
		RepoID:      rec.Repo.ID,
		Owner:       rec.Repo.Owner,
		Name:        rec.Repo.Name,
		FullName:    rec.Repo.FullName,
		Description: rec.Repo.Description,
		Language:    rec.Repo.Language,
		Stars:       rec.Repo.Stars,
		Topics:      rec.Repo.Topics,
		URL:         rec.Repo.URL,
		Score:       rec.Score,
		Reason:      rec.Reason,
		SourceUsers: rec.SourceUsers,
		Feedback:    string(rec.Feedback),
		CreatedAt:   now,
	}
}

func (r recommendationRow) toDomain() domain.Recommendation {
	return domain.Recommendation{
		ID:      r.ID,
		UserID:  r.UserID,
		BatchID: r.BatchID,
		Repo: domain.RepositoryRef{
			ID:          r.RepoID,
			Owner:       r.Owner,
			Name:        r.Name,
			FullName:    r.FullName,
			Description: r.Description,
			Language:    r.Language,
			Stars:       r.Stars,
			Topics:      r.Topics,
			URL:         r.URL,
		},
		Score:       r.Score,
		Reason:      r.Reason,
		SourceUsers: r.SourceUsers,
		Feedback:    domain.Feedback(r.Feedback),
		CreatedAt:   r.CreatedAt,
	}
}
