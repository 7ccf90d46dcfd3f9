package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

const insertBatchSize = 500

// PostgresRepo 实现了 port.Store 接口
type PostgresRepo struct {
	db *gorm.DB
}

// NewPostgresRepo 初始化数据库连接并自动迁移表结构
func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
	// 1. 连接数据库
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 2. 自动迁移
	if err := db.AutoMigrate(&userRow{}, &starredRepoRow{}, &profileRow{}, &recommendationRow{}); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	return &PostgresRepo{db: db}, nil
}

// Close 关闭底层连接池
func (r *PostgresRepo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 健康检查
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveUser 按 login 新建或更新用户 (token 会被覆盖)
func (r *PostgresRepo) SaveUser(ctx context.Context, user *domain.User) error {
	row := userRow{Login: user.Login, AccessToken: user.AccessToken}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "login"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return dbError(err)
	}
	user.ID = row.ID
	return nil
}

// GetUser 按 ID 查询用户
func (r *PostgresRepo) GetUser(ctx context.Context, userID uint) (*domain.User, error) {
	var row userRow
	if err := r.db.WithContext(ctx).First(&row, userID).Error; err != nil {
		return nil, notFoundOr(err, "user not found")
	}
	u := row.toDomain()
	return &u, nil
}

// ListUsers 返回所有用户，供定时任务使用
func (r *PostgresRepo) ListUsers(ctx context.Context) ([]domain.User, error) {
	var rows []userRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, dbError(err)
	}
	users := make([]domain.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toDomain())
	}
	return users, nil
}

// SaveRepositorySnapshot 在一个事务里整体替换用户的 star 快照，重复的仓库只保留第一次出现
func (r *PostgresRepo) SaveRepositorySnapshot(ctx context.Context, userID uint, repos []domain.RepositoryRef) error {
	rows := make([]starredRepoRow, 0, len(repos))
	seen := make(map[int64]struct{}, len(repos))
	for _, repo := range repos {
		if _, dup := seen[repo.ID]; dup {
			continue
		}
		seen[repo.ID] = struct{}{}
		rows = append(rows, newStarredRepoRow(userID, repo))
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&starredRepoRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&rows, insertBatchSize).Error
	})
	return dbError(err)
}

// LoadStarredRepositories 读取快照，按 star 数降序
func (r *PostgresRepo) LoadStarredRepositories(ctx context.Context, userID uint) ([]domain.RepositoryRef, error) {
	var rows []starredRepoRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("stars DESC, repo_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, dbError(err)
	}
	return toRepositoryRefs(rows), nil
}

// LoadStarredRepoIDs 返回用户已 star 的仓库 ID 集合
func (r *PostgresRepo) LoadStarredRepoIDs(ctx context.Context, userID uint) (map[int64]struct{}, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&starredRepoRow{}).
		Where("user_id = ?", userID).
		Pluck("repo_id", &ids).Error
	if err != nil {
		return nil, dbError(err)
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// ListStarred 分页列出快照
func (r *PostgresRepo) ListStarred(ctx context.Context, userID uint, page, perPage int) ([]domain.RepositoryRef, int64, error) {
	page, perPage = domain.NormalizePage(page, perPage)

	var total int64
	base := r.db.WithContext(ctx).Model(&starredRepoRow{}).Where("user_id = ?", userID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, dbError(err)
	}
	if total == 0 {
		return []domain.RepositoryRef{}, 0, nil
	}

	var rows []starredRepoRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("stars DESC, repo_id ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&rows).Error
	if err != nil {
		return nil, 0, dbError(err)
	}
	return toRepositoryRefs(rows), total, nil
}

// SaveProfile 整行覆盖用户的画像，读者看不到半写状态
func (r *PostgresRepo) SaveProfile(ctx context.Context, userID uint, profile *domain.TasteProfile) error {
	row := newProfileRow(userID, profile)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	return dbError(err)
}

// GetProfile 读取画像，不存在时返回 NotFound
func (r *PostgresRepo) GetProfile(ctx context.Context, userID uint) (*domain.TasteProfile, error) {
	var row profileRow
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, notFoundOr(err, "no taste profile yet, run a generate job first")
	}
	p := row.toDomain()
	return &p, nil
}

// SaveRecommendations 以同一个 batchID 写入一批推荐，回填自增 ID
func (r *PostgresRepo) SaveRecommendations(ctx context.Context, userID uint, batchID string, recs []domain.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]recommendationRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, newRecommendationRow(userID, batchID, rec, now))
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&rows, insertBatchSize).Error; err != nil {
		return dbError(err)
	}
	for i := range recs {
		recs[i].ID = rows[i].ID
		recs[i].UserID = userID
		recs[i].BatchID = batchID
		recs[i].CreatedAt = now
	}
	return nil
}

// ListRecommendations 返回最新一批推荐，按分数降序分页
func (r *PostgresRepo) ListRecommendations(ctx context.Context, userID uint, page, perPage int) ([]domain.Recommendation, int64, error) {
	page, perPage = domain.NormalizePage(page, perPage)

	var batches []string
	err := r.db.WithContext(ctx).
		Model(&recommendationRow{}).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Pluck("batch_id", &batches).Error
	if err != nil {
		return nil, 0, dbError(err)
	}
	if len(batches) == 0 {
		return []domain.Recommendation{}, 0, nil
	}
	batchID := batches[0]

	var total int64
	err = r.db.WithContext(ctx).
		Model(&recommendationRow{}).
		Where("user_id = ? AND batch_id = ?", userID, batchID).
		Count(&total).Error
	if err != nil {
		return nil, 0, dbError(err)
	}

	var rows []recommendationRow
	err = r.db.WithContext(ctx).
		Where("user_id = ? AND batch_id = ?", userID, batchID).
		Order("score DESC, id ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&rows).Error
	if err != nil {
		return nil, 0, dbError(err)
	}

	recs := make([]domain.Recommendation, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.toDomain())
	}
	return recs, total, nil
}

// RecordFeedback 更新推荐的反馈，推荐不存在时返回 NotFound
func (r *PostgresRepo) RecordFeedback(ctx context.Context, recommendationID uint, feedback domain.Feedback) error {
	if !feedback.Valid() {
		return common.WrapError(common.ErrCodeInvalidInput, fmt.Sprintf("invalid feedback %q", feedback), nil)
	}
	result := r.db.WithContext(ctx).
		Model(&recommendationRow{}).
		Where("id = ?", recommendationID).
		Update("feedback", string(feedback))
	if result.Error != nil {
		return dbError(result.Error)
	}
	if result.RowsAffected == 0 {
		return common.WrapError(common.ErrCodeNotFound, "recommendation not found", nil)
	}
	return nil
}

func dbError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return common.WrapError(common.ErrCodeDatabase, "database operation failed", err)
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.WrapError(common.ErrCodeNotFound, msg, err)
	}
	return dbError(err)
}
