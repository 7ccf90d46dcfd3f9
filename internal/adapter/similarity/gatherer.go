package similarity

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/port"
)

// GathererConfig bounds how much of the similar users' stars is read.
type GathererConfig struct {
	UsersToScan   int // top N similar users whose stars are read
	PagesPerUser  int // starred pages read per similar user
	MaxCandidates int // cap applied before scoring
}

// DefaultGathererConfig returns the defaults.
func DefaultGathererConfig() GathererConfig {
	return GathererConfig{
		UsersToScan:   20,
		PagesPerUser:  2,
		MaxCandidates: 50,
	}
}

// Gatherer implements port.CandidateGatherer.
//
// A candidate's weight is the sum of the overlap scores of the similar users
// who starred it, so a repository starred by two strong matches outranks one
// starred by a single strong match.
type Gatherer struct {
	cfg    GathererConfig
	logger *zap.Logger
}

// NewGatherer creates a Gatherer, filling unset fields with defaults.
func NewGatherer(cfg GathererConfig, logger *zap.Logger) *Gatherer {
	def := DefaultGathererConfig()
	if cfg.UsersToScan <= 0 {
		cfg.UsersToScan = def.UsersToScan
	}
	if cfg.PagesPerUser <= 0 {
		cfg.PagesPerUser = def.PagesPerUser
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	return &Gatherer{cfg: cfg, logger: logger.Named("gatherer")}
}

type accumulator struct {
	repo   domain.RepositoryRef
	users  []string
	seen   map[string]struct{}
	weight float64
}

// GatherCandidates reads the stars of the top similar users and merges them
// by repository id, skipping anything in exclude.
func (g *Gatherer) GatherCandidates(
	ctx context.Context,
	remote port.RemoteData,
	similar []domain.SimilarUser,
	exclude map[int64]struct{},
) ([]domain.CandidateRepository, error) {
	users := similar
	if len(users) > g.cfg.UsersToScan {
		users = users[:g.cfg.UsersToScan]
	}

	byID := make(map[int64]*accumulator)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		repos, err := remote.FetchStarredRepositories(ctx, u.Login, g.cfg.PagesPerUser)
		if err != nil {
			if errors.Is(err, common.ErrFetchFailed) {
				g.logger.Warn("skipping similar user", zap.String("login", u.Login), zap.Error(err))
				continue
			}
			return nil, err
		}

		for _, r := range repos {
			if _, skip := exclude[r.ID]; skip {
				continue
			}
			acc, ok := byID[r.ID]
			if !ok {
				acc = &accumulator{repo: r, seen: make(map[string]struct{})}
				byID[r.ID] = acc
			}
			if _, dup := acc.seen[u.Login]; dup {
				continue
			}
			acc.seen[u.Login] = struct{}{}
			acc.users = append(acc.users, u.Login)
			acc.weight += nonNegative(u.Score)
		}
	}

	out := make([]domain.CandidateRepository, 0, len(byID))
	for _, acc := range byID {
		out = append(out, domain.CandidateRepository{
			Repo:        acc.repo,
			SourceUsers: acc.users,
			Weight:      acc.weight,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].Repo.Stars != out[j].Repo.Stars {
			return out[i].Repo.Stars > out[j].Repo.Stars
		}
		return out[i].Repo.ID < out[j].Repo.ID
	})

	total := len(out)
	if len(out) > g.cfg.MaxCandidates {
		out = out[:g.cfg.MaxCandidates]
	}
	g.logger.Info("📦 candidates gathered",
		zap.Int("users_scanned", len(users)),
		zap.Int("unique", total),
		zap.Int("kept", len(out)),
	)
	return out, nil
}

func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}
