// Package similarity finds users whose stars overlap with the requesting
// user's and collects what they starred.
//
// The overlap is measured on a sample of stargazers per repository, so the
// ranking is a best-effort signal rather than an exact set intersection.
package similarity

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/port"
)

// Overlap scoring modes.
const (
	ModeFraction = "fraction" // matches / repositories sampled
	ModeCount    = "count"    // raw number of matches
)

// FinderConfig tunes the stargazer sampling.
type FinderConfig struct {
	RepoSampleLimit int    // how many of the user's repositories to sample
	MinOverlap      int    // users seen in fewer sampled repositories are dropped
	Mode            string // ModeFraction or ModeCount
	Concurrency     int    // parallel stargazer fetches
}

// DefaultFinderConfig returns the defaults.
func DefaultFinderConfig() FinderConfig {
	return FinderConfig{
		RepoSampleLimit: 30,
		MinOverlap:      2,
		Mode:            ModeFraction,
		Concurrency:     4,
	}
}

// Finder implements port.SimilarUserFinder.
type Finder struct {
	cfg    FinderConfig
	logger *zap.Logger
}

// NewFinder creates a Finder, filling unset fields with defaults.
func NewFinder(cfg FinderConfig, logger *zap.Logger) *Finder {
	def := DefaultFinderConfig()
	if cfg.RepoSampleLimit <= 0 {
		cfg.RepoSampleLimit = def.RepoSampleLimit
	}
	if cfg.MinOverlap <= 0 {
		cfg.MinOverlap = 1
	}
	if cfg.Mode != ModeCount {
		cfg.Mode = ModeFraction
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Finder{cfg: cfg, logger: logger.Named("similarity")}
}

// FindSimilarUsers samples stargazers of the most starred repositories in
// starred and ranks the users seen by overlap, highest first. Ties are broken
// by login. self is never returned.
func (f *Finder) FindSimilarUsers(
	ctx context.Context,
	remote port.RemoteData,
	self string,
	starred []domain.RepositoryRef,
	sampleSizePerRepo, maxCandidateUsers int,
) ([]domain.SimilarUser, error) {
	if len(starred) == 0 || sampleSizePerRepo <= 0 || maxCandidateUsers <= 0 {
		return nil, nil
	}

	sample := topByStars(starred, f.cfg.RepoSampleLimit)
	stargazers := make([][]string, len(sample))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, repo := range sample {
		g.Go(func() error {
			logins, err := remote.FetchStargazers(gctx, repo, sampleSizePerRepo)
			if err != nil {
				// 单个仓库 4xx (删库、转私有) 不影响整体采样
				if errors.Is(err, common.ErrFetchFailed) || errors.Is(err, common.ErrInvalidInput) {
					f.logger.Warn("skipping repository in stargazer sample",
						zap.String("repo", repo.FullName), zap.Error(err))
					return nil
				}
				return err
			}
			stargazers[i] = logins
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	users := rank(stargazers, self, len(sample), f.cfg.MinOverlap, f.cfg.Mode)
	if len(users) > maxCandidateUsers {
		users = users[:maxCandidateUsers]
	}

	f.logger.Info("👥 similar users found",
		zap.Int("repos_sampled", len(sample)),
		zap.Int("users", len(users)),
	)
	return users, nil
}

// rank counts in how many sampled repositories each login appears.
func rank(stargazers [][]string, self string, sampled, minOverlap int, mode string) []domain.SimilarUser {
	counts := make(map[string]int)
	display := make(map[string]string)

	for _, logins := range stargazers {
		seen := make(map[string]struct{}, len(logins))
		for _, login := range logins {
			key := strings.ToLower(login)
			if key == "" || strings.EqualFold(login, self) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			counts[key]++
			if _, ok := display[key]; !ok {
				display[key] = login
			}
		}
	}

	users := make([]domain.SimilarUser, 0, len(counts))
	for key, n := range counts {
		if n < minOverlap {
			continue
		}
		score := float64(n)
		if mode == ModeFraction && sampled > 0 {
			score = float64(n) / float64(sampled)
		}
		users = append(users, domain.SimilarUser{Login: display[key], Overlap: n, Score: score})
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].Score != users[j].Score {
			return users[i].Score > users[j].Score
		}
		return users[i].Login < users[j].Login
	})
	return users
}

// topByStars returns up to n repositories ordered by star count, id breaking ties.
func topByStars(repos []domain.RepositoryRef, n int) []domain.RepositoryRef {
	sorted := make([]domain.RepositoryRef, len(repos))
	copy(sorted, repos)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Stars != sorted[j].Stars {
			return sorted[i].Stars > sorted[j].Stars
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
