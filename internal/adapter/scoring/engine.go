package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github-star-miner/internal/adapter/llm"
	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/metrics"
	"github-star-miner/internal/port"
)

// Config 打分引擎配置
type Config struct {
	Concurrency         int           // 最大并发数
	MinScore            float64       // 低于该分数的候选被丢弃
	TopN                int           // 全部打完分后再截取前 N 个
	PerCandidateTimeout time.Duration // 单个候选的超时时间
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Concurrency:         3,
		MinScore:            0.4,
		TopN:                20,
		PerCandidateTimeout: 60 * time.Second,
	}
}

// Engine 实现了 port.CandidateScorer 接口
// 每个候选一次 LLM 调用，单个候选失败只影响它自己
type Engine struct {
	llm    port.Completer
	cfg    Config
	logger *zap.Logger
}

// NewEngine 创建打分引擎
func NewEngine(completer port.Completer, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		cfg.MinScore = def.MinScore
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.PerCandidateTimeout <= 0 {
		cfg.PerCandidateTimeout = def.PerCandidateTimeout
	}
	return &Engine{llm: completer, cfg: cfg, logger: logger.Named("scoring")}
}

type job struct {
	index     int
	candidate domain.CandidateRepository
}

type result struct {
	index int
	rec   domain.Recommendation
	err   error
}

// scoreWorker 工作协程，处理单个候选的打分
func (e *Engine) scoreWorker(
	ctx context.Context,
	profileText string,
	jobs <-chan job,
	results chan<- result,
	wg *sync.WaitGroup,
	workerID int,
) {
	defer wg.Done()

	for j := range jobs {
		if ctx.Err() != nil {
			results <- result{index: j.index, err: ctx.Err()}
			continue
		}

		// 为每个候选设置超时时间
		candCtx, cancel := context.WithTimeout(ctx, e.cfg.PerCandidateTimeout)
		rec, err := e.scoreOne(candCtx, profileText, j.candidate)
		cancel() // 立即释放资源

		if err != nil {
			e.logger.Debug("candidate scoring failed",
				zap.Int("worker", workerID),
				zap.String("repo", j.candidate.Repo.FullName),
				zap.Error(err))
		}
		results <- result{index: j.index, rec: rec, err: err}
	}
}

// ScoreCandidates 并发给候选打分，按分数降序返回
// 单个候选的输出不合法只会把它排除；全部失败时返回 PartialScoringFailure
func (e *Engine) ScoreCandidates(ctx context.Context, candidates []domain.CandidateRepository, profile *domain.TasteProfile) ([]domain.Recommendation, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if profile == nil {
		return nil, common.WrapError(common.ErrCodeInvalidInput, "taste profile is required for scoring", nil)
	}

	e.logger.Info("🤖 scoring candidates",
		zap.Int("candidates", len(candidates)),
		zap.Int("concurrency", e.cfg.Concurrency))

	profileText := describeProfile(profile)
	jobs := make(chan job, len(candidates))
	results := make(chan result, len(candidates))

	var wg sync.WaitGroup
	workers := e.cfg.Concurrency
	if workers > len(candidates) {
		workers = len(candidates)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.scoreWorker(ctx, profileText, jobs, results, &wg, i+1)
	}

	for i, c := range candidates {
		jobs <- job{index: i, candidate: c}
	}
	close(jobs)

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		scored   []domain.Recommendation
		failures int
		lastErr  error
	)
	for r := range results {
		if r.err != nil {
			failures++
			// 全部失败时优先报告模型不可用
			if lastErr == nil || errors.Is(r.err, common.ErrModelUnavailable) {
				lastErr = r.err
			}
			metrics.CandidatesScoredTotal.WithLabelValues("failed").Inc()
			e.logger.Warn("⚠️ candidate excluded",
				zap.String("repo", candidates[r.index].Repo.FullName),
				zap.Error(r.err))
			continue
		}
		metrics.CandidatesScoredTotal.WithLabelValues("ok").Inc()
		scored = append(scored, r.rec)
	}

	if len(scored) == 0 {
		return nil, common.WrapError(common.ErrCodePartialScoring,
			"None of the candidate repositories could be scored. Please try again later.", lastErr)
	}

	ranked := rankRecommendations(scored, candidates, e.cfg.MinScore, e.cfg.TopN)
	e.logger.Info("✅ scoring finished",
		zap.Int("scored", len(scored)),
		zap.Int("failed", failures),
		zap.Int("kept", len(ranked)))
	return ranked, nil
}

// rankRecommendations 过滤低分，排序后再截取 topN，保证截断不影响排序
func rankRecommendations(scored []domain.Recommendation, candidates []domain.CandidateRepository, minScore float64, topN int) []domain.Recommendation {
	weights := make(map[int64]float64, len(candidates))
	for _, c := range candidates {
		weights[c.Repo.ID] = c.Weight
	}

	kept := make([]domain.Recommendation, 0, len(scored))
	for _, r := range scored {
		if r.Score >= minScore {
			kept = append(kept, r)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		wi, wj := weights[kept[i].Repo.ID], weights[kept[j].Repo.ID]
		if wi != wj {
			return wi > wj
		}
		return kept[i].Repo.ID < kept[j].Repo.ID
	})

	if len(kept) > topN {
		kept = kept[:topN]
	}
	return kept
}

func (e *Engine) scoreOne(ctx context.Context, profileText string, c domain.CandidateRepository) (domain.Recommendation, error) {
	raw, err := e.llm.Complete(ctx, buildPrompt(profileText, c))
	if err != nil {
		return domain.Recommendation{}, err
	}

	score, reason, err := parseScore(raw)
	if err != nil {
		return domain.Recommendation{}, common.WrapError(common.ErrCodeMalformedOutput, "unusable scoring response", err)
	}

	return domain.Recommendation{
		Repo:        c.Repo,
		Score:       score,
		Reason:      reason,
		SourceUsers: c.SourceUsers,
		Feedback:    domain.FeedbackUnset,
	}, nil
}

// scoreResponse 接收 AI 返回的 JSON；score 可能是数字也可能是字符串
type scoreResponse struct {
	Score       json.RawMessage `json:"score"`
	Reason      string          `json:"reason"`
	Explanation string          `json:"explanation"`
}

// parseScore 解析模型输出并把分数限制在 [0,1]
func parseScore(raw string) (float64, string, error) {
	resp, err := llm.DecodeObject[scoreResponse](raw)
	if err != nil {
		return 0, "", err
	}
	if len(resp.Score) == 0 || string(resp.Score) == "null" {
		return 0, "", errors.New("score is missing")
	}

	var score float64
	if err := json.Unmarshal(resp.Score, &score); err != nil {
		var s string
		if json.Unmarshal(resp.Score, &s) != nil {
			return 0, "", fmt.Errorf("score is not a number: %s", resp.Score)
		}
		score, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, "", fmt.Errorf("score is not a number: %q", s)
		}
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, "", errors.New("score is not finite")
	}

	reason := strings.TrimSpace(resp.Reason)
	if reason == "" {
		reason = strings.TrimSpace(resp.Explanation)
	}
	return clamp(score), reason, nil
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func describeProfile(p *domain.TasteProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
	if len(p.Languages) > 0 {
		fmt.Fprintf(&b, "Languages: %s\n", strings.Join(p.Languages, ", "))
	}
	if len(p.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(p.Interests, ", "))
	}
	if len(p.Patterns) > 0 {
		fmt.Fprintf(&b, "Patterns: %s\n", strings.Join(p.Patterns, ", "))
	}
	return b.String()
}

func buildPrompt(profileText string, c domain.CandidateRepository) string {
	r := c.Repo
	topics := "none"
	if len(r.Topics) > 0 {
		topics = strings.Join(r.Topics, ", ")
	}
	return fmt.Sprintf(`Developer taste profile:
%s
Candidate repository:
Name: %s
Language: %s
Stars: %d
Topics: %s
Description: %s
Starred by %d developers with similar taste.

How well does this repository match the developer's taste?
Return a JSON object: {"score": <number between 0 and 1>, "reason": "<one sentence>"}`,
		profileText, r.FullName, r.Language, r.Stars, topics, r.Description, len(c.SourceUsers))
}
