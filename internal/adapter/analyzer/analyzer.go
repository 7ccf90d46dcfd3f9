package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github-star-miner/internal/adapter/llm"
	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/port"
)

// Config 控制送进 prompt 的数据量
type Config struct {
	MaxRepos          int // 按 star 数取前 N 个仓库
	MaxDescriptionLen int // 描述截断长度 (按字符)
	MaxTopics         int // 每个仓库最多带几个 topic
	MaxPromptChars    int // 仓库列表部分的总字符预算
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxRepos:          100,
		MaxDescriptionLen: 100,
		MaxTopics:         5,
		MaxPromptChars:    24000,
	}
}

// ProfileAnalyzer 实现了 port.ProfileBuilder 接口
// 一次 LLM 调用把 star 列表归纳成口味画像，输出不合法时用更严格的指令重试一次
type ProfileAnalyzer struct {
	llm     port.Completer
	cfg     Config
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewProfileAnalyzer 创建画像分析器
func NewProfileAnalyzer(completer port.Completer, cfg Config, logger *zap.Logger) *ProfileAnalyzer {
	def := DefaultConfig()
	if cfg.MaxRepos <= 0 {
		cfg.MaxRepos = def.MaxRepos
	}
	if cfg.MaxDescriptionLen <= 0 {
		cfg.MaxDescriptionLen = def.MaxDescriptionLen
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = def.MaxTopics
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = def.MaxPromptChars
	}
	return &ProfileAnalyzer{
		llm:     completer,
		cfg:     cfg,
		logger:  logger.Named("profile"),
		nowFunc: time.Now, // 便于测试注入当前时间
	}
}

// profileResponse 接收 AI 返回的 JSON；指针字段用来区分 "缺失" 和 "空"
type profileResponse struct {
	Summary   *string   `json:"summary"`
	Languages *[]string `json:"languages"`
	Interests *[]string `json:"interests"`
	Patterns  *[]string `json:"patterns"`
}

// BuildProfile 根据 star 列表生成口味画像
func (a *ProfileAnalyzer) BuildProfile(ctx context.Context, repos []domain.RepositoryRef) (*domain.TasteProfile, error) {
	if len(repos) == 0 {
		return nil, common.WrapError(common.ErrCodeInsufficientData,
			"No starred repositories found. Star a few repositories on GitHub and sync again.", nil)
	}

	listing, used := a.describeRepos(repos)
	a.logger.Info("🧠 building taste profile",
		zap.Int("repos_total", len(repos)),
		zap.Int("repos_in_prompt", used),
		zap.Int("prompt_chars", len(listing)),
	)

	prompts := []string{buildPrompt(listing, false), buildPrompt(listing, true)}
	var lastErr error
	for attempt, prompt := range prompts {
		raw, err := a.llm.Complete(ctx, prompt)
		if err != nil && !errors.Is(err, common.ErrMalformedOutput) {
			return nil, err
		}
		if err == nil {
			profile, perr := parseProfile(raw)
			if perr == nil {
				profile.GeneratedAt = a.nowFunc().UTC()
				profile.RepoCount = used
				return profile, nil
			}
			err = perr
		}
		lastErr = err
		a.logger.Warn("⚠️ profile response rejected",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, common.WrapError(common.ErrCodeMalformedOutput,
		"The language model returned an unusable profile. Please try again later.", lastErr)
}

// describeRepos 取 star 最多的仓库，逐行描述，超出字符预算即停止
func (a *ProfileAnalyzer) describeRepos(repos []domain.RepositoryRef) (string, int) {
	sorted := make([]domain.RepositoryRef, len(repos))
	copy(sorted, repos)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Stars != sorted[j].Stars {
			return sorted[i].Stars > sorted[j].Stars
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > a.cfg.MaxRepos {
		sorted = sorted[:a.cfg.MaxRepos]
	}

	var b strings.Builder
	used := 0
	for _, r := range sorted {
		line := a.describeRepo(r)
		if used > 0 && b.Len()+len(line) > a.cfg.MaxPromptChars {
			break
		}
		b.WriteString(line)
		used++
	}
	return b.String(), used
}

func (a *ProfileAnalyzer) describeRepo(r domain.RepositoryRef) string {
	name := r.FullName
	if name == "" {
		owner, repo := r.OwnerAndName()
		name = owner + "/" + repo
	}
	lang := r.Language
	if lang == "" {
		lang = "unknown"
	}

	line := fmt.Sprintf("- %s [%s] ★%d", name, lang, r.Stars)
	if len(r.Topics) > 0 {
		topics := r.Topics
		if len(topics) > a.cfg.MaxTopics {
			topics = topics[:a.cfg.MaxTopics]
		}
		line += " topics: " + strings.Join(topics, ", ")
	}
	if desc := truncate(strings.TrimSpace(r.Description), a.cfg.MaxDescriptionLen); desc != "" {
		line += " | " + desc
	}
	return line + "\n"
}

func buildPrompt(listing string, strict bool) string {
	var b strings.Builder
	b.WriteString("Below are repositories a developer has starred on GitHub, most popular first.\n")
	b.WriteString("Infer the developer's technical taste.\n\n")
	b.WriteString(listing)
	b.WriteString(`
Return a JSON object with exactly these fields:
{
  "summary": "2-3 sentences describing the developer's interests",
  "languages": ["primary programming languages, most preferred first"],
  "interests": ["topic or domain tags"],
  "patterns": ["behavioral patterns, e.g. prefers minimal libraries"]
}
`)
	if strict {
		b.WriteString("\nYour previous answer could not be parsed. Respond with ONLY the JSON object: ")
		b.WriteString("no markdown, no commentary, all four fields present, summary non-empty, every list an array of strings.\n")
	}
	return b.String()
}

// parseProfile 解析并校验模型输出，四个字段必须齐全且 summary 非空
func parseProfile(raw string) (*domain.TasteProfile, error) {
	resp, err := llm.DecodeObject[profileResponse](raw)
	if err != nil {
		return nil, err
	}
	if resp.Summary == nil || resp.Languages == nil || resp.Interests == nil || resp.Patterns == nil {
		return nil, errors.New("response is missing required fields")
	}
	summary := strings.TrimSpace(*resp.Summary)
	if summary == "" {
		return nil, errors.New("summary is empty")
	}

	return &domain.TasteProfile{
		Summary:   summary,
		Languages: cleanList(*resp.Languages),
		Interests: cleanList(*resp.Interests),
		Patterns:  cleanList(*resp.Patterns),
	}, nil
}

// cleanList 去空白、去重 (忽略大小写)，保持原顺序
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
