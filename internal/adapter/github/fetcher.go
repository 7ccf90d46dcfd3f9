package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v53/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github-star-miner/internal/adapter/cache"
	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/metrics"
	"github-star-miner/internal/port"
)

const (
	// 等到 reset 之后再多等一点，避免与服务端时钟抖动撞车
	resetMargin = 500 * time.Millisecond
	// 单次调用内最多连续遇到几次限流响应
	maxRateLimitRounds = 3
	// 二级限流没给 Retry-After 时的等待时间
	defaultAbuseWait = time.Minute
)

// Options 远程客户端配置
type Options struct {
	BaseURL           string        // 为空时使用 api.github.com，测试或 GHES 时覆盖
	CacheTTL          time.Duration // 响应缓存时长
	PerPage           int
	MaxStarredPages   int // star 列表分页的安全上限
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	// FailFastOnRateLimit 为 true 时配额耗尽直接返回 RateLimitExceeded，不等待
	FailFastOnRateLimit bool
	MaxRateLimitWait    time.Duration
	RequestsPerHour     int // 主动限速，0 表示不限
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		CacheTTL:          time.Hour,
		PerPage:           100,
		MaxStarredPages:   50,
		MaxRetries:        3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     10 * time.Second,
		MaxRateLimitWait:  time.Hour,
		RequestsPerHour:   5000,
	}
}

// FetcherFactory 为每个用户构造 Fetcher，缓存、限流状态和限速器在所有 Fetcher 之间共享
type FetcherFactory struct {
	opts    Options
	baseURL *url.URL
	cache   port.Cache
	rates   *RateTracker
	pacer   *rate.Limiter
	logger  *zap.Logger
}

// NewFetcherFactory 初始化共享依赖；cache 为 nil 时不缓存
func NewFetcherFactory(opts Options, c port.Cache, logger *zap.Logger) (*FetcherFactory, error) {
	def := DefaultOptions()
	if opts.PerPage <= 0 || opts.PerPage > 100 {
		opts.PerPage = def.PerPage
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryInitialDelay <= 0 {
		opts.RetryInitialDelay = def.RetryInitialDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = def.RetryMaxDelay
	}
	if opts.MaxRateLimitWait <= 0 {
		opts.MaxRateLimitWait = def.MaxRateLimitWait
	}

	f := &FetcherFactory{
		opts:   opts,
		cache:  c,
		rates:  NewRateTracker(),
		logger: logger.Named("github"),
	}

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		f.baseURL = u
	}

	if opts.RequestsPerHour > 0 {
		every := time.Hour / time.Duration(opts.RequestsPerHour)
		f.pacer = rate.NewLimiter(rate.Every(every), 10)
	} else {
		f.pacer = rate.NewLimiter(rate.Inf, 0)
	}

	return f, nil
}

// ForUser 实现 port.RemoteDataFactory
func (f *FetcherFactory) ForUser(user *domain.User) port.RemoteData {
	token := ""
	if user != nil {
		token = user.AccessToken
	}
	return f.NewFetcher(token)
}

// NewFetcher 用 token 初始化 GitHub 客户端，token 为空时匿名访问
func (f *FetcherFactory) NewFetcher(token string) *Fetcher {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(httpClient)
	if f.baseURL != nil {
		client.BaseURL = f.baseURL
	}

	return &Fetcher{
		client:  client,
		factory: f,
		scope:   tokenScope(token),
	}
}

// RateTracker 暴露共享的限流状态
func (f *FetcherFactory) RateTracker() *RateTracker {
	return f.rates
}

// Fetcher 实现了 port.RemoteData 接口
type Fetcher struct {
	client  *github.Client
	factory *FetcherFactory
	scope   string
}

type stargazerPage struct {
	Logins   []string `json:"logins"`
	NextPage int      `json:"next_page"`
}

// FetchStarredRepositories 逐页抓取 login 的 star 列表，login 为空时抓取当前授权用户
// 整个列表作为一个缓存单元：只有完整抓完的结果才写缓存，避免新旧页拼接出错位的列表
func (f *Fetcher) FetchStarredRepositories(ctx context.Context, login string, maxPages int) ([]domain.RepositoryRef, error) {
	limit := f.factory.opts.MaxStarredPages
	if maxPages > 0 && (limit <= 0 || maxPages < limit) {
		limit = maxPages
	}

	key := f.cacheKey("starred", map[string]string{
		"login":     login,
		"max_pages": strconv.Itoa(limit),
		"per_page":  strconv.Itoa(f.factory.opts.PerPage),
	})
	return cachedFetch(ctx, f, "starred", key, func() ([]domain.RepositoryRef, error) {
		return f.fetchStarredPages(ctx, login, limit)
	})
}

// fetchStarredPages 已抓到的页在遇到限流时保留在内存里，等配额恢复后从下一页继续。
// 抓取期间用户新 star 会让后续页整体后移一位，按 ID 去重，先出现的保留
func (f *Fetcher) fetchStarredPages(ctx context.Context, login string, limit int) ([]domain.RepositoryRef, error) {
	var all []domain.RepositoryRef
	seen := make(map[int64]struct{})
	dropped := 0

	for page := 1; ; page++ {
		opts := &github.ActivityListStarredOptions{
			Sort:        "created",
			Direction:   "desc",
			ListOptions: github.ListOptions{Page: page, PerPage: f.factory.opts.PerPage},
		}
		var items []*github.StarredRepository
		resp, err := f.call(ctx, "starred", func() (*github.Response, error) {
			var resp *github.Response
			var apiErr error
			items, resp, apiErr = f.client.Activity.ListStarred(ctx, login, opts)
			return resp, apiErr
		})
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		for _, item := range items {
			repo := item.GetRepository()
			if repo == nil {
				continue
			}
			if _, dup := seen[repo.GetID()]; dup {
				dropped++
				continue
			}
			seen[repo.GetID()] = struct{}{}
			all = append(all, toRepositoryRef(repo, now))
		}
		f.factory.logger.Debug("📄 starred page fetched",
			zap.String("login", login),
			zap.Int("page", page),
			zap.Int("items", len(items)),
		)

		if resp == nil || resp.NextPage == 0 {
			break
		}
		if limit > 0 && page >= limit {
			f.factory.logger.Info("⚠️ starred pagination cap reached",
				zap.String("login", login),
				zap.Int("pages", limit),
			)
			break
		}
	}

	if dropped > 0 {
		f.factory.logger.Info("🔁 dropped repositories repeated across pages",
			zap.String("login", login),
			zap.Int("dropped", dropped),
		)
	}
	return all, nil
}

// FetchStargazers 采样仓库最多 sampleLimit 个 stargazer
func (f *Fetcher) FetchStargazers(ctx context.Context, repo domain.RepositoryRef, sampleLimit int) ([]string, error) {
	if sampleLimit <= 0 {
		return nil, nil
	}
	owner, name := repo.OwnerAndName()
	if owner == "" || name == "" {
		return nil, common.WrapError(common.ErrCodeInvalidInput, "repository is missing owner or name", nil)
	}

	perPage := f.factory.opts.PerPage
	if sampleLimit < perPage {
		perPage = sampleLimit
	}

	var logins []string
	for page := 1; len(logins) < sampleLimit; page++ {
		key := f.cacheKey("stargazers", map[string]string{
			"owner":    owner,
			"repo":     name,
			"page":     strconv.Itoa(page),
			"per_page": strconv.Itoa(perPage),
		})

		result, err := cachedFetch(ctx, f, "stargazers", key, func() (stargazerPage, error) {
			opts := &github.ListOptions{Page: page, PerPage: perPage}
			var items []*github.Stargazer
			resp, err := f.call(ctx, "stargazers", func() (*github.Response, error) {
				var resp *github.Response
				var apiErr error
				items, resp, apiErr = f.client.Activity.ListStargazers(ctx, owner, name, opts)
				return resp, apiErr
			})
			if err != nil {
				return stargazerPage{}, err
			}

			out := stargazerPage{Logins: make([]string, 0, len(items))}
			for _, s := range items {
				if login := s.GetUser().GetLogin(); login != "" {
					out.Logins = append(out.Logins, login)
				}
			}
			if resp != nil {
				out.NextPage = resp.NextPage
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}

		logins = append(logins, result.Logins...)
		if result.NextPage == 0 {
			break
		}
	}

	if len(logins) > sampleLimit {
		logins = logins[:sampleLimit]
	}
	return logins, nil
}

// RateLimitStatus 查询 core 配额，不走缓存也不受本地限流状态阻塞
// 远程查询失败时退回最近一次观测到的状态
func (f *Fetcher) RateLimitStatus(ctx context.Context) (domain.RateLimitStatus, error) {
	limits, resp, err := f.client.RateLimits(ctx)
	if err == nil && limits.GetCore() != nil {
		core := limits.GetCore()
		f.factory.rates.Observe(f.scope, *core)
		metrics.RecordGitHubRequest("rate_limit", "ok")
		return domain.RateLimitStatus{
			Limit:     core.Limit,
			Remaining: core.Remaining,
			Reset:     core.Reset.Time,
		}, nil
	}
	if resp != nil {
		f.factory.rates.Observe(f.scope, resp.Rate)
	}

	if st, ok := f.factory.rates.Get(f.scope); ok {
		return st, nil
	}
	if err == nil {
		err = errors.New("empty rate limit response")
	}
	metrics.RecordGitHubRequest("rate_limit", "error")
	return domain.RateLimitStatus{}, classify(err)
}

// AuthenticatedLogin 返回 token 对应的用户名
func (f *Fetcher) AuthenticatedLogin(ctx context.Context) (string, error) {
	key := f.cacheKey("user", nil)
	return cachedFetch(ctx, f, "user", key, func() (string, error) {
		var user *github.User
		_, err := f.call(ctx, "user", func() (*github.Response, error) {
			var resp *github.Response
			var apiErr error
			user, resp, apiErr = f.client.Users.Get(ctx, "")
			return resp, apiErr
		})
		if err != nil {
			return "", err
		}
		return user.GetLogin(), nil
	})
}

// call 对一次远程调用套上限流等待、限速和重试
// 只有瞬时错误 (网络、5xx) 会重试，4xx 立即失败
func (f *Fetcher) call(ctx context.Context, endpoint string, fn func() (*github.Response, error)) (*github.Response, error) {
	opts := f.factory.opts
	var resp *github.Response

	err := common.Do(ctx, func() error {
		rounds := 0
		for {
			if err := f.awaitQuota(ctx, endpoint); err != nil {
				return err
			}
			if err := f.factory.pacer.Wait(ctx); err != nil {
				return err
			}

			var err error
			resp, err = fn()
			if resp != nil {
				f.factory.rates.Observe(f.scope, resp.Rate)
			}
			if err == nil {
				metrics.RecordGitHubRequest(endpoint, "ok")
				return nil
			}

			var rle *github.RateLimitError
			if errors.As(err, &rle) {
				metrics.RecordGitHubRequest(endpoint, "rate_limited")
				f.factory.rates.Observe(f.scope, rle.Rate)
				if rounds++; rounds > maxRateLimitRounds {
					return rateLimitExceeded(rle.Rate.Reset.Time, err)
				}
				f.factory.logger.Warn("⏳ GitHub rate limit hit",
					zap.String("endpoint", endpoint),
					zap.Time("reset", rle.Rate.Reset.Time),
				)
				continue
			}

			if wait, ok := secondaryLimit(err, time.Now()); ok {
				metrics.RecordGitHubRequest(endpoint, "rate_limited")
				if wait <= 0 {
					wait = defaultAbuseWait
				}
				if rounds++; rounds > maxRateLimitRounds || opts.FailFastOnRateLimit || wait > opts.MaxRateLimitWait {
					return rateLimitExceeded(time.Now().Add(wait), err)
				}
				f.factory.logger.Warn("⏳ GitHub secondary rate limit hit",
					zap.String("endpoint", endpoint),
					zap.Duration("retry_after", wait),
				)
				if err := sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}

			metrics.RecordGitHubRequest(endpoint, "error")
			return classify(err)
		}
	},
		common.WithMaxRetries(opts.MaxRetries),
		common.WithInitialDelay(opts.RetryInitialDelay),
		common.WithMaxDelay(opts.RetryMaxDelay),
		common.WithRetryIf(isTransient),
		common.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			f.factory.logger.Warn("🔁 retrying GitHub call",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	)
	return resp, err
}

// awaitQuota 配额耗尽时阻塞到 reset，或按配置立即失败
func (f *Fetcher) awaitQuota(ctx context.Context, endpoint string) error {
	wait := f.factory.rates.WaitFor(f.scope, time.Now())
	if wait <= 0 {
		return nil
	}

	st, _ := f.factory.rates.Get(f.scope)
	opts := f.factory.opts
	if opts.FailFastOnRateLimit || wait > opts.MaxRateLimitWait {
		return rateLimitExceeded(st.Reset, nil)
	}

	wait += resetMargin
	f.factory.logger.Info("😴 quota exhausted, waiting for reset",
		zap.String("endpoint", endpoint),
		zap.Duration("wait", wait),
		zap.Time("reset", st.Reset),
	)
	start := time.Now()
	err := sleep(ctx, wait)
	metrics.GitHubRateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	return err
}

func (f *Fetcher) cacheKey(endpoint string, params map[string]string) string {
	p := map[string]string{"scope": f.scope}
	for k, v := range params {
		p[k] = v
	}
	return cache.Key("github:"+endpoint, p)
}

// cachedFetch 先查缓存，未命中再调用 load；缓存读写失败只记日志
func cachedFetch[T any](ctx context.Context, f *Fetcher, endpoint, key string, load func() (T, error)) (T, error) {
	c := f.factory.cache
	if c != nil {
		raw, ok, err := c.Get(ctx, key)
		if err != nil {
			f.factory.logger.Warn("cache read failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
		if ok {
			var v T
			if err := cache.Decode(raw, &v); err == nil {
				metrics.RecordCacheLookup(endpoint, true)
				return v, nil
			}
			f.factory.logger.Warn("cache payload corrupt, refetching", zap.String("endpoint", endpoint))
		}
		metrics.RecordCacheLookup(endpoint, false)
	}

	v, err := load()
	if err != nil {
		return v, err
	}

	if c != nil {
		raw, err := cache.Encode(v)
		if err == nil {
			err = c.Set(ctx, key, raw, f.factory.opts.CacheTTL)
		}
		if err != nil {
			f.factory.logger.Warn("cache write failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	return v, nil
}

// classify 把 go-github 的错误映射到错误码
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		code := errResp.Response.StatusCode
		if code >= 500 {
			return common.WrapError(common.ErrCodeTransientFetch,
				"GitHub is temporarily unavailable, please try again later", err)
		}
		return common.WrapError(common.ErrCodeFetchFailed,
			fmt.Sprintf("GitHub request failed (HTTP %d)", code), err)
	}

	return common.WrapError(common.ErrCodeTransientFetch,
		"could not reach GitHub, please try again later", err)
}

// secondaryLimit 识别二级限流：go-github 的 AbuseRateLimitError，以及未被它识别的 429。
// 返回 Retry-After 指定的等待时长，没有该头时为 0
func secondaryLimit(err error, now time.Time) (time.Duration, bool) {
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return abuse.GetRetryAfter(), true
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil &&
		errResp.Response.StatusCode == http.StatusTooManyRequests {
		return parseRetryAfter(errResp.Response.Header.Get("Retry-After"), now), true
	}
	return 0, false
}

// parseRetryAfter 支持秒数和 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isTransient(err error) bool {
	return errors.Is(err, common.ErrTransientFetch)
}

func rateLimitExceeded(reset time.Time, cause error) error {
	msg := "GitHub rate limit exceeded, please try again later"
	if !reset.IsZero() {
		msg = fmt.Sprintf("GitHub rate limit exceeded, resets at %s", reset.UTC().Format(time.RFC3339))
	}
	return common.WrapError(common.ErrCodeRateLimited, msg, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func tokenScope(token string) string {
	if token == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func toRepositoryRef(r *github.Repository, fetchedAt time.Time) domain.RepositoryRef {
	return domain.RepositoryRef{
		ID:          r.GetID(),
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		Language:    r.GetLanguage(),
		Stars:       r.GetStargazersCount(),
		Topics:      r.Topics,
		URL:         r.GetHTMLURL(),
		FetchedAt:   fetchedAt,
	}
}
