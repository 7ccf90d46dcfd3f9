package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github-star-miner/internal/adapter/analyzer"
	"github-star-miner/internal/adapter/scoring"
	"github-star-miner/internal/adapter/similarity"
	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
	"github-star-miner/internal/jobs"
	"github-star-miner/internal/port"
)

// memStore 内存版持久化协作方
type memStore struct {
	mu        sync.Mutex
	users     map[uint]domain.User
	starred   map[uint][]domain.RepositoryRef
	profiles  map[uint]*domain.TasteProfile
	recs      map[uint][]domain.Recommendation
	batches   map[uint]string
	nextRecID uint
	saveErr   error
}

func newMemStore(users ...domain.User) *memStore {
	s := &memStore{
		users:    make(map[uint]domain.User),
		starred:  make(map[uint][]domain.RepositoryRef),
		profiles: make(map[uint]*domain.TasteProfile),
		recs:     make(map[uint][]domain.Recommendation),
		batches:  make(map[uint]string),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) GetUser(_ context.Context, userID uint) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, common.WrapError(common.ErrCodeNotFound, "user not found", nil)
	}
	return &u, nil
}

func (s *memStore) ListUsers(context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SaveRepositorySnapshot(_ context.Context, userID uint, repos []domain.RepositoryRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.starred[userID] = append([]domain.RepositoryRef(nil), repos...)
	return nil
}

func (s *memStore) LoadStarredRepositories(_ context.Context, userID uint) ([]domain.RepositoryRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RepositoryRef(nil), s.starred[userID]...), nil
}

func (s *memStore) LoadStarredRepoIDs(_ context.Context, userID uint) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[int64]struct{}, len(s.starred[userID]))
	for _, r := range s.starred[userID] {
		ids[r.ID] = struct{}{}
	}
	return ids, nil
}

func (s *memStore) ListStarred(_ context.Context, userID uint, page, perPage int) ([]domain.RepositoryRef, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.starred[userID]
	return paginate(all, page, perPage), int64(len(all)), nil
}

func (s *memStore) SaveProfile(_ context.Context, userID uint, profile *domain.TasteProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = profile
	return nil
}

func (s *memStore) GetProfile(_ context.Context, userID uint) (*domain.TasteProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, common.WrapError(common.ErrCodeNotFound, "no taste profile yet, run a generate job first", nil)
	}
	return p, nil
}

func (s *memStore) SaveRecommendations(_ context.Context, userID uint, batchID string, recs []domain.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]domain.Recommendation, len(recs))
	for i, r := range recs {
		s.nextRecID++
		r.ID = s.nextRecID
		r.UserID = userID
		r.BatchID = batchID
		stored[i] = r
	}
	s.recs[userID] = stored
	s.batches[userID] = batchID
	return nil
}

func (s *memStore) ListRecommendations(_ context.Context, userID uint, page, perPage int) ([]domain.Recommendation, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]domain.Recommendation(nil), s.recs[userID]...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, page, perPage), int64(len(all)), nil
}

func (s *memStore) RecordFeedback(_ context.Context, recommendationID uint, feedback domain.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, recs := range s.recs {
		for i := range recs {
			if recs[i].ID == recommendationID {
				s.recs[uid][i].Feedback = feedback
				return nil
			}
		}
	}
	return common.WrapError(common.ErrCodeNotFound, "recommendation not found", nil)
}

func paginate[T any](all []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil
	}
	end := min(start+perPage, len(all))
	return all[start:end]
}

// stubRemote 固定数据的 GitHub 客户端
type stubRemote struct {
	mu      sync.Mutex
	login   string
	starred map[string][]domain.RepositoryRef
	errs    map[string]error
	rate    domain.RateLimitStatus
}

func (r *stubRemote) FetchStarredRepositories(_ context.Context, login string, _ int) ([]domain.RepositoryRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[login]; err != nil {
		return nil, err
	}
	return r.starred[login], nil
}

func (r *stubRemote) FetchStargazers(context.Context, domain.RepositoryRef, int) ([]string, error) {
	return nil, nil
}

func (r *stubRemote) RateLimitStatus(context.Context) (domain.RateLimitStatus, error) {
	return r.rate, nil
}

func (r *stubRemote) AuthenticatedLogin(context.Context) (string, error) {
	return r.login, nil
}

type stubFactory struct{ remote port.RemoteData }

func (f stubFactory) ForUser(*domain.User) port.RemoteData { return f.remote }

// scriptedLLM 画像请求返回固定画像，打分请求按仓库名查表
type scriptedLLM struct {
	scores map[string]float64
}

func (l *scriptedLLM) Complete(_ context.Context, prompt string) (string, error) {
	if !strings.Contains(prompt, "Candidate repository:") {
		return `{"summary":"Enjoys small Go developer tools","languages":["Go"],"interests":["cli","devtools"],"patterns":["minimal dependencies"]}`, nil
	}
	_, rest, _ := strings.Cut(prompt, "Name: ")
	name, _, _ := strings.Cut(rest, "\n")
	score, ok := l.scores[name]
	if !ok {
		return "not json", nil
	}
	return fmt.Sprintf(`{"score": %g, "reason": "fits the profile: %s"}`, score, name), nil
}

type mockFinder struct {
	mock.Mock
}

func (m *mockFinder) FindSimilarUsers(ctx context.Context, remote port.RemoteData, self string, starred []domain.RepositoryRef, sampleSizePerRepo, maxCandidateUsers int) ([]domain.SimilarUser, error) {
	args := m.Called(ctx, remote, self, starred, sampleSizePerRepo, maxCandidateUsers)
	users, _ := args.Get(0).([]domain.SimilarUser)
	return users, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyRecommendations(ctx context.Context, user *domain.User, recs []domain.Recommendation) error {
	args := m.Called(ctx, user, recs)
	return args.Error(0)
}

type panicScorer struct{}

func (panicScorer) ScoreCandidates(context.Context, []domain.CandidateRepository, *domain.TasteProfile) ([]domain.Recommendation, error) {
	panic("index out of range")
}

func ref(id int64, name string, stars int) domain.RepositoryRef {
	owner, repo, _ := strings.Cut(name, "/")
	return domain.RepositoryRef{
		ID: id, Owner: owner, Name: repo, FullName: name, Stars: stars, Language: "Go",
		URL: "https://github.com/" + name,
	}
}

type fixture struct {
	store    *memStore
	remote   *stubRemote
	registry *jobs.Registry
	finder   *mockFinder
	notifier *mockNotifier
	llm      *scriptedLLM
	deps     Deps
}

func newFixture() *fixture {
	logger := zap.NewNop()
	f := &fixture{
		store: newMemStore(domain.User{ID: 1, Login: "octocat", AccessToken: "token"}),
		remote: &stubRemote{
			login: "octocat",
			starred: map[string][]domain.RepositoryRef{
				"": {ref(1, "own/one", 900), ref(2, "own/two", 500), ref(3, "own/three", 100)},
				"alice": {
					ref(1, "own/one", 900), ref(10, "acme/ten", 40),
					ref(11, "acme/eleven", 300), ref(12, "acme/twelve", 120),
				},
				"bob": {ref(11, "acme/eleven", 300), ref(13, "acme/thirteen", 80), ref(14, "acme/fourteen", 60), ref(2, "own/two", 500)},
			},
			rate: domain.RateLimitStatus{Limit: 5000, Remaining: 4990},
		},
		registry: jobs.NewRegistry(),
		finder:   &mockFinder{},
		notifier: &mockNotifier{},
		llm: &scriptedLLM{scores: map[string]float64{
			"acme/ten": 0.55, "acme/eleven": 0.9, "acme/twelve": 0.7,
			"acme/thirteen": 0.45, "acme/fourteen": 0.8,
		}},
	}
	f.deps = Deps{
		Store:    f.store,
		Remotes:  stubFactory{remote: f.remote},
		Jobs:     f.registry,
		Profiler: analyzer.NewProfileAnalyzer(f.llm, analyzer.DefaultConfig(), logger),
		Finder:   f.finder,
		Gatherer: similarity.NewGatherer(similarity.DefaultGathererConfig(), logger),
		Scorer:   scoring.NewEngine(f.llm, scoring.DefaultConfig(), logger),
		Notifier: f.notifier,
	}
	return f
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(f.deps, DefaultOptions(), zap.NewNop())
}

func threeStars(r []domain.RepositoryRef) bool { return len(r) == 3 }

func TestPipeline_SyncThenGenerate(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	ctx := context.Background()

	f.finder.On("FindSimilarUsers", mock.Anything, f.remote, "octocat", mock.MatchedBy(threeStars), 100, 50).
		Return([]domain.SimilarUser{{Login: "alice", Overlap: 2, Score: 0.6}, {Login: "bob", Overlap: 1, Score: 0.3}}, nil)
	f.notifier.On("NotifyRecommendations", mock.Anything, mock.Anything, mock.MatchedBy(func(r []domain.Recommendation) bool {
		return len(r) == 5
	})).Return(nil)

	require.NoError(t, p.RunSync(ctx, 1))
	syncState, err := p.JobStatus(1, domain.JobSync)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, syncState.Status)
	assert.Equal(t, "Synced 3 starred repositories", syncState.Message)

	require.NoError(t, p.RunGenerate(ctx, 1))
	genState, err := p.JobStatus(1, domain.JobGenerate)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, genState.Status)
	assert.Equal(t, 100, genState.Progress)
	assert.Equal(t, "Generated 5 recommendations", genState.Message)

	profile, err := p.Profile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Go"}, profile.Languages)

	page, err := p.Recommendations(ctx, 1, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 5)
	assert.EqualValues(t, 5, page.Total)

	var names []string
	for i, rec := range page.Items {
		names = append(names, rec.Repo.FullName)
		if i > 0 {
			assert.GreaterOrEqual(t, page.Items[i-1].Score, rec.Score)
		}
		assert.NotEqual(t, int64(1), rec.Repo.ID)
		assert.NotEqual(t, int64(2), rec.Repo.ID)
	}
	assert.Equal(t, []string{"acme/eleven", "acme/fourteen", "acme/twelve", "acme/ten", "acme/thirteen"}, names)
	assert.ElementsMatch(t, []string{"alice", "bob"}, page.Items[0].SourceUsers)

	f.finder.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestPipeline_TriggerGenerateTwice(t *testing.T) {
	f := newFixture()
	f.store.starred[1] = f.remote.starred[""]
	p := f.pipeline()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.finder.On("FindSimilarUsers", mock.Anything, mock.Anything, "octocat", mock.Anything, 100, 50).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]domain.SimilarUser{}, nil).Once()

	first, err := p.TriggerGenerate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, first.Status)

	<-started
	_, err = p.TriggerGenerate(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrAlreadyRunning)

	// 另一类任务不受影响
	_, err = p.TriggerSync(ctx, 1)
	assert.NoError(t, err)

	running, err := p.JobStatus(1, domain.JobGenerate)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, running.RunID)
	assert.Equal(t, domain.JobInProgress, running.Status)

	close(release)
	p.Wait()

	done, err := p.JobStatus(1, domain.JobGenerate)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, first.RunID, done.RunID)
	assert.Contains(t, done.Message, "No users with similar taste")
	f.finder.AssertNumberOfCalls(t, "FindSimilarUsers", 1)
}

func TestPipeline_JobFailures(t *testing.T) {
	tests := []struct {
		name        string
		kind        domain.JobKind
		setup       func(f *fixture)
		wantCode    string
		wantMessage string
	}{
		{
			name: "没有 star 时画像失败",
			kind: domain.JobGenerate,
			setup: func(f *fixture) {
				f.store.starred[1] = nil
			},
			wantCode:    common.ErrCodeInsufficientData,
			wantMessage: "No starred repositories found. Star a few repositories on GitHub and sync again.",
		},
		{
			name: "同步时配额耗尽且不等待",
			kind: domain.JobSync,
			setup: func(f *fixture) {
				f.remote.errs = map[string]error{
					"": common.WrapError(common.ErrCodeRateLimited, "GitHub rate limit exceeded, resets at 10:00:00", nil),
				}
			},
			wantCode:    common.ErrCodeRateLimited,
			wantMessage: "GitHub rate limit exceeded, resets at 10:00:00",
		},
		{
			name: "保存快照失败不暴露底层错误",
			kind: domain.JobSync,
			setup: func(f *fixture) {
				f.store.saveErr = common.WrapError(common.ErrCodeDatabase, "database operation failed", fmt.Errorf("pq: relation missing"))
			},
			wantCode:    common.ErrCodeDatabase,
			wantMessage: "database operation failed",
		},
		{
			name: "打分阶段 panic",
			kind: domain.JobGenerate,
			setup: func(f *fixture) {
				f.store.starred[1] = f.remote.starred[""]
				f.finder.On("FindSimilarUsers", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
					Return([]domain.SimilarUser{{Login: "alice", Overlap: 2, Score: 0.6}}, nil)
				f.deps.Scorer = panicScorer{}
			},
			wantCode:    common.ErrCodeInternal,
			wantMessage: "job crashed unexpectedly",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)
			p := f.pipeline()

			var err error
			if tt.kind == domain.JobSync {
				err = p.RunSync(context.Background(), 1)
			} else {
				err = p.RunGenerate(context.Background(), 1)
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, common.CodeOf(err))

			state, _ := p.JobStatus(1, tt.kind)
			assert.Equal(t, domain.JobError, state.Status)
			assert.Equal(t, tt.wantMessage, state.Message)
			assert.NotEmpty(t, state.Error)
			assert.False(t, state.Active())
		})
	}
}

func TestPipeline_NotifierFailureDoesNotFailJob(t *testing.T) {
	f := newFixture()
	f.store.starred[1] = f.remote.starred[""]
	f.finder.On("FindSimilarUsers", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.SimilarUser{{Login: "alice", Overlap: 2, Score: 0.6}}, nil)
	f.notifier.On("NotifyRecommendations", mock.Anything, mock.Anything, mock.Anything).
		Return(common.NewError(common.ErrCodeNotification, "webhook down"))
	p := f.pipeline()

	require.NoError(t, p.RunGenerate(context.Background(), 1))
	state, _ := p.JobStatus(1, domain.JobGenerate)
	assert.Equal(t, domain.JobCompleted, state.Status)
	assert.Equal(t, "Generated 3 recommendations", state.Message)
}

func TestPipeline_NoRecommendationsNotPersisted(t *testing.T) {
	f := newFixture()
	f.store.starred[1] = f.remote.starred[""]
	f.llm.scores = map[string]float64{"acme/ten": 0.1, "acme/eleven": 0.2, "acme/twelve": 0.3}
	f.finder.On("FindSimilarUsers", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.SimilarUser{{Login: "alice", Overlap: 2, Score: 0.6}}, nil)
	p := f.pipeline()

	require.NoError(t, p.RunGenerate(context.Background(), 1))
	state, _ := p.JobStatus(1, domain.JobGenerate)
	assert.Equal(t, domain.JobCompleted, state.Status)
	assert.Contains(t, state.Message, "No candidate matched")
	assert.Empty(t, f.store.batches)
	f.notifier.AssertNotCalled(t, "NotifyRecommendations", mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_UnknownUser(t *testing.T) {
	f := newFixture()
	p := f.pipeline()

	_, err := p.TriggerSync(context.Background(), 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNotFound)

	state, err := p.JobStatus(42, domain.JobSync)
	require.NoError(t, err)
	assert.Equal(t, domain.JobIdle, state.Status)
}

func TestPipeline_ShutdownAbortsRunningJob(t *testing.T) {
	f := newFixture()
	f.store.starred[1] = f.remote.starred[""]
	started := make(chan struct{})
	f.finder.On("FindSimilarUsers", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)
	p := f.pipeline()

	_, err := p.TriggerGenerate(context.Background(), 1)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	state, _ := p.JobStatus(1, domain.JobGenerate)
	assert.Equal(t, domain.JobError, state.Status)
	assert.Equal(t, "job aborted because the server is shutting down", state.Message)

	_, err = p.TriggerSync(context.Background(), 1)
	assert.Error(t, err)
}

func TestPipeline_Queries(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	ctx := context.Background()

	t.Run("未知任务类型", func(t *testing.T) {
		_, err := p.JobStatus(1, domain.JobKind("refresh"))
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("尚未生成画像", func(t *testing.T) {
		_, err := p.Profile(ctx, 1)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("star 快照分页", func(t *testing.T) {
		f.store.starred[1] = f.remote.starred[""]
		page, err := p.Starred(ctx, 1, 2, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 3, page.Total)
		assert.Equal(t, 2, page.Page)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "own/three", page.Items[0].FullName)
	})

	t.Run("空推荐返回空数组", func(t *testing.T) {
		page, err := p.Recommendations(ctx, 1, 0, 0)
		require.NoError(t, err)
		assert.NotNil(t, page.Items)
		assert.Empty(t, page.Items)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, domain.DefaultPerPage, page.PerPage)
	})

	t.Run("反馈", func(t *testing.T) {
		require.NoError(t, f.store.SaveRecommendations(ctx, 1, "batch", []domain.Recommendation{{Repo: ref(10, "acme/ten", 1), Score: 0.5}}))
		recID := f.store.recs[1][0].ID

		assert.ErrorIs(t, p.SetFeedback(ctx, recID, domain.Feedback("love")), common.ErrInvalidInput)
		require.NoError(t, p.SetFeedback(ctx, recID, domain.FeedbackPositive))
		assert.Equal(t, domain.FeedbackPositive, f.store.recs[1][0].Feedback)
		assert.ErrorIs(t, p.SetFeedback(ctx, 999, domain.FeedbackNegative), common.ErrNotFound)
	})

	t.Run("配额查询", func(t *testing.T) {
		rate, err := p.RateLimit(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 4990, rate.Remaining)
	})

	t.Run("用户列表", func(t *testing.T) {
		users, err := p.Users(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "octocat", users[0].Login)
	})
}
