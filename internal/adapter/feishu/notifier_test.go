package feishu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

// mockFeishuServer 创建模拟的飞书 Webhook 服务器
func mockFeishuServer(t *testing.T, statusCode int, validatePayload func(*testing.T, map[string]any)) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		var payload map[string]any
		assert.NoError(t, json.Unmarshal(body, &payload))

		if validatePayload != nil {
			validatePayload(t, payload)
		}

		w.WriteHeader(statusCode)
		w.Write([]byte(`{"code": 0, "msg": "success"}`))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func newTestNotifier(url string) *Notifier {
	n := NewNotifier(url, nil)
	n.retryDelay = time.Millisecond
	return n
}

func sampleRecs(n int) []domain.Recommendation {
	recs := make([]domain.Recommendation, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, domain.Recommendation{
			ID: uint(i + 1),
			Repo: domain.RepositoryRef{
				FullName: "acme/tool-" + string(rune('a'+i)),
				URL:      "https://github.com/acme/tool-" + string(rune('a'+i)),
				Stars:    100 * (i + 1),
				Language: "Go",
			},
			Score:       0.9 - float64(i)*0.1,
			Reason:      "贴合你对 CLI 工具的偏好",
			SourceUsers: []string{"alice"},
		})
	}
	return recs
}

func TestNotifier_NotifyRecommendations(t *testing.T) {
	user := &domain.User{ID: 1, Login: "octocat"}

	tests := []struct {
		name      string
		recs      []domain.Recommendation
		validate  func(*testing.T, map[string]any)
		wantCalls int32
	}{
		{
			name: "成功发送推荐摘要",
			recs: sampleRecs(2),
			validate: func(t *testing.T, payload map[string]any) {
				assert.Equal(t, "interactive", payload["msg_type"])
				card := payload["card"].(map[string]any)
				assert.Equal(t, "2.0", card["schema"])

				title := card["header"].(map[string]any)["title"].(map[string]any)
				assert.Contains(t, title["content"], "octocat")
				assert.Contains(t, title["content"], "2 个新推荐")

				elements := card["body"].(map[string]any)["elements"].([]any)
				require.Len(t, elements, 2)
				md := elements[0].(map[string]any)["content"].(string)
				assert.Contains(t, md, "acme/tool-a")
				assert.Contains(t, md, "acme/tool-b")
				assert.Contains(t, md, "90/100")
				assert.Contains(t, md, "贴合你对 CLI 工具的偏好")
				assert.Contains(t, md, "alice")

				button := elements[1].(map[string]any)
				behaviors := button["behaviors"].([]any)
				assert.Equal(t, "https://github.com/acme/tool-a", behaviors[0].(map[string]any)["default_url"])
			},
			wantCalls: 1,
		},
		{
			name: "超过摘要上限只展示前几条",
			recs: sampleRecs(8),
			validate: func(t *testing.T, payload map[string]any) {
				card := payload["card"].(map[string]any)
				elements := card["body"].(map[string]any)["elements"].([]any)
				md := elements[0].(map[string]any)["content"].(string)
				assert.Contains(t, md, "acme/tool-e")
				assert.NotContains(t, md, "acme/tool-f")
			},
			wantCalls: 1,
		},
		{
			name:      "没有推荐时不发送",
			recs:      nil,
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, hits := mockFeishuServer(t, http.StatusOK, tt.validate)
			notifier := newTestNotifier(server.URL)

			err := notifier.NotifyRecommendations(context.Background(), user, tt.recs)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantCalls, hits.Load())
		})
	}
}

func TestNotifier_NotifyRecommendations_ErrorCases(t *testing.T) {
	user := &domain.User{ID: 1, Login: "octocat"}

	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{name: "飞书 API 返回 400 错误", status: http.StatusBadRequest, wantCode: common.ErrCodeNotification},
		{name: "飞书 API 返回 500 错误", status: http.StatusInternalServerError, wantCode: common.ErrCodeNotification},
		{name: "飞书 API 返回 403 Forbidden", status: http.StatusForbidden, wantCode: common.ErrCodeNotification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, hits := mockFeishuServer(t, tt.status, nil)
			notifier := newTestNotifier(server.URL)

			err := notifier.NotifyRecommendations(context.Background(), user, sampleRecs(1))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, common.CodeOf(err))
			assert.Contains(t, err.Error(), "飞书 API 报错")
			// 首次请求 + 3 次重试
			assert.Equal(t, int32(4), hits.Load())
		})
	}

	t.Run("Webhook URL 为空", func(t *testing.T) {
		notifier := newTestNotifier("")
		err := notifier.NotifyRecommendations(context.Background(), user, sampleRecs(1))
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})
}

func TestNotifier_NotifyRecommendations_RecoversAfterRetry(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := newTestNotifier(server.URL)
	err := notifier.NotifyRecommendations(context.Background(), &domain.User{Login: "octocat"}, sampleRecs(1))
	assert.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNotifier_NotifyRecommendations_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	slowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slowServer.Close()
	defer close(release)

	notifier := newTestNotifier(slowServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := notifier.NotifyRecommendations(ctx, &domain.User{Login: "octocat"}, sampleRecs(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewNotifier(t *testing.T) {
	n := NewNotifier("https://open.feishu.cn/open-apis/bot/v2/hook/abc", nil)
	assert.Equal(t, "https://open.feishu.cn/open-apis/bot/v2/hook/abc", n.webhookURL)
	assert.Equal(t, defaultDigestSize, n.digestSize)
	assert.NotNil(t, n.client)
	assert.NotNil(t, n.logger)
}
