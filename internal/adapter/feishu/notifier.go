package feishu

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github-star-miner/internal/common"
	"github-star-miner/internal/domain"
)

// 卡片里最多展示的推荐条数
const defaultDigestSize = 5

type Notifier struct {
	webhookURL string
	client     *http.Client
	digestSize int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewNotifier(webhook string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("feishu")
	if webhook == "" {
		logger.Warn("⚠️ 飞书 Webhook 为空，推荐摘要推送将无法工作")
	}
	return &Notifier{
		webhookURL: webhook,
		client:     &http.Client{Timeout: 10 * time.Second},
		digestSize: defaultDigestSize,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
	}
}

// NotifyRecommendations 把一批推荐的前几条以卡片 (Schema 2.0) 形式推送到飞书
func (n *Notifier) NotifyRecommendations(ctx context.Context, user *domain.User, recs []domain.Recommendation) error {
	if n.webhookURL == "" {
		return common.NewError(common.ErrCodeInvalidInput, "Webhook URL 为空")
	}
	if user == nil || len(recs) == 0 {
		return nil
	}

	body, err := json.Marshal(n.buildCard(user, recs))
	if err != nil {
		return fmt.Errorf("编码飞书卡片失败: %w", err)
	}

	err = common.Do(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, postErr := n.client.Do(req)
		if postErr != nil {
			return postErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("飞书 API 报错: 状态码 %d", resp.StatusCode)
		}
		return nil
	},
		common.WithMaxRetries(3),
		common.WithInitialDelay(n.retryDelay),
		common.WithRetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		return common.WrapError(common.ErrCodeNotification, "发送飞书推荐摘要失败", err)
	}

	n.logger.Info("📨 推荐摘要已推送",
		zap.String("login", user.Login),
		zap.Int("count", min(len(recs), n.digestSize)))
	return nil
}

func (n *Notifier) buildCard(user *domain.User, recs []domain.Recommendation) map[string]any {
	top := recs
	if len(top) > n.digestSize {
		top = top[:n.digestSize]
	}

	var md strings.Builder
	for i, rec := range top {
		if i > 0 {
			md.WriteString("\n---\n")
		}
		fmt.Fprintf(&md, "**%d. [%s](%s)**  ⭐ %d", i+1, rec.Repo.FullName, rec.Repo.URL, rec.Repo.Stars)
		if rec.Repo.Language != "" {
			fmt.Fprintf(&md, "  |  **语言:** %s", rec.Repo.Language)
		}
		fmt.Fprintf(&md, "\n**🏆 匹配度:** %.0f/100\n", rec.Score*100)
		if rec.Reason != "" {
			fmt.Fprintf(&md, "**🤖 推荐理由:** %s\n", rec.Reason)
		}
		if len(rec.SourceUsers) > 0 {
			fmt.Fprintf(&md, "**👥 来自:** %s\n", strings.Join(rec.SourceUsers, ", "))
		}
	}

	return map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"schema": "2.0",
			"config": map[string]any{
				"update_multi": true,
			},
			"header": map[string]any{
				"title": map[string]any{
					"tag":     "plain_text",
					"content": fmt.Sprintf("✨ 给 %s 的 %d 个新推荐", user.Login, len(recs)),
				},
				"template": "blue",
			},
			"body": map[string]any{
				"direction": "vertical",
				"elements": []map[string]any{
					{
						"tag":       "markdown",
						"content":   md.String(),
						"text_size": "normal",
					},
					{
						"tag": "button",
						"text": map[string]any{
							"tag":     "plain_text",
							"content": "🔗 查看首个推荐",
						},
						"type": "primary",
						"behaviors": []map[string]any{
							{
								"type":        "open_url",
								"default_url": top[0].Repo.URL,
							},
						},
					},
				},
			},
		},
	}
}
