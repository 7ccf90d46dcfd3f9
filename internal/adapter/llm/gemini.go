package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github-star-miner/internal/common"
	"github-star-miner/internal/metrics"
)

// DefaultGeminiModel 默认使用的 Gemini 模型
const DefaultGeminiModel = "gemini-2.5-flash-lite"

// Gemini 实现了 port.Completer 接口
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *zap.Logger
}

// NewGemini 初始化 Gemini 客户端，modelName 为空时使用默认模型
func NewGemini(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// 强制要求返回 JSON，降低解析错误的概率
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)

	return &Gemini{
		client: client,
		model:  model,
		logger: logger.Named("gemini"),
	}, nil
}

// Complete 发送 prompt，返回模型的原始文本；JSON 解析交给调用方
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	metrics.RecordLLMCall("gemini", err, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.Warn("Gemini 调用失败", zap.Error(err))
		return "", common.WrapError(common.ErrCodeModelUnavailable, "language model request failed", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return "", common.WrapError(common.ErrCodeMalformedOutput, "language model returned no content", err)
	}

	g.logger.Debug("Gemini 调用完成",
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

// Close 释放底层连接
func (g *Gemini) Close() error {
	return g.client.Close()
}

// responseText 拼接第一个候选里的所有文本片段
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("response has no text parts")
	}
	return b.String(), nil
}
