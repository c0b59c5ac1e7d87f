package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"fenyr-trader/internal/config"
)

// Client 封装 OpenAI 调用逻辑，支持工具调用式多轮对话。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Chat 发起一轮对话请求，返回模型回复（可能包含工具调用）。
// 对限流与服务端错误做指数退避重试，其余错误直接返回。
func (c *Client) Chat(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	request := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: 0,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		response, err := c.sdk.CreateChatCompletion(ctx, request)
		if err == nil {
			if len(response.Choices) == 0 {
				return openai.ChatCompletionMessage{}, errors.New("OpenAI 返回结果为空")
			}
			return response.Choices[0].Message, nil
		}

		lastErr = err
		if !isRetryableAPIError(err) {
			c.logger.Error("调用OpenAI失败", zap.Error(err))
			return openai.ChatCompletionMessage{}, fmt.Errorf("调用OpenAI失败: %w", err)
		}

		if attempt == c.cfg.MaxRetries {
			break
		}

		backoff := time.Duration(attempt) * 2 * time.Second
		c.logger.Warn("OpenAI调用被限流或暂时不可用，准备重试",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return openai.ChatCompletionMessage{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return openai.ChatCompletionMessage{}, fmt.Errorf("调用OpenAI失败(重试%d次): %w", c.cfg.MaxRetries, lastErr)
}

func isRetryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}

	return false
}
