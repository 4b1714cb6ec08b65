package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Caller 外部 API 调用器。function 为步骤函数名，
// inputs 为绑定求值后的入参，返回值并入执行上下文。
type Caller interface {
	Call(ctx context.Context, function string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// WebhookCaller 回调插件的调用器，按入参直接请求目标地址
type WebhookCaller struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookCaller 创建回调调用器
func NewWebhookCaller(timeout time.Duration, logger *zap.Logger) *WebhookCaller {
	return &WebhookCaller{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Call 发起回调请求。入参约定：
//
//	url     目标地址（必填）
//	method  请求方法，缺省 POST
//	headers 请求头 map
//	body    原始请求体字符串，或键值 map（作为 JSON 发送）
//
// 返回 {"status_code": N, "content": "..."}
func (c *WebhookCaller) Call(ctx context.Context, function string, inputs map[string]interface{}) (map[string]interface{}, error) {
	rawURL, _ := inputs["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	method := http.MethodPost
	if m, ok := inputs["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	contentType := "application/json"
	switch b := inputs["body"].(type) {
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	case map[string]interface{}:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal webhook body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if headers, ok := inputs["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	c.logger.Debug("回调请求完成",
		zap.String("url", rawURL),
		zap.Int("status_code", resp.StatusCode),
	)
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"content":     string(content),
	}, nil
}

// APICaller 平台插件（作业、标准运维、流程服务）的调用器，
// 统一走网关按函数名路由到各平台接口。
type APICaller struct {
	baseURL    string
	pluginKey  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPICaller 创建平台接口调用器
func NewAPICaller(baseURL, pluginKey string, timeout time.Duration, logger *zap.Logger) *APICaller {
	return &APICaller{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pluginKey:  pluginKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Call 调用 {baseURL}/{pluginKey}/{function}/，响应的 data 字段并入上下文
func (c *APICaller) Call(ctx context.Context, function string, inputs map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal api inputs: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/", c.baseURL, c.pluginKey, function)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build api request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	var apiResp struct {
		Result  bool                   `json:"result"`
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode api response: %w", err)
	}
	if !apiResp.Result {
		return nil, fmt.Errorf("api call %s failed: [%d] %s", function, apiResp.Code, apiResp.Message)
	}
	return apiResp.Data, nil
}
