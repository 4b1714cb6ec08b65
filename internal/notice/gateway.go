package notice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// GatewaySender 消息网关发送器，覆盖 weixin / sms / voice / wxwork-bot / bkchat 等
// 由统一消息网关代发的渠道。网关按通知方式路由，请求体为 JSON。
type GatewaySender struct {
	baseURL    string
	appCode    string
	appSecret  string
	httpClient *http.Client
	logger     *zap.Logger
}

type gatewayRequest struct {
	NoticeWay    string   `json:"msg_type"`
	Receivers    []string `json:"receiver__username"`
	Title        string   `json:"title,omitempty"`
	Content      string   `json:"content"`
	MentionUsers []string `json:"mention_users,omitempty"`
	AppCode      string   `json:"bk_app_code"`
	AppSecret    string   `json:"bk_app_secret"`
}

type gatewayResponse struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		// 按接收人返回的失败明细，成功的接收人不出现
		Failed map[string]string `json:"failed,omitempty"`
	} `json:"data"`
}

// NewGatewaySender 创建消息网关发送器
func NewGatewaySender(baseURL string, timeout time.Duration, logger *zap.Logger) *GatewaySender {
	return &GatewaySender{
		baseURL:    baseURL,
		appCode:    os.Getenv("BK_APP_CODE"),
		appSecret:  os.Getenv("BK_APP_SECRET"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send 一次请求投递全部接收人，网关返回逐人失败明细
func (s *GatewaySender) Send(ctx context.Context, msg *Message) []Result {
	resp, err := s.post(ctx, msg)
	if err != nil {
		failureType := models.FailureSystem
		if errors.Is(err, context.DeadlineExceeded) {
			failureType = models.FailureTimeout
		}
		results := make([]Result, 0, len(msg.Receivers))
		for _, receiver := range msg.Receivers {
			results = append(results, Result{
				Receiver:    receiver,
				Message:     err.Error(),
				FailureType: failureType,
			})
		}
		return results
	}

	results := make([]Result, 0, len(msg.Receivers))
	for _, receiver := range msg.Receivers {
		if detail, failed := resp.Data.Failed[receiver]; failed {
			results = append(results, Result{
				Receiver:    receiver,
				Message:     detail,
				FailureType: models.FailureUser,
			})
			continue
		}
		results = append(results, Result{Receiver: receiver, OK: true})
	}
	return results
}

func (s *GatewaySender) post(ctx context.Context, msg *Message) (*gatewayResponse, error) {
	body, err := json.Marshal(gatewayRequest{
		NoticeWay:    msg.NoticeWay,
		Receivers:    msg.Receivers,
		Title:        msg.Title,
		Content:      msg.Content,
		MentionUsers: msg.MentionUsers,
		AppCode:      s.appCode,
		AppSecret:    s.appSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/c/compapi/cmsi/send_msg/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer httpResp.Body.Close()

	var resp gatewayResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if !resp.Result {
		return nil, fmt.Errorf("gateway rejected message: [%d] %s", resp.Code, resp.Message)
	}
	return &resp, nil
}
