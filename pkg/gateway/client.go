package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Interface 动作执行器依赖的外部投递能力
type Interface interface {
	SendWhatsApp(ctx context.Context, msg *WhatsAppMessage) (*SendResult, error)
	SendEmail(ctx context.Context, msg *EmailMessage) (*SendResult, error)
	PostWebhook(ctx context.Context, tenantID uint, method, url string, headers map[string]string, body interface{}) (int, error)
	SendConversion(ctx context.Context, evt *ConversionEvent) error
}

// Client 消息网关 HTTP 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// StatusError is returned for HTTP responses >= 400.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error [%d]: %s", e.StatusCode, e.Message)
}

// NewClient 创建网关客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) createRequest(ctx context.Context, method, target string, tenantID uint, body interface{}) (*http.Request, error) {
	url := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		url = c.baseURL + target
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Leadflow-Gateway-Client/1.0")
	if tenantID != 0 {
		req.Header.Set("X-Tenant-ID", strconv.FormatUint(uint64(tenantID), 10))
	}
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("gateway: %s %s -> %d", req.Method, req.URL.String(), resp.StatusCode)

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// 带重试的请求（仅网络错误与 5xx/429 重试）
func (c *Client) doRequestWithRetry(ctx context.Context, method, target string, tenantID uint, headers map[string]string, body, result interface{}) (int, error) {
	var (
		lastErr error
		status  int
	)
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return status, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("gateway retry attempt %d/%d for %s", attempt, c.config.MaxRetries, target)
		}

		req, err := c.createRequest(ctx, method, target, tenantID, body)
		if err != nil {
			return 0, err
		}
		// 外部 webhook 不携带网关密钥
		if c.apiKey != "" && !strings.HasPrefix(target, "http") {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		status, err = c.doRequest(req, result)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !shouldRetry(err) {
			break
		}
	}
	return status, lastErr
}

func shouldRetry(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// SendWhatsApp 通过租户的 WhatsApp 会话发送文本
func (c *Client) SendWhatsApp(ctx context.Context, msg *WhatsAppMessage) (*SendResult, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("whatsapp recipient is required")
	}
	if msg.Text == "" {
		return nil, fmt.Errorf("whatsapp text is required")
	}
	var res SendResult
	if _, err := c.doRequestWithRetry(ctx, http.MethodPost, "/v1/whatsapp/messages", msg.TenantID, nil, msg, &res); err != nil {
		return nil, fmt.Errorf("send whatsapp: %w", err)
	}
	return &res, nil
}

// SendEmail 发送邮件
func (c *Client) SendEmail(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("email recipient is required")
	}
	if msg.Subject == "" {
		return nil, fmt.Errorf("email subject is required")
	}
	var res SendResult
	if _, err := c.doRequestWithRetry(ctx, http.MethodPost, "/v1/email/messages", msg.TenantID, nil, msg, &res); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return &res, nil
}

// PostWebhook calls an arbitrary tenant-configured URL.
func (c *Client) PostWebhook(ctx context.Context, tenantID uint, method, url string, headers map[string]string, body interface{}) (int, error) {
	if url == "" {
		return 0, fmt.Errorf("webhook url is required")
	}
	if method == "" {
		method = http.MethodPost
	}
	status, err := c.doRequestWithRetry(ctx, strings.ToUpper(method), url, tenantID, headers, body, nil)
	if err != nil {
		return status, fmt.Errorf("call webhook: %w", err)
	}
	return status, nil
}

// SendConversion 回传转化事件
func (c *Client) SendConversion(ctx context.Context, evt *ConversionEvent) error {
	if evt.Name == "" {
		return fmt.Errorf("conversion event name is required")
	}
	if evt.EventTime.IsZero() {
		evt.EventTime = time.Now().UTC()
	}
	if _, err := c.doRequestWithRetry(ctx, http.MethodPost, "/v1/conversions", evt.TenantID, nil, evt, nil); err != nil {
		return fmt.Errorf("send conversion: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "/health", 0, nil)
	if err != nil {
		return err
	}
	if _, err := c.doRequest(req, nil); err != nil {
		return fmt.Errorf("gateway health check: %w", err)
	}
	return nil
}
