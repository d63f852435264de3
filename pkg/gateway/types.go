package gateway

import "time"

// Config 网关客户端配置
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:9100",
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}

// WhatsAppMessage is sent through the tenant's connected WhatsApp session.
type WhatsAppMessage struct {
	TenantID uint   `json:"tenant_id"`
	Session  string `json:"session,omitempty"`
	To       string `json:"to"`
	Text     string `json:"text"`
}

type EmailMessage struct {
	TenantID uint   `json:"tenant_id"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	HTML     bool   `json:"html"`
}

// ConversionEvent is forwarded to the ads integration (offline conversions).
type ConversionEvent struct {
	TenantID  uint                   `json:"tenant_id"`
	Name      string                 `json:"event_name"`
	LeadID    uint                   `json:"lead_id"`
	Email     string                 `json:"email,omitempty"`
	Phone     string                 `json:"phone,omitempty"`
	Value     float64                `json:"value,omitempty"`
	Currency  string                 `json:"currency,omitempty"`
	EventTime time.Time              `json:"event_time"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// SendResult 网关回执
type SendResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
