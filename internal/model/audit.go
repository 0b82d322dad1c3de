package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TableMode 决定审计记录落一张表还是拆成请求/响应两张表
type TableMode string

const (
	TableModeSingle TableMode = "Single"
	TableModeSplit  TableMode = "Split"
)

// Direction 标识拆表模式下的物理行
const (
	DirectionRequest  = "Request"
	DirectionResponse = "Response"
)

// 审计表中受限文本列的宽度, 入口处按这些上限截断或拒绝
const (
	MaxCorrelationIDLen = 128
	MaxCallerSystemLen  = 100
	MaxRequestPathLen   = 500
	MaxOperationLen     = 200
)

// ClipRunes truncates s to at most n runes.
func ClipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// ParseTableMode accepts "single"/"split" in any case.
func ParseTableMode(raw string) (TableMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "single":
		return TableModeSingle, nil
	case "split":
		return TableModeSplit, nil
	default:
		return "", fmt.Errorf("table mode must be either 'Single' or 'Split', got %q", raw)
	}
}

// AuditRecord 代表一次上游调用的审计记录 (创建后不可变)
type AuditRecord struct {
	ID           int64  `json:"id"`        // 存储分配的自增主键
	APIName      string `json:"api_name"`  // 上游 API 逻辑名
	Operation    string `json:"operation"` // 逻辑操作名, 如 CreateWidget
	Direction    string `json:"direction"` // Request / Response / 表模式标签
	CallerSystem string `json:"caller_system,omitempty"`

	StatusCode   int    `json:"status_code"`
	ErrorCode    string `json:"error_code,omitempty"`    // 仅 StatusCode >= 400
	ErrorMessage string `json:"error_message,omitempty"` // 仅 StatusCode >= 400

	HTTPMethod  string `json:"http_method"`
	RequestPath string `json:"request_path"`

	// 脱敏后的 JSON 文本
	RequestPayload  string `json:"request_payload,omitempty"`
	ResponsePayload string `json:"response_payload,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`

	RequestTimestampUTC  time.Time `json:"request_timestamp_utc"`
	ResponseTimestampUTC time.Time `json:"response_timestamp_utc"`
	DurationMs           int64     `json:"duration_ms"`
}
