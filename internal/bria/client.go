package bria

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bria-masktools/common"
)

const (
	// 默认接口地址
	defaultBaseURL = "https://engine.prod.bria-api.com/v1"
	// 与插件一致的 User-Agent
	defaultUserAgent = "Krita-Bria-MaskTools/1.0"
	// 单次请求超时
	defaultTimeout = 30 * time.Second
	// 首次失败后的固定退避时间
	defaultRetryBackoff = 1 * time.Second
	// 最多发送次数（首次 + 一次重试）
	maxAttempts = 2

	// 单个结果文件与结果压缩包的大小上限
	defaultMaxEntryBytes   = 50 * 1024 * 1024
	defaultMaxArchiveBytes = 100 * 1024 * 1024

	// 蒙版生成前输入图最长边上限
	maskGenerateMaxEdge = 800

	// 认证头名称
	apiTokenHeader = "api_token"
	// API Key 最小长度
	minAPIKeyLength = 10
)

// Client Bria 图像编辑接口客户端，驱动抠图、蒙版擦除与蒙版生成三个操作。
//
// 每次调用的临时缓冲区都是局部变量，调用之间不共享可变状态；
// 宿主文档模型不支持并发修改，批量处理时由调用方顺序调用。
type Client struct {
	httpClient *http.Client

	baseURL   string
	apiKey    string
	userAgent string

	timeout      time.Duration
	retryBackoff time.Duration

	maxEntryBytes   int64
	maxArchiveBytes int64
	// isAuxiliary 判断压缩包条目是否为非蒙版的辅助输出（如全景分割图）
	isAuxiliary func(name string) bool
}

// Config Bria 客户端配置
type Config struct {
	BaseURL   string
	APIKey    string // 默认凭证，可被 RequestOptions.APIKey 覆盖
	UserAgent string

	Timeout      time.Duration // 单次请求超时
	RetryBackoff time.Duration // 重试前等待时间，0 使用默认 1 秒，负值不等待

	MaxEntryBytes   int64
	MaxArchiveBytes int64

	// AuxiliaryFilter 为空时按文件名包含 AuxiliaryPattern 过滤（默认 "panoptic"）
	AuxiliaryFilter  func(name string) bool
	AuxiliaryPattern string

	// HTTPClient 可选，便于注入自定义 Transport
	HTTPClient *http.Client
}

// NewBriaClientFromConfig 从通用配置创建 Bria 客户端
func NewBriaClientFromConfig(cfg *common.Config) (*Client, error) {
	return NewClient(Config{
		BaseURL:          cfg.BriaBaseURL,
		APIKey:           cfg.BriaAPIKey,
		UserAgent:        cfg.BriaUserAgent,
		Timeout:          time.Duration(cfg.BriaTimeoutSeconds) * time.Second,
		RetryBackoff:     time.Duration(cfg.BriaRetryBackoffMillis) * time.Millisecond,
		AuxiliaryPattern: cfg.BriaAuxMaskPattern,
	})
}

// NewClient 创建 Bria 客户端
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey != "" {
		if err := ValidateAPIKey(cfg.APIKey); err != nil {
			return nil, err
		}
	}

	c := &Client{
		httpClient:      cfg.HTTPClient,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          strings.TrimSpace(cfg.APIKey),
		userAgent:       cfg.UserAgent,
		timeout:         cfg.Timeout,
		retryBackoff:    cfg.RetryBackoff,
		maxEntryBytes:   cfg.MaxEntryBytes,
		maxArchiveBytes: cfg.MaxArchiveBytes,
		isAuxiliary:     cfg.AuxiliaryFilter,
	}

	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	// 负值表示不等待直接重试
	if c.retryBackoff == 0 {
		c.retryBackoff = defaultRetryBackoff
	} else if c.retryBackoff < 0 {
		c.retryBackoff = 0
	}
	if c.maxEntryBytes <= 0 {
		c.maxEntryBytes = defaultMaxEntryBytes
	}
	if c.maxArchiveBytes <= 0 {
		c.maxArchiveBytes = defaultMaxArchiveBytes
	}
	if c.isAuxiliary == nil {
		c.isAuxiliary = SubstringFilter(cfg.AuxiliaryPattern)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	return c, nil
}

// Close 释放空闲连接
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ValidateAPIKey 校验 API Key 长度（去除首尾空白后不少于 10 个字符）
func ValidateAPIKey(key string) error {
	if len(strings.TrimSpace(key)) < minAPIKeyLength {
		return fmt.Errorf("bria API key must be at least %d characters", minAPIKeyLength)
	}
	return nil
}

// SubstringFilter 返回按文件名子串（不区分大小写）匹配的过滤函数，pattern 为空时使用 "panoptic"。
// 服务端可能随时更改辅助输出的命名，因此过滤规则可配置。
func SubstringFilter(pattern string) func(name string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		p = "panoptic"
	}
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), p)
	}
}

// encodedRequest 已编码的请求体，每次发送都重新包装 reader，以便重试
type encodedRequest struct {
	body        []byte
	contentType string
}

// apiResponse 一次成功到达服务端的响应
type apiResponse struct {
	statusCode int
	body       []byte
}

// transmit 发送请求并按固定策略重试。
//
// 只有首次请求返回 422 或出现传输层错误时，等待固定退避后再重试一次。
// 其他状态码或第二次失败立即结束。
// 注意：422 重试是针对远端校验偶发失败的经验性处理，并非接口约定；
// 422 是否真的是偶发错误、还是掩盖了请求结构问题，目前尚无定论。
func (c *Client) transmit(ctx context.Context, inv *invocation, op Operation, apiKey string, req encodedRequest) (*apiResponse, *OperationError) {
	url := c.baseURL + op.path()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		inv.enter(StateSending)
		inv.log.WithFields(map[string]interface{}{
			"attempt":  attempt,
			"endpoint": url,
			"size":     len(req.body),
		}).Debug("Sending Bria request")

		resp, err := c.send(ctx, url, apiKey, req)
		if err != nil {
			if attempt < maxAttempts && ctx.Err() == nil {
				inv.log.WithError(err).WithField("attempt", attempt).Warn("Bria request failed, retrying")
				if werr := c.backoff(ctx, inv); werr != nil {
					return nil, newFailure(KindNetworkError, "request canceled during retry backoff", werr)
				}
				continue
			}
			inv.log.WithError(err).WithField("attempt", attempt).Error("Bria request failed")
			return nil, newFailure(KindNetworkError, "request to Bria API failed", err)
		}

		if resp.statusCode == http.StatusUnprocessableEntity && attempt < maxAttempts {
			inv.log.WithFields(map[string]interface{}{
				"attempt":     attempt,
				"status_code": resp.statusCode,
				"body":        string(resp.body),
			}).Warn("Bria API returned 422, retrying")
			if werr := c.backoff(ctx, inv); werr != nil {
				return nil, newFailure(KindNetworkError, "request canceled during retry backoff", werr)
			}
			continue
		}

		return resp, nil
	}

	// 循环总会在最后一次尝试时返回
	return nil, newFailure(KindNetworkError, "failed after retry attempts", nil)
}

// backoff 等待固定退避时间，期间响应 ctx 取消
func (c *Client) backoff(ctx context.Context, inv *invocation) error {
	inv.enter(StateRetrying)
	if c.retryBackoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// send 发送一次请求，只有传输层失败才返回 error，任何 HTTP 状态码都作为响应返回
func (c *Client) send(ctx context.Context, url, apiKey string, req encodedRequest) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.contentType)
	// 直接写入 map 以保持小写的 api_token，与插件发送的头部一致
	httpReq.Header[apiTokenHeader] = []string{apiKey}
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxArchiveBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &apiResponse{statusCode: resp.StatusCode, body: body}, nil
}
