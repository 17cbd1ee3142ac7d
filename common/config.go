package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 图层输出格式
const (
	LayerFormatBase64 = "base64" // PNG data URI
	LayerFormatRaw    = "raw"    // 去填充后的像素字节（base64），可直接写入宿主图层
	LayerFormatURL    = "url"    // 上传到 OSS 后返回 URL
)

// Config 应用配置结构
type Config struct {
	// Bria 接口配置
	BriaBaseURL   string
	BriaAPIKey    string // 可为空，由每次调用传入
	BriaUserAgent string
	// 单次请求超时时间（秒）
	BriaTimeoutSeconds int
	// 首次失败后重试前的等待时间（毫秒）
	BriaRetryBackoffMillis int
	// 蒙版压缩包中需要跳过的辅助输出文件名子串
	BriaAuxMaskPattern string

	// 图层输出格式: base64、raw 或 url
	LayerOutputFormat string

	// OSS 配置（LayerOutputFormat 为 url 时使用）
	OSSEndpoint         string
	OSSRegion           string
	OSSAccessKey        string
	OSSSecretKey        string
	OSSBucket           string
	OSSPublicBaseURL    string
	OSSSignedURLSeconds int

	// 日志配置
	LogLevel  string // 日志级别: debug, info, warn, error
	LogFormat string // 日志格式: json, text
	LogOutput string // 输出位置: stdout, stderr, file
	LogFile   string // 日志文件路径（当 LogOutput 为 file 时）
}

// LoadConfig 从 .env 文件加载配置
func LoadConfig() (*Config, error) {
	// 加载 .env 文件（如果存在）。stdout 承载 MCP 协议，提示只能写 stderr
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
	}

	config := &Config{
		BriaBaseURL:            getEnv("BRIA_BASE_URL", "https://engine.prod.bria-api.com/v1"),
		BriaAPIKey:             strings.TrimSpace(getEnv("BRIA_API_KEY", "")),
		BriaUserAgent:          getEnv("BRIA_USER_AGENT", "Krita-Bria-MaskTools/1.0"),
		BriaTimeoutSeconds:     getEnvInt("BRIA_TIMEOUT_SECONDS", 30),
		BriaRetryBackoffMillis: getEnvInt("BRIA_RETRY_BACKOFF_MS", 1000),
		BriaAuxMaskPattern:     getEnv("BRIA_AUX_MASK_PATTERN", "panoptic"),
		LayerOutputFormat:      strings.ToLower(getEnv("LAYER_OUTPUT_FORMAT", LayerFormatBase64)),
		// OSS 配置
		OSSEndpoint:         getEnv("OSS_ENDPOINT", ""),
		OSSRegion:           getEnv("OSS_REGION", "us-east-1"),
		OSSAccessKey:        getEnv("OSS_ACCESS_KEY", ""),
		OSSSecretKey:        getEnv("OSS_SECRET_KEY", ""),
		OSSBucket:           getEnv("OSS_BUCKET", ""),
		OSSPublicBaseURL:    getEnv("OSS_PUBLIC_BASE_URL", ""),
		OSSSignedURLSeconds: getEnvInt("OSS_SIGNED_URL_SECONDS", 0),
		// 日志配置
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogOutput: getEnv("LOG_OUTPUT", "stderr"),
		LogFile:   getEnv("LOG_FILE", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// 初始化日志系统
	logConfig := &LogConfig{
		Level:    config.LogLevel,
		Format:   config.LogFormat,
		Output:   config.LogOutput,
		FilePath: config.LogFile,
	}
	if err := InitLogger(logConfig); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return config, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.BriaAPIKey != "" && len(c.BriaAPIKey) < 10 {
		return fmt.Errorf("BRIA_API_KEY must be at least 10 characters")
	}
	if c.BriaTimeoutSeconds <= 0 {
		return fmt.Errorf("BRIA_TIMEOUT_SECONDS must be positive, got %d", c.BriaTimeoutSeconds)
	}
	if c.BriaRetryBackoffMillis < 0 {
		return fmt.Errorf("BRIA_RETRY_BACKOFF_MS must not be negative, got %d", c.BriaRetryBackoffMillis)
	}

	switch c.LayerOutputFormat {
	case LayerFormatBase64, LayerFormatRaw:
	case LayerFormatURL:
		if c.OSSBucket == "" {
			return fmt.Errorf("OSS_BUCKET is required when LAYER_OUTPUT_FORMAT=%s", c.LayerOutputFormat)
		}
	default:
		return fmt.Errorf("unsupported LAYER_OUTPUT_FORMAT: %s", c.LayerOutputFormat)
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 获取整型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return defaultValue
}
