package oss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"bria-masktools/common"
	"bria-masktools/internal/utils"
)

// 单次上传超时
const uploadTimeout = 60 * time.Second

// S3Client S3 兼容的对象存储客户端，图层上传到固定 bucket
type S3Client struct {
	client     *s3.Client
	httpClient *http.Client

	endpoint      string // 带协议的服务端点
	region        string
	bucket        string
	publicBaseURL string
	signedURLTTL  time.Duration
	usePathStyle  bool
	presignedPut  bool
}

// S3Config S3 客户端配置
type S3Config struct {
	Endpoint  string // 服务端点，例如 s3.amazonaws.com、oss-cn-hangzhou.aliyuncs.com 或 http://127.0.0.1:9000
	Region    string // 区域，例如 us-east-1 或 cn-hangzhou
	AccessKey string
	SecretKey string
	Bucket    string

	// PublicBaseURL 非空时返回 PublicBaseURL/key 作为图层地址（例如 CDN 域名）
	PublicBaseURL string
	// SignedURLTTL > 0 时返回带签名的临时 URL
	SignedURLTTL time.Duration
	// UsePathStyle 使用 endpoint/bucket/key 形式的地址（MinIO 等自建服务）
	UsePathStyle bool
	// PresignedPut 强制使用预签名 PUT 上传；阿里云端点自动开启
	PresignedPut bool

	HTTPClient *http.Client
}

// NewS3Client 创建新的 S3 客户端
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("oss bucket is required")
	}

	endpoint := normalizeEndpoint(cfg.Endpoint)
	presignedPut := cfg.PresignedPut || strings.Contains(endpoint, ".aliyuncs.com")

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: uploadTimeout}
	}

	return &S3Client{
		client:        client,
		httpClient:    httpClient,
		endpoint:      endpoint,
		region:        cfg.Region,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		signedURLTTL:  cfg.SignedURLTTL,
		usePathStyle:  cfg.UsePathStyle,
		presignedPut:  presignedPut,
	}, nil
}

// normalizeEndpoint 没有协议时补全 https://
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return ""
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}

// UploadLayer 上传图层文件并返回访问地址
func (c *S3Client) UploadLayer(ctx context.Context, name, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		key = utils.GenerateLayerKey(name, contentType)
	}
	log := common.WithFields(map[string]interface{}{
		"bucket":       c.bucket,
		"key":          key,
		"layer":        name,
		"content_type": contentType,
		"size":         len(data),
	})
	log.Debug("Starting layer upload to OSS")

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var err error
	if c.presignedPut {
		// 阿里云 OSS 不支持 SDK PutObject 的 aws-chunked 流式编码，改用预签名 PUT + 普通 HTTP 上传
		err = c.putPresigned(ctx, key, data, contentType)
	} else {
		_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			err = fmt.Errorf("failed to upload layer: %w", err)
		}
	}
	if err != nil {
		log.WithError(err).Error("Failed to upload layer to OSS")
		return "", err
	}

	url, err := c.layerURL(ctx, key)
	if err != nil {
		log.WithError(err).Error("Failed to build layer URL")
		return "", err
	}

	log.WithField("url", utils.TruncateForLog(url, 200)).Info("Layer uploaded to OSS successfully")
	return url, nil
}

// putPresigned 生成预签名 PUT URL 后用标准 Content-Length 上传
func (c *S3Client) putPresigned(ctx context.Context, key string, data []byte, contentType string) error {
	presigned, err := s3.NewPresignClient(c.client).PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to presign PUT URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range presigned.SignedHeader {
		for _, hv := range v {
			req.Header.Add(k, hv)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload layer via presigned PUT: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("OSS upload failed: status code %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// layerURL 依次使用：签名 URL、公开域名、按 endpoint 拼接的对象地址
func (c *S3Client) layerURL(ctx context.Context, key string) (string, error) {
	if c.signedURLTTL > 0 {
		return c.GetSignedURL(ctx, key, c.signedURLTTL)
	}
	if c.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s", c.publicBaseURL, key), nil
	}
	return c.objectURL(key), nil
}

// GetSignedURL 获取对象的带签名临时 URL
func (c *S3Client) GetSignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	request, err := s3.NewPresignClient(c.client).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign URL: %w", err)
	}
	return request.URL, nil
}

// objectURL 构造对象的公开 URL（不带签名）
func (c *S3Client) objectURL(key string) string {
	if c.endpoint != "" {
		if c.usePathStyle {
			return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
		}
		scheme, host, _ := strings.Cut(c.endpoint, "://")
		return fmt.Sprintf("%s://%s.%s/%s", scheme, c.bucket, host, key)
	}
	if c.region != "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, key)
}
