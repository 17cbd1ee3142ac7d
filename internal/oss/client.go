package oss

import (
	"errors"
	"time"

	"bria-masktools/common"
)

// NewOSSClientFromConfig 从配置创建 OSS 客户端，未配置 bucket 时返回错误
func NewOSSClientFromConfig(cfg *common.Config) (OSSIface, error) {
	if cfg.OSSBucket == "" {
		return nil, errors.New("OSS_BUCKET is required when LAYER_OUTPUT_FORMAT=url")
	}

	return NewS3Client(S3Config{
		Endpoint:      cfg.OSSEndpoint,
		Region:        cfg.OSSRegion,
		AccessKey:     cfg.OSSAccessKey,
		SecretKey:     cfg.OSSSecretKey,
		Bucket:        cfg.OSSBucket,
		PublicBaseURL: cfg.OSSPublicBaseURL,
		SignedURLTTL:  time.Duration(cfg.OSSSignedURLSeconds) * time.Second,
	})
}
