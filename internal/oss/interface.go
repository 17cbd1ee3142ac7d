package oss

import (
	"context"
	"time"
)

// OSSIface 转换后图层的对象存储接口
type OSSIface interface {
	// UploadLayer 上传一个已编码的图层文件，返回可访问的 URL。
	// key 为空时按图层名生成 layers/yyyy-MM-dd/ 下的唯一路径。
	UploadLayer(ctx context.Context, name, key string, data []byte, contentType string) (string, error)

	// GetSignedURL 获取对象的临时访问 URL
	GetSignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
