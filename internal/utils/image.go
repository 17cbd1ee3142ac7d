package utils

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTooLarge 下载内容超过调用方给定的上限
var ErrTooLarge = errors.New("download exceeds size limit")

// DownloadFromURL 从 URL 下载数据，返回数据和 MIME 类型。
// limit > 0 时内容超过 limit 字节返回 ErrTooLarge；client 为空时使用 30 秒超时的默认客户端。
func DownloadFromURL(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, string, error) {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download: status code %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = InferMimeTypeFromURL(url)
	}

	return data, mimeType, nil
}

// ReadImageInput 解析工具参数中的图片：data URI、http(s) URL 或裸 base64
func ReadImageInput(ctx context.Context, client *http.Client, input string, limit int64) ([]byte, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("image input is empty")
	}

	lower := strings.ToLower(input)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		data, _, err := DownloadFromURL(ctx, client, input, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		return data, nil
	case strings.HasPrefix(lower, "data:"):
		idx := strings.Index(input, ",")
		if idx < 0 {
			return nil, errors.New("malformed data URI")
		}
		if !strings.Contains(lower[:idx], ";base64") {
			return nil, errors.New("only base64 data URIs are supported")
		}
		input = input[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		// 兼容去掉填充的 base64
		if raw, rerr := base64.RawStdEncoding.DecodeString(strings.TrimRight(input, "=")); rerr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// EncodeDataURI 生成 data:<mime>;base64,<data>
func EncodeDataURI(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// InferMimeTypeFromURL 从 URL 推断 MIME 类型（不区分大小写，忽略查询参数）
func InferMimeTypeFromURL(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".zip"):
		return "application/zip"
	}
	// 蒙版结果默认是 PNG
	return "image/png"
}

// GenerateLayerKey 生成图层对象存储路径：layers/yyyy-MM-dd/{slug}_{uuid}.ext
// slug 由图层名转换而来，只保留小写字母、数字和连字符
func GenerateLayerKey(name, mimeType string) string {
	slug := slugify(name)
	if slug == "" {
		slug = "layer"
	}
	return fmt.Sprintf("layers/%s/%s_%s%s", time.Now().Format("2006-01-02"), slug, uuid.New().String(), GetExtensionFromMimeType(mimeType))
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// GetExtensionFromMimeType 根据 MIME 类型获取文件扩展名（不区分大小写）
func GetExtensionFromMimeType(mimeType string) string {
	mt := strings.ToLower(mimeType)
	switch mt {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "application/octet-stream":
		return ".bin"
	default:
		return ".png"
	}
}

// TruncateForLog 截断长字符串用于日志，避免打印过长内容（如 base64）
func TruncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
