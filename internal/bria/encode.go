package bria

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"

	"bria-masktools/internal/pixel"
)

const (
	// 抠图上传的 JPEG 质量与插件导出一致（最高质量）
	removeBackgroundJPEGQuality = 100
	// 蒙版生成上传的缩放图 JPEG 质量
	maskGenerateJPEGQuality = 90
)

// encode 按操作的固定格式序列化请求
func (c *Client) encode(req Request) (encodedRequest, *OperationError) {
	switch req.Operation {
	case RemoveBackground:
		return encodeRemoveBackground(req)
	case MaskedErase:
		return encodeMaskedErase(req)
	case MaskGenerate:
		return encodeMaskGenerate(req)
	default:
		return encodedRequest{}, newFailure(KindInvalidRequest, fmt.Sprintf("unsupported operation %s", req.Operation), nil)
	}
}

// encodeRemoveBackground multipart 表单，仅一个 file 字段（JPEG，不含透明度）
func encodeRemoveBackground(req Request) (encodedRequest, *OperationError) {
	jpegData, err := pixel.EncodeJPEG(req.Image, removeBackgroundJPEGQuality)
	if err != nil {
		return encodedRequest{}, fromAdapterError("failed to encode image as JPEG", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="temp_layer.jpg"`)
	header.Set("Content-Type", "image/jpg")

	part, err := w.CreatePart(header)
	if err != nil {
		return encodedRequest{}, newFailure(KindInvalidRequest, "failed to create multipart body", err)
	}
	if _, err := part.Write(jpegData); err != nil {
		return encodedRequest{}, newFailure(KindInvalidRequest, "failed to write multipart body", err)
	}
	if err := w.Close(); err != nil {
		return encodedRequest{}, newFailure(KindInvalidRequest, "failed to finish multipart body", err)
	}

	return encodedRequest{body: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

// encodeMaskedErase JSON 请求，原图与蒙版均为 base64 PNG。
//
// 请求体示例：
//
//	{
//	  "file": "<base64 png>",
//	  "mask_file": "<base64 png>",
//	  "mask_type": "manual",
//	  "sync": true,
//	  "preserve_alpha": true,
//	  "content_moderation": false,
//	  "prompt": "optional"
//	}
func encodeMaskedErase(req Request) (encodedRequest, *OperationError) {
	imageData, err := pixel.EncodePNG(req.Image)
	if err != nil {
		return encodedRequest{}, fromAdapterError("failed to encode image as PNG", err)
	}

	// 服务端要求蒙版与原图尺寸一致，统一转为灰度图（白色为擦除区域）
	mask := *req.Mask
	if mask.Width != req.Image.Width || mask.Height != req.Image.Height {
		mask, err = pixel.ScaleToExactDimensions(mask, req.Image.Width, req.Image.Height)
		if err != nil {
			return encodedRequest{}, fromAdapterError("failed to scale mask to image size", err)
		}
	}
	gray, err := pixel.ToGrayscale8(mask)
	if err != nil {
		return encodedRequest{}, fromAdapterError("failed to convert mask to grayscale", err)
	}
	maskData, err := pixel.EncodePNG(gray)
	if err != nil {
		return encodedRequest{}, fromAdapterError("failed to encode mask as PNG", err)
	}

	payload := map[string]interface{}{
		"file":               base64.StdEncoding.EncodeToString(imageData),
		"mask_file":          base64.StdEncoding.EncodeToString(maskData),
		"mask_type":          "manual",
		"sync":               true,
		"preserve_alpha":     req.Options.PreserveAlpha,
		"content_moderation": false,
	}
	if req.Options.PromptText != "" {
		payload["prompt"] = req.Options.PromptText
	}

	return encodeJSON(payload)
}

// encodeMaskGenerate JSON 请求，输入图最长边缩放到不超过 800px 后以 JPEG 上传。
//
// 请求体示例：
//
//	{ "file": "<base64 jpeg>", "content_moderation": false, "sync": true }
func encodeMaskGenerate(req Request) (encodedRequest, *OperationError) {
	scaled, err := pixel.FitLongestEdge(req.Image, maskGenerateMaxEdge)
	if err != nil {
		return encodedRequest{}, fromAdapterError("failed to scale image for mask generation", err)
	}
	jpegData, err := pixel.EncodeJPEG(scaled, maskGenerateJPEGQuality)
	if err != nil {
		return encodedRequest{}, fromAdapterError("failed to encode image as JPEG", err)
	}

	payload := map[string]interface{}{
		"file":               base64.StdEncoding.EncodeToString(jpegData),
		"content_moderation": false,
		"sync":               true,
	}

	return encodeJSON(payload)
}

func encodeJSON(payload map[string]interface{}) (encodedRequest, *OperationError) {
	data, err := json.Marshal(payload)
	if err != nil {
		return encodedRequest{}, newFailure(KindInvalidRequest, "failed to marshal request body", err)
	}
	return encodedRequest{body: data, contentType: "application/json"}, nil
}
