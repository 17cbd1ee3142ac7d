package bria

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bria-masktools/common"
	"bria-masktools/internal/pixel"
	"bria-masktools/internal/utils"
)

// 错误响应体写入 Detail 时的最大长度
const maxDetailLength = 2000

// invocation 单次调用的局部状态，调用结束即丢弃
type invocation struct {
	op     Operation
	states []State
	log    *logrus.Entry
}

func newInvocation(op Operation) *invocation {
	return &invocation{
		op:     op,
		states: []State{StateIdle},
		log: common.WithFields(map[string]interface{}{
			"operation": op.String(),
			"run_id":    uuid.New().String(),
		}),
	}
}

func (inv *invocation) enter(s State) {
	inv.states = append(inv.states, s)
	inv.log.WithField("state", s.String()).Debug("Bria operation state changed")
}

func (inv *invocation) fail(e *OperationError) *OperationResult {
	inv.enter(StateFailure)
	entry := inv.log.WithFields(map[string]interface{}{
		"kind":        e.Kind.String(),
		"status_code": e.StatusCode,
	})
	if e.Detail != "" {
		entry = entry.WithField("detail", utils.TruncateForLog(e.Detail, 500))
	}
	entry.Error(e.Message)
	return &OperationResult{Operation: inv.op, Failure: e, States: inv.states}
}

func (inv *invocation) succeed(results []NamedLayer) *OperationResult {
	inv.enter(StateSuccess)
	inv.log.WithField("results", len(results)).Info("Bria operation completed")
	return &OperationResult{Operation: inv.op, Results: results, States: inv.states}
}

// RemoveBackground 抠图，结果为带透明通道的绘画层
func (c *Client) RemoveBackground(ctx context.Context, image pixel.Bitmap, opts RequestOptions) *OperationResult {
	return c.Run(ctx, Request{Operation: RemoveBackground, Image: image, Options: opts})
}

// MaskedErase 擦除蒙版白色区域并补全背景
func (c *Client) MaskedErase(ctx context.Context, image, mask pixel.Bitmap, opts RequestOptions) *OperationResult {
	return c.Run(ctx, Request{Operation: MaskedErase, Image: image, Mask: &mask, Options: opts})
}

// GenerateMasks 自动识别图中物体并为每个物体生成蒙版，结果缩放回原图尺寸
func (c *Client) GenerateMasks(ctx context.Context, image pixel.Bitmap, target pixel.TargetKind, opts RequestOptions) *OperationResult {
	return c.Run(ctx, Request{Operation: MaskGenerate, Image: image, Options: opts, Target: &target})
}

// Run 执行一次完整调用：编码 -> 发送（含重试） -> 分类响应 -> 提取结果 -> 转换像素。
// 所有失败都以 OperationResult.Failure 返回，不返回 error。
func (c *Client) Run(ctx context.Context, req Request) *OperationResult {
	inv := newInvocation(req.Operation)

	apiKey, ferr := c.validate(req)
	if ferr != nil {
		return inv.fail(ferr)
	}
	inv.log.WithFields(map[string]interface{}{
		"api_key": common.MaskAPIKey(apiKey),
		"width":   req.Image.Width,
		"height":  req.Image.Height,
		"target":  req.target().String(),
	}).Info("Starting Bria operation")

	inv.enter(StateEncoding)
	encoded, ferr := c.encode(req)
	if ferr != nil {
		return inv.fail(ferr)
	}

	resp, ferr := c.transmit(ctx, inv, req.Operation, apiKey, encoded)
	if ferr != nil {
		return inv.fail(ferr)
	}

	inv.enter(StateClassifying)
	payload, ferr := classify(inv, resp)
	if ferr != nil {
		return inv.fail(ferr)
	}

	inv.enter(StateExtracting)
	var masks []decodedMask
	if req.Operation == MaskGenerate {
		masks, ferr = c.extractMasks(ctx, inv, payload)
	} else {
		masks, ferr = c.extractSingle(ctx, inv, payload, req.resultName())
	}
	if ferr != nil {
		return inv.fail(ferr)
	}

	results, ferr := convertResults(req, masks)
	if ferr != nil {
		return inv.fail(ferr)
	}
	return inv.succeed(results)
}

// validate 检查调用方输入，返回本次使用的 API Key
func (c *Client) validate(req Request) (string, *OperationError) {
	if req.Operation.path() == "" {
		return "", newFailure(KindInvalidRequest, fmt.Sprintf("unsupported operation %s", req.Operation), nil)
	}

	apiKey := strings.TrimSpace(req.Options.APIKey)
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if err := ValidateAPIKey(apiKey); err != nil {
		return "", newFailure(KindInvalidRequest, "a valid Bria API key is required", err)
	}

	if err := req.Image.Validate(); err != nil {
		return "", fromAdapterError("invalid input image", err)
	}

	switch req.target() {
	case pixel.TransparencyMask, pixel.SelectionMask, pixel.PaintLayer:
	default:
		return "", newFailure(KindUnsupportedTargetKind, fmt.Sprintf("unsupported target kind %s", req.target()), pixel.ErrUnsupportedTargetKind)
	}

	if req.Operation == MaskedErase {
		if req.Mask == nil {
			return "", newFailure(KindInvalidRequest, "masked erase requires a mask", nil)
		}
		if err := req.Mask.Validate(); err != nil {
			return "", fromAdapterError("invalid mask", err)
		}
	}
	return apiKey, nil
}

// classify 200 且为 JSON 对象时返回解析结果，其余情况转为失败
func classify(inv *invocation, resp *apiResponse) (map[string]interface{}, *OperationError) {
	if resp.statusCode != http.StatusOK {
		if resp.statusCode == http.StatusUnauthorized {
			inv.log.Error("Bria API rejected the API key")
		}
		return nil, newHTTPError(resp.statusCode, errorDetail(resp.body))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, newFailure(KindInvalidResponse, "failed to parse Bria API response", err)
	}
	if payload == nil {
		return nil, newFailure(KindInvalidResponse, "Bria API response is not a JSON object", nil)
	}
	return payload, nil
}

// errorDetail JSON 响应体格式化输出，非 JSON 原样返回，过长时截断
func errorDetail(body []byte) string {
	var pretty bytes.Buffer
	detail := string(body)
	if json.Indent(&pretty, body, "", "  ") == nil {
		detail = pretty.String()
	}
	return utils.TruncateForLog(strings.TrimSpace(detail), maxDetailLength)
}

// extractSingle 抠图与擦除：下载 result_url 指向的单张结果图
func (c *Client) extractSingle(ctx context.Context, inv *invocation, payload map[string]interface{}, name string) ([]decodedMask, *OperationError) {
	resultURL, _ := payload["result_url"].(string)
	if resultURL == "" {
		return nil, newFailure(KindMissingResult, "no result_url in Bria API response", nil)
	}

	data, err := c.download(ctx, resultURL, c.maxEntryBytes)
	if err != nil {
		return nil, newFailure(KindNetworkError, "failed to download result image", err)
	}
	bmp, err := pixel.Decode(data)
	if err != nil {
		return nil, fromAdapterError("failed to decode result image", err)
	}

	inv.log.WithFields(map[string]interface{}{
		"width":  bmp.Width,
		"height": bmp.Height,
	}).Debug("Downloaded Bria result image")
	return []decodedMask{{name: name, bitmap: bmp}}, nil
}

// extractMasks 蒙版生成结果有两种形式：
//   - objects_masks: 指向 ZIP 压缩包（或单张图片）的 URL
//   - masks: 多个蒙版 URL，单个下载或解码失败只跳过该项
func (c *Client) extractMasks(ctx context.Context, inv *invocation, payload map[string]interface{}) ([]decodedMask, *OperationError) {
	var masks []decodedMask

	objects, hasObjects := payload["objects_masks"]
	list, hasList := payload["masks"]

	switch {
	case hasObjects && objects != nil:
		switch v := objects.(type) {
		case string:
			if v == "" {
				return nil, newFailure(KindMissingResult, "objects_masks is empty", nil)
			}
			data, err := c.download(ctx, v, c.maxArchiveBytes)
			if err != nil {
				return nil, newFailure(KindNetworkError, "failed to download objects_masks", err)
			}
			masks = c.readMaskResource(inv, data)
		case []interface{}:
			masks = c.fetchMaskList(ctx, inv, v)
		default:
			return nil, newFailure(KindInvalidResponse, fmt.Sprintf("unexpected objects_masks type %T", objects), nil)
		}
	case hasList && list != nil:
		urls, ok := list.([]interface{})
		if !ok {
			return nil, newFailure(KindInvalidResponse, fmt.Sprintf("unexpected masks type %T", list), nil)
		}
		masks = c.fetchMaskList(ctx, inv, urls)
	default:
		return nil, newFailure(KindMissingResult, "no masks or objects_masks in Bria API response", nil)
	}

	if len(masks) == 0 {
		return nil, newFailure(KindNoValidResults, "no valid masks found in Bria API response", nil)
	}
	return masks, nil
}

// readMaskResource 优先按 ZIP 解析，失败时按单张图片处理
func (c *Client) readMaskResource(inv *invocation, data []byte) []decodedMask {
	if masks, isArchive := c.readMaskArchive(inv, data); isArchive {
		inv.log.WithField("masks", len(masks)).Info("Extracted masks from archive")
		return masks
	}

	if int64(len(data)) > c.maxEntryBytes {
		inv.log.WithField("size", len(data)).Warn("Single mask image exceeds size limit")
		return nil
	}
	bmp, err := pixel.Decode(data)
	if err != nil {
		inv.log.WithError(err).Warn("Downloaded mask is neither an archive nor a valid image")
		return nil
	}
	return []decodedMask{{name: "Generated Mask", bitmap: bmp}}
}

// fetchMaskList 逐个下载蒙版 URL，失败项记录日志后跳过
func (c *Client) fetchMaskList(ctx context.Context, inv *invocation, urls []interface{}) []decodedMask {
	var masks []decodedMask
	for i, item := range urls {
		entryLog := inv.log.WithField("index", i)

		url, ok := item.(string)
		if !ok || url == "" {
			entryLog.Warn("Skipping mask entry that is not a URL")
			continue
		}
		entryLog = entryLog.WithField("url", utils.TruncateForLog(url, 200))

		data, err := c.download(ctx, url, c.maxEntryBytes)
		if err != nil {
			entryLog.WithError(err).Warn("Failed to download mask, skipping")
			continue
		}
		bmp, err := pixel.Decode(data)
		if err != nil {
			entryLog.WithError(err).Warn("Failed to decode mask, skipping")
			continue
		}
		masks = append(masks, decodedMask{name: fmt.Sprintf("Mask %d", len(masks)+1), bitmap: bmp})
	}
	return masks
}

// download 下载结果资源，单次下载使用与接口请求相同的超时
func (c *Client) download(ctx context.Context, url string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, _, err := utils.DownloadFromURL(ctx, c.httpClient, url, limit)
	return data, err
}

// convertResults 把解码后的结果转换为目标节点需要的像素布局
func convertResults(req Request, masks []decodedMask) ([]NamedLayer, *OperationError) {
	kind := req.target()
	surfaceWidth, surfaceHeight := req.surface()

	results := make([]NamedLayer, 0, len(masks))
	for _, m := range masks {
		layer, err := pixel.ConvertForSurface(m.bitmap, kind, surfaceWidth, surfaceHeight)
		if err != nil {
			return nil, fromAdapterError(fmt.Sprintf("failed to convert %s", m.name), err)
		}
		results = append(results, NamedLayer{Name: m.name, Bitmap: m.bitmap, Layer: layer})
	}
	return results, nil
}
