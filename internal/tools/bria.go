package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"bria-masktools/common"
	"bria-masktools/internal/bria"
	"bria-masktools/internal/oss"
	"bria-masktools/internal/pixel"
	"bria-masktools/internal/utils"
)

// 工具入参图片大小上限
const maxInputImageBytes = 50 * 1024 * 1024

// LayerOutput 单个图层的工具输出
type LayerOutput struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	// Data 随 Format 变化：PNG data URI、像素字节的 base64 或 OSS URL
	Data string `json:"data"`
}

// OperationOutput 一次工具调用的输出
type OperationOutput struct {
	Operation string        `json:"operation"`
	Layers    []LayerOutput `json:"layers"`
}

// briaTools 工具处理器。宿主文档模型不可重入，mu 保证同一时间只有一个调用在执行
type briaTools struct {
	mu         sync.Mutex
	client     bria.BriaIface
	format     string
	store      oss.OSSIface
	httpClient *http.Client
}

// RegisterBriaTools 注册 Bria 蒙版工具。
//
// 约定工具列表：
//   - bria_remove_background  抠图，返回带透明通道的绘画层
//   - bria_masked_erase       擦除蒙版白色区域并补全背景
//   - bria_generate_masks     为图中每个物体生成蒙版
//
// format 为 common.LayerFormat*；为 url 时 store 不能为空。
func RegisterBriaTools(s *server.MCPServer, client bria.BriaIface, format string, store oss.OSSIface) error {
	h, err := newBriaTools(client, format, store)
	if err != nil {
		return err
	}

	s.AddTool(mcp.NewTool(
		"bria_remove_background",
		mcp.WithDescription("Remove the background of an image with Bria. Returns a paint layer with transparency."),
		imageParam(),
		targetParam("paintlayer"),
		nameParam(),
		surfaceParams(),
		apiKeyParam(),
		outputFormatParam(),
	), h.removeBackground)

	s.AddTool(mcp.NewTool(
		"bria_masked_erase",
		mcp.WithDescription("Erase the white area of a mask from an image with Bria and fill it in. Returns a paint layer."),
		imageParam(),
		mcp.WithString("mask",
			mcp.Required(),
			mcp.Description("Mask image as a URL, data URI or base64 string. White marks the area to erase. It is scaled to the image size."),
		),
		mcp.WithString("prompt",
			mcp.Description("Optional text describing what should fill the erased area."),
		),
		mcp.WithBoolean("preserve_alpha",
			mcp.Description("Keep the alpha channel of the original image. Defaults to true."),
		),
		targetParam("paintlayer"),
		nameParam(),
		surfaceParams(),
		apiKeyParam(),
		outputFormatParam(),
	), h.maskedErase)

	s.AddTool(mcp.NewTool(
		"bria_generate_masks",
		mcp.WithDescription("Detect objects in an image with Bria and return one mask per object, scaled back to the image size."),
		imageParam(),
		targetParam("transparencymask"),
		surfaceParams(),
		apiKeyParam(),
		outputFormatParam(),
	), h.generateMasks)

	return nil
}

func newBriaTools(client bria.BriaIface, format string, store oss.OSSIface) (*briaTools, error) {
	if format == "" {
		format = common.LayerFormatBase64
	}
	if err := checkFormat(format, store); err != nil {
		return nil, err
	}
	return &briaTools{
		client:     client,
		format:     format,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func checkFormat(format string, store oss.OSSIface) error {
	switch format {
	case common.LayerFormatBase64, common.LayerFormatRaw:
		return nil
	case common.LayerFormatURL:
		if store == nil {
			return fmt.Errorf("output format %q requires OSS to be configured", format)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func imageParam() mcp.ToolOption {
	return mcp.WithString("image",
		mcp.Required(),
		mcp.Description("Source image as an http(s) URL, a data URI (data:image/png;base64,...) or a bare base64 string."),
	)
}

func targetParam(def string) mcp.ToolOption {
	return mcp.WithString("target",
		mcp.Description(fmt.Sprintf("Node type the result is written to: transparencymask, selectionmask or paintlayer. Defaults to %s.", def)),
		mcp.Enum("transparencymask", "selectionmask", "paintlayer"),
	)
}

func nameParam() mcp.ToolOption {
	return mcp.WithString("name",
		mcp.Description("Optional name for the resulting layer."),
	)
}

// surfaceParams 目标图层尺寸，两者需同时提供
func surfaceParams() mcp.ToolOption {
	return func(t *mcp.Tool) {
		mcp.WithNumber("surface_width",
			mcp.Description("Width of the destination layer in pixels. Results of a different size are scaled to it."),
		)(t)
		mcp.WithNumber("surface_height",
			mcp.Description("Height of the destination layer in pixels."),
		)(t)
	}
}

func apiKeyParam() mcp.ToolOption {
	return mcp.WithString("api_key",
		mcp.Description("Optional Bria API key overriding the server default. At least 10 characters."),
	)
}

func outputFormatParam() mcp.ToolOption {
	return mcp.WithString("output_format",
		mcp.Description("base64 (PNG data URI), raw (base64 of tightly packed pixel bytes ready for setPixelData) or url (uploaded to OSS). Defaults to the server setting."),
		mcp.Enum("base64", "raw", "url"),
	)
}

func (h *briaTools) removeBackground(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.run(ctx, req, bria.RemoveBackground)
}

func (h *briaTools) maskedErase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.run(ctx, req, bria.MaskedErase)
}

func (h *briaTools) generateMasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.run(ctx, req, bria.MaskGenerate)
}

// run 解析参数、执行操作并渲染输出。参数与操作失败都作为工具错误返回
func (h *briaTools) run(ctx context.Context, req mcp.CallToolRequest, op bria.Operation) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := common.WithField("tool", "bria_"+op.String())

	format := strings.ToLower(req.GetString("output_format", h.format))
	if err := checkFormat(format, h.store); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	request, err := h.buildRequest(ctx, req, op)
	if err != nil {
		log.WithError(err).Error("Bria: invalid tool arguments")
		return mcp.NewToolResultError(err.Error()), nil
	}

	log.WithFields(map[string]interface{}{
		"width":  request.Image.Width,
		"height": request.Image.Height,
		"format": format,
	}).Info("Bria: running operation")

	result := h.client.Run(ctx, request)
	if !result.OK() {
		return mcp.NewToolResultError(renderFailure(result.Failure)), nil
	}

	output := OperationOutput{Operation: op.String()}
	for _, layer := range result.Results {
		out, err := h.renderLayer(ctx, layer, format)
		if err != nil {
			log.WithError(err).WithField("layer", layer.Name).Error("Bria: failed to render layer")
			return mcp.NewToolResultError(fmt.Sprintf("failed to render layer %s: %v", layer.Name, err)), nil
		}
		output.Layers = append(output.Layers, out)
	}

	data, err := json.Marshal(output)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal output: %v", err)), nil
	}

	log.WithField("layers", len(output.Layers)).Info("Bria: operation completed successfully")
	return mcp.NewToolResultText(string(data)), nil
}

func (h *briaTools) buildRequest(ctx context.Context, req mcp.CallToolRequest, op bria.Operation) (bria.Request, error) {
	imageInput, err := req.RequireString("image")
	if err != nil {
		return bria.Request{}, fmt.Errorf("image parameter is required: %w", err)
	}
	image, err := h.readBitmap(ctx, imageInput)
	if err != nil {
		return bria.Request{}, fmt.Errorf("invalid image: %w", err)
	}

	request := bria.Request{
		Operation:     op,
		Image:         image,
		Name:          req.GetString("name", ""),
		SurfaceWidth:  req.GetInt("surface_width", 0),
		SurfaceHeight: req.GetInt("surface_height", 0),
		Options: bria.RequestOptions{
			APIKey: req.GetString("api_key", ""),
		},
	}
	if (request.SurfaceWidth > 0) != (request.SurfaceHeight > 0) {
		return bria.Request{}, fmt.Errorf("surface_width and surface_height must be given together")
	}

	if t := req.GetString("target", ""); t != "" {
		kind, err := pixel.ParseTargetKind(t)
		if err != nil {
			return bria.Request{}, err
		}
		request.Target = &kind
	}

	if op == bria.MaskedErase {
		maskInput, err := req.RequireString("mask")
		if err != nil {
			return bria.Request{}, fmt.Errorf("mask parameter is required: %w", err)
		}
		mask, err := h.readBitmap(ctx, maskInput)
		if err != nil {
			return bria.Request{}, fmt.Errorf("invalid mask: %w", err)
		}
		request.Mask = &mask
		request.Options.PromptText = req.GetString("prompt", "")
		request.Options.PreserveAlpha = req.GetBool("preserve_alpha", true)
	}

	return request, nil
}

func (h *briaTools) readBitmap(ctx context.Context, input string) (pixel.Bitmap, error) {
	data, err := utils.ReadImageInput(ctx, h.httpClient, input, maxInputImageBytes)
	if err != nil {
		return pixel.Bitmap{}, err
	}
	return pixel.Decode(data)
}

// renderLayer 按输出格式编码单个图层
func (h *briaTools) renderLayer(ctx context.Context, layer bria.NamedLayer, format string) (LayerOutput, error) {
	out := LayerOutput{
		Name:   layer.Name,
		Target: layer.Layer.Kind.String(),
		Width:  layer.Layer.Width,
		Height: layer.Layer.Height,
		Format: format,
	}

	if format == common.LayerFormatRaw {
		out.Data = base64.StdEncoding.EncodeToString(layer.Layer.Data)
		return out, nil
	}

	img, err := pixel.LayerImage(layer.Layer)
	if err != nil {
		return LayerOutput{}, err
	}
	pngData, err := pixel.EncodePNG(pixel.FromImage(img))
	if err != nil {
		return LayerOutput{}, err
	}

	if format == common.LayerFormatURL {
		url, err := h.store.UploadLayer(ctx, layer.Name, "", pngData, "image/png")
		if err != nil {
			return LayerOutput{}, err
		}
		out.Data = url
		return out, nil
	}

	out.Data = utils.EncodeDataURI("image/png", pngData)
	return out, nil
}

// renderFailure 生成给用户看的失败提示，凭证错误单独标出
func renderFailure(e *bria.OperationError) string {
	var b strings.Builder
	if e.InvalidCredential {
		b.WriteString("INVALID API KEY: ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Detail != "" {
		b.WriteString("\nDetails: ")
		b.WriteString(utils.TruncateForLog(e.Detail, 1000))
	}
	if e.Retryable() {
		b.WriteString("\nThis may be temporary. Please try again.")
	}
	return b.String()
}
