package pixel

import (
	"errors"
	"fmt"
	"image/color"
	"strings"
)

var (
	// ErrInvalidBitmap 位图尺寸、步长或缓冲区长度不合法
	ErrInvalidBitmap = errors.New("invalid bitmap")

	// ErrDecodeError 图片字节无法解码
	ErrDecodeError = errors.New("image decode failed")

	// ErrUnsupportedTargetKind 目标图层类型不在支持范围内
	ErrUnsupportedTargetKind = errors.New("unsupported target kind")
)

// Format 位图像素格式
type Format int

const (
	FormatGray8 Format = iota
	FormatRGBA32
	FormatIndexed
)

// BytesPerPixel 返回每个像素占用的字节数
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA32:
		return 4
	default:
		return 1
	}
}

func (f Format) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatRGBA32:
		return "rgba32"
	case FormatIndexed:
		return "indexed"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Bitmap 内存中的光栅图像。
//
// Pix 按行存储，每行 Stride 字节，其中只有前 Width*BytesPerPixel 字节是像素数据，
// 其余为对齐填充。RGBA32 为非预乘的 R,G,B,A 顺序；Indexed 的每个字节是 Palette 下标。
type Bitmap struct {
	Width   int
	Height  int
	Stride  int
	Format  Format
	Pix     []byte
	Palette color.Palette
}

// NewBitmap 创建紧密排列（无填充）的空白位图
func NewBitmap(width, height int, format Format) Bitmap {
	stride := width * format.BytesPerPixel()
	if width <= 0 || height <= 0 {
		return Bitmap{Width: width, Height: height, Stride: stride, Format: format}
	}
	return Bitmap{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Pix:    make([]byte, stride*height),
	}
}

// Validate 校验位图不变式：面积非零，stride >= width*bpp，len(Pix) >= stride*height
func (b Bitmap) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: zero area %dx%d", ErrInvalidBitmap, b.Width, b.Height)
	}
	switch b.Format {
	case FormatGray8, FormatRGBA32, FormatIndexed:
	default:
		return fmt.Errorf("%w: unknown pixel format %s", ErrInvalidBitmap, b.Format)
	}
	rowBytes := b.Width * b.Format.BytesPerPixel()
	if b.Stride < rowBytes {
		return fmt.Errorf("%w: stride %d smaller than row length %d", ErrInvalidBitmap, b.Stride, rowBytes)
	}
	if len(b.Pix) < b.Stride*b.Height {
		return fmt.Errorf("%w: buffer length %d too short for %d rows of stride %d", ErrInvalidBitmap, len(b.Pix), b.Height, b.Stride)
	}
	if b.Format == FormatIndexed && len(b.Palette) == 0 {
		return fmt.Errorf("%w: indexed bitmap without palette", ErrInvalidBitmap)
	}
	return nil
}

// row 返回第 y 行的像素字节（不含填充）
func (b Bitmap) row(y int) []byte {
	start := y * b.Stride
	return b.Pix[start : start+b.Width*b.Format.BytesPerPixel()]
}

// TargetKind Krita 中写入结果的节点类型
type TargetKind int

const (
	TransparencyMask TargetKind = iota
	SelectionMask
	PaintLayer
)

func (k TargetKind) String() string {
	switch k {
	case TransparencyMask:
		return "transparencymask"
	case SelectionMask:
		return "selectionmask"
	case PaintLayer:
		return "paintlayer"
	default:
		return fmt.Sprintf("targetkind(%d)", int(k))
	}
}

// ParseTargetKind 将 Krita 节点类型名解析为 TargetKind（不区分大小写）
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transparencymask", "transparency_mask", "transparency":
		return TransparencyMask, nil
	case "selectionmask", "selection_mask", "selection":
		return SelectionMask, nil
	case "paintlayer", "paint_layer", "layer":
		return PaintLayer, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedTargetKind, s)
	}
}

// Layer 转换后可直接交给宿主 setPixelData 的紧密像素数据
type Layer struct {
	Kind   TargetKind
	Width  int
	Height int
	Data   []byte
}
