package pixel

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// DefaultThreshold 选区蒙版二值化阈值
const DefaultThreshold = 128

// StripPadding 去掉每行末尾的对齐填充，返回紧密排列的像素字节。
// 第 y 行复制 [y*stride, y*stride+width*bpp) 到输出偏移 y*width*bpp。
func StripPadding(b Bitmap) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	rowBytes := b.Width * b.Format.BytesPerPixel()
	out := make([]byte, rowBytes*b.Height)
	for y := 0; y < b.Height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], b.row(y))
	}
	return out, nil
}

// ToGrayscale8 将任意格式转换为单通道 8 位亮度图。
// 亮度公式与 Qt qGray 一致：(11R + 16G + 5B) / 32，整数运算，结果可复现。
// 输出保留源位图的行布局：灰度源按原 stride 复制，其他格式输出紧密排列。
func ToGrayscale8(b Bitmap) (Bitmap, error) {
	if err := b.Validate(); err != nil {
		return Bitmap{}, err
	}

	switch b.Format {
	case FormatGray8:
		out := b
		out.Pix = append([]byte(nil), b.Pix...)
		out.Palette = nil
		return out, nil
	case FormatRGBA32:
		out := NewBitmap(b.Width, b.Height, FormatGray8)
		for y := 0; y < b.Height; y++ {
			src := b.row(y)
			dst := out.row(y)
			for x := range dst {
				p := src[x*4 : x*4+4]
				dst[x] = luminance(p[0], p[1], p[2])
			}
		}
		return out, nil
	case FormatIndexed:
		lut, err := paletteTable(b.Palette)
		if err != nil {
			return Bitmap{}, err
		}
		out := NewBitmap(b.Width, b.Height, FormatGray8)
		for y := 0; y < b.Height; y++ {
			src := b.row(y)
			dst := out.row(y)
			for x, idx := range src {
				if int(idx) >= len(lut) {
					return Bitmap{}, fmt.Errorf("%w: palette index %d out of range at (%d,%d)", ErrInvalidBitmap, idx, x, y)
				}
				c := lut[idx]
				dst[x] = luminance(c.R, c.G, c.B)
			}
		}
		return out, nil
	}
	return Bitmap{}, fmt.Errorf("%w: unknown pixel format %s", ErrInvalidBitmap, b.Format)
}

// Binarize 逐字节阈值化：b >= threshold 为 255，否则为 0。对结果再次调用不改变任何字节。
func Binarize(buf []byte, threshold int) []byte {
	out := make([]byte, len(buf))
	for i, v := range buf {
		if int(v) >= threshold {
			out[i] = 255
		}
	}
	return out
}

// ToInterleavedARGB 转换为 Krita 绘画层所需的 ARGB32 内存布局。
//
// QImage::Format_ARGB32 以本机字节序的 0xAARRGGBB 存储，宿主在小端机器上读取的字节顺序
// 为 B,G,R,A。这是与宿主的兼容约定，不能随意调整。输出为非预乘、紧密排列的数据。
func ToInterleavedARGB(b Bitmap) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	out := make([]byte, b.Width*b.Height*4)
	put := func(i int, r, g, bl, a byte) {
		out[i] = bl
		out[i+1] = g
		out[i+2] = r
		out[i+3] = a
	}

	switch b.Format {
	case FormatGray8:
		for y := 0; y < b.Height; y++ {
			for x, v := range b.row(y) {
				put((y*b.Width+x)*4, v, v, v, 0xff)
			}
		}
	case FormatRGBA32:
		for y := 0; y < b.Height; y++ {
			src := b.row(y)
			for x := 0; x < b.Width; x++ {
				p := src[x*4 : x*4+4]
				put((y*b.Width+x)*4, p[0], p[1], p[2], p[3])
			}
		}
	case FormatIndexed:
		lut, err := paletteTable(b.Palette)
		if err != nil {
			return nil, err
		}
		for y := 0; y < b.Height; y++ {
			for x, idx := range b.row(y) {
				if int(idx) >= len(lut) {
					return nil, fmt.Errorf("%w: palette index %d out of range at (%d,%d)", ErrInvalidBitmap, idx, x, y)
				}
				c := lut[idx]
				put((y*b.Width+x)*4, c.R, c.G, c.B, c.A)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown pixel format %s", ErrInvalidBitmap, b.Format)
	}
	return out, nil
}

// Convert 按目标节点类型生成宿主要求的字节布局。
//   - TransparencyMask: 灰度 -> 去填充
//   - SelectionMask:    灰度 -> 去填充 -> 二值化(128)
//   - PaintLayer:       ARGB32 -> 去填充，不做二值化
func Convert(b Bitmap, kind TargetKind) (Layer, error) {
	switch kind {
	case TransparencyMask, SelectionMask:
		gray, err := ToGrayscale8(b)
		if err != nil {
			return Layer{}, err
		}
		data, err := StripPadding(gray)
		if err != nil {
			return Layer{}, err
		}
		if kind == SelectionMask {
			data = Binarize(data, DefaultThreshold)
		}
		return Layer{Kind: kind, Width: b.Width, Height: b.Height, Data: data}, nil
	case PaintLayer:
		data, err := ToInterleavedARGB(b)
		if err != nil {
			return Layer{}, err
		}
		return Layer{Kind: kind, Width: b.Width, Height: b.Height, Data: data}, nil
	default:
		return Layer{}, fmt.Errorf("%w: %s", ErrUnsupportedTargetKind, kind)
	}
}

// ScaleToExactDimensions 平滑缩放到精确的宽高，不保持宽高比。
// 宿主要求蒙版与目标图层像素尺寸完全一致（例如检测模型只输出最长边 800px 的结果）。
// 灰度输入输出仍为灰度，其余格式输出 RGBA32。
func ScaleToExactDimensions(b Bitmap, width, height int) (Bitmap, error) {
	if err := b.Validate(); err != nil {
		return Bitmap{}, err
	}
	if width <= 0 || height <= 0 {
		return Bitmap{}, fmt.Errorf("%w: target size %dx%d", ErrInvalidBitmap, width, height)
	}

	src, err := ToImage(b)
	if err != nil {
		return Bitmap{}, err
	}

	var scaled *image.NRGBA
	if b.Width == width && b.Height == height {
		scaled = imaging.Clone(src)
	} else {
		scaled = imaging.Resize(src, width, height, imaging.Linear)
	}

	out := fromNRGBA(scaled)
	if b.Format == FormatGray8 {
		return ToGrayscale8(out)
	}
	return out, nil
}

// ConvertForSurface 当尺寸与目标表面不一致时先缩放，再按目标类型转换
func ConvertForSurface(b Bitmap, kind TargetKind, surfaceWidth, surfaceHeight int) (Layer, error) {
	if surfaceWidth > 0 && surfaceHeight > 0 && (b.Width != surfaceWidth || b.Height != surfaceHeight) {
		scaled, err := ScaleToExactDimensions(b, surfaceWidth, surfaceHeight)
		if err != nil {
			return Layer{}, err
		}
		b = scaled
	}
	return Convert(b, kind)
}

// luminance 与 qGray 相同的整数加权
func luminance(r, g, b byte) byte {
	return byte((uint32(r)*11 + uint32(g)*16 + uint32(b)*5) / 32)
}

// paletteTable 将调色板展开为非预乘颜色表
func paletteTable(p color.Palette) ([]color.NRGBA, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: indexed bitmap without palette", ErrInvalidBitmap)
	}
	lut := make([]color.NRGBA, len(p))
	for i, c := range p {
		lut[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
	}
	return lut, nil
}
