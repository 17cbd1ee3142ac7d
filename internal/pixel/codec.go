package pixel

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Decode 解码 PNG / JPEG / GIF / BMP / WebP 字节为 Bitmap。
// 解码失败属于本地确定性错误，调用方不应重试。
func Decode(data []byte) (Bitmap, error) {
	if len(data) == 0 {
		return Bitmap{}, fmt.Errorf("%w: empty input", ErrDecodeError)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Bitmap{}, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	b := FromImage(img)
	if err := b.Validate(); err != nil {
		return Bitmap{}, err
	}
	return b, nil
}

// FromImage 将 image.Image 转为 Bitmap：Gray 保持灰度，Paletted 保持索引，其余转为非预乘 RGBA32。
// 当源图从原点开始且缓冲区完整时直接沿用其 stride（可能含填充）。
func FromImage(img image.Image) Bitmap {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()

	switch src := img.(type) {
	case *image.Gray:
		if r.Min == (image.Point{}) && len(src.Pix) >= src.Stride*h {
			return Bitmap{Width: w, Height: h, Stride: src.Stride, Format: FormatGray8, Pix: src.Pix}
		}
		out := NewBitmap(w, h, FormatGray8)
		for y := 0; y < h; y++ {
			off := src.PixOffset(r.Min.X, r.Min.Y+y)
			copy(out.row(y), src.Pix[off:off+w])
		}
		return out
	case *image.Paletted:
		if r.Min == (image.Point{}) && len(src.Pix) >= src.Stride*h {
			return Bitmap{Width: w, Height: h, Stride: src.Stride, Format: FormatIndexed, Pix: src.Pix, Palette: src.Palette}
		}
		out := NewBitmap(w, h, FormatIndexed)
		out.Palette = src.Palette
		for y := 0; y < h; y++ {
			off := src.PixOffset(r.Min.X, r.Min.Y+y)
			copy(out.row(y), src.Pix[off:off+w])
		}
		return out
	case *image.NRGBA:
		if r.Min == (image.Point{}) && len(src.Pix) >= src.Stride*h {
			return Bitmap{Width: w, Height: h, Stride: src.Stride, Format: FormatRGBA32, Pix: src.Pix}
		}
	}
	return fromNRGBA(imaging.Clone(img))
}

// fromNRGBA 复制一个从原点开始的 NRGBA 图
func fromNRGBA(img *image.NRGBA) Bitmap {
	r := img.Bounds()
	out := NewBitmap(r.Dx(), r.Dy(), FormatRGBA32)
	for y := 0; y < out.Height; y++ {
		off := img.PixOffset(r.Min.X, r.Min.Y+y)
		copy(out.row(y), img.Pix[off:off+out.Width*4])
	}
	return out
}

// ToImage 以零拷贝方式把 Bitmap 包装成标准库图像
func ToImage(b Bitmap) (image.Image, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, b.Width, b.Height)
	switch b.Format {
	case FormatGray8:
		return &image.Gray{Pix: b.Pix, Stride: b.Stride, Rect: rect}, nil
	case FormatRGBA32:
		return &image.NRGBA{Pix: b.Pix, Stride: b.Stride, Rect: rect}, nil
	case FormatIndexed:
		for y := 0; y < b.Height; y++ {
			for x, idx := range b.row(y) {
				if int(idx) >= len(b.Palette) {
					return nil, fmt.Errorf("%w: palette index %d out of range at (%d,%d)", ErrInvalidBitmap, idx, x, y)
				}
			}
		}
		return &image.Paletted{Pix: b.Pix, Stride: b.Stride, Rect: rect, Palette: b.Palette}, nil
	}
	return nil, fmt.Errorf("%w: unknown pixel format %s", ErrInvalidBitmap, b.Format)
}

// EncodePNG 编码为 PNG（保留透明度）
func EncodePNG(b Bitmap) ([]byte, error) {
	img, err := ToImage(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJPEG 合成到白色背景后编码为 JPEG（JPEG 不支持透明度）
func EncodeJPEG(b Bitmap, quality int) ([]byte, error) {
	img, err := ToImage(b)
	if err != nil {
		return nil, err
	}
	flat := imaging.New(b.Width, b.Height, color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FitLongestEdge 在保持宽高比的前提下把最长边缩小到不超过 maxEdge，已满足时原样返回
func FitLongestEdge(b Bitmap, maxEdge int) (Bitmap, error) {
	if err := b.Validate(); err != nil {
		return Bitmap{}, err
	}
	if maxEdge <= 0 || (b.Width <= maxEdge && b.Height <= maxEdge) {
		return b, nil
	}

	var w, h int
	if b.Width >= b.Height {
		w = maxEdge
		h = int(math.Round(float64(b.Height) * float64(maxEdge) / float64(b.Width)))
	} else {
		h = maxEdge
		w = int(math.Round(float64(b.Width) * float64(maxEdge) / float64(b.Height)))
	}
	return ScaleToExactDimensions(b, max(w, 1), max(h, 1))
}

// LayerImage 将转换结果还原为可预览的图像：蒙版为灰度图，绘画层从 B,G,R,A 还原为 NRGBA
func LayerImage(l Layer) (image.Image, error) {
	rect := image.Rect(0, 0, l.Width, l.Height)
	switch l.Kind {
	case TransparencyMask, SelectionMask:
		if len(l.Data) != l.Width*l.Height {
			return nil, fmt.Errorf("%w: mask data length %d for %dx%d", ErrInvalidBitmap, len(l.Data), l.Width, l.Height)
		}
		return &image.Gray{Pix: l.Data, Stride: l.Width, Rect: rect}, nil
	case PaintLayer:
		if len(l.Data) != l.Width*l.Height*4 {
			return nil, fmt.Errorf("%w: layer data length %d for %dx%d", ErrInvalidBitmap, len(l.Data), l.Width, l.Height)
		}
		img := image.NewNRGBA(rect)
		for i := 0; i < len(l.Data); i += 4 {
			img.Pix[i] = l.Data[i+2]
			img.Pix[i+1] = l.Data[i+1]
			img.Pix[i+2] = l.Data[i]
			img.Pix[i+3] = l.Data[i+3]
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedTargetKind, l.Kind)
}
