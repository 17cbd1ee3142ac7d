package bria

import (
	"context"

	"bria-masktools/internal/pixel"
)

// BriaIface 远端图像编辑操作，工具层依赖该接口以便替换实现
type BriaIface interface {
	// Run 执行任意一种操作，失败时 OperationResult.Failure 非空
	Run(ctx context.Context, req Request) *OperationResult
	RemoveBackground(ctx context.Context, image pixel.Bitmap, opts RequestOptions) *OperationResult
	// MaskedErase 蒙版白色区域为擦除范围
	MaskedErase(ctx context.Context, image, mask pixel.Bitmap, opts RequestOptions) *OperationResult
	// GenerateMasks 每个识别出的物体返回一个蒙版，尺寸与输入图一致
	GenerateMasks(ctx context.Context, image pixel.Bitmap, target pixel.TargetKind, opts RequestOptions) *OperationResult
	Close() error
}

var _ BriaIface = (*Client)(nil)
