package bria

import (
	"fmt"
	"strings"

	"bria-masktools/internal/pixel"
)

// Operation 远端编辑操作
type Operation int

const (
	RemoveBackground Operation = iota + 1
	MaskedErase
	MaskGenerate
)

func (o Operation) String() string {
	switch o {
	case RemoveBackground:
		return "remove_background"
	case MaskedErase:
		return "masked_erase"
	case MaskGenerate:
		return "mask_generate"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// path 相对 BaseURL 的固定接口路径
func (o Operation) path() string {
	switch o {
	case RemoveBackground:
		return "/background/remove"
	case MaskedErase:
		return "/erase_foreground"
	case MaskGenerate:
		return "/objects/mask_generator"
	default:
		return ""
	}
}

// defaultTarget 结果默认写入的节点类型：抠图与擦除生成绘画层，蒙版生成为透明度蒙版
func (o Operation) defaultTarget() pixel.TargetKind {
	if o == MaskGenerate {
		return pixel.TransparencyMask
	}
	return pixel.PaintLayer
}

// State 单次调用的状态机：
// Idle -> Encoding -> Sending -> (Retrying -> Sending)? -> Classifying -> Extracting -> Success | Failure
type State int

const (
	StateIdle State = iota
	StateEncoding
	StateSending
	StateRetrying
	StateClassifying
	StateExtracting
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateEncoding:
		return "Encoding"
	case StateSending:
		return "Sending"
	case StateRetrying:
		return "Retrying"
	case StateClassifying:
		return "Classifying"
	case StateExtracting:
		return "Extracting"
	case StateSuccess:
		return "Success"
	case StateFailure:
		return "Failure"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RequestOptions 单次请求参数
type RequestOptions struct {
	// APIKey 调用方提供的凭证，为空时使用客户端默认值；长度需不少于 10 个字符
	APIKey string
	// PreserveAlpha 擦除时保留原图透明通道
	PreserveAlpha bool
	// PromptText 擦除时可选的补全提示词
	PromptText string
	// ContentModeration 保留字段，请求中始终发送 false
	ContentModeration bool
}

// Request 一次远端编辑调用的完整输入
type Request struct {
	Operation Operation
	Image     pixel.Bitmap
	// Mask 仅 MaskedErase 需要，白色为待擦除区域
	Mask    *pixel.Bitmap
	Options RequestOptions
	// Target 为空时使用操作的默认节点类型
	Target *pixel.TargetKind
	// SurfaceWidth / SurfaceHeight 目标图层尺寸，结果尺寸不一致时先缩放。
	// MaskGenerate 未设置时默认使用输入图尺寸（服务端按 800px 最长边返回蒙版）。
	SurfaceWidth  int
	SurfaceHeight int
	// Name 单结果操作的图层名，为空时按操作生成
	Name string
}

func (r Request) target() pixel.TargetKind {
	if r.Target != nil {
		return *r.Target
	}
	return r.Operation.defaultTarget()
}

func (r Request) surface() (int, int) {
	if r.SurfaceWidth > 0 && r.SurfaceHeight > 0 {
		return r.SurfaceWidth, r.SurfaceHeight
	}
	if r.Operation == MaskGenerate {
		return r.Image.Width, r.Image.Height
	}
	return 0, 0
}

// resultName 单结果操作的默认图层名
func (r Request) resultName() string {
	if r.Name != "" {
		return r.Name
	}
	switch r.Operation {
	case RemoveBackground:
		return "Cutout"
	case MaskedErase:
		prompt := strings.TrimSpace(r.Options.PromptText)
		if prompt == "" {
			return "Erased Fill"
		}
		if len([]rune(prompt)) <= 20 {
			return fmt.Sprintf("Erased Fill (%s)", prompt)
		}
		return fmt.Sprintf("Erased Fill (%s...)", string([]rune(prompt)[:17]))
	default:
		return "Generated Mask"
	}
}

// NamedLayer 一个已解码并转换好的结果
type NamedLayer struct {
	Name string
	// Bitmap 远端返回的原始解码结果
	Bitmap pixel.Bitmap
	// Layer 按目标节点类型转换后的紧密像素数据
	Layer pixel.Layer
}

// OperationResult 成功时 Results 非空且 Failure 为 nil；失败时只有 Failure
type OperationResult struct {
	Operation Operation
	Results   []NamedLayer
	Failure   *OperationError
	// States 本次调用经过的状态
	States []State
}

// OK 是否成功
func (r *OperationResult) OK() bool {
	return r != nil && r.Failure == nil
}

// Err 以 error 形式返回失败信息，成功时为 nil
func (r *OperationResult) Err() error {
	if r == nil || r.Failure == nil {
		return nil
	}
	return r.Failure
}
