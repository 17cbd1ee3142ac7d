package main

import (
	"github.com/mark3labs/mcp-go/server"

	"bria-masktools/common"
	"bria-masktools/internal/bria"
	"bria-masktools/internal/oss"
	"bria-masktools/internal/tools"
)

func main() {
	// 加载配置（同时初始化日志，默认输出到 stderr）
	config, err := common.LoadConfig()
	if err != nil {
		common.Fatalf("Failed to load config: %v", err)
	}

	common.WithFields(map[string]interface{}{
		"base_url":      config.BriaBaseURL,
		"api_key":       common.MaskAPIKey(config.BriaAPIKey),
		"timeout":       config.BriaTimeoutSeconds,
		"output_format": config.LayerOutputFormat,
	}).Info("Bria mask tools server starting")

	briaClient, err := bria.NewBriaClientFromConfig(config)
	if err != nil {
		common.Fatalf("Failed to create Bria client: %v", err)
	}
	defer briaClient.Close()

	// 默认输出 url，或配置了 bucket 允许单次调用改为 url 时创建 OSS 客户端
	var store oss.OSSIface
	if config.LayerOutputFormat == common.LayerFormatURL || config.OSSBucket != "" {
		store, err = oss.NewOSSClientFromConfig(config)
		if err != nil {
			common.Fatalf("Failed to create OSS client: %v", err)
		}
	}

	s := server.NewMCPServer(
		"Bria Mask Tools MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	if err := tools.RegisterBriaTools(s, briaClient, config.LayerOutputFormat, store); err != nil {
		common.Fatalf("Failed to register Bria tools: %v", err)
	}

	// 启动 stdio 服务器
	if err := server.ServeStdio(s); err != nil {
		common.Fatalf("Server error: %v", err)
	}
}
