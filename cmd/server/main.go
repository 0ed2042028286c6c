package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"signage-core/internal/app/server"
	corelog "signage-core/internal/core/log"
)

func main() {
	// 1. 解析命令行参数
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *showHelp {
		fmt.Println("Signage Pairing Server")
		fmt.Println("Usage: server [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  server                    # 使用当前目录下的 config.yaml")
		fmt.Println("  server -config /etc/signage/config.yaml")
		fmt.Println()
		fmt.Println("Environment overrides: SIGNAGE_LISTEN_ADDR, SIGNAGE_JWT_SECRET, WEB_URL,")
		fmt.Println("  STORAGE_TYPE, STORAGE_REDIS_ADDR, MESSAGE_BROKER_TYPE, NODE_ID, LOG_LEVEL")
		return
	}

	absConfigPath, err := filepath.Abs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config path: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载配置并创建服务器
	config, err := server.LoadConfig(absConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	srv, err := server.New(config, ctx)
	if err != nil {
		corelog.Fatalf("Failed to build server: %v", err)
	}

	// 显示启动信息横幅（在日志初始化之后，服务启动之前）
	srv.DisplayStartupBanner(absConfigPath)

	// 3. 运行服务器（包含信号处理和优雅关闭）
	if err := srv.Run(ctx); err != nil {
		corelog.Fatalf("Failed to run server: %v", err)
	}

	corelog.Info("Signage server exited gracefully")
}
