// Package cmd 提供显示端命令行
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"signage-core/internal/client"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/version"
)

// 全局标志
var (
	serverURL  string
	configFile string
	logFile    string
	logLevel   string
)

// rootCmd 代表根命令
var rootCmd = &cobra.Command{
	Use:   "signage-display",
	Short: "Signage display client - pair a screen with a controller",
	Long: `signage-display connects a screen to the signage pairing server.

Quick Start:
  signage-display device                       Show a pairing code on this screen
  signage-display pair --code ABC123           Pair a display as a controller
  signage-display status --code ABC123         Query a pairing code over HTTP`,
	Version:      version.GetVersion(),
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	// 全局 panic recovery
	defer func() {
		if r := recover(); r != nil {
			corelog.Errorf("FATAL: main goroutine panic recovered: %v", r)
			fmt.Fprintf(os.Stderr, "\nPANIC: %v\n", r)
			fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", string(debug.Stack()))
			os.Exit(2)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// 全局标志
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Realtime endpoint (e.g., ws://localhost:3001/ws)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "Log file path (default: stderr)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug/info/warn/error")

	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig 加载配置，命令行参数覆盖配置文件
func loadConfig(clientType string) (*client.ClientConfig, error) {
	configManager := client.NewConfigManager()
	config, err := configManager.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if serverURL != "" {
		config.ServerURL = serverURL
	}
	config.ClientType = clientType
	return config, nil
}

// configureLogging 配置日志，未指定文件时输出到 stderr，避免与配对码输出混在一起
func configureLogging(config *client.ClientConfig) error {
	logConfig := &corelog.Config{
		Level:  config.Log.Level,
		Format: corelog.FormatText,
		Output: corelog.OutputStderr,
	}
	if logLevel != "" {
		logConfig.Level = logLevel
	}

	logFilePath := config.Log.File
	if logFile != "" {
		logFilePath = logFile
	}
	if logFilePath != "" {
		logDir := filepath.Dir(logFilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %q: %w", logDir, err)
		}
		logConfig.Output = corelog.OutputFile
		logConfig.File = logFilePath
	}

	return corelog.Init(logConfig)
}

// signalContext 收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
