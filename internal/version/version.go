package version

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

var (
	// Version 版本号，默认从 VERSION 文件读取，构建时可通过 -ldflags 覆盖
	Version = "dev"

	// BuildTime 构建时间，通过 -ldflags 注入
	BuildTime = ""

	// GitCommit Git 提交哈希，通过 -ldflags 注入
	GitCommit = ""
)

func init() {
	if Version == "dev" {
		Version = readVersionFromFile()
	}
}

// readVersionFromFile 从当前目录或上级目录的 VERSION 文件读取版本号
func readVersionFromFile() string {
	data, err := os.ReadFile("VERSION")
	if err != nil {
		data, err = os.ReadFile("../VERSION")
		if err != nil {
			return "dev"
		}
	}

	version := strings.TrimPrefix(strings.TrimSpace(string(data)), "v")
	if version == "" {
		return "dev"
	}
	return version
}

// GetVersion 获取完整版本信息
func GetVersion() string {
	version := "v" + Version
	if BuildTime != "" {
		version += " (built " + BuildTime + ")"
	}
	if commit := shortCommit(); commit != "" {
		version += " commit " + commit
	}
	return version
}

// GetShortVersion 获取简短版本号
func GetShortVersion() string {
	return "v" + Version
}

// UserAgent 客户端 HTTP/WebSocket 请求使用的 User-Agent
func UserAgent(component string) string {
	return fmt.Sprintf("signage-%s/%s (%s/%s)", component, Version, runtime.GOOS, runtime.GOARCH)
}

func shortCommit() string {
	if len(GitCommit) > 8 {
		return GitCommit[:8]
	}
	return GitCommit
}
