package client

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	corelog "signage-core/internal/core/log"
)

const (
	configFileName     = "display-config.yaml"
	credentialFileName = "credential.json"
	appDirName         = ".signage"
)

// ConfigManager 客户端配置管理器
type ConfigManager struct {
	searchPaths []string // 配置文件搜索路径（按优先级排序）
}

// NewConfigManager 创建配置管理器
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		searchPaths: []string{
			filepath.Join(getWorkingDir(), configFileName),
			filepath.Join(getUserHomeDir(), appDirName, configFileName),
		},
	}
}

// LoadConfig 加载配置（按优先级尝试多个路径）
func (cm *ConfigManager) LoadConfig(cmdConfigPath string) (*ClientConfig, error) {
	// 1. 命令行指定的配置文件
	if cmdConfigPath != "" {
		config, err := cm.loadConfigFromFile(cmdConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", cmdConfigPath, err)
		}
		corelog.Infof("ConfigManager: loaded config from %s (command line)", cmdConfigPath)
		return config, nil
	}

	// 2. 尝试标准搜索路径
	for _, path := range cm.searchPaths {
		config, err := cm.loadConfigFromFile(path)
		if err == nil {
			corelog.Infof("ConfigManager: loaded config from %s", path)
			return config, nil
		}
		// 文件不存在是正常情况，继续尝试下一个
		if !os.IsNotExist(err) {
			corelog.Warnf("ConfigManager: failed to load config from %s: %v", path, err)
		}
	}

	// 3. 没有配置文件时使用默认配置
	corelog.Infof("ConfigManager: no config file found, using defaults")
	return DefaultClientConfig(), nil
}

// loadConfigFromFile 从文件加载配置
func (cm *ConfigManager) loadConfigFromFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultClientConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.applyDefaults()
	return config, nil
}

// DefaultCredentialPath 默认凭据文件路径 ~/.signage/credential.json
func DefaultCredentialPath() string {
	return filepath.Join(getUserHomeDir(), appDirName, credentialFileName)
}

// getWorkingDir 获取工作目录
func getWorkingDir() string {
	workDir, err := os.Getwd()
	if err != nil {
		corelog.Warnf("ConfigManager: failed to get working directory: %v", err)
		return "."
	}
	return workDir
}

// getUserHomeDir 获取用户主目录
func getUserHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		corelog.Warnf("ConfigManager: failed to get user home directory: %v", err)
		return "."
	}
	return homeDir
}
