package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConfigManager 测试配置管理器创建
func TestNewConfigManager(t *testing.T) {
	cm := NewConfigManager()
	require.NotEmpty(t, cm.searchPaths)

	for _, path := range cm.searchPaths {
		assert.Equal(t, configFileName, filepath.Base(path))
	}
	assert.Equal(t, credentialFileName, filepath.Base(DefaultCredentialPath()))
}

// TestLoadConfig_DefaultConfig 没有配置文件时使用默认配置
func TestLoadConfig_DefaultConfig(t *testing.T) {
	cm := &ConfigManager{
		searchPaths: []string{"/non/existent/path/display-config.yaml"},
	}

	config, err := cm.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultClientConfig(), config)
}

// TestLoadConfig_FromFile 文件中的值覆盖默认值，未设置的字段保持默认
func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "display-config.yaml")
	content := `
server_url: wss://signage.example.com/ws
client_type: controller
controller_id: ctl-1
reconnect:
  base_delay: 2s
  max_attempts: 3
pairing:
  auto_restart: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cm := &ConfigManager{searchPaths: []string{"/non/existent/path/display-config.yaml", path}}
	config, err := cm.LoadConfig("")
	require.NoError(t, err)

	def := DefaultClientConfig()
	assert.Equal(t, "wss://signage.example.com/ws", config.ServerURL)
	assert.Equal(t, "controller", config.ClientType)
	assert.Equal(t, "ctl-1", config.ControllerID)
	assert.Equal(t, 2*time.Second, config.Reconnect.BaseDelay)
	assert.Equal(t, 3, config.Reconnect.MaxAttempts)
	assert.Equal(t, def.Reconnect.MaxDelay, config.Reconnect.MaxDelay)
	assert.Equal(t, def.Heartbeat, config.Heartbeat)
	assert.False(t, config.Pairing.AutoRestart)
}

// TestLoadConfig_CommandLinePath 命令行指定的文件必须存在且可解析
func TestLoadConfig_CommandLinePath(t *testing.T) {
	cm := NewConfigManager()

	_, err := cm.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [unterminated"), 0644))
	_, err = cm.LoadConfig(path)
	assert.Error(t, err)
}
