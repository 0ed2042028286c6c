package client

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCredentialStore_SaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credential.json")
	store := NewFileCredentialStore(path)
	assert.Equal(t, path, store.Path())

	// 1. 文件不存在时没有凭据
	cred, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)

	// 2. 保存后可读回
	pairedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(&Credential{
		DeviceID:  "dev-1",
		Token:     "tok-1",
		ServerURL: "wss://signage.example.com/ws",
		PairedAt:  pairedAt,
	}))

	cred, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "dev-1", cred.DeviceID)
	assert.Equal(t, "tok-1", cred.Token)
	assert.True(t, pairedAt.Equal(cred.PairedAt))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// 3. 清除后不再有凭据，重复清除不报错
	require.NoError(t, store.Clear())
	cred, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)
	require.NoError(t, store.Clear())
}

func TestFileCredentialStore_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	store := NewFileCredentialStore(path)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := store.Load()
	assert.Error(t, err)

	// 没有令牌的凭据视为未配对
	require.NoError(t, os.WriteFile(path, []byte(`{"deviceId":"dev-1"}`), 0600))
	cred, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestMemoryCredentialStore(t *testing.T) {
	store := NewMemoryCredentialStore()

	cred, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)

	orig := &Credential{DeviceID: "dev-1", Token: "tok-1"}
	require.NoError(t, store.Save(orig))

	// 保存的是副本
	orig.Token = "changed"
	cred, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)

	require.NoError(t, store.Clear())
	cred, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)
}
