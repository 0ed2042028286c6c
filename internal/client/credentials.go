package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	corelog "signage-core/internal/core/log"
)

// Credential 配对成功后签发的长期设备凭据
type Credential struct {
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	ServerURL string    `json:"serverUrl,omitempty"`
	PairedAt  time.Time `json:"pairedAt"`
}

// CredentialStore 设备凭据持久化
// Load 在没有凭据时返回 (nil, nil)
type CredentialStore interface {
	Load() (*Credential, error)
	Save(cred *Credential) error
	Clear() error
}

// ============================================================================
// 内存实现
// ============================================================================

// MemoryCredentialStore 进程内凭据存储
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewMemoryCredentialStore 创建内存凭据存储
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) Load() (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryCredentialStore) Save(cred *Credential) error {
	if cred == nil {
		return s.Clear()
	}
	c := *cred
	s.mu.Lock()
	s.cred = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) Clear() error {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()
	return nil
}

// ============================================================================
// 文件实现
// ============================================================================

// FileCredentialStore JSON 文件凭据存储，文件权限 0600
type FileCredentialStore struct {
	mu   sync.Mutex
	path string
}

// NewFileCredentialStore 创建文件凭据存储
func NewFileCredentialStore(path string) *FileCredentialStore {
	if path == "" {
		path = DefaultCredentialPath()
	}
	return &FileCredentialStore{path: path}
}

// Path 返回凭据文件路径
func (s *FileCredentialStore) Path() string {
	return s.path
}

func (s *FileCredentialStore) Load() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential: %w", err)
	}
	if cred.Token == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *FileCredentialStore) Save(cred *Credential) error {
	if cred == nil {
		return s.Clear()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	// 写临时文件后原子替换
	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	corelog.Infof("CredentialStore: credential for device %s saved to %s", cred.DeviceID, s.path)
	return nil
}

func (s *FileCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}
