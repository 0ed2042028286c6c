package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	coreerrors "signage-core/internal/core/errors"
	corelog "signage-core/internal/core/log"
	"signage-core/internal/core/storage"
	"signage-core/internal/utils/timeutil"

	"github.com/google/uuid"
)

const (
	codeKeyPrefix     = "signage:pairing:code:"
	deviceKeyPrefix   = "signage:pairing:device:"
	attemptsKeyPrefix = "signage:pairing:attempts:"

	DefaultCodeTTL         = 5 * time.Minute
	DefaultRetention       = 10 * time.Minute
	DefaultPairedRetention = 24 * time.Hour

	maxNicknameLength = 64
	maxMetadataKeys   = 32
	maxCASRetries     = 5
	lockStripes       = 64
	minRecordTTL      = time.Second
)

// errSkip 更新函数放弃写入，不视为失败
var errSkip = errors.New("skip update")

// codeSource 配对码来源
type codeSource interface {
	GenerateUnique(claim func(code string) (bool, error)) (string, error)
}

// SessionStorage 会话存储所需的能力
type SessionStorage interface {
	storage.Storage
	storage.CounterStore
	storage.CASStore
}

// StoreConfig 会话存储配置
type StoreConfig struct {
	CodeLength      int           `yaml:"code_length"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	Retention       time.Duration `yaml:"retention"`
	PairedRetention time.Duration `yaml:"paired_retention"`
}

// DefaultStoreConfig 默认配置：6 位码，5 分钟有效
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CodeLength:      DefaultCodeLength,
		CodeTTL:         DefaultCodeTTL,
		Retention:       DefaultRetention,
		PairedRetention: DefaultPairedRetention,
	}
}

func (c StoreConfig) withDefaults() StoreConfig {
	d := DefaultStoreConfig()
	if c.CodeLength == 0 {
		c.CodeLength = d.CodeLength
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = d.CodeTTL
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.PairedRetention <= 0 {
		c.PairedRetention = d.PairedRetention
	}
	return c
}

// SweepResult 一次清扫的结果
type SweepResult struct {
	Expired []*PairingSession // 本次由 PENDING 标记为 EXPIRED 的会话
	Removed int               // 超过保留期被删除的会话数
}

// SessionStore 配对会话存储
//
// 职责：
//   - 配对码的唯一分配与有效期
//   - PENDING 到终态的原子迁移（同一配对码的并发确认只有一个成功）
//   - 过期会话的清扫
//
// 设计：
//   - 会话以 JSON 字符串保存，状态迁移使用 CompareAndSwap，多节点共享 Redis 时同样安全
//   - 本进程内按配对码分段加锁，减少 CAS 冲突重试
type SessionStore struct {
	storage SessionStorage
	codes   codeSource
	clock   timeutil.Clock
	cfg     StoreConfig
	locks   [lockStripes]sync.Mutex

	// 设备索引单独分段，supersede 内部还会获取配对码锁
	deviceLocks [lockStripes]sync.Mutex
}

// NewSessionStore 创建会话存储
func NewSessionStore(s SessionStorage, cfg StoreConfig, clock timeutil.Clock) (*SessionStore, error) {
	if s == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "session storage is required")
	}
	cfg = cfg.withDefaults()
	gen, err := NewCodeGenerator(cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.Real()
	}
	return &SessionStore{
		storage: s,
		codes:   gen,
		clock:   clock,
		cfg:     cfg,
	}, nil
}

// Config 返回生效的配置
func (s *SessionStore) Config() StoreConfig {
	return s.cfg
}

func codeKey(code string) string       { return codeKeyPrefix + code }
func deviceKey(deviceID string) string { return deviceKeyPrefix + deviceID }
func attemptsKey(code string) string   { return attemptsKeyPrefix + code }

func (s *SessionStore) lockFor(code string) *sync.Mutex {
	return &s.locks[stripe(code)]
}

func (s *SessionStore) lockForDevice(deviceID string) *sync.Mutex {
	return &s.deviceLocks[stripe(deviceID)]
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

// recordTTL 存储层过期时间，保证终态会话在保留期内可查询
func (s *SessionStore) recordTTL(sess *PairingSession, now time.Time) time.Duration {
	var until time.Time
	if sess.Status == StatusPaired {
		until = now.Add(s.cfg.PairedRetention)
	} else {
		until = sess.ExpiresAt.Add(s.cfg.Retention)
	}
	if ttl := until.Sub(now); ttl > minRecordTTL {
		return ttl
	}
	return minRecordTTL
}

// ============================================================================
// 创建
// ============================================================================

// Create 为设备分配新的配对码
// 未提供设备ID时自动分配；同一设备之前的 PENDING 会话被置为 REVOKED
func (s *SessionStore) Create(ctx context.Context, req CreateRequest) (*PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	now := s.clock.Now()
	sess := &PairingSession{
		DeviceID:  deviceID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		Nickname:  req.Nickname,
		Metadata:  req.Metadata,
	}
	ttl := s.recordTTL(sess, now)

	code, err := s.codes.GenerateUnique(func(code string) (bool, error) {
		sess.Code = code
		data, err := json.Marshal(sess)
		if err != nil {
			return false, err
		}
		return s.storage.SetNX(codeKey(code), string(data), ttl)
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to allocate pairing code")
	}

	mu := s.lockForDevice(deviceID)
	mu.Lock()
	s.supersede(deviceID, code)
	err = s.storage.Set(deviceKey(deviceID), code, ttl)
	mu.Unlock()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to index device session")
	}

	corelog.WithFields(map[string]interface{}{
		corelog.FieldCode:     code,
		corelog.FieldDeviceID: deviceID,
	}).Debugf("SessionStore: created session, expires at %s", sess.ExpiresAt.Format(time.RFC3339))
	return sess.Clone(), nil
}

// supersede 将设备之前仍为 PENDING 的会话置为 REVOKED
func (s *SessionStore) supersede(deviceID, newCode string) {
	prev, err := s.storage.Get(deviceKey(deviceID))
	if err != nil || prev == "" || prev == newCode {
		return
	}
	_, err = s.update(prev, func(p *PairingSession, _ time.Time) error {
		if p.Status != StatusPending {
			return errSkip
		}
		p.Status = StatusRevoked
		return nil
	})
	switch {
	case err == nil:
		corelog.Debugf("SessionStore: session %s superseded by %s", prev, newCode)
	case errors.Is(err, errSkip), coreerrors.IsCode(err, coreerrors.CodeCodeNotFound):
	default:
		corelog.Warnf("SessionStore: failed to supersede session %s: %v", prev, err)
	}
}

func validateCreateRequest(req CreateRequest) error {
	if len(req.Nickname) > maxNicknameLength {
		return coreerrors.Newf(coreerrors.CodeValidationError,
			"nickname longer than %d characters", maxNicknameLength)
	}
	if len(req.Metadata) > maxMetadataKeys {
		return coreerrors.Newf(coreerrors.CodeValidationError,
			"metadata has more than %d keys", maxMetadataKeys)
	}
	return nil
}

// ============================================================================
// 查询
// ============================================================================

func (s *SessionStore) load(code string) (*PairingSession, string, error) {
	raw, err := s.storage.Get(codeKey(code))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, "", coreerrors.Newf(coreerrors.CodeCodeNotFound, "pairing code %s not found", code)
		}
		return nil, "", coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to load session")
	}
	var sess PairingSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, "", coreerrors.Wrap(err, coreerrors.CodeStorageError, "corrupt session record")
	}
	return &sess, raw, nil
}

func (s *SessionStore) attempts(code string, fallback int64) int64 {
	raw, err := s.storage.Get(attemptsKey(code))
	if err != nil {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < fallback {
		return fallback
	}
	return n
}

// Get 按配对码查询会话
func (s *SessionStore) Get(ctx context.Context, code string) (*PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = NormalizeCode(code)
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	sess, _, err := s.load(code)
	if err != nil {
		return nil, err
	}
	sess.ConnectionAttempts = s.attempts(code, sess.ConnectionAttempts)
	return sess, nil
}

// GetByDevice 查询设备最近一次的会话
func (s *SessionStore) GetByDevice(ctx context.Context, deviceID string) (*PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code, err := s.storage.Get(deviceKey(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, coreerrors.Newf(coreerrors.CodeNotFound, "no session for device %s", deviceID)
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to load device index")
	}
	return s.Get(ctx, code)
}

// ActiveSessions 返回仍有效的 PENDING 会话，按创建时间排序
func (s *SessionStore) ActiveSessions(ctx context.Context) ([]*PairingSession, error) {
	keys, err := s.storage.Keys(codeKeyPrefix)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to list sessions")
	}

	now := s.clock.Now()
	active := make([]*PairingSession, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sess, _, err := s.load(strings.TrimPrefix(key, codeKeyPrefix))
		if err != nil {
			continue
		}
		if sess.EffectiveStatus(now) == StatusPending {
			sess.ConnectionAttempts = s.attempts(sess.Code, sess.ConnectionAttempts)
			active = append(active, sess)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// ============================================================================
// 状态迁移
// ============================================================================

// update 读取、修改、CAS 写回；fn 返回错误时不写入，并把当前会话一并返回
func (s *SessionStore) update(code string, fn func(sess *PairingSession, now time.Time) error) (*PairingSession, error) {
	mu := s.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		sess, raw, err := s.load(code)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		if err := fn(sess, now); err != nil {
			return sess, err
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to encode session")
		}
		ok, err := s.storage.CompareAndSwap(codeKey(code), raw, string(data), s.recordTTL(sess, now))
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to update session")
		}
		if ok {
			return sess, nil
		}
		// 其他节点先行修改，重新读取后再判断
		corelog.Debugf("SessionStore: CAS conflict on %s, retrying (%d)", code, attempt+1)
	}
	return nil, coreerrors.Newf(coreerrors.CodeStorageError, "too many concurrent updates on %s", code)
}

// requirePending 确认与撤销的公共前置检查
func requirePending(sess *PairingSession, now time.Time) error {
	switch sess.Status {
	case StatusPaired:
		return coreerrors.Newf(coreerrors.CodeAlreadyPaired, "pairing code %s already redeemed", sess.Code)
	case StatusExpired, StatusRevoked:
		return coreerrors.Newf(coreerrors.CodeExpired, "pairing code %s is %s", sess.Code, strings.ToLower(string(sess.Status)))
	}
	if !now.Before(sess.ExpiresAt) {
		return coreerrors.Newf(coreerrors.CodeExpired, "pairing code %s expired", sess.Code)
	}
	return nil
}

// Confirm 控制端兑换配对码
//
// 每次针对已存在配对码的尝试都会计数；检查顺序为
// CodeNotFound、AlreadyPaired、Expired，全部通过后原子迁移到 PAIRED。
func (s *SessionStore) Confirm(ctx context.Context, code, controllerID string) (*PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = NormalizeCode(code)
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	controllerID = strings.TrimSpace(controllerID)
	if controllerID == "" {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "controller id is required")
	}

	current, _, err := s.load(code)
	if err != nil {
		return nil, err
	}

	attempts, err := s.storage.Incr(attemptsKey(code))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to count attempt")
	}
	if attempts == 1 {
		if err := s.storage.SetExpiration(attemptsKey(code), s.recordTTL(current, s.clock.Now())); err != nil {
			corelog.Warnf("SessionStore: failed to set attempts expiration for %s: %v", code, err)
		}
	}

	sess, err := s.update(code, func(sess *PairingSession, now time.Time) error {
		sess.ConnectionAttempts = attempts
		if err := requirePending(sess, now); err != nil {
			return err
		}
		sess.Status = StatusPaired
		sess.ControllerID = controllerID
		sess.PairedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	corelog.WithFields(map[string]interface{}{
		corelog.FieldCode:       code,
		corelog.FieldDeviceID:   sess.DeviceID,
		corelog.FieldController: controllerID,
	}).Infof("SessionStore: session paired after %d attempt(s)", attempts)
	return sess, nil
}

// SetDeviceToken 记录为已配对会话签发的设备令牌
func (s *SessionStore) SetDeviceToken(ctx context.Context, code, token string) (*PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.update(NormalizeCode(code), func(sess *PairingSession, _ time.Time) error {
		if sess.Status != StatusPaired {
			return coreerrors.Newf(coreerrors.CodeValidationError, "session %s is not paired", sess.Code)
		}
		sess.DeviceToken = token
		return nil
	})
}

// Revoke 撤销仍为 PENDING 的配对码
func (s *SessionStore) Revoke(ctx context.Context, code string) (*PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = NormalizeCode(code)
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	sess, err := s.update(code, func(sess *PairingSession, now time.Time) error {
		if err := requirePending(sess, now); err != nil {
			return err
		}
		sess.Status = StatusRevoked
		return nil
	})
	if err != nil {
		return nil, err
	}
	corelog.WithField(corelog.FieldCode, code).Infof("SessionStore: session revoked")
	return sess, nil
}

// MarkExpired 将到期的 PENDING 会话置为 EXPIRED
// changed 为 false 表示会话已是终态或尚未到期
func (s *SessionStore) MarkExpired(ctx context.Context, code string) (sess *PairingSession, changed bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	sess, err = s.update(code, func(sess *PairingSession, now time.Time) error {
		if sess.Status != StatusPending || now.Before(sess.ExpiresAt) {
			return errSkip
		}
		sess.Status = StatusExpired
		return nil
	})
	if errors.Is(err, errSkip) {
		return sess, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	corelog.WithField(corelog.FieldCode, code).Debugf("SessionStore: session expired")
	return sess, true, nil
}

// ============================================================================
// 清扫
// ============================================================================

// Sweep 标记到期会话并删除超过保留期的终态会话
func (s *SessionStore) Sweep(ctx context.Context) (*SweepResult, error) {
	keys, err := s.storage.Keys(codeKeyPrefix)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStorageError, "failed to list sessions")
	}

	result := &SweepResult{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		code := strings.TrimPrefix(key, codeKeyPrefix)
		sess, _, err := s.load(code)
		if err != nil {
			continue
		}

		now := s.clock.Now()
		switch {
		case sess.Status == StatusPending:
			if now.Before(sess.ExpiresAt) {
				continue
			}
			expired, changed, err := s.MarkExpired(ctx, code)
			if err != nil {
				corelog.Warnf("SessionStore: failed to expire %s: %v", code, err)
				continue
			}
			if changed {
				result.Expired = append(result.Expired, expired)
			}
		case sess.Status == StatusPaired:
			if now.Before(sess.PairedAt.Add(s.cfg.PairedRetention)) {
				continue
			}
			s.remove(sess)
			result.Removed++
		default:
			if now.Before(sess.ExpiresAt.Add(s.cfg.Retention)) {
				continue
			}
			s.remove(sess)
			result.Removed++
		}
	}

	if len(result.Expired) > 0 || result.Removed > 0 {
		corelog.Infof("SessionStore: sweep expired %d, removed %d session(s)", len(result.Expired), result.Removed)
	}
	return result, nil
}

func (s *SessionStore) remove(sess *PairingSession) {
	if err := s.storage.Delete(codeKey(sess.Code)); err != nil {
		corelog.Warnf("SessionStore: failed to delete session %s: %v", sess.Code, err)
	}
	_ = s.storage.Delete(attemptsKey(sess.Code))

	if current, err := s.storage.Get(deviceKey(sess.DeviceID)); err == nil && current == sess.Code {
		_ = s.storage.Delete(deviceKey(sess.DeviceID))
	}
}
