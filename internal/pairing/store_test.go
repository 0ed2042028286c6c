package pairing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	coreerrors "signage-core/internal/core/errors"
	"signage-core/internal/core/storage/memory"
	redisstore "signage-core/internal/core/storage/redis"
	"signage-core/internal/utils/timeutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fixedCodes 按顺序返回预设的配对码
type fixedCodes struct {
	mu    sync.Mutex
	codes []string
}

func (f *fixedCodes) GenerateUnique(claim func(code string) (bool, error)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.codes) > 0 {
		code := f.codes[0]
		f.codes = f.codes[1:]
		ok, err := claim(code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", errors.New("no codes left")
}

func newTestStore(t *testing.T, codes ...string) (*SessionStore, *timeutil.ManualClock) {
	t.Helper()
	backend := memory.New(context.Background())
	t.Cleanup(func() { _ = backend.Close() })
	return newStoreOn(t, backend, codes...)
}

func newStoreOn(t *testing.T, backend SessionStorage, codes ...string) (*SessionStore, *timeutil.ManualClock) {
	t.Helper()
	clock := timeutil.NewManualClock(testStart)
	store, err := NewSessionStore(backend, DefaultStoreConfig(), clock)
	require.NoError(t, err)
	if len(codes) > 0 {
		store.codes = &fixedCodes{codes: codes}
	}
	return store, clock
}

func TestSessionStore_Create(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, CreateRequest{Nickname: "Lobby"})
	require.NoError(t, err)

	assert.Len(t, sess.Code, DefaultCodeLength)
	for _, ch := range sess.Code {
		assert.True(t, strings.ContainsRune(CodeCharset, ch), "unexpected character %c", ch)
	}
	assert.NotEmpty(t, sess.DeviceID, "device id should be assigned")
	assert.Equal(t, StatusPending, sess.Status)
	assert.Equal(t, testStart, sess.CreatedAt)
	assert.Equal(t, testStart.Add(5*time.Minute), sess.ExpiresAt)

	got, err := store.Get(ctx, strings.ToLower(sess.Code))
	require.NoError(t, err)
	assert.Equal(t, "Lobby", got.Nickname)

	byDevice, err := store.GetByDevice(ctx, sess.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, sess.Code, byDevice.Code)
}

func TestSessionStore_CreateRejectsOversizedInput(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), CreateRequest{Nickname: strings.Repeat("x", 65)})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeValidationError))
}

func TestSessionStore_CodeCollisionRetries(t *testing.T) {
	store, _ := newTestStore(t, "ABC123", "ABC123", "XYZ789")
	ctx := context.Background()

	first, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	second, err := store.Create(ctx, CreateRequest{DeviceID: "dev-2"})
	require.NoError(t, err)

	assert.Equal(t, "ABC123", first.Code)
	assert.Equal(t, "XYZ789", second.Code)
}

func TestSessionStore_ConfirmThenAlreadyPaired(t *testing.T) {
	store, clock := newTestStore(t, "ABC123")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	sess, err := store.Confirm(ctx, "ABC123", "ctl-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaired, sess.Status)
	assert.Equal(t, "ctl-1", sess.ControllerID)
	assert.Equal(t, testStart.Add(2*time.Minute), sess.PairedAt)

	// 第二个控制端提交同一配对码
	_, err = store.Confirm(ctx, "ABC123", "ctl-2")
	assert.True(t, errors.Is(err, coreerrors.ErrAlreadyPaired))
	assert.Equal(t, coreerrors.ReasonAlreadyPaired, coreerrors.PairingReason(err))

	got, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ctl-1", got.ControllerID)
	assert.Equal(t, int64(2), got.ConnectionAttempts)
}

func TestSessionStore_ConfirmAfterExpiry(t *testing.T) {
	store, clock := newTestStore(t, "ABC123")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	// 没有清扫，Confirm 自己检查过期时间
	clock.Advance(301 * time.Second)
	_, err = store.Confirm(ctx, "ABC123", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrExpired))
	assert.Equal(t, coreerrors.ReasonExpired, coreerrors.PairingReason(err))
}

func TestSessionStore_ExpiryBoundary(t *testing.T) {
	store, clock := newTestStore(t, "AAAAAA", "BBBBBB")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateRequest{DeviceID: "dev-2"})
	require.NoError(t, err)

	clock.Advance(5*time.Minute - time.Millisecond)
	_, err = store.Confirm(ctx, "AAAAAA", "ctl-1")
	require.NoError(t, err)

	// 到达 expiresAt 即视为过期
	clock.Advance(time.Millisecond)
	_, err = store.Confirm(ctx, "BBBBBB", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrExpired))
}

func TestSessionStore_ConfirmErrors(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Confirm(ctx, "ZZZZZZ", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrCodeNotFound))

	_, err = store.Confirm(ctx, "AB", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrValidationError))

	_, err = store.Confirm(ctx, "AB-C12", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrValidationError))

	sess, err := store.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	_, err = store.Confirm(ctx, sess.Code, "  ")
	assert.True(t, errors.Is(err, coreerrors.ErrValidationError))
}

func TestSessionStore_ConcurrentConfirm(t *testing.T) {
	store, _ := newTestStore(t, "ABC123")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Confirm(ctx, "ABC123", "ctl-"+string(rune('a'+i%26)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, coreerrors.ErrAlreadyPaired):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, already)
}

func TestSessionStore_ConcurrentConfirmAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	// 两个节点各自持有 SessionStore，共享同一个 Redis
	var stores []*SessionStore
	for i := 0; i < 2; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		s, _ := newStoreOn(t, redisstore.NewWithClient(ctx, client), "ABC123")
		stores = append(stores, s)
	}

	_, err := stores[0].Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	const perNode = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, s := range stores {
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func(s *SessionStore) {
				defer wg.Done()
				_, err := s.Confirm(ctx, "ABC123", "ctl-1")
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, coreerrors.ErrAlreadyPaired) || coreerrors.IsCode(err, coreerrors.CodeStorageError), err.Error())
			}(s)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	got, err := stores[1].Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, StatusPaired, got.Status)
	assert.Equal(t, int64(2*perNode), got.ConnectionAttempts)
}

func TestSessionStore_SupersedesPreviousCode(t *testing.T) {
	store, _ := newTestStore(t, "AAAAAA", "BBBBBB")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	old, err := store.Get(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, old.Status)

	_, err = store.Confirm(ctx, "AAAAAA", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrExpired))

	current, err := store.GetByDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", current.Code)
}

func TestSessionStore_ConcurrentCreateKeepsLatestOnly(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := store.ActiveSessions(ctx)
	require.NoError(t, err)
	var pending []string
	for _, sess := range active {
		if sess.DeviceID == "dev-1" {
			pending = append(pending, sess.Code)
		}
	}
	require.Len(t, pending, 1)

	current, err := store.GetByDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, pending[0], current.Code)
}

func TestSessionStore_RevokeAndMarkExpired(t *testing.T) {
	store, clock := newTestStore(t, "AAAAAA", "BBBBBB")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateRequest{DeviceID: "dev-2"})
	require.NoError(t, err)

	revoked, err := store.Revoke(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	_, err = store.Revoke(ctx, "AAAAAA")
	assert.Error(t, err)

	// 未到期不会被标记
	_, changed, err := store.MarkExpired(ctx, "BBBBBB")
	require.NoError(t, err)
	assert.False(t, changed)

	clock.Advance(5 * time.Minute)
	sess, changed, err := store.MarkExpired(ctx, "BBBBBB")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusExpired, sess.Status)

	// 只迁移一次
	_, changed, err = store.MarkExpired(ctx, "BBBBBB")
	require.NoError(t, err)
	assert.False(t, changed)

	// 终态不会回到 PENDING 或变为 PAIRED
	_, err = store.Confirm(ctx, "BBBBBB", "ctl-1")
	assert.True(t, errors.Is(err, coreerrors.ErrExpired))
}

func TestSessionStore_Sweep(t *testing.T) {
	store, clock := newTestStore(t, "AAAAAA", "BBBBBB", "CCCCCC")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateRequest{DeviceID: "dev-2"})
	require.NoError(t, err)
	_, err = store.Confirm(ctx, "BBBBBB", "ctl-1")
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	_, err = store.Create(ctx, CreateRequest{DeviceID: "dev-3"})
	require.NoError(t, err)

	// 第一次清扫：AAAAAA 到期
	clock.Advance(time.Minute)
	result, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, result.Expired, 1)
	assert.Equal(t, "AAAAAA", result.Expired[0].Code)
	assert.Equal(t, 0, result.Removed)

	active, err := store.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "CCCCCC", active[0].Code)

	// 超过保留期后删除 AAAAAA；CCCCCC 此时已过期并被标记
	clock.Advance(DefaultRetention)
	result, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	require.Len(t, result.Expired, 1)
	assert.Equal(t, "CCCCCC", result.Expired[0].Code)

	_, err = store.Get(ctx, "AAAAAA")
	assert.True(t, errors.Is(err, coreerrors.ErrCodeNotFound))
	_, err = store.GetByDevice(ctx, "dev-1")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))

	// 已配对会话保留更久
	paired, err := store.Get(ctx, "BBBBBB")
	require.NoError(t, err)
	assert.Equal(t, StatusPaired, paired.Status)
}

func TestSessionStore_SetDeviceToken(t *testing.T) {
	store, _ := newTestStore(t, "ABC123")
	ctx := context.Background()

	_, err := store.Create(ctx, CreateRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	_, err = store.SetDeviceToken(ctx, "ABC123", "tok")
	assert.Error(t, err, "pending session cannot carry a token")

	_, err = store.Confirm(ctx, "ABC123", "ctl-1")
	require.NoError(t, err)
	sess, err := store.SetDeviceToken(ctx, "ABC123", "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", sess.DeviceToken)
}

func TestCodeGenerator(t *testing.T) {
	_, err := NewCodeGenerator(5)
	assert.Error(t, err)
	_, err = NewCodeGenerator(9)
	assert.Error(t, err)

	gen, err := NewCodeGenerator(8)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := gen.Generate()
		require.NoError(t, err)
		require.Len(t, code, 8)
		require.NoError(t, ValidateCode(code))
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "1")
		assert.NotContains(t, code, "I")
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 190)

	assert.Equal(t, "K7XM3P", NormalizeCode("  k7xm3p "))
}
