package timeutil

import "time"

// SafeTimer 安全的定时器，用于替代循环中的 time.After
//
//	timer := NewSafeTimer(25 * time.Second)
//	defer timer.Stop()
//	for {
//	    timer.Reset(25 * time.Second)
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-timer.C():
//	        // 超时处理
//	    }
//	}
type SafeTimer struct {
	timer *time.Timer
}

// NewSafeTimer 创建新的安全定时器
func NewSafeTimer(d time.Duration) *SafeTimer {
	return &SafeTimer{timer: time.NewTimer(d)}
}

// C 返回定时器通道
func (t *SafeTimer) C() <-chan time.Time {
	return t.timer.C
}

// Reset 停止、排空后重置
func (t *SafeTimer) Reset(d time.Duration) {
	t.Stop()
	t.timer.Reset(d)
}

// Stop 停止定时器
func (t *SafeTimer) Stop() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}
