package client

import (
	"context"

	coreerrors "signage-core/internal/core/errors"
	"signage-core/internal/pairing"
	"signage-core/internal/realtime"
)

// PairResult 控制端配对结果
type PairResult struct {
	DeviceID string
}

// PairWithCode 控制端提交配对码并等待 pair-success / pair-failed
// conn 必须是已连接的控制端连接
func PairWithCode(ctx context.Context, conn Connection, code string) (*PairResult, error) {
	type outcome struct {
		deviceID string
		err      error
	}
	done := make(chan outcome, 1)
	report := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	sub := conn.Subscribe(func(e Event) {
		switch e.Type {
		case EventMessage:
			switch e.Message.Event {
			case pairing.EventPairSuccess:
				var p pairing.DevicePayload
				_ = e.Message.Decode(&p)
				report(outcome{deviceID: p.DeviceID})
			case pairing.EventPairFailed, realtime.EventError:
				var p pairing.FailurePayload
				_ = e.Message.Decode(&p)
				report(outcome{err: ErrorForReason(p.Reason)})
			}
		case EventStateChanged:
			if e.State != StateConnected && e.State != StateConnecting {
				report(outcome{err: coreerrors.New(coreerrors.CodeConnectionError, "connection lost while pairing")})
			}
		}
	})
	defer sub.Unsubscribe()

	if err := conn.Send(realtime.EventPairRequest, realtime.PairRequestPayload{Code: code}); err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return &PairResult{DeviceID: o.deviceID}, nil
	case <-ctx.Done():
		return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeTimeout, "waiting for pairing result")
	}
}

// ErrorForReason 把服务端返回的原因字符串还原为错误
func ErrorForReason(reason string) error {
	switch reason {
	case coreerrors.ReasonCodeNotFound:
		return coreerrors.ErrCodeNotFound
	case coreerrors.ReasonAlreadyPaired:
		return coreerrors.ErrAlreadyPaired
	case coreerrors.ReasonExpired:
		return coreerrors.ErrExpired
	case coreerrors.ReasonValidationError:
		return coreerrors.ErrValidationError
	case coreerrors.ReasonConnectionError:
		return coreerrors.ErrConnectionError
	case coreerrors.ReasonUnauthorized:
		return coreerrors.ErrUnauthorized
	case coreerrors.ReasonRejected:
		return coreerrors.ErrAdmissionRejected
	default:
		return coreerrors.Newf(coreerrors.CodeInternal, "pairing failed: %s", reason)
	}
}
