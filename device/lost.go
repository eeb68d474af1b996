package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// ErrDeviceLost accompanies core1_0.VKErrorDeviceLost on every call made after the device was lost
var ErrDeviceLost = pkgerrors.New("device lost")

// lostState is sticky: once set it is never cleared
type lostState struct {
	lost   atomic.Bool
	mutex  sync.Mutex
	reason error
}

func (l *lostState) mark(logger *slog.Logger, reason error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.lost.Load() {
		return
	}

	if reason == nil {
		reason = errors.New("unknown reason")
	}
	l.reason = reason
	l.lost.Store(true)

	logger.LogAttrs(context.Background(), slog.LevelError, "device lost", slog.Any("reason", reason))
}

func (l *lostState) check() (common.VkResult, error) {
	if !l.lost.Load() {
		return core1_0.VKSuccess, nil
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	return core1_0.VKErrorDeviceLost, errors.Wrapf(ErrDeviceLost, "%v", l.reason)
}
