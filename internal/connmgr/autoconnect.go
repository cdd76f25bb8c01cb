package connmgr

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/xrplink/internal/transport"
	"go.uber.org/zap"
)

// findPort is swapped out in tests.
var findPort = transport.FindXRPPort

// AutoConnect watches for an XRP to be plugged in over USB and connects to
// it, unless some connect is already underway. It returns when ctx ends.
func (m *Manager) AutoConnect(ctx context.Context) {
	if m.tr.Primary == nil || m.tr.Primary.Kind() != transport.KindUSB {
		return
	}
	ticker := time.NewTicker(m.cfg.AutoConnectInterval)
	defer ticker.Stop()

	for {
		m.tryAutoConnect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) tryAutoConnect(ctx context.Context) {
	if m.IsConnected() || m.connecting.Load() {
		return
	}
	path, id, err := findPort()
	if err != nil {
		if !errors.Is(err, transport.ErrNotFound) {
			m.log.Debug("port scan failed", zap.Error(err))
		}
		return
	}
	m.log.Info("XRP plugged in", zap.String("port", path), zap.String("board", id.Label))
	if err := m.Connect(ctx, transport.KindUSB); err != nil && !errors.Is(err, ErrConnecting) {
		m.log.Warn("auto connect failed", zap.Error(err))
	}
}
