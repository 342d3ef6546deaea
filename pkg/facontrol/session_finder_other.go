//go:build !linux && !windows

package facontrol

import (
	"context"
	"runtime"

	"go.uber.org/zap"
)

func newConnector(logger *zap.SugaredLogger, config *CanonicalConfig) connector {
	return func(ctx context.Context) (serviceConn, error) {
		return nil, PlatformUnsupported.New("no audio backend for %s", runtime.GOOS)
	}
}
