//go:build !linux

package sandbox

import "github.com/codefionn/mcpserver/internal/logger"

// Restrict is a no-op on non-Linux systems.
func Restrict(cfg LandlockConfig) error {
	if cfg.Enabled {
		logger.Warn("Landlock sandboxing is not available on this platform")
	}
	return nil
}
