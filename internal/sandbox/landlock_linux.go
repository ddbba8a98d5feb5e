//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/codefionn/mcpserver/internal/logger"
	landlock "github.com/landlock-lsm/go-landlock/landlock"
)

// Restrict applies a Landlock ruleset to the current process. After it
// returns successfully, the process can only touch the configured paths.
// Paths that do not exist are skipped.
func Restrict(cfg LandlockConfig) error {
	if !cfg.Enabled {
		return nil
	}

	rules := buildRules(cfg.Paths)
	if len(rules) == 0 {
		return fmt.Errorf("landlock: no existing paths to allow")
	}

	var err error
	if cfg.BestEffort {
		err = landlock.V6.BestEffort().RestrictPaths(rules...)
	} else {
		err = landlock.V6.RestrictPaths(rules...)
	}
	if err != nil {
		return fmt.Errorf("landlock restriction failed: %w", err)
	}

	logger.Info("Landlock restrictions applied to %d paths (best_effort=%v)", len(rules), cfg.BestEffort)
	return nil
}

// buildRules uses RODirs/RWDirs for directories and ROFiles/RWFiles for
// regular files, because Landlock rejects directory rights on files.
func buildRules(paths []DirectoryPermission) []landlock.Rule {
	rules := make([]landlock.Rule, 0, len(paths))
	for _, perm := range paths {
		absPath, err := filepath.Abs(perm.Path)
		if err != nil {
			absPath = perm.Path
		}
		info, err := os.Stat(absPath)
		if err != nil {
			logger.Debug("Landlock: skipping missing path %s", absPath)
			continue
		}

		switch {
		case perm.Access == AccessReadWrite && info.IsDir():
			rules = append(rules, landlock.RWDirs(absPath))
		case perm.Access == AccessReadWrite:
			rules = append(rules, landlock.RWFiles(absPath))
		case info.IsDir():
			rules = append(rules, landlock.RODirs(absPath))
		default:
			rules = append(rules, landlock.ROFiles(absPath))
		}
	}
	return rules
}
