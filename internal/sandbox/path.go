package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrUnsafePath is returned when a requested path resolves outside the
// sandbox root. Its message is sent to clients verbatim.
var ErrUnsafePath = errors.New("Unsafe path detected")

// PathSandbox resolves client-supplied relative paths against a fixed root
// directory and rejects anything that escapes it.
type PathSandbox struct {
	root string
}

// NewPathSandbox creates a sandbox rooted at root. The root is made absolute
// and symlink-resolved once; it must exist and be a directory.
func NewPathSandbox(root string) (*PathSandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root %q: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to stat sandbox root %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}
	return &PathSandbox{root: resolved}, nil
}

// Root returns the resolved sandbox root.
func (s *PathSandbox) Root() string {
	return s.root
}

// Resolve maps rel to an absolute path inside the root. Symlinks are
// followed on the longest existing prefix, so targets that do not exist yet
// (a file about to be written) resolve the same way existing ones do.
func (s *PathSandbox) Resolve(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrUnsafePath
	}

	// Absolute inputs are re-rooted rather than trusted.
	joined := filepath.Join(s.root, rel)

	resolved, err := evalExistingPrefix(joined, 0)
	if err != nil {
		return "", err
	}
	if !s.contains(resolved) {
		return "", ErrUnsafePath
	}
	return resolved, nil
}

// Contains reports whether abs, an already resolved absolute path, is the
// root or lies beneath it.
func (s *PathSandbox) Contains(abs string) bool {
	return s.contains(filepath.Clean(abs))
}

func (s *PathSandbox) contains(abs string) bool {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// maxLinkHops bounds how many dangling symlinks are followed by hand.
const maxLinkHops = 40

// evalExistingPrefix resolves symlinks in the deepest existing ancestor of
// path and re-appends the components that do not exist yet. A dangling
// symlink is followed to its target so it cannot be used to create files
// outside the root.
func evalExistingPrefix(path string, hops int) (string, error) {
	path = filepath.Clean(path)
	var tail []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return joinTail(resolved, tail), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		if info, lerr := os.Lstat(current); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			if hops >= maxLinkHops {
				return "", &os.PathError{Op: "resolve", Path: path, Err: syscall.ELOOP}
			}
			target, rerr := os.Readlink(current)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(current), target)
			}
			return evalExistingPrefix(joinTail(target, tail), hops+1)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}

func joinTail(base string, tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		base = filepath.Join(base, tail[i])
	}
	return base
}
