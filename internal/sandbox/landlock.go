// Package sandbox confines file access to a project root.
//
// PathSandbox performs the per-request containment check that every file
// command goes through. Restrict additionally applies a Linux Landlock
// ruleset to the whole server process, so that a bug in the containment
// check still cannot reach files outside the allowed directories. On
// non-Linux systems Restrict is a no-op.
package sandbox

// AccessLevel represents the type of filesystem access granted to a path.
type AccessLevel int

const (
	// AccessReadOnly grants read-only access (read files, list directories)
	AccessReadOnly AccessLevel = iota
	// AccessReadWrite grants read and write access
	AccessReadWrite
)

// DirectoryPermission represents a directory path with its access level.
type DirectoryPermission struct {
	Path   string
	Access AccessLevel
}

// LandlockConfig controls the process-wide Landlock restriction.
type LandlockConfig struct {
	Enabled bool
	// BestEffort degrades to the strongest ABI the kernel supports instead
	// of failing on older kernels.
	BestEffort bool
	Paths      []DirectoryPermission
}
