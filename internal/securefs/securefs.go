// Package securefs reads source files on behalf of analysis tools. Cross
// workspace reads are a first-class feature (a tool is often pointed at a
// sibling repository), so access control is an allow-list of roots plus a
// system-path deny-list rather than a single project-root check. All checks
// run after path normalization and symlink resolution.
package securefs

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/reasonbridge/reasonbridge/internal/errs"
)

// deniedPrefixes are well-known system paths that are never readable,
// regardless of the allow-list.
var deniedPrefixes = []string{
	"/etc", "/proc", "/sys", "/dev", "/boot",
}

var deniedPrefixesWindows = []string{
	`c:\windows`, `c:\program files`, `c:\program files (x86)`,
}

// Reader validates and reads files under a set of allow-listed roots.
type Reader struct {
	workspaceRoot string
	roots         []string
	log           *slog.Logger
}

// New creates a Reader. The workspace root and the user's home directory are
// always allowed; extraRoots adds configured additional trees. Roots are
// normalized to absolute paths at construction.
func New(workspaceRoot string, extraRoots []string, log *slog.Logger) (*Reader, error) {
	absWorkspace, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolve workspace root", err)
	}

	roots := []string{absWorkspace}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		roots = append(roots, filepath.Clean(home))
	}
	for _, r := range extraRoots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "resolve extra root "+r, err)
		}
		roots = append(roots, abs)
	}

	return &Reader{
		workspaceRoot: absWorkspace,
		roots:         roots,
		log:           log.With("component", "securefs"),
	}, nil
}

// Roots returns the normalized allow-listed roots, for diagnostics.
func (r *Reader) Roots() []string {
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

// Validate normalizes path, resolves symlinks, and checks it against the
// allow-list and deny-list. It returns the fully resolved absolute path.
func (r *Reader) Validate(path string) (string, error) {
	if path == "" {
		return "", errs.New(errs.PathSecurity, "empty path")
	}
	for _, c := range path {
		if c == 0 || (c < 0x20 && c != '\t') {
			return "", errs.Newf(errs.PathSecurity, "path contains control characters: %q", path)
		}
	}

	// Project-relative paths resolve under the workspace root.
	abs := path
	if !filepath.IsAbs(path) {
		abs = filepath.Join(r.workspaceRoot, path)
	}
	abs = filepath.Clean(abs)

	if err := r.check(abs); err != nil {
		return "", err
	}

	// Resolve symlinks and re-check: a link inside an allowed root must not
	// point outside every allowed root.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Nonexistent target: the normalized path already passed.
			return abs, nil
		}
		return "", errs.Wrap(errs.PathSecurity, "resolve symlinks for "+abs, err)
	}
	if resolved != abs {
		if err := r.check(resolved); err != nil {
			return "", errs.Newf(errs.PathSecurity, "symlink %s resolves outside allowed roots (%s)", abs, resolved)
		}
	}
	return resolved, nil
}

// check applies the deny-list and allow-list to a normalized absolute path.
func (r *Reader) check(abs string) error {
	lower := strings.ToLower(filepath.ToSlash(abs))
	for _, p := range deniedPrefixes {
		if lower == p || strings.HasPrefix(lower, p+"/") {
			return errs.Newf(errs.PathSecurity, "path %s is under denied system prefix %s", abs, p)
		}
	}
	if runtime.GOOS == "windows" {
		lw := strings.ToLower(abs)
		for _, p := range deniedPrefixesWindows {
			if strings.HasPrefix(lw, p) {
				return errs.Newf(errs.PathSecurity, "path %s is under denied system prefix %s", abs, p)
			}
		}
	}

	for _, root := range r.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return nil
		}
	}
	return errs.Newf(errs.PathSecurity, "path %s is outside all allowed roots", abs)
}

// Read validates path and returns the file contents.
func (r *Reader) Read(path string) ([]byte, error) {
	resolved, err := r.Validate(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errs.Wrap(errs.PathSecurity, "read "+resolved, err)
	}
	r.log.Debug("file read", "path", resolved, "bytes", len(data))
	return data, nil
}

// Exists reports whether path validates and refers to an existing file.
func (r *Reader) Exists(path string) bool {
	resolved, err := r.Validate(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}

// ValidateAll validates every path in files and returns the first failure.
// Used to vet a code scope before any file is opened.
func (r *Reader) ValidateAll(files []string) error {
	for _, f := range files {
		if _, err := r.Validate(f); err != nil {
			return err
		}
	}
	return nil
}
