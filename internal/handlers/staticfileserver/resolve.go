package staticfileserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformedPath is returned for request paths that are not valid
	// UTF-8 or carry bytes no filesystem name may contain.
	ErrMalformedPath = errors.New("malformed request path")
	// ErrOutsideRoot is returned when a path canonicalizes to a location
	// that is neither the root nor below it.
	ErrOutsideRoot = errors.New("path escapes document root")
)

// Resolved is a request path mapped onto the filesystem.
type Resolved struct {
	// Path is the canonical absolute filesystem path.
	Path string
	// Rel is Path relative to the root, '/'-separated; empty for the root itself.
	Rel string
}

// CanonicalRoot returns the absolute, symlink-free form of dir, which must
// be an existing directory.
func CanonicalRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", dir, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", dir, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return "", fmt.Errorf("stat root %q: %w", canon, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root %q is not a directory", canon)
	}
	return canon, nil
}

// stripPrefix removes the mount prefix from rawPath when rawPath sits under
// it, then drops leading slashes.
func stripPrefix(prefix, rawPath string) string {
	p := rawPath
	if trimmed := strings.TrimSuffix(prefix, "/"); trimmed != "" {
		if p == trimmed || strings.HasPrefix(p, trimmed+"/") {
			p = p[len(trimmed):]
		}
	}
	return strings.TrimLeft(p, "/")
}

// accumulate walks the '/'-separated segments of rel. "." is skipped and
// ".." pops the last pushed segment, never climbing above the start.
func accumulate(rel string) ([]string, error) {
	var stack []string
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			if strings.IndexByte(seg, 0) >= 0 {
				return nil, ErrMalformedPath
			}
			if os.PathSeparator != '/' && strings.ContainsRune(seg, os.PathSeparator) {
				return nil, ErrMalformedPath
			}
			if filepath.VolumeName(seg) != "" {
				return nil, ErrMalformedPath
			}
			stack = append(stack, seg)
		}
	}
	return stack, nil
}

// within reports whether p is root or below it, comparing whole path
// components, and returns p relative to root in '/' form.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Resolve maps rawPath, as received under the mount prefix, onto a path
// inside root. root must be canonical (see CanonicalRoot).
//
// ".." segments are applied to the accumulated path before the filesystem
// is touched; the result is then canonicalized and checked again against
// root, which catches escapes through symlinks. A missing target yields an
// error satisfying errors.Is(err, fs.ErrNotExist).
func Resolve(root, prefix, rawPath string) (Resolved, error) {
	if !utf8.ValidString(rawPath) {
		return Resolved{}, ErrMalformedPath
	}

	segments, err := accumulate(stripPrefix(prefix, rawPath))
	if err != nil {
		return Resolved{}, err
	}
	candidate := filepath.Join(append([]string{root}, segments...)...)

	canon, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return Resolved{}, fmt.Errorf("canonicalize %q: %w", strings.Join(segments, "/"), err)
	}
	canon, err = filepath.Abs(canon)
	if err != nil {
		return Resolved{}, fmt.Errorf("canonicalize %q: %w", strings.Join(segments, "/"), err)
	}

	rel, ok := within(root, canon)
	if !ok {
		return Resolved{}, ErrOutsideRoot
	}
	return Resolved{Path: canon, Rel: rel}, nil
}
