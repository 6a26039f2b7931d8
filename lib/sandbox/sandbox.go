// Package sandbox is the Path Sandbox: the only component permitted to
// turn a possibly attacker-controlled path into one that downstream
// filesystem and process operations may use (spec §4.3).
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/benchkit/workbench/lib/apierrors"
)

// Sandbox computes, validates and canonicalises user-scoped paths under a
// single shared root.
type Sandbox struct {
	// Root is the filesystem prefix under which every per-user subtree
	// lives: WORKSPACE_ROOT in spec §6.
	Root string
}

// New returns a Sandbox rooted at root. root must be an absolute path;
// it is not created here (see EnsureRoot per user).
func New(root string) (*Sandbox, error) {
	if !filepath.IsAbs(root) {
		return nil, trace.BadParameter("workspace root must be an absolute path, got %q", root)
	}
	return &Sandbox{Root: filepath.Clean(root)}, nil
}

// UserRoot returns the canonical per-user root. Deterministic; creates
// nothing.
func (s *Sandbox) UserRoot(userID uuid.UUID) string {
	return filepath.Join(s.Root, userID.String())
}

// EnsureRoot idempotently creates the user root with restrictive
// permissions (mode 0700, spec §6).
func (s *Sandbox) EnsureRoot(userID uuid.UUID) error {
	root := s.UserRoot(userID)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return trace.Wrap(err, "creating user root")
	}
	// MkdirAll does not change the mode of a directory that already
	// exists; enforce it explicitly so a misconfigured prior run never
	// leaves a looser mode behind.
	if err := os.Chmod(root, 0o700); err != nil {
		return trace.Wrap(err, "restricting user root permissions")
	}
	return nil
}

// Resolve normalises candidate (absolute, or relative to the user root),
// fully canonicalises it against the live filesystem, and verifies the
// result is a descendant of UserRoot(userID). Callers MUST use the
// returned path, never the input — this is what defeats TOCTOU-via-
// symlink on the path itself (spec §4.3 point 2).
func (s *Sandbox) Resolve(userID uuid.UUID, candidate string) (string, error) {
	if strings.ContainsRune(candidate, 0) {
		return "", trace.Wrap(apierrors.ErrPathEscape, "embedded NUL byte")
	}

	root := s.UserRoot(userID)

	var joined string
	if filepath.IsAbs(candidate) {
		joined = filepath.Clean(candidate)
	} else {
		joined = filepath.Clean(filepath.Join(root, candidate))
	}

	if !isPrefix(root, joined) {
		return "", trace.Wrap(apierrors.ErrPathEscape, "candidate escapes user root before resolution")
	}

	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", trace.Wrap(err)
	}

	if !isPrefix(root, resolved) {
		return "", trace.Wrap(apierrors.ErrPathEscape, "candidate resolves outside user root")
	}

	return resolved, nil
}

// resolveExisting canonicalises the longest existing prefix of p (via
// EvalSymlinks, which also resolves "." and ".." against the live
// filesystem) and re-appends whatever tail does not yet exist. This
// supports create operations whose final component has no inode yet
// (spec §4.3 point 4), while still catching a symlink earlier in the
// path that escapes the root.
func resolveExisting(p string) (string, error) {
	remaining := []string{}
	cur := p

	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(remaining) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, remaining[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !os.IsNotExist(err) {
			return "", trace.Wrap(err)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			// Hit the filesystem root without finding anything that
			// exists; nothing to canonicalise against.
			return "", trace.Wrap(apierrors.ErrPathEscape, "no existing prefix")
		}
		component := filepath.Base(cur)
		if component == ".." {
			return "", trace.Wrap(apierrors.ErrPathEscape, "traversal segment in non-existent tail")
		}
		remaining = append(remaining, component)
		cur = parent
	}
}

// isPrefix reports whether root is a component-wise prefix of p. This is
// NOT a string-prefix check: "/workspaces/aa" is not a prefix of
// "/workspaces/aab" (spec §4.3 point 5, B6).
func isPrefix(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)

	if root == p {
		return true
	}

	rootParts := splitPath(root)
	pParts := splitPath(p)
	if len(pParts) < len(rootParts) {
		return false
	}
	for i, part := range rootParts {
		if pParts[i] != part {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = filepath.Clean(p)
	if p == string(filepath.Separator) {
		return []string{}
	}
	return strings.Split(strings.TrimPrefix(p, string(filepath.Separator)), string(filepath.Separator))
}
