package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/benchkit/workbench/lib/apierrors"
)

func newTestSandbox(t *testing.T) (*Sandbox, uuid.UUID) {
	t.Helper()
	root := t.TempDir()
	sb, err := New(root)
	require.NoError(t, err)

	user := uuid.New()
	require.NoError(t, sb.EnsureRoot(user))
	return sb, user
}

func TestResolveWithinRoot(t *testing.T) {
	sb, user := newTestSandbox(t)

	resolved, err := sb.Resolve(user, "project/main.go")
	require.NoError(t, err)
	require.True(t, isPrefix(sb.UserRoot(user), resolved))
}

// B4: a path containing ".." that escapes the root is rejected.
func TestResolveTraversalEscape(t *testing.T) {
	sb, user := newTestSandbox(t)

	_, err := sb.Resolve(user, "../../etc/passwd")
	require.Error(t, err)
	require.True(t, errorsIsPathEscape(err))
}

// B5: a symlink inside the user root pointing outside it is rejected.
func TestResolveSymlinkEscape(t *testing.T) {
	sb, user := newTestSandbox(t)
	root := sb.UserRoot(user)

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o600))

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(secret, link))

	_, err := sb.Resolve(user, "link")
	require.Error(t, err)
	require.True(t, errorsIsPathEscape(err))
}

// B6: component-wise prefix check. user_root=/w/aa must not match /w/aab.
func TestIsPrefixIsComponentWise(t *testing.T) {
	require.True(t, isPrefix("/w/aa", "/w/aa"))
	require.True(t, isPrefix("/w/aa", "/w/aa/file"))
	require.False(t, isPrefix("/w/aa", "/w/aab"))
	require.False(t, isPrefix("/w/aa", "/w/aab/file"))
}

// R3: resolve is idempotent once applied to its own output.
func TestResolveIsIdempotent(t *testing.T) {
	sb, user := newTestSandbox(t)

	first, err := sb.Resolve(user, "a/b/c")
	require.NoError(t, err)

	second, err := sb.Resolve(user, first)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

// P2: for any accepted path, the returned path is canonical and the
// principal's user root is a component-wise prefix of it.
func TestResolveAlwaysUnderRoot(t *testing.T) {
	sb, user := newTestSandbox(t)

	candidates := []string{".", "a", "a/b", "./a/../a/b", "a/b/c.txt"}
	for _, c := range candidates {
		resolved, err := sb.Resolve(user, c)
		require.NoErrorf(t, err, "candidate %q", c)
		require.Truef(t, isPrefix(sb.UserRoot(user), resolved), "candidate %q resolved to %q outside root %q", c, resolved, sb.UserRoot(user))
	}
}

func TestResolveRejectsEmbeddedNUL(t *testing.T) {
	sb, user := newTestSandbox(t)

	_, err := sb.Resolve(user, "a\x00b")
	require.Error(t, err)
}

func errorsIsPathEscape(err error) bool {
	return apierrors.Classify(err) == apierrors.NotFound
}
