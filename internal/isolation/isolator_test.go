package isolation

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestValidatePath(t *testing.T) {
	cases := []struct {
		name    string
		limits  ResourceLimits
		path    string
		mode    PathAccessMode
		allowed bool
	}{
		{"unrestricted read", ResourceLimits{}, "/any/path", PathAccessRead, true},
		{"unrestricted write", ResourceLimits{}, "/any/path", PathAccessWrite, true},
		{"deny child", ResourceLimits{DenyPaths: []string{"/secret"}}, "/secret/file.txt", PathAccessRead, false},
		{"deny exact", ResourceLimits{DenyPaths: []string{"/secret"}}, "/secret", PathAccessWrite, false},
		{"deny beats writable", ResourceLimits{WritablePaths: []string{"/data"}, DenyPaths: []string{"/data/private"}}, "/data/private/x", PathAccessWrite, false},
		{"writable sibling of deny", ResourceLimits{WritablePaths: []string{"/data"}, DenyPaths: []string{"/data/private"}}, "/data/public/x", PathAccessWrite, true},
		{"writable implies read", ResourceLimits{WritablePaths: []string{"/work"}}, "/work/a/b/c", PathAccessRead, true},
		{"read only read", ResourceLimits{ReadOnlyPaths: []string{"/config"}}, "/config/settings.json", PathAccessRead, true},
		{"read only write", ResourceLimits{ReadOnlyPaths: []string{"/config"}}, "/config/settings.json", PathAccessWrite, false},
		{"outside lists", ResourceLimits{ReadOnlyPaths: []string{"/r"}, WritablePaths: []string{"/w"}}, "/other", PathAccessRead, false},
		{"traversal", ResourceLimits{WritablePaths: []string{"/allowed"}}, "/allowed/../denied/secret", PathAccessWrite, false},
		{"partial dir name", ResourceLimits{WritablePaths: []string{"/tmp"}}, "/tmpevil/file", PathAccessWrite, false},
		{"bad deny rule", ResourceLimits{DenyPaths: []string{string([]byte{0})}}, "/any/path", PathAccessRead, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.limits.ValidatePath(tc.path, tc.mode)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
		})
	}
}

func TestValidatePath_SymlinkedParent(t *testing.T) {
	tmp := t.TempDir()
	real := filepath.Join(tmp, "real")
	require.NoError(t, os.MkdirAll(real, 0o755))
	link := filepath.Join(tmp, "link")
	require.NoError(t, os.Symlink(real, link))

	rl := ResourceLimits{WritablePaths: []string{real}}
	assert.NoError(t, rl.ValidatePath(filepath.Join(link, "new.txt"), PathAccessWrite))
}

func TestIsUnderPath(t *testing.T) {
	assert.True(t, isUnderPath("/tmp", "/tmp"))
	assert.True(t, isUnderPath("/tmp/foo/bar", "/tmp"))
	assert.False(t, isUnderPath("/var/log", "/tmp"))
	assert.False(t, isUnderPath("/tmpevil", "/tmp"))
}

func TestFallbackIsolator_Capabilities(t *testing.T) {
	caps := NewFallbackIsolator().Capabilities()
	assert.True(t, caps.CanTimeout)
	assert.False(t, caps.CanLimitMemory)
	assert.False(t, caps.CanIsolateFS)
}

func TestFallbackIsolator_WrapPreservesFields(t *testing.T) {
	original := exec.Command("echo", "hello world")
	original.Dir = os.TempDir()
	original.Env = []string{"FOO=bar"}
	var buf bytes.Buffer
	original.Stdout = &buf

	wrapped, cleanup, err := NewFallbackIsolator().Wrap(context.Background(), original, ResourceLimits{})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, original.Args, wrapped.Args)
	assert.Equal(t, original.Dir, wrapped.Dir)
	assert.Equal(t, []string{"FOO=bar"}, wrapped.Env)

	require.NoError(t, wrapped.Run())
	assert.Equal(t, "hello world\n", buf.String())
}

func TestFallbackIsolator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewFallbackIsolator().Wrap(ctx, exec.Command("echo"), ResourceLimits{})
	require.Error(t, err)
}

func TestFallbackIsolator_TimeoutKills(t *testing.T) {
	wrapped, cleanup, err := NewFallbackIsolator().Wrap(context.Background(),
		exec.Command("sleep", "60"), ResourceLimits{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	require.Error(t, wrapped.Run())
	assert.Less(t, time.Since(start), 2*time.Second)

	// cleanup is safe to call more than once
	cleanup()
}

func TestNewIsolator(t *testing.T) {
	iso := NewIsolator(nil)
	require.NotNil(t, iso)
	_, ok := iso.(*FallbackIsolator)
	assert.True(t, ok)
}
