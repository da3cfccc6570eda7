package committer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcoderexpress/internal/filesystem"
)

func newCommitter() *Committer {
	return New(filesystem.RetryConfig{MaxRetries: 1})
}

func TestTempPath(t *testing.T) {
	c := newCommitter()
	final := filepath.Join(t.TempDir(), "nested", "dir", "song_transcoded.wav")

	tmp, err := c.TempPath(final)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(final), filepath.Dir(tmp))
	assert.True(t, IsTempName(filepath.Base(tmp)))
	assert.True(t, strings.HasSuffix(tmp, "-song_transcoded.wav"))
	assert.Equal(t, ".wav", filepath.Ext(tmp))
	assert.DirExists(t, filepath.Dir(final))

	other, err := c.TempPath(final)
	require.NoError(t, err)
	assert.NotEqual(t, tmp, other)
}

func TestCommit(t *testing.T) {
	c := newCommitter()
	final := filepath.Join(t.TempDir(), "out.wav")

	tmp, err := c.TempPath(final)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, []byte("RIFF"), 0o644))

	require.NoError(t, c.Commit(tmp, final))

	assert.NoFileExists(t, tmp)
	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))
}

func TestCommitReplacesExisting(t *testing.T) {
	c := newCommitter()
	final := filepath.Join(t.TempDir(), "out.wav")
	require.NoError(t, os.WriteFile(final, []byte("old"), 0o644))

	tmp, err := c.TempPath(final)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, []byte("new content"), 0o644))

	require.NoError(t, c.Commit(tmp, final))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))

	entries, err := os.ReadDir(filepath.Dir(final))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCommitFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, tmp string)
		wantOp string
	}{
		{
			name:   "missing artifact",
			setup:  func(t *testing.T, tmp string) {},
			wantOp: "stat",
		},
		{
			name: "empty artifact",
			setup: func(t *testing.T, tmp string) {
				require.NoError(t, os.WriteFile(tmp, nil, 0o644))
			},
			wantOp: "stat",
		},
		{
			name: "directory instead of file",
			setup: func(t *testing.T, tmp string) {
				require.NoError(t, os.Mkdir(tmp, 0o755))
			},
			wantOp: "stat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCommitter()
			final := filepath.Join(t.TempDir(), "out.wav")
			tmp, err := c.TempPath(final)
			require.NoError(t, err)
			tt.setup(t, tmp)

			err = c.Commit(tmp, final)
			require.Error(t, err)

			var commitErr *CommitError
			require.True(t, errors.As(err, &commitErr))
			assert.Equal(t, tt.wantOp, commitErr.Op)
			assert.ErrorIs(t, err, ErrCommit)
			assert.NoFileExists(t, final)
		})
	}
}

func TestCommitRenameIntoMissingDirectory(t *testing.T) {
	c := newCommitter()
	dir := t.TempDir()
	tmp := filepath.Join(dir, TempPrefix+"x-out.wav")
	require.NoError(t, os.WriteFile(tmp, []byte("data"), 0o644))

	err := c.Commit(tmp, filepath.Join(dir, "gone", "out.wav"))

	var commitErr *CommitError
	require.True(t, errors.As(err, &commitErr))
	assert.Equal(t, "rename", commitErr.Op)
	assert.NotErrorIs(t, err, ErrCrossDevice)
	assert.FileExists(t, tmp)
}

func TestCrossDeviceIsIdentified(t *testing.T) {
	err := (&Committer{}).fail("rename", "/out/x", errors.Join(ErrCrossDevice, syscall.EXDEV))
	assert.ErrorIs(t, err, ErrCommit)
	assert.ErrorIs(t, err, ErrCrossDevice)
	assert.ErrorIs(t, err, syscall.EXDEV)
	assert.Contains(t, err.Error(), "commit rename /out/x")
}

func TestDiscard(t *testing.T) {
	c := newCommitter()
	tmp := filepath.Join(t.TempDir(), TempPrefix+"x-out.wav")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	c.Discard(tmp)
	assert.NoFileExists(t, tmp)

	// Missing files and empty paths are ignored.
	c.Discard(tmp)
	c.Discard("")
}

func TestSweepStale(t *testing.T) {
	c := newCommitter()
	root := t.TempDir()

	keep := []string{
		filepath.Join(root, "a_transcoded.wav"),
		filepath.Join(root, "sub", "b_transcoded.wav"),
		filepath.Join(root, ".other-hidden"),
	}
	stale := []string{
		filepath.Join(root, TempPrefix+"1-a_transcoded.wav"),
		filepath.Join(root, "sub", "deep", TempPrefix+"2-c_transcoded.wav"),
	}
	for _, p := range append(append([]string{}, keep...), stale...) {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	removed, err := c.SweepStale(root)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, p := range keep {
		assert.FileExists(t, p)
	}
	for _, p := range stale {
		assert.NoFileExists(t, p)
	}
}

func TestSweepStaleMissingRoot(t *testing.T) {
	_, err := newCommitter().SweepStale(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
