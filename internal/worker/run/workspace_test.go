package run

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func TestAcquireWorkspace_Unique(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "nested", "runs")

	const n = 16
	roots := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := AcquireWorkspace(parent)
			if err == nil {
				roots[i] = ws.Root()
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, root := range roots {
		assert.Assert(t, root != "")
		assert.Check(t, !seen[root], root)
		seen[root] = true
		assert.Equal(t, filepath.Dir(root), parent)
	}
}

func TestWorkspace_EnsureDirAndRelease(t *testing.T) {
	ws, err := AcquireWorkspace(t.TempDir())
	assert.NilError(t, err)

	out, err := ws.EnsureDir(OutputDir)
	assert.NilError(t, err)
	assert.Equal(t, out, ws.OutputDir())
	assert.NilError(t, os.WriteFile(filepath.Join(out, "a.txt"), []byte("a"), 0o644))

	_, err = ws.EnsureDir(filepath.Join(ProgramDir, "input"))
	assert.NilError(t, err)

	assert.Assert(t, fs.Equal(ws.Root(), fs.Expected(t, fs.MatchAnyFileMode,
		fs.WithDir(OutputDir, fs.MatchAnyFileMode, fs.WithFile("a.txt", "a", fs.MatchAnyFileMode)),
		fs.WithDir(ProgramDir, fs.MatchAnyFileMode, fs.WithDir("input", fs.MatchAnyFileMode)),
	)))

	assert.NilError(t, ws.Release())
	_, err = os.Stat(ws.Root())
	assert.Check(t, os.IsNotExist(err))
}

func TestWorkspace_ReleaseOnce(t *testing.T) {
	ws, err := AcquireWorkspace(t.TempDir())
	assert.NilError(t, err)

	calls := 0
	ws.removeAll = func(path string) error {
		calls++
		return os.RemoveAll(path)
	}
	assert.NilError(t, ws.Release())
	assert.NilError(t, ws.Release())
	assert.Equal(t, calls, 1)
}

func TestWorkspace_ReleaseError(t *testing.T) {
	ws, err := AcquireWorkspace(t.TempDir())
	assert.NilError(t, err)

	boom := errors.New("device busy")
	ws.removeAll = func(string) error { return boom }
	err = ws.Release()
	assert.Check(t, errors.Is(err, boom))
	assert.Check(t, is.Contains(err.Error(), ws.Root()))
}
