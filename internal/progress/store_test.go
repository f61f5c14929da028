package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "progress.txt"))
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())
	require.False(t, s.Contains("gb/london"))
}

func TestMarkDoneIsDurableAndIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.txt")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.MarkDone("gb/london"))
	require.NoError(t, s.MarkDone("gb/london"))
	require.True(t, s.Contains("gb/london"))
	require.Equal(t, 1, s.Len())

	// The key must be on disk before any flush.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "gb/london\n", string(data))

	// A second store opened from the same file sees the mark.
	reloaded, err := Open(path)
	require.NoError(t, err)
	require.True(t, reloaded.Contains("gb/london"))
}

func TestFlushIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.txt")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.MarkDone("gb/york"))
	require.NoError(t, s.MarkDone("de/berlin"))
	require.NoError(t, s.MarkDone("fr/lyon"))

	require.NoError(t, s.Flush())
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Flush())
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, "de/berlin\nfr/lyon\ngb/york\n", string(first))
}

func TestConcurrentMarks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.txt")
	s, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.MarkDone(fmt.Sprintf("cc/city-%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 400, s.Len())
	require.NoError(t, s.Flush())

	reloaded, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 400, reloaded.Len())
}
